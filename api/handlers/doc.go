// Copyright (c) AgentTeam Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 AgentTeam 节点的 HTTP 请求处理器实现。

# 概述

handlers 包实现节点对外暴露的全部 HTTP 端点：节点间内部端点
（命令投递与远端事件上行）以及健康检查，并提供统一的响应与错误处理。
所有 Handler 均遵循标准 net/http 接口。

# 核心类型

  - CommandHandler   — worker 侧命令投递端点，转交 bridge.WorkerServer
  - EventHandler     — host 侧远端事件接收端点，转交 events.IngestService
  - HealthHandler    — 节点健康检查（/health, /healthz, /ready, /version）
  - Response         — 错误响应信封（success=false + error + request_id）
  - ResponseWriter   — 包装 http.ResponseWriter 以捕获状态码
  - HealthCheck      — 就绪检查接口（PingCheck 适配 journal、Redis）

# 主要能力

  - 错误写出：WriteError 接受任意 error，按错误码映射状态码并带上 request_id
  - 请求校验：仅接受 POST + application/json，请求体 1 MB 上限，容忍未知字段
  - 内部端点成功时返回原始结果 JSON（HandleResult / IngestResult）
  - 就绪检查并发执行；节点关闭期间 /ready 返回 draining
*/
package handlers
