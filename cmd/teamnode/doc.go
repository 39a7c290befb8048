// Copyright (c) AgentTeam Authors.
// Licensed under the MIT License.

/*
Package main 提供团队节点的可执行入口。

# 概述

cmd/teamnode 按配置中的角色（host / worker）组装一个团队节点，对外提供
内部分布式端点、健康检查、版本查询与 Prometheus 指标，并附带 journal
表结构迁移与健康探测子命令。

# 核心类型

  - Server           — 组合 node.Node 与内部端点、Metrics 两个监听，负责优雅关闭
  - Middleware       — HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve、migrate（up / down / status / version）、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、
    RequestLogger、MetricsMiddleware；内部端点额外按调用方节点限流
  - 优雅关闭：信号 → 停止节点（广播停止活动运行）→ 关闭 HTTP → 关闭 Metrics → 刷新遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
