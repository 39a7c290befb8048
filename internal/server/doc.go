// 版权所有 2024 AgentTeam Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供节点 HTTP 监听的生命周期管理，支持非阻塞启动、
优雅关闭与异常退出传播。

# 概述

团队节点同时运行两个监听：节点间内部端点（命令投递、事件上行、
健康检查）与 Prometheus metrics 端点。Manager 封装 net/http.Server，
Wait 把进程级信号上下文与各监听的异步错误汇合为一个退出点。

# 核心类型

  - Manager：HTTP 服务器管理器，持有 http.Server、net.Listener
    与异步错误通道，提供 Start/Shutdown/Errors/Addr 等方法。
  - Config：服务器配置，包含监听地址、读写超时、空闲超时、
    最大请求头大小与优雅关闭超时。

# 主要能力

  - 非阻塞启动：Start 在后台 goroutine 中运行服务。
  - 优雅关闭：Shutdown 在配置的超时内完成请求排空，可重复调用。
  - 退出汇合：Wait 在上下文结束或任一监听异常时返回。
  - 随机端口：Addr 在启动后返回实际监听地址，便于测试使用 ":0"。
*/
package server
