// 版权所有 2024 AgentTeam Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的节点指标采集能力，覆盖 HTTP、
节点间命令投递、远端事件摄取与团队运行生命周期。

# 概述

Collector 通过 promauto 注册全部指标，按 namespace 隔离。
所有 Record 方法对 nil 接收者安全，组件可在未启用指标时传入 nil。

# 主要能力

  - HTTP 指标：请求总数、耗时、请求/响应体大小，状态码归类为 2xx/3xx/4xx/5xx。
  - 命令投递：envelopes_sent_total{kind,outcome} 与每个信封的传输尝试次数。
  - Worker 处理：commands_handled_total{kind,deduped}。
  - 事件摄取：remote_events_total{outcome,reason}，forwarded_events_total{outcome}。
  - 运行生命周期：team_run_transitions_total{transition} 与活跃运行数 Gauge。
*/
package metrics
