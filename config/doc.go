// Package config 提供团队节点的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量（AGENTTEAM_ 前缀）的顺序叠加，
// 覆盖节点身份、内部签名、重试、降级阈值、幂等窗口、静态节点、
// Redis、journal 数据库、日志与遥测。Validate 汇总所有错误一次返回。
package config
