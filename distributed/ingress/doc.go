// Package ingress 是 API 层调用团队运行的唯一入口。
//
// Locator 把逻辑团队 ID 解析为当前运行（必要时创建），Service 补全默认目标成员、
// 转发给编排器，并把失败转换为 TeamCommandIngressError。工具审批令牌在派发时按
// 活动运行的版本与调用版本校验，过期令牌返回 STALE_APPROVAL_TOKEN。
package ingress
