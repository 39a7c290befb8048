// Package orchestrator 管理团队运行的生命周期：启动时校验放置并分配运行 ID 与版本，
// 通过路由端口派发命令，把派发失败交给降级策略，降级后再失败即自动停止运行。
// 支持重新绑定（版本递增）与显式停止，并为事件栅栏提供权威运行版本。
package orchestrator
