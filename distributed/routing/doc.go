// Package routing 实现运行级的成员路由端口：本地成员直接调用，
// 远端成员构建信封经 host 桥接客户端投递，CONTROL_STOP 并发广播到所有节点。
package routing
