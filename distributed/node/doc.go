// Package node 按配置组装一个团队节点。
//
// host 角色持有编排器、事件聚合与远端事件摄取，并提供团队命令入口；worker 角色接收
// 命令信封。两种角色共享同一个绑定注册表与本地团队实例，因此 host 上的本地成员与
// worker 走同一套生命周期。节点目录由静态配置播种，维护循环通过探测对端 /healthz
// 记录心跳，并把成员落在失联节点的运行重新绑定。
package node
