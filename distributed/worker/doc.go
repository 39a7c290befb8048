// Package worker 实现 worker 节点的运行生命周期。
//
// Handlers 处理 host 下发的命令信封：RUN_BOOTSTRAP 绑定运行并创建团队实例，成员命令
// 经本地入口或直接投递给团队实例，CONTROL_STOP 停止团队并释放绑定。低于已绑定版本的
// 信封被丢弃。Coordinator 为每个运行转发团队事件流到 host，直到运行被拆除。
// LocalDispatcher 让 host 节点复用同一套实例管理来承载本地成员。
package worker
