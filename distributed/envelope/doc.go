// 版权所有 2024 AgentTeam Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 envelope 定义节点之间传输的团队命令信封。

TeamEnvelope 由 Builder 构建，每次构建都会分配全新的 EnvelopeID，
构建后视为不可变。信封携带 TeamRunID 与 RunVersion，worker 端据此
做去重与版本隔离（fencing）。

信封类型：

  - USER_MESSAGE：用户消息，投递给目标成员
  - INTER_AGENT_MESSAGE_REQUEST：成员之间的消息
  - TOOL_APPROVAL：工具调用审批结果
  - CONTROL_STOP：停止运行
  - RUN_BOOTSTRAP：首次下发命令前同步运行绑定
*/
package envelope
