package worker

import (
	"context"

	"github.com/BaSui01/agentteam/distributed/binding"
	"github.com/BaSui01/agentteam/distributed/envelope"
	"github.com/BaSui01/agentteam/distributed/events"
)

// TeamInstance 节点本地的运行时团队，由外部 agent 执行框架实现
type TeamInstance interface {
	PostMessage(ctx context.Context, p envelope.UserMessagePayload) error
	PostInterAgentMessage(ctx context.Context, p envelope.InterAgentMessagePayload) error
	PostToolExecutionApproval(ctx context.Context, p envelope.ToolApprovalPayload) error
	// Stop 停止团队；之后 Events 返回的流应在缓冲耗尽后结束
	Stop(ctx context.Context, reason string) error
	Events() events.Stream
}

// TeamProvider 按运行绑定创建团队实例
type TeamProvider interface {
	CreateTeam(ctx context.Context, b binding.RunScopedTeamBinding) (TeamInstance, error)
}

// TeamProviderFunc 函数适配器
type TeamProviderFunc func(ctx context.Context, b binding.RunScopedTeamBinding) (TeamInstance, error)

// CreateTeam implements TeamProvider.
func (f TeamProviderFunc) CreateTeam(ctx context.Context, b binding.RunScopedTeamBinding) (TeamInstance, error) {
	return f(ctx, b)
}
