package ingress

import (
	"context"
	"fmt"
)

// ToolApprovalToken 工具审批令牌，绑定签发时的运行版本与调用版本
type ToolApprovalToken struct {
	TeamRunID         string `json:"team_run_id"`
	RunVersion        int64  `json:"run_version"`
	InvocationID      string `json:"invocation_id"`
	InvocationVersion int64  `json:"invocation_version"`
	TargetMemberName  string `json:"target_member_name"`
}

// InvocationVersionResolver 查询工具调用的当前版本
type InvocationVersionResolver interface {
	CurrentInvocationVersion(ctx context.Context, teamRunID, invocationID string) (int64, bool, error)
}

// InvocationVersionResolverFunc 函数适配器
type InvocationVersionResolverFunc func(ctx context.Context, teamRunID, invocationID string) (int64, bool, error)

// CurrentInvocationVersion implements InvocationVersionResolver.
func (f InvocationVersionResolverFunc) CurrentInvocationVersion(ctx context.Context, teamRunID, invocationID string) (int64, bool, error) {
	return f(ctx, teamRunID, invocationID)
}

// staleReason 令牌与活动运行不一致时返回原因，一致返回空串
func (t ToolApprovalToken) staleReason(active RunIdentity) string {
	switch {
	case t.TeamRunID != active.TeamRunID:
		return fmt.Sprintf("token run %s superseded by %s", t.TeamRunID, active.TeamRunID)
	case t.RunVersion != active.RunVersion:
		return fmt.Sprintf("token run version %d, active %d", t.RunVersion, active.RunVersion)
	default:
		return ""
	}
}
