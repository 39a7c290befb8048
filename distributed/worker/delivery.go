package worker

import (
	"context"
	"fmt"

	"github.com/BaSui01/agentteam/distributed/envelope"
)

// LocalIngress worker 本地路由入口。返回 handled=false 表示未处理，由团队实例直接接收。
type LocalIngress interface {
	DeliverUserMessage(ctx context.Context, teamRunID string, p envelope.UserMessagePayload) (bool, error)
	DeliverInterAgentMessage(ctx context.Context, teamRunID string, p envelope.InterAgentMessagePayload) (bool, error)
	DeliverToolApproval(ctx context.Context, teamRunID string, p envelope.ToolApprovalPayload) (bool, error)
}

// command 已解码的成员命令
type command struct {
	kind    envelope.Kind
	payload any
}

// delivery 命令投递策略
type delivery interface {
	deliver(ctx context.Context, teamRunID string, team TeamInstance, cmd command) (handled bool, err error)
}

// localIngressDelivery 经 worker 本地入口投递
type localIngressDelivery struct {
	ingress LocalIngress
}

func (d localIngressDelivery) deliver(ctx context.Context, teamRunID string, _ TeamInstance, cmd command) (bool, error) {
	switch p := cmd.payload.(type) {
	case envelope.UserMessagePayload:
		return d.ingress.DeliverUserMessage(ctx, teamRunID, p)
	case envelope.InterAgentMessagePayload:
		return d.ingress.DeliverInterAgentMessage(ctx, teamRunID, p)
	case envelope.ToolApprovalPayload:
		return d.ingress.DeliverToolApproval(ctx, teamRunID, p)
	default:
		return false, nil
	}
}

// directDelivery 直接调用团队实例
type directDelivery struct{}

func (directDelivery) deliver(ctx context.Context, _ string, team TeamInstance, cmd command) (bool, error) {
	var err error
	switch p := cmd.payload.(type) {
	case envelope.UserMessagePayload:
		err = team.PostMessage(ctx, p)
	case envelope.InterAgentMessagePayload:
		err = team.PostInterAgentMessage(ctx, p)
	case envelope.ToolApprovalPayload:
		err = team.PostToolExecutionApproval(ctx, p)
	default:
		return false, fmt.Errorf("worker: unsupported command %s", cmd.kind)
	}
	return err == nil, err
}

// deliverChain 先尝试 primary；未处理时回退到直接投递。返回 handledByWorkerLocalIngress。
func deliverChain(ctx context.Context, primary delivery, teamRunID string, team TeamInstance, cmd command) (bool, error) {
	if primary != nil {
		handled, err := primary.deliver(ctx, teamRunID, team, cmd)
		if err != nil {
			return false, err
		}
		if handled {
			return true, nil
		}
	}
	_, err := directDelivery{}.deliver(ctx, teamRunID, team, cmd)
	return false, err
}
