package worker

import (
	"context"
	"fmt"
	"net/http"

	"github.com/BaSui01/agentteam/distributed/envelope"
	"github.com/BaSui01/agentteam/types"
)

// LocalDispatcher host 节点本地成员的调度器，实现 routing.LocalDispatcher。
// 绑定由编排器写入共享注册表，这里只读取。
type LocalDispatcher struct {
	handlers *Handlers
}

// DispatchUserMessage implements routing.LocalDispatcher.
func (d *LocalDispatcher) DispatchUserMessage(ctx context.Context, teamRunID string, runVersion int64, p envelope.UserMessagePayload) error {
	return d.dispatch(ctx, teamRunID, runVersion, command{kind: envelope.KindUserMessage, payload: p})
}

// DispatchInterAgentMessage implements routing.LocalDispatcher.
func (d *LocalDispatcher) DispatchInterAgentMessage(ctx context.Context, teamRunID string, runVersion int64, p envelope.InterAgentMessagePayload) error {
	return d.dispatch(ctx, teamRunID, runVersion, command{kind: envelope.KindInterAgentMessageRequest, payload: p})
}

// DispatchToolApproval implements routing.LocalDispatcher.
func (d *LocalDispatcher) DispatchToolApproval(ctx context.Context, teamRunID string, runVersion int64, p envelope.ToolApprovalPayload) error {
	return d.dispatch(ctx, teamRunID, runVersion, command{kind: envelope.KindToolApproval, payload: p})
}

// DispatchControlStop implements routing.LocalDispatcher. 绑定的释放由编排器负责。
func (d *LocalDispatcher) DispatchControlStop(ctx context.Context, teamRunID string, runVersion int64, p envelope.ControlStopPayload) error {
	_, err := d.handlers.runtimes.stop(ctx, teamRunID, runVersion, p.Reason)
	return err
}

func (d *LocalDispatcher) dispatch(ctx context.Context, teamRunID string, runVersion int64, cmd command) error {
	h := d.handlers
	b, ok := h.bindings.Get(teamRunID)
	if !ok {
		return types.NewError(types.ErrRunBindingMissing, fmt.Sprintf("run %s is not bound", teamRunID)).
			WithHTTPStatus(http.StatusConflict)
	}
	if b.RunVersion != runVersion {
		return types.NewError(types.ErrStaleRunVersion,
			fmt.Sprintf("run %s dispatched at version %d, bound version %d", teamRunID, runVersion, b.RunVersion)).
			WithHTTPStatus(http.StatusConflict)
	}
	entry, err := h.runtimes.ensure(types.WithTeamRunID(ctx, teamRunID), b, h.nodeID)
	if err != nil {
		return err
	}
	return h.deliver(ctx, teamRunID, entry, cmd)
}
