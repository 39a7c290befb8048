// Package localteam 提供进程内的团队运行时：记录投递给成员的命令并以事件流回显，
// 供单节点部署与测试使用。真实的 agent 执行框架通过 worker.TeamProvider 接入。
package localteam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/agentteam/distributed/binding"
	"github.com/BaSui01/agentteam/distributed/envelope"
	"github.com/BaSui01/agentteam/distributed/events"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 事件类型
const (
	EventMessageReceived    = "member.message_received"
	EventInterAgentReceived = "member.inter_agent_message_received"
	EventToolApproval       = "member.tool_approval_received"
	EventTeamStopped        = "team.stopped"
)

// ErrTeamStopped 团队已停止
var ErrTeamStopped = errors.New("localteam: team stopped")

// Provider 创建进程内团队
type Provider struct {
	buffer int
	now    func() time.Time
	logger *zap.Logger

	mu    sync.Mutex
	teams map[string]*Team
}

// NewProvider 创建 Provider；buffer 为每个团队事件流的缓冲大小
func NewProvider(buffer int, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 64
	}
	return &Provider{
		buffer: buffer,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(zap.String("component", "local_team_runtime")),
		teams:  make(map[string]*Team),
	}
}

// CreateTeam 按绑定创建团队
func (p *Provider) CreateTeam(_ context.Context, b binding.RunScopedTeamBinding) (*Team, error) {
	if len(b.MemberBindings) == 0 {
		return nil, fmt.Errorf("localteam: run %s has no members", b.TeamRunID)
	}
	t := &Team{
		binding: b.Clone(),
		stream:  events.NewChannelStream(p.buffer),
		now:     p.now,
		logger:  p.logger.With(zap.String("team_run_id", b.TeamRunID)),
	}
	t.onStop = func() {
		p.mu.Lock()
		if p.teams[b.TeamRunID] == t {
			delete(p.teams, b.TeamRunID)
		}
		p.mu.Unlock()
	}
	p.mu.Lock()
	p.teams[b.TeamRunID] = t
	p.mu.Unlock()
	return t, nil
}

// Team 返回运行对应的团队
func (p *Provider) Team(teamRunID string) (*Team, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.teams[teamRunID]
	return t, ok
}

// Delivery 一次投递记录
type Delivery struct {
	Kind    envelope.Kind
	Member  string
	Payload any
}

// Team 进程内团队实例
type Team struct {
	binding binding.RunScopedTeamBinding
	stream  *events.ChannelStream
	now     func() time.Time
	onStop  func()
	logger  *zap.Logger

	mu         sync.Mutex
	deliveries []Delivery
	stopped    bool
}

// Deliveries 返回已接收的命令
func (t *Team) Deliveries() []Delivery {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Delivery(nil), t.deliveries...)
}

// Stopped 是否已停止
func (t *Team) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// PostMessage 投递用户消息
func (t *Team) PostMessage(ctx context.Context, p envelope.UserMessagePayload) error {
	return t.post(ctx, envelope.KindUserMessage, p.TargetMemberName, p, EventMessageReceived,
		map[string]any{"content": p.Content, "context_files": p.ContextFiles})
}

// PostInterAgentMessage 投递成员间消息
func (t *Team) PostInterAgentMessage(ctx context.Context, p envelope.InterAgentMessagePayload) error {
	return t.post(ctx, envelope.KindInterAgentMessageRequest, p.RecipientMemberName, p, EventInterAgentReceived,
		map[string]any{"content": p.Content, "sender_member_name": p.SenderMemberName, "message_type": p.MessageType})
}

// PostToolExecutionApproval 投递工具审批
func (t *Team) PostToolExecutionApproval(ctx context.Context, p envelope.ToolApprovalPayload) error {
	return t.post(ctx, envelope.KindToolApproval, p.TargetMemberName, p, EventToolApproval,
		map[string]any{"invocation_id": p.InvocationID, "approved": p.Approved, "reason": p.Reason})
}

// Stop 发出 team.stopped 后关闭事件流，可重复调用
func (t *Team) Stop(ctx context.Context, reason string) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	t.mu.Unlock()

	err := t.emit(ctx, "", "", EventTeamStopped, map[string]any{"reason": reason})
	_ = t.stream.Close()
	if t.onStop != nil {
		t.onStop()
	}
	return err
}

// Events 团队事件流
func (t *Team) Events() events.Stream {
	return t.stream
}

func (t *Team) post(ctx context.Context, kind envelope.Kind, member string, payload any, eventType string, body map[string]any) error {
	mb, ok := t.binding.Member(member)
	if !ok {
		return fmt.Errorf("localteam: member %q not in run %s", member, t.binding.TeamRunID)
	}
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return ErrTeamStopped
	}
	t.deliveries = append(t.deliveries, Delivery{Kind: kind, Member: member, Payload: payload})
	t.mu.Unlock()

	agentID := mb.MemberAgentID
	if agentID == "" {
		agentID = mb.AgentDefinitionID
	}
	return t.emit(ctx, member, agentID, eventType, body)
}

func (t *Team) emit(ctx context.Context, member, agentID, eventType string, body map[string]any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	err = t.stream.Send(ctx, events.TeamEvent{
		EventID:    uuid.NewString(),
		MemberName: member,
		AgentID:    agentID,
		EventType:  eventType,
		Payload:    raw,
		OccurredAt: t.now(),
	})
	if errors.Is(err, events.ErrStreamClosed) {
		t.logger.Debug("event emitted after stream closed", zap.String("event_type", eventType))
		return nil
	}
	return err
}
