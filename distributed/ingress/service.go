package ingress

import (
	"context"
	"fmt"

	"github.com/BaSui01/agentteam/distributed/envelope"
	"github.com/BaSui01/agentteam/distributed/orchestrator"
	"github.com/BaSui01/agentteam/types"
	"go.uber.org/zap"
)

// RunDispatcher Service 依赖的编排器派发能力
type RunDispatcher interface {
	DispatchUserMessage(ctx context.Context, teamRunID string, p envelope.UserMessagePayload) (orchestrator.DispatchResult, error)
	DispatchInterAgentMessage(ctx context.Context, teamRunID string, p envelope.InterAgentMessagePayload) (orchestrator.DispatchResult, error)
	DispatchToolApproval(ctx context.Context, teamRunID string, p envelope.ToolApprovalPayload) (orchestrator.DispatchResult, error)
}

// =============================================================================
// 📋 请求与响应
// =============================================================================

// UserMessageRequest 用户消息
type UserMessageRequest struct {
	TeamID           string   `json:"team_id"`
	TargetMemberName string   `json:"target_member_name,omitempty"`
	Content          string   `json:"content"`
	ContextFiles     []string `json:"context_files,omitempty"`
}

// InterAgentMessageRequest 成员间消息
type InterAgentMessageRequest struct {
	TeamID              string `json:"team_id"`
	SenderAgentID       string `json:"sender_agent_id"`
	SenderMemberName    string `json:"sender_member_name,omitempty"`
	RecipientMemberName string `json:"recipient_member_name,omitempty"`
	Content             string `json:"content"`
	MessageType         string `json:"message_type,omitempty"`
}

// IssueToolApprovalTokenRequest 签发审批令牌
type IssueToolApprovalTokenRequest struct {
	TeamID            string `json:"team_id"`
	InvocationID      string `json:"invocation_id"`
	InvocationVersion int64  `json:"invocation_version"`
	TargetMemberName  string `json:"target_member_name,omitempty"`
}

// ToolApprovalRequest 提交审批结果。
// InvocationVersion 为调用方看到的当前调用版本，0 表示不提供。
type ToolApprovalRequest struct {
	TeamID            string            `json:"team_id"`
	Token             ToolApprovalToken `json:"token"`
	InvocationVersion int64             `json:"invocation_version,omitempty"`
	Approved          bool              `json:"approved"`
	Reason            string            `json:"reason,omitempty"`
}

// DispatchResponse 所有入口的统一返回
type DispatchResponse struct {
	TeamID     string          `json:"team_id"`
	TeamRunID  string          `json:"team_run_id,omitempty"`
	RunVersion int64           `json:"run_version,omitempty"`
	Accepted   bool            `json:"accepted"`
	ErrorCode  types.ErrorCode `json:"error_code,omitempty"`
}

// IssuedToolApprovalToken 签发结果
type IssuedToolApprovalToken struct {
	DispatchResponse
	Token ToolApprovalToken `json:"token"`
}

// =============================================================================
// 🚪 Service
// =============================================================================

// Service 团队命令入口，API 层的唯一调用点
type Service struct {
	locator     *Locator
	dispatcher  RunDispatcher
	invocations InvocationVersionResolver
	logger      *zap.Logger
}

// ServiceOption 可选配置
type ServiceOption func(*Service)

// WithInvocationVersionResolver 审批时按调用的权威版本校验令牌
func WithInvocationVersionResolver(r InvocationVersionResolver) ServiceOption {
	return func(s *Service) { s.invocations = r }
}

// NewService 创建入口服务
func NewService(locator *Locator, dispatcher RunDispatcher, logger *zap.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		locator:    locator,
		dispatcher: dispatcher,
		logger:     logger.With(zap.String("component", "team_command_ingress")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DispatchUserMessage 派发用户消息；团队没有运行时先创建
func (s *Service) DispatchUserMessage(ctx context.Context, req UserMessageRequest) (DispatchResponse, error) {
	id, err := s.locator.ResolveOrCreateRun(ctx, req.TeamID)
	if err != nil {
		return s.reject(req.TeamID, err)
	}
	target := req.TargetMemberName
	if target == "" {
		target = id.CoordinatorMemberName
	}
	res, err := s.dispatcher.DispatchUserMessage(types.WithTeamRunID(ctx, id.TeamRunID), id.TeamRunID, envelope.UserMessagePayload{
		TargetMemberName: target,
		Content:          req.Content,
		ContextFiles:     req.ContextFiles,
	})
	return s.finish(id, res, err, "dispatch user message")
}

// DispatchInterAgentMessage 派发成员间消息，接收者为空时发给协调者
func (s *Service) DispatchInterAgentMessage(ctx context.Context, req InterAgentMessageRequest) (DispatchResponse, error) {
	id, err := s.locator.ResolveActiveRun(ctx, req.TeamID)
	if err != nil {
		return s.reject(req.TeamID, err)
	}
	recipient := req.RecipientMemberName
	if recipient == "" {
		recipient = id.CoordinatorMemberName
	}
	res, err := s.dispatcher.DispatchInterAgentMessage(types.WithTeamRunID(ctx, id.TeamRunID), id.TeamRunID, envelope.InterAgentMessagePayload{
		SenderAgentID:       req.SenderAgentID,
		SenderMemberName:    req.SenderMemberName,
		RecipientMemberName: recipient,
		Content:             req.Content,
		MessageType:         req.MessageType,
	})
	return s.finish(id, res, err, "dispatch inter-agent message")
}

// IssueToolApprovalToken 签发绑定当前运行版本与调用版本的审批令牌
func (s *Service) IssueToolApprovalToken(ctx context.Context, req IssueToolApprovalTokenRequest) (IssuedToolApprovalToken, error) {
	if req.InvocationID == "" {
		resp, err := s.reject(req.TeamID, newError(types.ErrInvalidRequest, req.TeamID, "invocation id is required", nil))
		return IssuedToolApprovalToken{DispatchResponse: resp}, err
	}
	id, err := s.locator.ResolveActiveRun(ctx, req.TeamID)
	if err != nil {
		resp, err := s.reject(req.TeamID, err)
		return IssuedToolApprovalToken{DispatchResponse: resp}, err
	}
	target := req.TargetMemberName
	if target == "" {
		target = id.CoordinatorMemberName
	}
	return IssuedToolApprovalToken{
		DispatchResponse: DispatchResponse{
			TeamID:     id.TeamID,
			TeamRunID:  id.TeamRunID,
			RunVersion: id.RunVersion,
			Accepted:   true,
		},
		Token: ToolApprovalToken{
			TeamRunID:         id.TeamRunID,
			RunVersion:        id.RunVersion,
			InvocationID:      req.InvocationID,
			InvocationVersion: req.InvocationVersion,
			TargetMemberName:  target,
		},
	}, nil
}

// DispatchToolApproval 校验令牌后派发审批；运行或调用已被取代时返回 STALE_APPROVAL_TOKEN
func (s *Service) DispatchToolApproval(ctx context.Context, req ToolApprovalRequest) (DispatchResponse, error) {
	id, err := s.locator.ResolveActiveRun(ctx, req.TeamID)
	if err != nil {
		return s.reject(req.TeamID, err)
	}
	tok := req.Token

	// 令牌所属运行已被自动停止，即使团队已有新运行也报告停止原因
	if tok.TeamRunID != "" && tok.TeamRunID != id.TeamRunID && s.locator.runs.IsAutoStopped(tok.TeamRunID) {
		return s.reject(req.TeamID, newError(types.ErrRunAutoStopped, req.TeamID,
			fmt.Sprintf("token run %s was auto-stopped", tok.TeamRunID), nil))
	}
	if reason := tok.staleReason(id); reason != "" {
		return s.stale(id, tok, reason)
	}
	if req.InvocationVersion > 0 && req.InvocationVersion != tok.InvocationVersion {
		return s.stale(id, tok, fmt.Sprintf("token invocation version %d, presented %d", tok.InvocationVersion, req.InvocationVersion))
	}
	if s.invocations != nil {
		current, ok, err := s.invocations.CurrentInvocationVersion(ctx, id.TeamRunID, tok.InvocationID)
		if err != nil {
			return s.reject(req.TeamID, wrap(req.TeamID, "resolve invocation version", err))
		}
		if !ok {
			return s.reject(req.TeamID, newError(types.ErrInvocationVersionUnknown, req.TeamID,
				fmt.Sprintf("invocation %s has no known version", tok.InvocationID), nil))
		}
		if current != tok.InvocationVersion {
			return s.stale(id, tok, fmt.Sprintf("token invocation version %d, current %d", tok.InvocationVersion, current))
		}
	}

	res, err := s.dispatcher.DispatchToolApproval(types.WithTeamRunID(ctx, id.TeamRunID), id.TeamRunID, envelope.ToolApprovalPayload{
		TargetMemberName:  tok.TargetMemberName,
		InvocationID:      tok.InvocationID,
		InvocationVersion: tok.InvocationVersion,
		Approved:          req.Approved,
		Reason:            req.Reason,
	})
	return s.finish(id, res, err, "dispatch tool approval")
}

// RestartTeamRun 解除自动停止并为团队创建新运行；团队已有活动运行时直接返回它
func (s *Service) RestartTeamRun(ctx context.Context, teamID string) (DispatchResponse, error) {
	if s.locator.ClearAutoStop(teamID) {
		s.logger.Info("restarting auto-stopped team", zap.String("team_id", teamID))
	}
	id, err := s.locator.ResolveOrCreateRun(ctx, teamID)
	if err != nil {
		return s.reject(teamID, err)
	}
	return DispatchResponse{
		TeamID:     id.TeamID,
		TeamRunID:  id.TeamRunID,
		RunVersion: id.RunVersion,
		Accepted:   true,
	}, nil
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func (s *Service) stale(id RunIdentity, tok ToolApprovalToken, reason string) (DispatchResponse, error) {
	s.logger.Info("stale approval token rejected",
		zap.String("team_id", id.TeamID),
		zap.String("team_run_id", id.TeamRunID),
		zap.String("invocation_id", tok.InvocationID),
		zap.String("reason", reason),
	)
	return DispatchResponse{
		TeamID:     id.TeamID,
		TeamRunID:  id.TeamRunID,
		RunVersion: id.RunVersion,
		ErrorCode:  types.ErrStaleApprovalToken,
	}, newError(types.ErrStaleApprovalToken, id.TeamID, reason, nil)
}

func (s *Service) reject(teamID string, err error) (DispatchResponse, error) {
	ie := wrap(teamID, "resolve run", err)
	return DispatchResponse{TeamID: teamID, ErrorCode: ie.Code}, ie
}

// finish 未被接受的派发一律返回带错误码的响应和 TeamCommandIngressError
func (s *Service) finish(id RunIdentity, res orchestrator.DispatchResult, err error, op string) (DispatchResponse, error) {
	resp := DispatchResponse{
		TeamID:     id.TeamID,
		TeamRunID:  id.TeamRunID,
		RunVersion: id.RunVersion,
		Accepted:   err == nil && res.Accepted,
	}
	if res.RunVersion > 0 {
		resp.RunVersion = res.RunVersion
	}
	if resp.Accepted {
		return resp, nil
	}

	code := res.ErrorCode
	if code == "" {
		code = types.GetErrorCode(err)
	}
	if code == "" {
		code = types.ErrTeamDispatchUnavailable
	}
	resp.ErrorCode = code

	s.logger.Warn("team command not accepted",
		zap.String("team_id", id.TeamID),
		zap.String("team_run_id", id.TeamRunID),
		zap.String("operation", op),
		zap.String("error_code", string(code)),
		zap.Error(err),
	)
	return resp, newError(code, id.TeamID, op, err)
}
