package binding

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrBindingNotFound 运行没有绑定
	ErrBindingNotFound = errors.New("binding: run has no binding")
	// ErrStaleBinding 新绑定的 RunVersion 不大于现有绑定
	ErrStaleBinding = errors.New("binding: run version is not newer than the current binding")
	// ErrMemberNotBound 成员不在绑定中
	ErrMemberNotBound = errors.New("binding: member is not bound")
)

// MemberBinding 成员到具体 Agent 实例的绑定
type MemberBinding struct {
	MemberName         string         `json:"member_name"`
	AgentDefinitionID  string         `json:"agent_definition_id"`
	LLMModelIdentifier string         `json:"llm_model_identifier,omitempty"`
	LLMConfig          map[string]any `json:"llm_config,omitempty"`
	WorkspaceID        string         `json:"workspace_id,omitempty"`
	MemberRouteKey     string         `json:"member_route_key"`
	MemberAgentID      string         `json:"member_agent_id,omitempty"`
	AutoExecuteTools   bool           `json:"auto_execute_tools"`
	MemoryDir          string         `json:"memory_dir,omitempty"`
}

// RunScopedTeamBinding 某一运行版本的团队绑定快照。重新绑定时整体替换。
type RunScopedTeamBinding struct {
	TeamRunID        string          `json:"team_run_id"`
	RunVersion       int64           `json:"run_version"`
	TeamDefinitionID string          `json:"team_definition_id"`
	RuntimeTeamID    string          `json:"runtime_team_id"`
	MemberBindings   []MemberBinding `json:"member_bindings"`
	BoundAt          time.Time       `json:"bound_at"`
}

// Clone 深拷贝绑定
func (b RunScopedTeamBinding) Clone() RunScopedTeamBinding {
	out := b
	if b.MemberBindings != nil {
		out.MemberBindings = make([]MemberBinding, len(b.MemberBindings))
		for i, m := range b.MemberBindings {
			m.LLMConfig = cloneConfig(m.LLMConfig)
			out.MemberBindings[i] = m
		}
	}
	return out
}

// Member 按名称查找成员绑定
func (b RunScopedTeamBinding) Member(name string) (MemberBinding, bool) {
	for _, m := range b.MemberBindings {
		if m.MemberName == name {
			m.LLMConfig = cloneConfig(m.LLMConfig)
			return m, true
		}
	}
	return MemberBinding{}, false
}

// Encode 序列化绑定快照（用于 RUN_BOOTSTRAP 信封）
func (b RunScopedTeamBinding) Encode() (json.RawMessage, error) {
	return json.Marshal(b)
}

// Decode 反序列化绑定快照
func Decode(raw json.RawMessage) (RunScopedTeamBinding, error) {
	var b RunScopedTeamBinding
	if err := json.Unmarshal(raw, &b); err != nil {
		return RunScopedTeamBinding{}, fmt.Errorf("decode binding: %w", err)
	}
	return b, nil
}

// cloneConfig 深拷贝 JSON 形态的配置，嵌套的 map/slice 不与调用方共享
func cloneConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return nil
	}
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneConfig(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Registry 运行级绑定注册表。每个 teamRunId 仅保留当前版本的一份绑定，读取返回副本。
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]RunScopedTeamBinding
	logger   *zap.Logger
}

// NewRegistry 创建注册表
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		bindings: make(map[string]RunScopedTeamBinding),
		logger:   logger.With(zap.String("component", "binding_registry")),
	}
}

// Bind 写入绑定；RunVersion 必须大于现有绑定
func (r *Registry) Bind(b RunScopedTeamBinding) error {
	if b.TeamRunID == "" {
		return fmt.Errorf("binding: team_run_id is required")
	}
	if b.BoundAt.IsZero() {
		b.BoundAt = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.bindings[b.TeamRunID]; ok && b.RunVersion <= cur.RunVersion {
		return fmt.Errorf("%w: run %s has version %d, got %d", ErrStaleBinding, b.TeamRunID, cur.RunVersion, b.RunVersion)
	}
	r.bindings[b.TeamRunID] = b.Clone()

	r.logger.Info("run bound",
		zap.String("team_run_id", b.TeamRunID),
		zap.Int64("run_version", b.RunVersion),
		zap.String("runtime_team_id", b.RuntimeTeamID),
		zap.Int("members", len(b.MemberBindings)),
	)
	return nil
}

// Get 返回绑定副本
func (r *Registry) Get(teamRunID string) (RunScopedTeamBinding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[teamRunID]
	if !ok {
		return RunScopedTeamBinding{}, false
	}
	return b.Clone(), true
}

// CurrentVersion 返回运行当前绑定版本
func (r *Registry) CurrentVersion(teamRunID string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[teamRunID]
	return b.RunVersion, ok
}

// Unbind 释放运行绑定，返回是否存在
func (r *Registry) Unbind(teamRunID string) bool {
	r.mu.Lock()
	_, ok := r.bindings[teamRunID]
	delete(r.bindings, teamRunID)
	r.mu.Unlock()
	if ok {
		r.logger.Info("run unbound", zap.String("team_run_id", teamRunID))
	}
	return ok
}

// ResolveMember 查找运行中成员的绑定
func (r *Registry) ResolveMember(teamRunID, memberName string) (MemberBinding, error) {
	b, ok := r.Get(teamRunID)
	if !ok {
		return MemberBinding{}, fmt.Errorf("%w: %s", ErrBindingNotFound, teamRunID)
	}
	m, ok := b.Member(memberName)
	if !ok {
		return MemberBinding{}, fmt.Errorf("%w: %s in run %s", ErrMemberNotBound, memberName, teamRunID)
	}
	return m, nil
}

// RunIDs 返回所有已绑定运行
func (r *Registry) RunIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.bindings))
	for id := range r.bindings {
		out = append(out, id)
	}
	return out
}
