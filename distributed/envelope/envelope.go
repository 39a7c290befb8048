package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind 信封类型
type Kind string

const (
	KindUserMessage              Kind = "USER_MESSAGE"
	KindInterAgentMessageRequest Kind = "INTER_AGENT_MESSAGE_REQUEST"
	KindToolApproval             Kind = "TOOL_APPROVAL"
	KindControlStop              Kind = "CONTROL_STOP"
	// KindRunBootstrap 在首次向某个 worker 下发命令前发送，携带运行绑定快照
	KindRunBootstrap Kind = "RUN_BOOTSTRAP"
)

// Valid reports whether k is a known envelope kind.
func (k Kind) Valid() bool {
	switch k {
	case KindUserMessage, KindInterAgentMessageRequest, KindToolApproval, KindControlStop, KindRunBootstrap:
		return true
	}
	return false
}

// ErrMissingField is returned by Build when a required field is absent.
var ErrMissingField = errors.New("envelope: missing required field")

// TeamEnvelope 节点间传递的命令信封。构建后不可变，worker 端按 EnvelopeID 去重。
type TeamEnvelope struct {
	EnvelopeID string          `json:"envelope_id"`
	TeamRunID  string          `json:"team_run_id"`
	RunVersion int64           `json:"run_version"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

// PayloadBytes returns a copy of the raw payload.
func (e TeamEnvelope) PayloadBytes() []byte {
	return bytes.Clone(e.Payload)
}

// Validate checks required-field presence on an envelope received from the wire.
func (e TeamEnvelope) Validate() error {
	switch {
	case e.EnvelopeID == "":
		return fmt.Errorf("%w: envelope_id", ErrMissingField)
	case e.TeamRunID == "":
		return fmt.Errorf("%w: team_run_id", ErrMissingField)
	case e.RunVersion <= 0:
		return fmt.Errorf("%w: run_version", ErrMissingField)
	case !e.Kind.Valid():
		return fmt.Errorf("%w: kind %q", ErrMissingField, e.Kind)
	case len(e.Payload) == 0:
		return fmt.Errorf("%w: payload", ErrMissingField)
	}
	return nil
}

// BuildInput 调用方提供的信封字段
type BuildInput struct {
	TeamRunID  string
	RunVersion int64
	Kind       Kind
	Payload    any
}

// Builder 构建带有全新 EnvelopeID 的 TeamEnvelope。纯函数，无 I/O。
type Builder struct {
	newID func() string
	now   func() time.Time
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithIDGenerator overrides envelope id generation.
func WithIDGenerator(fn func() string) BuilderOption {
	return func(b *Builder) { b.newID = fn }
}

// WithClock overrides the creation timestamp source.
func WithClock(fn func() time.Time) BuilderOption {
	return func(b *Builder) { b.now = fn }
}

// NewBuilder 创建信封构建器
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{
		newID: func() string { return "env_" + uuid.NewString() },
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build 构建信封。只校验必填字段是否存在。
func (b *Builder) Build(in BuildInput) (TeamEnvelope, error) {
	if in.TeamRunID == "" {
		return TeamEnvelope{}, fmt.Errorf("%w: team_run_id", ErrMissingField)
	}
	if in.RunVersion <= 0 {
		return TeamEnvelope{}, fmt.Errorf("%w: run_version", ErrMissingField)
	}
	if !in.Kind.Valid() {
		return TeamEnvelope{}, fmt.Errorf("%w: kind %q", ErrMissingField, in.Kind)
	}
	if in.Payload == nil {
		return TeamEnvelope{}, fmt.Errorf("%w: payload", ErrMissingField)
	}

	var raw []byte
	switch p := in.Payload.(type) {
	case json.RawMessage:
		raw = bytes.Clone(p)
	default:
		encoded, err := json.Marshal(p)
		if err != nil {
			return TeamEnvelope{}, fmt.Errorf("envelope: encode %s payload: %w", in.Kind, err)
		}
		raw = encoded
	}

	return TeamEnvelope{
		EnvelopeID: b.newID(),
		TeamRunID:  in.TeamRunID,
		RunVersion: in.RunVersion,
		Kind:       in.Kind,
		Payload:    raw,
		CreatedAt:  b.now(),
	}, nil
}

// DecodePayload is a type-safe helper that unmarshals an envelope payload into T.
//
// Usage:
//
//	msg, err := envelope.DecodePayload[envelope.UserMessagePayload](env)
func DecodePayload[T any](env TeamEnvelope) (T, error) {
	var out T
	if len(env.Payload) == 0 {
		return out, fmt.Errorf("%w: payload", ErrMissingField)
	}
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		return out, fmt.Errorf("envelope: decode %s payload: %w", env.Kind, err)
	}
	return out, nil
}
