package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventsPath host 侧远端事件接收端点
const EventsPath = "/internal/distributed/v1/events"

// Origin 事件来源
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// ErrInvalidEvent 事件缺少必填字段
var ErrInvalidEvent = errors.New("events: invalid remote execution event")

// TeamEvent 团队实例产生的本地事件
type TeamEvent struct {
	EventID    string          `json:"event_id,omitempty"`
	MemberName string          `json:"member_name"`
	AgentID    string          `json:"agent_id,omitempty"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// RemoteExecutionEvent worker 上行到 host 的执行事件
type RemoteExecutionEvent struct {
	TeamRunID     string          `json:"team_run_id"`
	RunVersion    int64           `json:"run_version"`
	SourceNodeID  string          `json:"source_node_id"`
	SourceEventID string          `json:"source_event_id"`
	MemberName    string          `json:"member_name"`
	AgentID       string          `json:"agent_id,omitempty"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// Validate 校验必填字段
func (e RemoteExecutionEvent) Validate() error {
	switch {
	case e.TeamRunID == "":
		return fmt.Errorf("%w: team_run_id is required", ErrInvalidEvent)
	case e.RunVersion <= 0:
		return fmt.Errorf("%w: run_version must be positive", ErrInvalidEvent)
	case e.SourceNodeID == "":
		return fmt.Errorf("%w: source_node_id is required", ErrInvalidEvent)
	case e.SourceEventID == "":
		return fmt.Errorf("%w: source_event_id is required", ErrInvalidEvent)
	case e.EventType == "":
		return fmt.Errorf("%w: event_type is required", ErrInvalidEvent)
	}
	return nil
}

// IdempotencyKey 去重键 (teamRunId, sourceNodeId, sourceEventId)
func (e RemoteExecutionEvent) IdempotencyKey() string {
	return e.TeamRunID + "|" + e.SourceNodeID + "|" + e.SourceEventID
}

// AggregatedEvent 聚合后按运行排序的事件，推送给订阅方
type AggregatedEvent struct {
	TeamRunID    string          `json:"team_run_id"`
	RunVersion   int64           `json:"run_version"`
	SourceNodeID string          `json:"source_node_id"`
	Origin       Origin          `json:"origin"`
	Sequence     int64           `json:"sequence"`
	MemberName   string          `json:"member_name"`
	AgentID      string          `json:"agent_id,omitempty"`
	EventType    string          `json:"event_type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	OccurredAt   time.Time       `json:"occurred_at"`
}
