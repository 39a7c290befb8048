package orchestrator

import (
	"maps"
	"time"

	"github.com/BaSui01/agentteam/distributed/degradation"
	"github.com/BaSui01/agentteam/distributed/placement"
	"github.com/BaSui01/agentteam/types"
)

// TeamMemberDefinition 团队成员定义及放置提示
type TeamMemberDefinition struct {
	MemberName         string         `json:"member_name"`
	AgentDefinitionID  string         `json:"agent_definition_id"`
	LLMModelIdentifier string         `json:"llm_model_identifier,omitempty"`
	LLMConfig          map[string]any `json:"llm_config,omitempty"`
	WorkspaceID        string         `json:"workspace_id,omitempty"`
	AutoExecuteTools   bool           `json:"auto_execute_tools"`
	MemoryDir          string         `json:"memory_dir,omitempty"`

	HomeNodeID      string `json:"home_node_id,omitempty"`
	RequiredNodeID  string `json:"required_node_id,omitempty"`
	PreferredNodeID string `json:"preferred_node_id,omitempty"`
}

// Hints 返回成员的放置提示
func (m TeamMemberDefinition) Hints() placement.MemberHints {
	return placement.MemberHints{
		MemberName:      m.MemberName,
		HomeNodeID:      m.HomeNodeID,
		RequiredNodeID:  m.RequiredNodeID,
		PreferredNodeID: m.PreferredNodeID,
	}
}

// TeamDefinition 团队定义
type TeamDefinition struct {
	TeamDefinitionID      string                 `json:"team_definition_id"`
	Name                  string                 `json:"name,omitempty"`
	CoordinatorMemberName string                 `json:"coordinator_member_name"`
	Members               []TeamMemberDefinition `json:"members"`
}

// TeamRunRecord 运行记录，由 Orchestrator 独占
type TeamRunRecord struct {
	TeamRunID             string               `json:"team_run_id"`
	TeamDefinitionID      string               `json:"team_definition_id"`
	RuntimeTeamID         string               `json:"runtime_team_id"`
	HostNodeID            string               `json:"host_node_id"`
	RunVersion            int64                `json:"run_version"`
	Status                degradation.Status   `json:"status"`
	CoordinatorMemberName string               `json:"coordinator_member_name"`
	PlacementByMember     map[string]string    `json:"placement_by_member"`
	Failures              degradation.Counters `json:"failures"`
	CreatedAt             time.Time            `json:"created_at"`
	UpdatedAt             time.Time            `json:"updated_at"`
}

func (r TeamRunRecord) clone() TeamRunRecord {
	out := r
	out.PlacementByMember = maps.Clone(r.PlacementByMember)
	out.Failures.RecentFailures = append([]time.Time(nil), r.Failures.RecentFailures...)
	return out
}

// DispatchResult 派发结果
type DispatchResult struct {
	Accepted   bool               `json:"accepted"`
	TeamRunID  string             `json:"team_run_id"`
	RunVersion int64              `json:"run_version,omitempty"`
	ErrorCode  types.ErrorCode    `json:"error_code,omitempty"`
	Status     degradation.Status `json:"status,omitempty"`
}
