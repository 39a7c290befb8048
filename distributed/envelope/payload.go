package envelope

import "encoding/json"

// UserMessagePayload USER_MESSAGE 负载
type UserMessagePayload struct {
	TargetMemberName string   `json:"target_member_name"`
	Content          string   `json:"content"`
	ContextFiles     []string `json:"context_files,omitempty"`
}

// InterAgentMessagePayload INTER_AGENT_MESSAGE_REQUEST 负载
type InterAgentMessagePayload struct {
	SenderAgentID       string `json:"sender_agent_id"`
	SenderMemberName    string `json:"sender_member_name,omitempty"`
	RecipientMemberName string `json:"recipient_member_name"`
	Content             string `json:"content"`
	MessageType         string `json:"message_type,omitempty"`
}

// ToolApprovalPayload TOOL_APPROVAL 负载
type ToolApprovalPayload struct {
	TargetMemberName  string `json:"target_member_name"`
	InvocationID      string `json:"invocation_id"`
	InvocationVersion int64  `json:"invocation_version,omitempty"`
	Approved          bool   `json:"approved"`
	Reason            string `json:"reason,omitempty"`
}

// ControlStopPayload CONTROL_STOP 负载
type ControlStopPayload struct {
	Reason string `json:"reason,omitempty"`
}

// RunBootstrapPayload RUN_BOOTSTRAP 负载。Binding 为 binding.RunScopedTeamBinding 的 JSON 快照，
// 以原始 JSON 传输避免 envelope 包依赖 binding 包。
type RunBootstrapPayload struct {
	HostNodeID string          `json:"host_node_id"`
	Binding    json.RawMessage `json:"binding"`
}
