package placement

import (
	"errors"
	"fmt"

	"github.com/BaSui01/agentteam/types"
)

// ViolationCode 放置约束违规类型
type ViolationCode string

const (
	UnknownHomeNode         ViolationCode = "UNKNOWN_HOME_NODE"
	UnknownRequiredNode     ViolationCode = "UNKNOWN_REQUIRED_NODE"
	UnknownPreferredNode    ViolationCode = "UNKNOWN_PREFERRED_NODE"
	HomeNodeConflict        ViolationCode = "HOME_NODE_CONFLICT"
	HomeNodeUnavailable     ViolationCode = "HOME_NODE_UNAVAILABLE"
	RequiredNodeUnavailable ViolationCode = "REQUIRED_NODE_UNAVAILABLE"
)

// MemberHints 成员的节点亲和提示
type MemberHints struct {
	MemberName      string `json:"member_name"`
	HomeNodeID      string `json:"home_node_id,omitempty"`
	RequiredNodeID  string `json:"required_node_id,omitempty"`
	PreferredNodeID string `json:"preferred_node_id,omitempty"`
}

// ConstraintError 放置约束违规，运行启动时直接失败
type ConstraintError struct {
	Code              ViolationCode
	MemberName        string
	NodeID            string
	ConflictingNodeID string
}

func (e *ConstraintError) Error() string {
	if e.ConflictingNodeID != "" {
		return fmt.Sprintf("placement %s: member %q home node %q conflicts with %q",
			e.Code, e.MemberName, e.NodeID, e.ConflictingNodeID)
	}
	return fmt.Sprintf("placement %s: member %q node %q", e.Code, e.MemberName, e.NodeID)
}

// AsTypesError 转换为框架错误
func (e *ConstraintError) AsTypesError() *types.Error {
	return types.NewError(types.ErrPlacementViolation, e.Error()).WithCause(e)
}

// IsConstraintError reports whether err carries a placement violation.
func IsConstraintError(err error) bool {
	var ce *ConstraintError
	return errors.As(err, &ce)
}

// NodeSets 节点集合：known 为出现过的所有节点，available 为当前可执行节点
type NodeSets struct {
	known     map[string]struct{}
	available map[string]struct{}
}

// NewNodeSets 构建节点集合。available 中的节点自动视为 known。
func NewNodeSets(known, available []string) NodeSets {
	s := NodeSets{
		known:     make(map[string]struct{}, len(known)+len(available)),
		available: make(map[string]struct{}, len(available)),
	}
	for _, id := range known {
		s.known[id] = struct{}{}
	}
	for _, id := range available {
		s.known[id] = struct{}{}
		s.available[id] = struct{}{}
	}
	return s
}

// Known reports whether the node has ever been seen.
func (s NodeSets) Known(id string) bool {
	_, ok := s.known[id]
	return ok
}

// Available reports whether the node can currently execute members.
func (s NodeSets) Available(id string) bool {
	_, ok := s.available[id]
	return ok
}

// Check 校验单个成员的提示。
// 顺序：未知节点 → home 冲突 → 可用性。
func Check(h MemberHints, nodes NodeSets) error {
	fail := func(code ViolationCode, nodeID string) error {
		return &ConstraintError{Code: code, MemberName: h.MemberName, NodeID: nodeID}
	}

	if h.HomeNodeID != "" && !nodes.Known(h.HomeNodeID) {
		return fail(UnknownHomeNode, h.HomeNodeID)
	}
	if h.RequiredNodeID != "" && !nodes.Known(h.RequiredNodeID) {
		return fail(UnknownRequiredNode, h.RequiredNodeID)
	}
	if h.PreferredNodeID != "" && !nodes.Known(h.PreferredNodeID) {
		return fail(UnknownPreferredNode, h.PreferredNodeID)
	}

	if h.HomeNodeID != "" {
		for _, other := range []string{h.RequiredNodeID, h.PreferredNodeID} {
			if other != "" && other != h.HomeNodeID {
				return &ConstraintError{
					Code:              HomeNodeConflict,
					MemberName:        h.MemberName,
					NodeID:            h.HomeNodeID,
					ConflictingNodeID: other,
				}
			}
		}
		if !nodes.Available(h.HomeNodeID) {
			return fail(HomeNodeUnavailable, h.HomeNodeID)
		}
	}
	if h.RequiredNodeID != "" && !nodes.Available(h.RequiredNodeID) {
		return fail(RequiredNodeUnavailable, h.RequiredNodeID)
	}
	return nil
}

// Resolve 计算成员所在节点。调用前应先通过 Check。
// 优先级：home/required → 可用的 preferred → defaultNodeID。
func Resolve(h MemberHints, nodes NodeSets, defaultNodeID string) string {
	switch {
	case h.HomeNodeID != "":
		return h.HomeNodeID
	case h.RequiredNodeID != "":
		return h.RequiredNodeID
	case h.PreferredNodeID != "" && nodes.Available(h.PreferredNodeID):
		return h.PreferredNodeID
	default:
		return defaultNodeID
	}
}

// Plan 校验全部成员并返回 memberName → nodeId。任一违规即失败。
func Plan(members []MemberHints, nodes NodeSets, defaultNodeID string) (map[string]string, error) {
	out := make(map[string]string, len(members))
	for _, m := range members {
		if err := Check(m, nodes); err != nil {
			return nil, err
		}
		out[m.MemberName] = Resolve(m, nodes, defaultNodeID)
	}
	return out, nil
}
