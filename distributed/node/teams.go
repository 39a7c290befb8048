package node

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/BaSui01/agentteam/distributed/orchestrator"
	"gopkg.in/yaml.v3"
)

// teamsFile 团队定义文件结构：
//
//	teams:
//	  team-alpha:
//	    team_definition_id: def-alpha
//	    coordinator_member_name: lead
//	    members:
//	      - member_name: lead
//	        agent_definition_id: agent-lead
//	        required_node_id: node-a
type teamsFile struct {
	Teams map[string]orchestrator.TeamDefinition `json:"teams"`
}

// LoadTeamDefinitions 读取 YAML 或 JSON 团队定义文件，返回按团队 ID 索引的定义。
// 字段名与定义的 JSON 标签一致。
func LoadTeamDefinitions(path string) (map[string]orchestrator.TeamDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read team definitions: %w", err)
	}
	return ParseTeamDefinitions(raw)
}

// ParseTeamDefinitions 解析团队定义文档
func ParseTeamDefinitions(raw []byte) (map[string]orchestrator.TeamDefinition, error) {
	// YAML 是 JSON 的超集：先解析成通用结构，再按 JSON 标签解码
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse team definitions: %w", err)
	}
	normalized, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("normalize team definitions: %w", err)
	}
	var f teamsFile
	if err := json.Unmarshal(normalized, &f); err != nil {
		return nil, fmt.Errorf("decode team definitions: %w", err)
	}

	for teamID, def := range f.Teams {
		if def.TeamDefinitionID == "" {
			def.TeamDefinitionID = teamID
		}
		if def.CoordinatorMemberName == "" {
			return nil, fmt.Errorf("team %q: coordinator_member_name is required", teamID)
		}
		if len(def.Members) == 0 {
			return nil, fmt.Errorf("team %q: at least one member is required", teamID)
		}
		seen := make(map[string]struct{}, len(def.Members))
		for _, m := range def.Members {
			if m.MemberName == "" {
				return nil, fmt.Errorf("team %q: member_name is required", teamID)
			}
			if _, dup := seen[m.MemberName]; dup {
				return nil, fmt.Errorf("team %q: duplicate member %q", teamID, m.MemberName)
			}
			seen[m.MemberName] = struct{}{}
		}
		f.Teams[teamID] = def
	}
	return f.Teams, nil
}
