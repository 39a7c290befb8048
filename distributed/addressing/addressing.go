package addressing

import (
	"net"
	"net/url"
	"strings"

	"github.com/BaSui01/agentteam/distributed/directory"
)

// Source 地址解析来源
type Source string

const (
	SourceDirectory                  Source = "directory"
	SourceBootstrapFallback          Source = "bootstrap_fallback"
	SourceDirectoryRewrittenLoopback Source = "directory_rewritten_loopback"
)

// Reason 解析失败原因
type Reason string

const (
	ReasonTargetNodeMissing           Reason = "TARGET_NODE_MISSING"
	ReasonTargetNodeIsLocal           Reason = "TARGET_NODE_IS_LOCAL"
	ReasonTargetNodeMissingNoFallback Reason = "TARGET_NODE_MISSING_NO_FALLBACK"
)

// Resolution 目标节点解析结果
type Resolution struct {
	Resolved     bool   `json:"resolved"`
	TargetNodeID string `json:"target_node_id"`
	BaseURL      string `json:"base_url,omitempty"`
	Source       Source `json:"source,omitempty"`
	Reason       Reason `json:"reason,omitempty"`
	Rewritten    bool   `json:"rewritten,omitempty"`
}

// DirectoryReader 地址解析所需的目录能力
type DirectoryReader interface {
	Get(nodeID string) (directory.Entry, bool)
}

// DirectoryRewriter 支持原地改写地址的目录
type DirectoryRewriter interface {
	DirectoryReader
	RewriteBaseURL(nodeID, baseURL string) bool
}

// NormalizeDistributedBaseURL 规范化节点基础地址。
// 去掉末尾的 "/" 与 "/rest" 段，丢弃 query/fragment；无法解析时返回 false。
func NormalizeDistributedBaseURL(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}

	p := strings.TrimRight(u.Path, "/")
	p = strings.TrimSuffix(p, "/rest")
	p = strings.TrimRight(p, "/")

	u.Path = p
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), true
}

// IsLoopbackBaseURL 判断地址是否指向回环主机
func IsLoopbackBaseURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsUnspecified()
}

// ResolveRemoteTargetForCommandDispatch 只查目录解析命令投递目标
func ResolveRemoteTargetForCommandDispatch(targetNodeID string, dir DirectoryReader) Resolution {
	res := Resolution{TargetNodeID: targetNodeID}
	if dir == nil {
		res.Reason = ReasonTargetNodeMissing
		return res
	}
	entry, ok := dir.Get(targetNodeID)
	if !ok {
		res.Reason = ReasonTargetNodeMissing
		return res
	}
	base, ok := NormalizeDistributedBaseURL(entry.BaseURL)
	if !ok {
		res.Reason = ReasonTargetNodeMissing
		return res
	}
	res.Resolved = true
	res.BaseURL = base
	res.Source = SourceDirectory
	return res
}

// EventUplinkInput 事件上行解析参数
type EventUplinkInput struct {
	LocalNodeID  string
	TargetNodeID string
	Directory    DirectoryRewriter
	// DiscoveryRegistryURL 目录缺失目标时的引导回退地址
	DiscoveryRegistryURL string
	// DistributedUplinkBaseURL 目录中为回环地址时的覆盖地址
	DistributedUplinkBaseURL string
}

// ResolveRemoteTargetForEventUplink 解析 worker → host 的事件上行地址
func ResolveRemoteTargetForEventUplink(in EventUplinkInput) Resolution {
	res := Resolution{TargetNodeID: in.TargetNodeID}
	if in.TargetNodeID == in.LocalNodeID {
		res.Reason = ReasonTargetNodeIsLocal
		return res
	}

	var (
		entry directory.Entry
		found bool
	)
	if in.Directory != nil {
		entry, found = in.Directory.Get(in.TargetNodeID)
	}
	if found {
		if base, ok := NormalizeDistributedBaseURL(entry.BaseURL); ok {
			entry.BaseURL = base
		} else {
			found = false
		}
	}

	if !found {
		if base, ok := NormalizeDistributedBaseURL(in.DiscoveryRegistryURL); ok {
			res.Resolved = true
			res.BaseURL = base
			res.Source = SourceBootstrapFallback
			return res
		}
		res.Reason = ReasonTargetNodeMissingNoFallback
		return res
	}

	if IsLoopbackBaseURL(entry.BaseURL) {
		if override, ok := NormalizeDistributedBaseURL(in.DistributedUplinkBaseURL); ok {
			in.Directory.RewriteBaseURL(in.TargetNodeID, override)
			res.Resolved = true
			res.BaseURL = override
			res.Source = SourceDirectoryRewrittenLoopback
			res.Rewritten = true
			return res
		}
	}

	res.Resolved = true
	res.BaseURL = entry.BaseURL
	res.Source = SourceDirectory
	return res
}
