package directory

import (
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/agentteam/internal/keylock"
	"go.uber.org/zap"
)

// Entry 节点目录条目
type Entry struct {
	NodeID                 string    `json:"node_id"`
	BaseURL                string    `json:"base_url"`
	IsHealthy              bool      `json:"is_healthy"`
	SupportsAgentExecution bool      `json:"supports_agent_execution"`
	LastSeenAt             time.Time `json:"last_seen_at,omitempty"`
}

// Available reports whether the node can currently host team members.
func (e Entry) Available() bool {
	return e.IsHealthy && e.SupportsAgentExecution
}

// Service 内存节点目录：nodeId → 地址与健康状态。
// 数据由外部发现/心跳服务写入；同一节点的写入串行化，不同节点互不阻塞。
type Service struct {
	mu      sync.RWMutex
	entries map[string]Entry
	// known 记录出现过的所有节点，即使后来被移除
	known  map[string]struct{}
	writes *keylock.KeyedMutex
	logger *zap.Logger
}

// NewService 创建节点目录
func NewService(logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		entries: make(map[string]Entry),
		known:   make(map[string]struct{}),
		writes:  keylock.New(),
		logger:  logger.With(zap.String("component", "node_directory")),
	}
}

// Upsert 写入或替换节点条目
func (s *Service) Upsert(entry Entry) {
	if entry.NodeID == "" {
		return
	}
	unlock := s.writes.Lock(entry.NodeID)
	defer unlock()

	if entry.LastSeenAt.IsZero() {
		entry.LastSeenAt = time.Now()
	}
	s.mu.Lock()
	s.entries[entry.NodeID] = entry
	s.known[entry.NodeID] = struct{}{}
	s.mu.Unlock()

	s.logger.Debug("node upserted",
		zap.String("node_id", entry.NodeID),
		zap.String("base_url", entry.BaseURL),
		zap.Bool("healthy", entry.IsHealthy),
	)
}

// Get 读取节点条目（副本）
func (s *Service) Get(nodeID string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[nodeID]
	return e, ok
}

// Remove 删除节点条目。节点仍保留在 KnownNodeIDs 中。
func (s *Service) Remove(nodeID string) {
	unlock := s.writes.Lock(nodeID)
	defer unlock()

	s.mu.Lock()
	delete(s.entries, nodeID)
	s.mu.Unlock()
	s.logger.Info("node removed", zap.String("node_id", nodeID))
}

// update applies fn to an existing entry under the node's write lock.
func (s *Service) update(nodeID string, fn func(*Entry) bool) bool {
	unlock := s.writes.Lock(nodeID)
	defer unlock()

	s.mu.RLock()
	e, ok := s.entries[nodeID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	if !fn(&e) {
		return false
	}
	s.mu.Lock()
	s.entries[nodeID] = e
	s.mu.Unlock()
	return true
}

// MarkHealth 更新节点健康状态
func (s *Service) MarkHealth(nodeID string, healthy bool) bool {
	return s.update(nodeID, func(e *Entry) bool {
		if e.IsHealthy != healthy {
			s.logger.Info("node health changed",
				zap.String("node_id", nodeID),
				zap.Bool("healthy", healthy),
			)
		}
		e.IsHealthy = healthy
		return true
	})
}

// Touch 记录心跳，并将节点标记为健康
func (s *Service) Touch(nodeID string, now time.Time) bool {
	return s.update(nodeID, func(e *Entry) bool {
		e.LastSeenAt = now
		e.IsHealthy = true
		return true
	})
}

// RewriteBaseURL 原地改写节点地址
func (s *Service) RewriteBaseURL(nodeID, baseURL string) bool {
	return s.update(nodeID, func(e *Entry) bool {
		if e.BaseURL == baseURL {
			return true
		}
		s.logger.Info("node base url rewritten",
			zap.String("node_id", nodeID),
			zap.String("from", e.BaseURL),
			zap.String("to", baseURL),
		)
		e.BaseURL = baseURL
		return true
	})
}

// SweepStale 将超过 threshold 未心跳的节点标记为不健康，返回被标记的节点
func (s *Service) SweepStale(threshold time.Duration, now time.Time) []string {
	var stale []string
	for _, e := range s.List() {
		if !e.IsHealthy || e.LastSeenAt.IsZero() || now.Sub(e.LastSeenAt) <= threshold {
			continue
		}
		if s.update(e.NodeID, func(cur *Entry) bool {
			if !cur.IsHealthy || now.Sub(cur.LastSeenAt) <= threshold {
				return false
			}
			cur.IsHealthy = false
			return true
		}) {
			stale = append(stale, e.NodeID)
		}
	}
	if len(stale) > 0 {
		s.logger.Warn("nodes marked unhealthy after missed heartbeats", zap.Strings("node_ids", stale))
	}
	return stale
}

// List 返回按 NodeID 排序的所有条目
func (s *Service) List() []Entry {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// KnownNodeIDs 返回出现过的所有节点
func (s *Service) KnownNodeIDs() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.known))
	for id := range s.known {
		out = append(out, id)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// AvailableNodeIDs 返回健康且支持 Agent 执行的节点
func (s *Service) AvailableNodeIDs() []string {
	var out []string
	for _, e := range s.List() {
		if e.Available() {
			out = append(out, e.NodeID)
		}
	}
	return out
}
