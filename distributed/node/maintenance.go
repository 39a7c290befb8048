package node

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentProbes 单轮并发探测上限
const maxConcurrentProbes = 8

// MaintainDirectory 执行一轮目录维护：探测对端 /healthz，标记超时节点，
// host 上把成员落在失联节点的运行重新绑定。返回本轮被标记不健康的节点。
func (n *Node) MaintainDirectory(ctx context.Context) []string {
	n.directory.Touch(n.cfg.Node.ID, n.now())
	n.probePeers(ctx)

	stale := n.directory.SweepStale(n.cfg.Distributed.Directory.HeartbeatTimeout, n.now())
	if len(stale) > 0 && n.orchestrator != nil {
		n.rebindAffected(ctx, stale)
	}
	return stale
}

// probePeers 并发探测对端，成功的探测计作心跳
func (n *Node) probePeers(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(maxConcurrentProbes)
	for _, e := range n.directory.List() {
		if e.NodeID == n.cfg.Node.ID || e.BaseURL == "" {
			continue
		}
		g.Go(func() error {
			if err := n.probe(ctx, e.BaseURL); err != nil {
				n.logger.Debug("node probe failed", zap.String("peer_node_id", e.NodeID), zap.Error(err))
				return nil
			}
			n.directory.Touch(e.NodeID, n.now())
			return nil
		})
	}
	_ = g.Wait()
}

func (n *Node) probe(ctx context.Context, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthz returned %d", resp.StatusCode)
	}
	return nil
}

// rebindAffected 重新放置成员落在 stale 节点上的活动运行
func (n *Node) rebindAffected(ctx context.Context, stale []string) {
	snapshots := n.directory.List()
	for _, id := range n.orchestrator.ActiveRunIDs() {
		rec, ok := n.orchestrator.GetRunRecord(id)
		if !ok {
			continue
		}
		affected := false
		for _, node := range rec.PlacementByMember {
			if slices.Contains(stale, node) {
				affected = true
				break
			}
		}
		if !affected {
			continue
		}
		rebound, err := n.orchestrator.RebindRun(ctx, id, snapshots)
		if err != nil {
			n.logger.Warn("rebind after node loss failed",
				zap.String("team_run_id", id),
				zap.Strings("stale_node_ids", stale),
				zap.Error(err),
			)
			continue
		}
		n.logger.Info("run rebound after node loss",
			zap.String("team_run_id", id),
			zap.Int64("run_version", rebound.RunVersion),
			zap.Strings("stale_node_ids", stale),
		)
	}
}
