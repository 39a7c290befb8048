package fencing

import (
	"context"
	"fmt"
)

// CurrentVersionResolver 权威的当前运行版本查询
type CurrentVersionResolver interface {
	// CurrentRunVersion returns the run's current version; ok is false for unknown runs.
	CurrentRunVersion(ctx context.Context, teamRunID string) (version int64, ok bool, err error)
}

// ResolverFunc adapts a function to CurrentVersionResolver.
type ResolverFunc func(ctx context.Context, teamRunID string) (int64, bool, error)

// CurrentRunVersion implements CurrentVersionResolver.
func (f ResolverFunc) CurrentRunVersion(ctx context.Context, teamRunID string) (int64, bool, error) {
	return f(ctx, teamRunID)
}

// Policy 运行版本栅栏：版本低于当前版本、或所属运行未知的命令与事件应被丢弃。
// 高于当前版本的不算过期。
type Policy struct {
	resolver CurrentVersionResolver
}

// NewPolicy 创建栅栏策略
func NewPolicy(resolver CurrentVersionResolver) *Policy {
	return &Policy{resolver: resolver}
}

// IsStale 判断 incoming 是否过期：未知运行或 incoming < current
func (p *Policy) IsStale(ctx context.Context, teamRunID string, incomingRunVersion int64) (bool, error) {
	current, ok, err := p.resolver.CurrentRunVersion(ctx, teamRunID)
	if err != nil {
		return false, fmt.Errorf("resolve current run version for %s: %w", teamRunID, err)
	}
	if !ok {
		return true, nil
	}
	return incomingRunVersion < current, nil
}
