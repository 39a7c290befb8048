package degradation

import (
	"time"
)

// Status 运行健康状态
type Status string

const (
	StatusActive   Status = "active"
	StatusDegraded Status = "degraded"
)

// Decision 失败评估结果
type Decision string

const (
	// DecisionNone 未越过阈值
	DecisionNone Decision = "none"
	// DecisionDegrade active → degraded，继续尝试派发
	DecisionDegrade Decision = "degrade"
	// DecisionAutoStop 降级后再次失败，不可逆停止
	DecisionAutoStop Decision = "auto_stop"
)

// Config 降级阈值
type Config struct {
	CoordinatorFailureThreshold int
	GlobalFailureThreshold      int
	GlobalFailureWindow         time.Duration
}

// DefaultConfig 默认阈值
func DefaultConfig() Config {
	return Config{
		CoordinatorFailureThreshold: 3,
		GlobalFailureThreshold:      5,
		GlobalFailureWindow:         time.Minute,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.CoordinatorFailureThreshold <= 0 {
		c.CoordinatorFailureThreshold = d.CoordinatorFailureThreshold
	}
	if c.GlobalFailureThreshold <= 0 {
		c.GlobalFailureThreshold = d.GlobalFailureThreshold
	}
	if c.GlobalFailureWindow <= 0 {
		c.GlobalFailureWindow = d.GlobalFailureWindow
	}
	return c
}

// Counters 运行的失败计数，由运行记录持有，调用方负责串行访问
type Counters struct {
	Status                         Status      `json:"status"`
	ConsecutiveCoordinatorFailures int         `json:"consecutive_coordinator_failures"`
	RecentFailures                 []time.Time `json:"recent_failures,omitempty"`
}

// NewCounters 返回 active 状态的计数
func NewCounters() Counters {
	return Counters{Status: StatusActive}
}

// Failure 一次派发失败
type Failure struct {
	// Coordinator 失败是否归因于协调者成员
	Coordinator bool
	At          time.Time
}

// Policy 运行降级策略。无状态，可被所有运行共享。
type Policy struct {
	cfg Config
}

// NewPolicy 创建降级策略
func NewPolicy(cfg Config) *Policy {
	return &Policy{cfg: cfg.normalized()}
}

// Config returns the effective thresholds.
func (p *Policy) Config() Config { return p.cfg }

// RecordFailure 记录失败并返回决策。
// 协调者失败按连续次数计，全局失败按滑动窗口计；首次越线降级，降级后任何失败触发自动停止。
func (p *Policy) RecordFailure(c *Counters, f Failure) Decision {
	if c.Status == "" {
		c.Status = StatusActive
	}
	if f.Coordinator {
		c.ConsecutiveCoordinatorFailures++
	}

	cutoff := f.At.Add(-p.cfg.GlobalFailureWindow)
	kept := c.RecentFailures[:0]
	for _, ts := range c.RecentFailures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	c.RecentFailures = append(kept, f.At)

	if c.Status == StatusDegraded {
		return DecisionAutoStop
	}

	breached := c.ConsecutiveCoordinatorFailures >= p.cfg.CoordinatorFailureThreshold ||
		len(c.RecentFailures) >= p.cfg.GlobalFailureThreshold
	if !breached {
		return DecisionNone
	}
	c.Status = StatusDegraded
	return DecisionDegrade
}

// RecordSuccess 重置协调者连续失败计数。降级状态不会恢复。
func (p *Policy) RecordSuccess(c *Counters, coordinator bool) {
	if coordinator {
		c.ConsecutiveCoordinatorFailures = 0
	}
}
