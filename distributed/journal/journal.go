package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/BaSui01/agentteam/internal/database"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Transition 运行生命周期迁移
type Transition string

const (
	TransitionStarted     Transition = "started"
	TransitionRebound     Transition = "rebound"
	TransitionDegraded    Transition = "degraded"
	TransitionAutoStopped Transition = "auto_stopped"
	TransitionStopped     Transition = "stopped"
)

// Entry 一条生命周期记录
type Entry struct {
	TeamRunID        string
	TeamID           string
	TeamDefinitionID string
	RunVersion       int64
	HostNodeID       string
	Transition       Transition
	Detail           string
	OccurredAt       time.Time
}

// Journal 记录运行生命周期迁移。实现需并发安全。
type Journal interface {
	Record(ctx context.Context, e Entry) error
}

// Nop 丢弃所有记录
type Nop struct{}

// Record implements Journal.
func (Nop) Record(context.Context, Entry) error { return nil }

// runTransition GORM 模型
type runTransition struct {
	ID               uint      `gorm:"primaryKey;autoIncrement"`
	TeamRunID        string    `gorm:"size:128;index:idx_team_run_transitions_run,priority:1;not null"`
	TeamID           string    `gorm:"size:128;index"`
	TeamDefinitionID string    `gorm:"size:128"`
	RunVersion       int64     `gorm:"not null"`
	HostNodeID       string    `gorm:"size:128"`
	Transition       string    `gorm:"size:32;not null"`
	Detail           string    `gorm:"size:1024"`
	OccurredAt       time.Time `gorm:"index:idx_team_run_transitions_run,priority:2;not null"`
}

func (runTransition) TableName() string { return "team_run_transitions" }

// GormJournal 基于 GORM 的 journal
type GormJournal struct {
	pool   *database.PoolManager
	now    func() time.Time
	logger *zap.Logger
}

// NewGormJournal 创建 journal 并迁移表结构
func NewGormJournal(ctx context.Context, pool *database.PoolManager, logger *zap.Logger) (*GormJournal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := pool.DB().WithContext(ctx).AutoMigrate(&runTransition{}); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	return &GormJournal{
		pool:   pool,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(zap.String("component", "run_journal")),
	}, nil
}

// Record implements Journal.
func (j *GormJournal) Record(ctx context.Context, e Entry) error {
	if e.TeamRunID == "" || e.Transition == "" {
		return fmt.Errorf("journal: team_run_id and transition are required")
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = j.now()
	}
	row := runTransition{
		TeamRunID:        e.TeamRunID,
		TeamID:           e.TeamID,
		TeamDefinitionID: e.TeamDefinitionID,
		RunVersion:       e.RunVersion,
		HostNodeID:       e.HostNodeID,
		Transition:       string(e.Transition),
		Detail:           e.Detail,
		OccurredAt:       e.OccurredAt,
	}
	err := j.pool.WithTransactionRetry(ctx, 3, func(tx *gorm.DB) error {
		return tx.Create(&row).Error
	})
	if err != nil {
		return fmt.Errorf("journal: record %s for %s: %w", e.Transition, e.TeamRunID, err)
	}
	j.logger.Debug("run transition recorded",
		zap.String("team_run_id", e.TeamRunID),
		zap.Int64("run_version", e.RunVersion),
		zap.String("transition", string(e.Transition)),
	)
	return nil
}

// List 按时间顺序返回某运行的全部记录
func (j *GormJournal) List(ctx context.Context, teamRunID string) ([]Entry, error) {
	var rows []runTransition
	err := j.pool.DB().WithContext(ctx).
		Where("team_run_id = ?", teamRunID).
		Order("occurred_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("journal: list %s: %w", teamRunID, err)
	}
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, Entry{
			TeamRunID:        r.TeamRunID,
			TeamID:           r.TeamID,
			TeamDefinitionID: r.TeamDefinitionID,
			RunVersion:       r.RunVersion,
			HostNodeID:       r.HostNodeID,
			Transition:       Transition(r.Transition),
			Detail:           r.Detail,
			OccurredAt:       r.OccurredAt,
		})
	}
	return out, nil
}

// Ping 检查底层存储
func (j *GormJournal) Ping(ctx context.Context) error {
	return j.pool.Ping(ctx)
}
