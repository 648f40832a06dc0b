package ratelimit

import (
	"time"

	corelog "planetchat/internal/core/log"
	"planetchat/internal/core/storage"
)

// DailyStats 日统计聚合（仅用于观测，不参与限流决策）
type DailyStats struct {
	Date    string `json:"date"`
	Total   int64  `json:"total"`
	Blocked int64  `json:"blocked"`
}

// StatsRecorder 使用统计记录器
// 写入独立于放行/拒绝路径：统计失败只记日志，不影响决策结果
type StatsRecorder struct {
	store storage.KVStore
	ttl   time.Duration
	now   func() time.Time
}

// NewStatsRecorder 创建统计记录器
func NewStatsRecorder(store storage.KVStore, ttl time.Duration) *StatsRecorder {
	return &StatsRecorder{
		store: store,
		ttl:   ttl,
		now:   time.Now,
	}
}

// Record 记录一次限流检查结果
func (s *StatsRecorder) Record(blocked bool) {
	day := s.now()
	if _, err := s.store.IncrWithTTL(statsKey(day, "total"), 1, s.ttl); err != nil {
		corelog.Warnf("StatsRecorder: failed to record total: %v", err)
	}
	if blocked {
		if _, err := s.store.IncrWithTTL(statsKey(day, "blocked"), 1, s.ttl); err != nil {
			corelog.Warnf("StatsRecorder: failed to record blocked: %v", err)
		}
	}
}

// Snapshot 读取指定日期的聚合
func (s *StatsRecorder) Snapshot(day time.Time) (*DailyStats, error) {
	total, err := s.store.GetCounter(statsKey(day, "total"))
	if err != nil {
		return nil, err
	}
	blocked, err := s.store.GetCounter(statsKey(day, "blocked"))
	if err != nil {
		return nil, err
	}
	return &DailyStats{
		Date:    day.Format("2006-01-02"),
		Total:   total,
		Blocked: blocked,
	}, nil
}
