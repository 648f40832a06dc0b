package ratelimit

import (
	"time"
)

// Scope 限流作用域
type Scope string

const (
	ScopeGlobal Scope = "global" // 按用户全局
	ScopeTravel Scope = "travel" // 按行程（房间组）
	ScopeRoom   Scope = "room"   // 按单个聊天房间
)

// Action 受限动作
type Action string

const (
	ActionSend   Action = "send"
	ActionEdit   Action = "edit"
	ActionDelete Action = "delete"
	ActionUpload Action = "upload"
	ActionTyping Action = "typing"
	ActionJoin   Action = "join"
)

// Rule 单条限流规则（固定窗口）
type Rule struct {
	Limit         int64         `json:"limit" yaml:"limit"`
	Window        time.Duration `json:"window" yaml:"window"`
	BlockDuration time.Duration `json:"block_duration" yaml:"block_duration"` // 0 表示超限不封禁
}

// RoomOverride 房间级限流覆盖
// 由管理接口写入共享存储，读取端透读 + 短 TTL 缓存；缺失/过期回落到静态默认值
type RoomOverride struct {
	Enabled           bool             `json:"enabled"`
	MessagesPerMinute int64            `json:"messages_per_minute"`
	FilesPerHour      int64            `json:"files_per_hour"`
	BurstLimit        int64            `json:"burst_limit"`
	SpecialLimits     map[string]int64 `json:"special_limits,omitempty"` // action -> 每窗口上限
}

// Config 限流器配置
type Config struct {
	Rules       map[Scope]map[Action]Rule `yaml:"-"`
	Multipliers map[string]float64        `yaml:"-"` // 消息类型 -> 预算乘数

	OverrideCacheTTL  time.Duration `yaml:"override_cache_ttl"`
	OverrideCacheSize int           `yaml:"override_cache_size"`
	OverrideTTL       time.Duration `yaml:"override_ttl"` // 覆盖记录在共享存储中的 TTL
	StatsTTL          time.Duration `yaml:"stats_ttl"`    // 日统计聚合保留时长
}

// DefaultConfig 静态默认规则
// 有效上限 = 配置上限 × 消息类型乘数：重载荷类型乘数更小，同一机制同时抑制频率与载荷
func DefaultConfig() *Config {
	return &Config{
		Rules: map[Scope]map[Action]Rule{
			ScopeGlobal: {
				ActionSend:   {Limit: 120, Window: time.Minute},
				ActionEdit:   {Limit: 60, Window: time.Minute},
				ActionDelete: {Limit: 60, Window: time.Minute},
				ActionUpload: {Limit: 60, Window: time.Hour},
				ActionTyping: {Limit: 60, Window: 30 * time.Second},
				ActionJoin:   {Limit: 60, Window: time.Minute},
			},
			ScopeTravel: {
				ActionSend:   {Limit: 60, Window: time.Minute},
				ActionUpload: {Limit: 30, Window: time.Hour},
			},
			ScopeRoom: {
				ActionSend:   {Limit: 30, Window: time.Minute, BlockDuration: 2 * time.Minute},
				ActionEdit:   {Limit: 20, Window: time.Minute},
				ActionDelete: {Limit: 20, Window: time.Minute},
				ActionUpload: {Limit: 20, Window: time.Hour, BlockDuration: 10 * time.Minute},
				ActionTyping: {Limit: 30, Window: 30 * time.Second},
				ActionJoin:   {Limit: 20, Window: time.Minute},
			},
		},
		// 未列出的消息类型回落到保守默认值 1.0
		Multipliers: map[string]float64{
			"text":   1.0,
			"system": 2.0,
			"image":  0.5,
			"file":   0.25,
			"video":  0.2,
		},
		OverrideCacheTTL:  30 * time.Second,
		OverrideCacheSize: 1024,
		OverrideTTL:       24 * time.Hour,
		StatsTTL:          7 * 24 * time.Hour,
	}
}

// multiplier 返回消息类型乘数，未知类型为 1.0
func (c *Config) multiplier(messageType string) float64 {
	if messageType == "" {
		return 1.0
	}
	if m, ok := c.Multipliers[messageType]; ok && m > 0 {
		return m
	}
	return 1.0
}

// rule 返回指定作用域与动作的静态规则；未配置时返回 false
func (c *Config) rule(scope Scope, action Action) (Rule, bool) {
	actions, ok := c.Rules[scope]
	if !ok {
		return Rule{}, false
	}
	r, ok := actions[action]
	return r, ok
}
