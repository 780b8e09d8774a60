package scheduler

import (
	"time"

	"SolRounds/internal/agent"
	"SolRounds/internal/trade"
)

// State 表示调度器的运行状态。
type State string

const (
	// StateIdle 表示尚未开始或已停止。
	StateIdle State = "idle"
	// StateRunning 表示正在执行一轮分析。
	StateRunning State = "running"
	// StateCooling 表示本轮结束，等待下一轮触发。
	StateCooling State = "cooling"
)

// RoundSummary 汇总一轮的产出，供运维接口与日志使用。
type RoundSummary struct {
	RoundID    uint64                   `json:"round_id"`
	StartedAt  time.Time                `json:"started_at"`
	FinishedAt time.Time                `json:"finished_at"`
	Cancelled  bool                     `json:"cancelled"`
	Signals    []agent.Signal           `json:"signals"`
	Degraded   []agent.DegradedRole     `json:"-"`
	Directives []trade.Directive        `json:"directives"`
	Results    map[string]*trade.Result `json:"results"`
}
