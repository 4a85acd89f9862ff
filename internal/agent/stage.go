package agent

import (
	"fmt"
	"time"
)

// Stage 是一次执行所处的流水线阶段，按声明顺序推进。
type Stage int

const (
	StageInitialized Stage = iota
	StageWalletResolved
	StageEntryStateRecorded
	StageContextPrepared
	StagePromptRefined
	StagePlanParsed
	StageToolExecutionPrepared
	StageToolCallRequested
	StageToolExecuted
	StageTransactionRecorded
	StageTransactionSubmitted
	StageResultsCollected
	StageNextContextBuilt
	StageSummaryGenerated
	StageErrorEvaluated
	StageExitStateRecorded
)

var stageNames = [...]string{
	"initialized",
	"wallet_resolved",
	"entry_state_recorded",
	"context_prepared",
	"prompt_refined",
	"plan_parsed",
	"tool_execution_prepared",
	"tool_call_requested",
	"tool_executed",
	"transaction_recorded",
	"transaction_submitted",
	"results_collected",
	"next_context_built",
	"summary_generated",
	"error_evaluated",
	"exit_state_recorded",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// Terminal 判断是否为终止阶段。
func (s Stage) Terminal() bool {
	return s == StageExitStateRecorded
}

// Event 是某个阶段产生的结构化事件。事件随执行结果返回，由调用方决定如何输出。
type Event struct {
	Stage   Stage     `json:"stage"`
	Step    int       `json:"step,omitempty"`
	Message string    `json:"message"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// MarshalText 让阶段在 JSON 中以名称呈现。
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
