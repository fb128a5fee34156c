package model

import "time"

// ExecutionStatus is the final outcome of an Execution Manager run.
type ExecutionStatus string

const (
	ExecutionSuccess     ExecutionStatus = "success"
	ExecutionFailed      ExecutionStatus = "failed"
	ExecutionNoPipelines ExecutionStatus = "no_pipelines_available"
)

// ExecutionAttempt records one pipeline try.
type ExecutionAttempt struct {
	PipelineID PipelineID
	Attempt    int
	StartedAt  time.Time
	EndedAt    time.Time
	Success    bool
	Error      *EngineError
	Action     ErrorAction
	Skipped    bool
}

func (a ExecutionAttempt) DurationMs() float64 {
	return float64(a.EndedAt.Sub(a.StartedAt).Microseconds()) / 1000.0
}

// ExecutionResult is the Execution Manager's final output.
type ExecutionResult struct {
	Success      bool
	PipelineID   PipelineID
	Attempts     []ExecutionAttempt
	TotalTimeMs  float64
	Status       ExecutionStatus
	Error        *EngineError
	ResponseBody map[string]interface{}
}
