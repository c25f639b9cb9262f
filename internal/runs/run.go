// Package runs tracks every agent execution for the process lifetime: the
// in-memory registry is authoritative, the store is a best-effort mirror.
package runs

import "time"

type Kind string

const (
	KindOrchestrator Kind = "orchestrator"
	KindAnalyst      Kind = "analyst"
	KindImplementer  Kind = "implementer"
	KindTestRunner   Kind = "test-runner"
	KindResearcher   Kind = "researcher"
)

// SubAgentKinds lists the delegable kinds, i.e. everything but orchestrator.
var SubAgentKinds = []Kind{KindAnalyst, KindImplementer, KindTestRunner, KindResearcher}

func ValidKind(k Kind) bool {
	switch k {
	case KindOrchestrator, KindAnalyst, KindImplementer, KindTestRunner, KindResearcher:
		return true
	default:
		return false
	}
}

type Channel string

const (
	ChannelChat  Channel = "chat"
	ChannelSetup Channel = "setup"
	ChannelPlan  Channel = "plan"
)

type Status string

const (
	StatusIdle        Status = "idle"
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

func IsTerminal(status Status) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusInterrupted:
		return true
	default:
		return false
	}
}

func canTransition(from, to Status) bool {
	if from == to {
		return false
	}
	switch from {
	case StatusIdle:
		return to == StatusRunning
	case StatusRunning:
		return IsTerminal(to)
	default:
		return false
	}
}

// Run is one tracked execution: the orchestrator's own turn or a delegated
// sub-agent task. Usage fields only grow until the terminal transition.
type Run struct {
	ID              string     `json:"id"`
	ProjectID       string     `json:"project_id"`
	Channel         Channel    `json:"channel"`
	Kind            Kind       `json:"kind"`
	ParentRunID     string     `json:"parent_run_id,omitempty"`
	Status          Status     `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationMs      *int64     `json:"duration_ms,omitempty"`
	TaskDescription string     `json:"task_description,omitempty"`
	ResultSummary   string     `json:"result_summary,omitempty"`
	ResponseText    string     `json:"response_text,omitempty"`
	CostUSD         float64    `json:"cost_usd"`
	Tokens          int        `json:"tokens"`
	Model           string     `json:"model,omitempty"`
}

// Tree is the per-project run hierarchy: one orchestrator root plus leaves.
type Tree struct {
	Root   *Run  `json:"root,omitempty"`
	Leaves []Run `json:"leaves"`
}
