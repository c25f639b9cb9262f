// Package engine defines the contract with the external agent-execution
// engine: given a prompt and options, produce an ordered stream of messages
// ending in a terminal result.
package engine

import "context"

// ToolServer is a named tool-server binding passed through to the engine.
type ToolServer struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Options configures a single engine invocation.
type Options struct {
	Model          string
	SessionID      string // resume a prior session when set
	MaxTurns       int
	PermissionMode string
	WorkDir        string
	Env            map[string]string
	ToolServers    []ToolServer
}

// Usage is the token/cost accounting carried by a terminal Result.
type Usage struct {
	InputTokens      int     `json:"input_tokens"`
	OutputTokens     int     `json:"output_tokens"`
	CacheReadTokens  int     `json:"cache_read_tokens"`
	CacheWriteTokens int     `json:"cache_write_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

func (u Usage) TotalTokens() int {
	return u.InputTokens + u.OutputTokens
}

// Message is the closed union of engine stream messages. Exactly one Result
// arrives per successful invocation, after all content messages; a cancelled
// invocation may end the stream without one.
type Message interface {
	isMessage()
}

// Delta is an incremental text fragment of the assistant's current message.
type Delta struct {
	Text string
}

// Assistant is a complete assistant message.
type Assistant struct {
	Text string
}

// System is a diagnostic or lifecycle notice from the engine.
type System struct {
	Subtype string
	Text    string
}

// Result terminates the stream. Err reports the engine's own success flag;
// SessionID is the opaque resumable session handle for the next turn.
type Result struct {
	Err       bool
	Text      string
	SessionID string
	Usage     Usage
}

func (Delta) isMessage()     {}
func (Assistant) isMessage() {}
func (System) isMessage()    {}
func (Result) isMessage()    {}

// Engine executes a prompt and streams messages back. The returned channel
// is closed after the terminal Result, on error, or once ctx is cancelled;
// cancellation must not produce further events.
type Engine interface {
	Execute(ctx context.Context, prompt string, opts Options) (<-chan Message, error)
}
