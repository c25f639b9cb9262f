package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

// CLIEngine runs prompts through the claude CLI in stream-json mode. Each
// Execute spawns one process; cancelling the context kills it, which ends
// the message stream without a terminal Result.
type CLIEngine struct {
	Binary string
}

func NewCLIEngine(binary string) *CLIEngine {
	if binary == "" {
		binary = "claude"
	}
	return &CLIEngine{Binary: binary}
}

func (e *CLIEngine) Execute(ctx context.Context, prompt string, opts Options) (<-chan Message, error) {
	args := []string{
		"--print",
		"--verbose",
		"--include-partial-messages",
		"--output-format", "stream-json",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.SessionID != "" {
		args = append(args, "--resume", opts.SessionID)
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if cfg := toolServerConfig(opts.ToolServers); cfg != "" {
		args = append(args, "--mcp-config", cfg)
	}
	args = append(args, "-p", prompt)

	cmd := exec.CommandContext(ctx, e.Binary, args...)
	if opts.WorkDir != "" {
		cmd.Dir = opts.WorkDir
	}
	if len(opts.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range opts.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", e.Binary, err)
	}

	out := make(chan Message, 16)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(stdout)
		// Long JSON lines; the default scanner buffer is too small.
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 2*1024*1024)
		for scanner.Scan() {
			msg, ok := parseStreamLine(scanner.Bytes())
			if !ok {
				continue
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				_ = cmd.Wait()
				return
			}
		}
		_ = cmd.Wait()
	}()
	return out, nil
}

// streamLine covers the subset of the CLI's stream-json envelope this
// adapter cares about.
type streamLine struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
	Event struct {
		Type  string `json:"type"`
		Delta struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"delta"`
	} `json:"event"`
	IsError   bool    `json:"is_error,omitempty"`
	ResultStr string  `json:"result,omitempty"`
	SessionID string  `json:"session_id,omitempty"`
	CostUSD   float64 `json:"total_cost_usd,omitempty"`
	Usage     struct {
		InputTokens         int `json:"input_tokens"`
		OutputTokens        int `json:"output_tokens"`
		CacheReadTokens     int `json:"cache_read_input_tokens"`
		CacheCreationTokens int `json:"cache_creation_input_tokens"`
	} `json:"usage"`
}

func parseStreamLine(line []byte) (Message, bool) {
	var msg streamLine
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, false
	}
	switch msg.Type {
	case "stream_event":
		if msg.Event.Type == "content_block_delta" && msg.Event.Delta.Type == "text_delta" {
			return Delta{Text: msg.Event.Delta.Text}, true
		}
		return nil, false
	case "assistant":
		var text string
		for _, block := range msg.Message.Content {
			if block.Type == "text" {
				text += block.Text
			}
		}
		if text == "" {
			return nil, false
		}
		return Assistant{Text: text}, true
	case "system":
		return System{Subtype: msg.Subtype, Text: msg.ResultStr}, true
	case "result":
		return Result{
			Err:       msg.IsError,
			Text:      msg.ResultStr,
			SessionID: msg.SessionID,
			Usage: Usage{
				InputTokens:      msg.Usage.InputTokens,
				OutputTokens:     msg.Usage.OutputTokens,
				CacheReadTokens:  msg.Usage.CacheReadTokens,
				CacheWriteTokens: msg.Usage.CacheCreationTokens,
				CostUSD:          msg.CostUSD,
			},
		}, true
	default:
		return nil, false
	}
}

func toolServerConfig(servers []ToolServer) string {
	if len(servers) == 0 {
		return ""
	}
	mcpServers := make(map[string]any, len(servers))
	for _, srv := range servers {
		if srv.Name == "" || srv.Command == "" {
			continue
		}
		entry := map[string]any{
			"command": srv.Command,
			"args":    srv.Args,
		}
		if len(srv.Env) > 0 {
			entry["env"] = srv.Env
		}
		mcpServers[srv.Name] = entry
	}
	if len(mcpServers) == 0 {
		return ""
	}
	data, err := json.Marshal(map[string]any{"mcpServers": mcpServers})
	if err != nil {
		return ""
	}
	return string(data)
}
