package engine

import (
	"strings"
	"testing"
)

func TestParseStreamLine_Delta(t *testing.T) {
	line := `{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hello"}}}`
	msg, ok := parseStreamLine([]byte(line))
	if !ok {
		t.Fatal("expected a message")
	}
	delta, ok := msg.(Delta)
	if !ok {
		t.Fatalf("expected Delta, got %T", msg)
	}
	if delta.Text != "Hello" {
		t.Fatalf("expected Hello, got %q", delta.Text)
	}
}

func TestParseStreamLine_Assistant(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[{"type":"text","text":"Hi "},{"type":"text","text":"there"}]}}`
	msg, ok := parseStreamLine([]byte(line))
	if !ok {
		t.Fatal("expected a message")
	}
	assistant, ok := msg.(Assistant)
	if !ok {
		t.Fatalf("expected Assistant, got %T", msg)
	}
	if assistant.Text != "Hi there" {
		t.Fatalf("expected joined text, got %q", assistant.Text)
	}
}

func TestParseStreamLine_Result(t *testing.T) {
	line := `{"type":"result","is_error":false,"result":"done","session_id":"sess-1","total_cost_usd":0.25,` +
		`"usage":{"input_tokens":100,"output_tokens":40,"cache_read_input_tokens":7,"cache_creation_input_tokens":3}}`
	msg, ok := parseStreamLine([]byte(line))
	if !ok {
		t.Fatal("expected a message")
	}
	result, ok := msg.(Result)
	if !ok {
		t.Fatalf("expected Result, got %T", msg)
	}
	if result.Err {
		t.Fatal("expected success")
	}
	if result.SessionID != "sess-1" {
		t.Fatalf("expected sess-1, got %q", result.SessionID)
	}
	if result.Usage.InputTokens != 100 || result.Usage.OutputTokens != 40 {
		t.Fatalf("unexpected usage: %+v", result.Usage)
	}
	if result.Usage.CacheReadTokens != 7 || result.Usage.CacheWriteTokens != 3 {
		t.Fatalf("unexpected cache usage: %+v", result.Usage)
	}
	if result.Usage.CostUSD != 0.25 {
		t.Fatalf("expected cost 0.25, got %f", result.Usage.CostUSD)
	}
	if result.Usage.TotalTokens() != 140 {
		t.Fatalf("expected 140 total tokens, got %d", result.Usage.TotalTokens())
	}
}

func TestParseStreamLine_IgnoresUnknownAndGarbage(t *testing.T) {
	for _, line := range []string{
		`not json`,
		`{"type":"user"}`,
		`{"type":"stream_event","event":{"type":"content_block_start"}}`,
	} {
		if _, ok := parseStreamLine([]byte(line)); ok {
			t.Fatalf("expected %q to be skipped", line)
		}
	}
}

func TestToolServerConfig(t *testing.T) {
	cfg := toolServerConfig([]ToolServer{
		{Name: "project-settings", Command: "atelier-tools", Args: []string{"serve"}},
		{Name: "", Command: "ignored"},
	})
	if !strings.Contains(cfg, `"mcpServers"`) || !strings.Contains(cfg, `"project-settings"`) {
		t.Fatalf("unexpected config: %s", cfg)
	}
	if strings.Contains(cfg, "ignored") {
		t.Fatalf("nameless server should be dropped: %s", cfg)
	}
	if toolServerConfig(nil) != "" {
		t.Fatal("expected empty config for no servers")
	}
}
