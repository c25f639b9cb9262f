package prompt_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/atelierhq/atelier/internal/prompt"
	"github.com/atelierhq/atelier/internal/runs"
)

type stubProviders struct {
	projectContext string
	workspace      string
	memory         string
	summary        string
	turns          []prompt.Turn
	err            error
}

func (s *stubProviders) ProjectContext(context.Context, string) (string, error) {
	return s.projectContext, s.err
}
func (s *stubProviders) WorkspaceFiles(context.Context, string) (string, error) {
	return s.workspace, s.err
}
func (s *stubProviders) SearchMemory(context.Context, string, string) (string, error) {
	return s.memory, s.err
}
func (s *stubProviders) SessionSummary(context.Context, string) (string, error) {
	return s.summary, s.err
}
func (s *stubProviders) RecentConversation(context.Context, string, string) ([]prompt.Turn, error) {
	return s.turns, s.err
}

func newBuilder(s *stubProviders) *prompt.Builder {
	return &prompt.Builder{Project: s, Workspace: s, Memory: s, Summary: s, Conversation: s}
}

func disabled() prompt.Overrides {
	off := false
	return prompt.Overrides{
		ProjectContext: &off,
		WorkspaceFiles: &off,
		Memory:         &off,
		SessionSummary: &off,
		Conversation:   &off,
	}
}

func TestBuildTaskOnly(t *testing.T) {
	builder := newBuilder(&stubProviders{projectContext: "should not appear"})
	pkg := builder.Build(context.Background(), "proj", "chat", runs.KindAnalyst, "find the bug", disabled())

	var included []string
	for _, section := range pkg.Sections {
		if section.Included {
			included = append(included, section.Name)
			continue
		}
		if section.Content != nil {
			t.Fatalf("excluded section %s has content", section.Name)
		}
	}
	want := []string{prompt.SectionSystemPrompt, prompt.SectionTask}
	if len(included) != 2 || included[0] != want[0] || included[1] != want[1] {
		t.Fatalf("expected %v included, got %v", want, included)
	}
	if !strings.Contains(pkg.Instructions, "find the bug") {
		t.Fatal("task text missing from instructions")
	}
	if strings.Contains(pkg.Instructions, "should not appear") {
		t.Fatal("disabled section leaked into instructions")
	}
}

func TestBuildDeterministic(t *testing.T) {
	stub := &stubProviders{
		projectContext: "Project: atelier",
		memory:         "- uses sqlite",
		summary:        "user asked about runs",
		turns:          []prompt.Turn{{Role: "user", Content: "hi"}},
	}
	builder := newBuilder(stub)
	first := builder.Build(context.Background(), "proj", "chat", runs.KindAnalyst, "task", prompt.Overrides{})
	second := builder.Build(context.Background(), "proj", "chat", runs.KindAnalyst, "task", prompt.Overrides{})
	if first.Instructions != second.Instructions {
		t.Fatal("identical inputs produced different instructions")
	}
}

func TestBuildSectionOrder(t *testing.T) {
	stub := &stubProviders{
		projectContext: "ctx",
		workspace:      "files",
		memory:         "mem",
		summary:        "sum",
		turns:          []prompt.Turn{{Role: "user", Content: "hello"}},
	}
	pkg := newBuilder(stub).Build(context.Background(), "proj", "chat", runs.KindOrchestrator, "task", prompt.Overrides{})

	want := []string{
		prompt.SectionSystemPrompt,
		prompt.SectionTask,
		prompt.SectionProjectContext,
		prompt.SectionWorkspaceFiles,
		prompt.SectionMemory,
		prompt.SectionSessionSummary,
		prompt.SectionConversation,
	}
	if len(pkg.Sections) != len(want) {
		t.Fatalf("expected %d sections, got %d", len(want), len(pkg.Sections))
	}
	for i, name := range want {
		if pkg.Sections[i].Name != name {
			t.Fatalf("section %d: expected %s, got %s", i, name, pkg.Sections[i].Name)
		}
	}

	// Heading order in the concatenated text matches the report order.
	last := -1
	for _, name := range want {
		idx := strings.Index(pkg.Instructions, "## "+name)
		if idx < 0 {
			t.Fatalf("heading %s missing", name)
		}
		if idx < last {
			t.Fatalf("heading %s out of order", name)
		}
		last = idx
	}
}

func TestBuildProviderFailureDoesNotAbort(t *testing.T) {
	stub := &stubProviders{err: errors.New("store offline")}
	pkg := newBuilder(stub).Build(context.Background(), "proj", "chat", runs.KindOrchestrator, "task", prompt.Overrides{})

	for _, section := range pkg.Sections {
		switch section.Name {
		case prompt.SectionSystemPrompt, prompt.SectionTask:
			if !section.Included || section.Content == nil {
				t.Fatalf("fixed section broken: %+v", section)
			}
		default:
			if !section.Included {
				t.Fatalf("attempted section %s marked excluded", section.Name)
			}
			if section.Content != nil {
				t.Fatalf("failed section %s kept content", section.Name)
			}
		}
	}
	if !strings.Contains(pkg.Instructions, "task") {
		t.Fatal("task lost")
	}
}

func TestBuildNilProviders(t *testing.T) {
	builder := &prompt.Builder{}
	pkg := builder.Build(context.Background(), "proj", "chat", runs.KindOrchestrator, "task", prompt.Overrides{})
	for _, section := range pkg.Sections {
		if section.Name == prompt.SectionMemory && section.Content != nil {
			t.Fatalf("nil provider produced content: %+v", section)
		}
	}
}

func TestFormatConversationTruncates(t *testing.T) {
	long := strings.Repeat("x", 600)
	got := prompt.FormatConversation([]prompt.Turn{
		{Role: "user", Content: long},
		{Role: "assistant", Content: "short"},
	})
	lines := strings.Split(got, "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if !strings.HasSuffix(lines[0], "…") {
		t.Fatalf("expected ellipsis, got tail %q", lines[0][len(lines[0])-10:])
	}
	if len([]rune(lines[0])) != len("user: ")+501 {
		t.Fatalf("unexpected truncated length %d", len([]rune(lines[0])))
	}
	if lines[1] != "assistant: short" {
		t.Fatalf("unexpected line: %q", lines[1])
	}
}

func TestDefaultHintsPerKind(t *testing.T) {
	if h := prompt.DefaultHints(runs.KindOrchestrator); !h.ProjectContext || !h.Conversation {
		t.Fatalf("orchestrator defaults wrong: %+v", h)
	}
	if h := prompt.DefaultHints(runs.KindTestRunner); h.Conversation || !h.WorkspaceFiles {
		t.Fatalf("test-runner defaults wrong: %+v", h)
	}
	if h := prompt.DefaultHints(runs.KindResearcher); h.WorkspaceFiles || !h.Memory {
		t.Fatalf("researcher defaults wrong: %+v", h)
	}
}
