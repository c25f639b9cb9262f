// Package prompt assembles the instruction payload a run sends to the
// engine, together with a report of which sections made it in. Building is
// deterministic: the same provider responses always yield the same package.
package prompt

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/atelierhq/atelier/internal/runs"
)

// Section names, in the fixed order they appear in the instruction text.
const (
	SectionSystemPrompt   = "System Prompt"
	SectionTask           = "Task"
	SectionProjectContext = "Project Context"
	SectionWorkspaceFiles = "Workspace Files"
	SectionMemory         = "Memory"
	SectionSessionSummary = "Session Summary"
	SectionConversation   = "Conversation"
)

// maxMessageChars bounds each conversation message inside the prompt.
const maxMessageChars = 500

// Turn is one prior conversation message handed to the builder.
type Turn struct {
	Role    string
	Content string
}

// Providers each answer a single read. An empty result means "nothing
// notable"; an error means the collaborator was unavailable.
type (
	ProjectContextProvider interface {
		ProjectContext(ctx context.Context, projectID string) (string, error)
	}
	WorkspaceProvider interface {
		WorkspaceFiles(ctx context.Context, projectID string) (string, error)
	}
	MemoryProvider interface {
		SearchMemory(ctx context.Context, projectID, query string) (string, error)
	}
	SummaryProvider interface {
		SessionSummary(ctx context.Context, projectID string) (string, error)
	}
	ConversationProvider interface {
		RecentConversation(ctx context.Context, projectID, channel string) ([]Turn, error)
	}
)

// Section is one entry of the inclusion report. Content is nil when the
// section was disabled or its provider had nothing (or failed).
type Section struct {
	Name     string  `json:"name"`
	Included bool    `json:"included"`
	Content  *string `json:"content"`
}

// Package is the built result: the report plus the concatenated text
// actually sent to the engine. Never mutated after Build returns it.
type Package struct {
	Kind         runs.Kind `json:"kind"`
	Task         string    `json:"task"`
	Sections     []Section `json:"sections"`
	Instructions string    `json:"instructions"`
}

// Hints selects which optional sections a build attempts to fill.
type Hints struct {
	ProjectContext bool
	WorkspaceFiles bool
	Memory         bool
	SessionSummary bool
	Conversation   bool
}

// Overrides flips individual hints for one build; nil fields keep the
// kind's default.
type Overrides struct {
	ProjectContext *bool
	WorkspaceFiles *bool
	Memory         *bool
	SessionSummary *bool
	Conversation   *bool
}

func (h Hints) apply(o Overrides) Hints {
	if o.ProjectContext != nil {
		h.ProjectContext = *o.ProjectContext
	}
	if o.WorkspaceFiles != nil {
		h.WorkspaceFiles = *o.WorkspaceFiles
	}
	if o.Memory != nil {
		h.Memory = *o.Memory
	}
	if o.SessionSummary != nil {
		h.SessionSummary = *o.SessionSummary
	}
	if o.Conversation != nil {
		h.Conversation = *o.Conversation
	}
	return h
}

// DefaultHints returns the section defaults for a run kind.
func DefaultHints(kind runs.Kind) Hints {
	switch kind {
	case runs.KindOrchestrator:
		return Hints{ProjectContext: true, WorkspaceFiles: true, Memory: true, SessionSummary: true, Conversation: true}
	case runs.KindAnalyst:
		return Hints{ProjectContext: true, Memory: true, SessionSummary: true, Conversation: true}
	case runs.KindImplementer:
		return Hints{ProjectContext: true, WorkspaceFiles: true, Memory: true}
	case runs.KindTestRunner:
		return Hints{ProjectContext: true, WorkspaceFiles: true}
	case runs.KindResearcher:
		return Hints{Memory: true, SessionSummary: true, Conversation: true}
	default:
		return Hints{}
	}
}

// Builder assembles context packages from its providers. Any provider may
// be nil; its sections then behave as if the provider failed.
type Builder struct {
	Project      ProjectContextProvider
	Workspace    WorkspaceProvider
	Memory       MemoryProvider
	Summary      SummaryProvider
	Conversation ConversationProvider
}

// Build produces the context package for one run. A failing provider marks
// its section included-with-nil-content and the build carries on; nothing
// here talks to the engine.
func (b *Builder) Build(ctx context.Context, projectID, channel string, kind runs.Kind, task string, overrides Overrides) Package {
	hints := DefaultHints(kind).apply(overrides)

	pkg := Package{Kind: kind, Task: task}
	pkg.addSection(SectionSystemPrompt, true, SystemPrompt(kind), nil)
	pkg.addSection(SectionTask, true, task, nil)

	pkg.fill(SectionProjectContext, hints.ProjectContext, func() (string, error) {
		if b.Project == nil {
			return "", fmt.Errorf("no project context provider")
		}
		return b.Project.ProjectContext(ctx, projectID)
	})
	pkg.fill(SectionWorkspaceFiles, hints.WorkspaceFiles, func() (string, error) {
		if b.Workspace == nil {
			return "", fmt.Errorf("no workspace provider")
		}
		return b.Workspace.WorkspaceFiles(ctx, projectID)
	})
	pkg.fill(SectionMemory, hints.Memory, func() (string, error) {
		if b.Memory == nil {
			return "", fmt.Errorf("no memory provider")
		}
		return b.Memory.SearchMemory(ctx, projectID, task)
	})
	pkg.fill(SectionSessionSummary, hints.SessionSummary, func() (string, error) {
		if b.Summary == nil {
			return "", fmt.Errorf("no summary provider")
		}
		return b.Summary.SessionSummary(ctx, projectID)
	})
	pkg.fill(SectionConversation, hints.Conversation, func() (string, error) {
		if b.Conversation == nil {
			return "", fmt.Errorf("no conversation provider")
		}
		turns, err := b.Conversation.RecentConversation(ctx, projectID, channel)
		if err != nil {
			return "", err
		}
		return FormatConversation(turns), nil
	})

	pkg.Instructions = pkg.concatenate()
	return pkg
}

func (p *Package) addSection(name string, included bool, content string, err error) {
	section := Section{Name: name, Included: included}
	if included && err == nil && content != "" {
		section.Content = &content
	}
	p.Sections = append(p.Sections, section)
}

func (p *Package) fill(name string, enabled bool, fetch func() (string, error)) {
	if !enabled {
		p.addSection(name, false, "", nil)
		return
	}
	content, err := fetch()
	if err != nil {
		log.Printf("prompt: %s unavailable: %v", strings.ToLower(name), err)
	}
	p.addSection(name, true, content, err)
}

func (p *Package) concatenate() string {
	var sb strings.Builder
	for _, section := range p.Sections {
		if !section.Included || section.Content == nil {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "## %s\n\n%s", section.Name, *section.Content)
	}
	return sb.String()
}

// FormatConversation renders prior turns as "role: content" lines, each
// message clipped to keep the prompt bounded.
func FormatConversation(turns []Turn) string {
	if len(turns) == 0 {
		return ""
	}
	lines := make([]string, 0, len(turns))
	for _, turn := range turns {
		content := turn.Content
		if r := []rune(content); len(r) > maxMessageChars {
			content = string(r[:maxMessageChars]) + "…"
		}
		lines = append(lines, fmt.Sprintf("%s: %s", turn.Role, content))
	}
	return strings.Join(lines, "\n")
}
