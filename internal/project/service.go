// Package project exposes project metadata, memory, and conversation
// history as the reads the prompt builder draws its sections from.
package project

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/atelierhq/atelier/internal/prompt"
	"github.com/atelierhq/atelier/internal/state"
)

// conversationWindow bounds how many recent messages feed the prompt.
const conversationWindow = 20

// memoryResults bounds how many knowledge notes a memory search returns.
const memoryResults = 5

// workspaceListLimit bounds how many entries a workspace listing includes.
const workspaceListLimit = 50

// Service implements the prompt provider interfaces on top of the store.
type Service struct {
	store *state.Store
}

func NewService(store *state.Store) *Service {
	return &Service{store: store}
}

func (s *Service) Save(ctx context.Context, id string, meta state.ProjectMetadata) error {
	return s.store.SaveProject(ctx, id, meta)
}

func (s *Service) Get(ctx context.Context, id string) (state.ProjectRecord, error) {
	return s.store.GetProject(ctx, id)
}

func (s *Service) Exists(ctx context.Context, id string) bool {
	_, err := s.store.GetProject(ctx, id)
	return err == nil
}

// ProjectContext formats the project's metadata into prompt text. An empty
// result means there is nothing notable to tell the engine.
func (s *Service) ProjectContext(ctx context.Context, projectID string) (string, error) {
	rec, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		if state.IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	return FormatMetadata(rec.Metadata), nil
}

// FormatMetadata renders metadata as labeled lines, skipping empty fields.
func FormatMetadata(meta state.ProjectMetadata) string {
	var lines []string
	add := func(label, value string) {
		if value != "" {
			lines = append(lines, fmt.Sprintf("%s: %s", label, value))
		}
	}
	add("Project", meta.Name)
	add("Purpose", meta.Purpose)
	add("Language", meta.Language)
	add("Architecture", meta.Architecture)
	add("Instructions", meta.Instructions)
	add("Avoid paths", strings.Join(meta.AvoidPaths, ", "))
	add("Conventions", strings.Join(meta.Conventions, "; "))
	add("Services", strings.Join(meta.Services, ", "))
	add("Tech stack", strings.Join(meta.TechStack, ", "))
	return strings.Join(lines, "\n")
}

// WorkspaceFiles lists the top of the project's workspace directory so the
// engine sees the shape of the tree without a tool round-trip.
func (s *Service) WorkspaceFiles(ctx context.Context, projectID string) (string, error) {
	rec, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		if state.IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	if rec.Metadata.WorkspaceDir == "" {
		return "", nil
	}
	entries, err := os.ReadDir(rec.Metadata.WorkspaceDir)
	if err != nil {
		return "", fmt.Errorf("read workspace %s: %w", rec.Metadata.WorkspaceDir, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		name := entry.Name()
		if entry.IsDir() {
			name += string(filepath.Separator)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) > workspaceListLimit {
		names = append(names[:workspaceListLimit], "…")
	}
	return strings.Join(names, "\n"), nil
}

// SearchMemory returns stored knowledge notes matching the query.
func (s *Service) SearchMemory(ctx context.Context, projectID, query string) (string, error) {
	notes, err := s.store.SearchKnowledge(ctx, projectID, query, memoryResults)
	if err != nil {
		return "", err
	}
	if len(notes) == 0 {
		return "", nil
	}
	for i, note := range notes {
		notes[i] = "- " + note
	}
	return strings.Join(notes, "\n"), nil
}

// SessionSummary returns the rolling conversation summary.
func (s *Service) SessionSummary(ctx context.Context, projectID string) (string, error) {
	return s.store.GetSummary(ctx, projectID)
}

// SetSummary replaces the rolling conversation summary.
func (s *Service) SetSummary(ctx context.Context, projectID, summary string) error {
	return s.store.SetSummary(ctx, projectID, summary)
}

// RecentConversation returns the latest messages on a channel, oldest
// first, for the prompt builder to format.
func (s *Service) RecentConversation(ctx context.Context, projectID, channel string) ([]prompt.Turn, error) {
	messages, err := s.store.ListMessages(ctx, projectID, channel, conversationWindow)
	if err != nil {
		return nil, err
	}
	turns := make([]prompt.Turn, 0, len(messages))
	for _, msg := range messages {
		turns = append(turns, prompt.Turn{Role: msg.Role, Content: msg.Content})
	}
	return turns, nil
}
