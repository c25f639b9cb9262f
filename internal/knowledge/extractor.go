// Package knowledge mines assistant replies for durable facts in the
// background, off the message hot path.
package knowledge

import (
	"context"
	"log"
	"strings"
	"sync"

	"github.com/atelierhq/atelier/internal/state"
)

const queueSize = 32

// maxNoteChars keeps individual notes short enough to feed back into
// prompts verbatim.
const maxNoteChars = 300

type job struct {
	projectID string
	reply     string
}

// Extractor pulls fact-like lines out of replies and stores them as
// knowledge notes. Extraction failures only ever cost a log line.
type Extractor struct {
	store *state.Store

	jobs chan job
	once sync.Once
	done chan struct{}
}

func NewExtractor(store *state.Store) *Extractor {
	return &Extractor{
		store: store,
		jobs:  make(chan job, queueSize),
		done:  make(chan struct{}),
	}
}

// Start launches the worker. Safe to call once; Close stops it.
func (e *Extractor) Start(ctx context.Context) {
	e.once.Do(func() {
		go e.run(ctx)
	})
}

// Enqueue hands a reply to the worker. It never blocks: when the queue is
// saturated the job is dropped with a warning, since extraction is
// best-effort by nature.
func (e *Extractor) Enqueue(projectID, reply string) {
	select {
	case e.jobs <- job{projectID: projectID, reply: reply}:
	default:
		log.Printf("knowledge: queue full, dropped extraction for project %s", projectID)
	}
}

// Close stops the worker after the current job.
func (e *Extractor) Close() {
	close(e.jobs)
	<-e.done
}

func (e *Extractor) run(ctx context.Context) {
	defer close(e.done)
	for j := range e.jobs {
		for _, note := range ExtractNotes(j.reply) {
			if err := e.store.AddKnowledgeNote(ctx, j.projectID, note); err != nil {
				log.Printf("knowledge: save note for project %s: %v", j.projectID, err)
			}
		}
	}
}

// factMarkers open lines worth remembering across sessions.
var factMarkers = []string{
	"note:",
	"important:",
	"decision:",
	"convention:",
	"remember:",
}

// ExtractNotes picks the fact-like lines out of a reply. It is a cheap
// heuristic pass, not an engine call.
func ExtractNotes(reply string) []string {
	var notes []string
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-* "))
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		for _, marker := range factMarkers {
			if strings.HasPrefix(lower, marker) {
				note := strings.TrimSpace(line[len(marker):])
				if note == "" {
					break
				}
				if r := []rune(note); len(r) > maxNoteChars {
					note = string(r[:maxNoteChars])
				}
				notes = append(notes, note)
				break
			}
		}
	}
	return notes
}
