// Package override is the append-only record of user decisions: confirmed
// and rejected links, manual prices. Events are keyed by transaction
// fingerprints, never database ids, so decisions survive re-ingestion.
package override

import (
	"bufio"
	"encoding/json"
	"errors"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jbelanger/exitbook-sub013/internal/apperr"
	"github.com/jbelanger/exitbook-sub013/pkg/models"
)

// Log is the JSON-lines override file. Appends are serialized; the file is
// only ever appended to, never rewritten.
type Log struct {
	path string
	mu   sync.Mutex
}

func OpenLog(path string) *Log {
	return &Log{path: path}
}

// Append stamps and persists one event, returning it with id and createdAt
// filled.
func (l *Log) Append(ev models.OverrideEvent) (models.OverrideEvent, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return ev, apperr.Wrap(apperr.Internal, "encode override event", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return ev, apperr.Wrap(apperr.Database, "create override log directory", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return ev, apperr.Wrap(apperr.Database, "open override log", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return ev, apperr.Wrap(apperr.Database, "append override event", err)
	}
	return ev, nil
}

// All reads every event, ordered by createdAt with ties broken by id.
// Malformed lines are logged and skipped; one corrupt line must not block
// replaying the rest of the history.
func (l *Log) All() ([]models.OverrideEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.Database, "open override log", err)
	}
	defer f.Close()

	var events []models.OverrideEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev models.OverrideEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			log.Printf("[Override] skipping malformed line %d: %v", lineNo, err)
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, apperr.Wrap(apperr.Database, "read override log", err)
	}

	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].CreatedAt.Before(events[j].CreatedAt)
		}
		return events[i].ID < events[j].ID
	})
	return events, nil
}
