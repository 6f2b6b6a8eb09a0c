// Package recordings backstops the event-driven completion path: a
// periodic sweep of the recordings directory that matches on-disk files
// to initiated call records whose hangup event was lost or unmatched.
package recordings

import (
	"context"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cluewire/switchboard/internal/store"
)

// Matching heuristics, kept from the original system. Tunable, not
// load-bearing: the mtime window and the byte rate are not derived from
// any protocol guarantee.
const (
	// LookbackWindow bounds which initiated records a sweep considers.
	LookbackWindow = time.Hour
	// MatchWindow is the allowed gap between file mtime and call start.
	MatchWindow = 2 * time.Minute
	// BytesPerSecond estimates call duration from recording size.
	BytesPerSecond = 10000
)

// MatcherStore is the slice of the data layer the matcher uses.
type MatcherStore interface {
	InitiatedCallsSince(ctx context.Context, cutoff time.Time) ([]store.Call, error)
	RecordingLinked(ctx context.Context, recordingURL string) (bool, error)
	CompleteInitiatedCall(ctx context.Context, id string, c store.Completion) (int64, error)
}

// Matcher periodically scans the recordings directory, independent of the
// event connection's health. It races the hangup handler on the same
// initiated records; its finalizing write is conditional on the record
// still being initiated and unlinked, so the loser of the race no-ops.
type Matcher struct {
	dir      string
	interval time.Duration
	store    MatcherStore
	now      func() time.Time
}

// NewMatcher creates a matcher sweeping dir on the given interval.
func NewMatcher(dir string, interval time.Duration, s MatcherStore) *Matcher {
	return &Matcher{dir: dir, interval: interval, store: s, now: time.Now}
}

// Run sweeps once immediately, then on every tick until ctx is done.
func (m *Matcher) Run(ctx context.Context) {
	log.Printf("[Recording Sync] Starting automatic recording sync every %s", m.interval)

	m.sweep(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep performs one pass. All faults are logged and contained; the next
// pass re-attempts naturally.
func (m *Matcher) sweep(ctx context.Context) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		log.Printf("[Recording Sync] Error listing %s: %v", m.dir, err)
		return
	}

	var files []os.DirEntry
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".wav") {
			files = append(files, e)
		}
	}
	if len(files) == 0 {
		return
	}

	cutoff := m.now().Add(-LookbackWindow)
	initiated, err := m.store.InitiatedCallsSince(ctx, cutoff)
	if err != nil {
		log.Printf("[Recording Sync] Error loading initiated calls: %v", err)
		return
	}

	matched := 0
	for _, file := range files {
		recordingURL := "/recordings/" + file.Name()
		path := filepath.Join(m.dir, file.Name())

		info, err := os.Stat(path)
		if err != nil {
			log.Printf("[Recording Sync] Error stating %s: %v", path, err)
			continue
		}
		fileTime := info.ModTime()

		linked, err := m.store.RecordingLinked(ctx, recordingURL)
		if err != nil {
			log.Printf("[Recording Sync] Error checking %s: %v", recordingURL, err)
			continue
		}
		if linked {
			continue
		}

		call := findCandidate(initiated, fileTime, info)
		if call == nil {
			continue
		}

		duration := int(math.Round(float64(info.Size()) / BytesPerSecond))
		if duration < 1 {
			duration = 1
		}

		n, err := m.store.CompleteInitiatedCall(ctx, call.ID, store.Completion{
			RecordingURL: recordingURL,
			EndTime:      fileTime,
			Duration:     duration,
		})
		if err != nil {
			log.Printf("[Recording Sync] Error updating call %s: %v", call.ID, err)
			continue
		}
		if n == 0 {
			// The event path finalized it first.
			continue
		}

		matched++
		log.Printf("[Recording Sync] Matched %s to call %s", file.Name(), call.ID)
	}

	if matched > 0 {
		log.Printf("[Recording Sync] Synced %d recordings", matched)
	}
}

// findCandidate returns the first initiated call whose start time lies
// within the match window of the file's modification time. The window is
// checked twice, once against the captured timestamp and once against the
// file info directly; redundant, but kept for parity with the original
// matcher.
func findCandidate(initiated []store.Call, fileTime time.Time, info os.FileInfo) *store.Call {
	for i := range initiated {
		call := &initiated[i]
		diff := fileTime.Sub(call.StartTime)
		if diff < 0 {
			diff = -diff
		}
		again := info.ModTime().Sub(call.StartTime)
		if again < 0 {
			again = -again
		}
		if diff < MatchWindow && again < MatchWindow {
			return call
		}
	}
	return nil
}
