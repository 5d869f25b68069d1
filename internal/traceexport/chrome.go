// Package traceexport writes a per-session timeline of frame and stage
// events in Chrome's trace event JSON format, for loading into
// chrome://tracing or Perfetto. Optional: the engine runs identically
// with no Writer attached.
package traceexport

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"

	"github.com/framepacer/core/internal/clock"
	"github.com/framepacer/core/internal/log"
)

// event is one Chrome trace event ("duration" phase pair collapsed to a
// single complete event, phase "X").
type event struct {
	Name string  `json:"name"`
	Cat  string  `json:"cat"`
	Ph   string  `json:"ph"`
	Ts   float64 `json:"ts"` // microseconds
	Dur  float64 `json:"dur"`
	Pid  int     `json:"pid"`
	Tid  int     `json:"tid"`
}

// Writer accumulates events in memory and flushes them on Close to a JSON
// file named after the session's UUID; the file name carries no
// timestamp. Safe for concurrent use.
type Writer struct {
	mu        sync.Mutex
	sessionID string
	dir       string
	events    []event
}

// New starts a trace session writing files under dir, named
// trace-<sessionID>.json on Close.
func New(dir string) *Writer {
	return &Writer{sessionID: uuid.NewString(), dir: dir}
}

// RecordFrame appends a complete-phase event for one frame.
func (w *Writer) RecordFrame(frameID uint64, start clock.Timestamp, dur clock.Interval) {
	w.record(fmt.Sprintf("frame %d", frameID), "frame", start, dur, 1)
}

// RecordStage appends a complete-phase event for one stage mark within a
// frame.
func (w *Writer) RecordStage(frameID uint64, stageID int, start clock.Timestamp, dur clock.Interval) {
	w.record(fmt.Sprintf("frame %d / stage %d", frameID, stageID), "stage", start, dur, stageID+2)
}

func (w *Writer) record(name, category string, start clock.Timestamp, dur clock.Interval, tid int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, event{
		Name: name,
		Cat:  category,
		Ph:   "X",
		Ts:   float64(start) / 1000.0,
		Dur:  float64(dur) / 1000.0,
		Pid:  1,
		Tid:  tid,
	})
}

// Close flushes the accumulated events to dir/trace-<sessionID>.json,
// written atomically via renameio so a crash mid-write never leaves a
// truncated trace file behind.
func (w *Writer) Close() error {
	w.mu.Lock()
	events := w.events
	w.mu.Unlock()

	path := fmt.Sprintf("%s/trace-%s.json", w.dir, w.sessionID)
	pendingFile, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("traceexport: create pending file: %w", err)
	}
	defer func() {
		if err := pendingFile.Cleanup(); err != nil {
			log.WithComponent("traceexport").Debug().Err(err).Msg("cleanup pending trace file")
		}
	}()

	if err := json.NewEncoder(pendingFile).Encode(struct {
		TraceEvents []event `json:"traceEvents"`
	}{TraceEvents: events}); err != nil {
		return fmt.Errorf("traceexport: encode trace events: %w", err)
	}

	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("traceexport: atomically replace trace file: %w", err)
	}
	return nil
}
