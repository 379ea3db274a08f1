package engine

import (
	"sync"
	"time"

	"github.com/picklr-io/rollout/internal/ir"
)

// Ledger remembers handles produced by earlier runs.
type Ledger interface {
	// Lookup returns the handle recorded for id if it was produced from the
	// same fingerprint.
	Lookup(id, fingerprint string) (string, bool)
	Record(rec *ir.HandleRecord)
}

// StateLedger is a Ledger backed by an ir.State. It is safe for concurrent
// use; the wrapped state must not be touched while a run is in progress.
type StateLedger struct {
	mu    sync.Mutex
	state *ir.State
}

func NewStateLedger(state *ir.State) *StateLedger {
	return &StateLedger{state: state}
}

func (l *StateLedger) Lookup(id, fingerprint string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.state.Record(id)
	if rec == nil || rec.Fingerprint != fingerprint || rec.Handle == "" {
		return "", false
	}
	return rec.Handle, true
}

func (l *StateLedger) Record(rec *ir.HandleRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec.DeployedAt == "" {
		rec.DeployedAt = time.Now().UTC().Format(time.RFC3339)
	}
	l.state.Put(rec)
}

// State returns the wrapped state.
func (l *StateLedger) State() *ir.State {
	return l.state
}
