// Package health tracks persistence faults that the live session tolerates.
package health

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SignalPersistenceDegraded is the log field and status key raised on store faults
const SignalPersistenceDegraded = "persistence_degraded"

// Fault is the last recorded failure of one operation
type Fault struct {
	Operation string    `json:"operation"`
	Error     string    `json:"error"`
	At        time.Time `json:"at"`
	Count     int64     `json:"count"`
}

// Snapshot is a point-in-time view for /health
type Snapshot struct {
	Degraded    bool             `json:"persistence_degraded"`
	TotalFaults int64            `json:"total_faults"`
	LastFault   *Fault           `json:"last_fault,omitempty"`
	Operations  map[string]Fault `json:"operations,omitempty"`
}

// Tracker records store faults without interrupting the caller
// FUNCTIONAL DISCOVERY: A fault stays "degraded" for window after it happens, so
// one transient error does not leave the health endpoint red forever
type Tracker struct {
	mu     sync.Mutex
	faults map[string]Fault
	last   *Fault
	total  int64
	window time.Duration
	now    func() time.Time
	log    *logrus.Entry
}

func NewTracker(window time.Duration) *Tracker {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Tracker{
		faults: make(map[string]Fault),
		window: window,
		now:    time.Now,
		log:    logrus.WithField("component", "health"),
	}
}

// Record notes a failed operation; nil errors are ignored
func (t *Tracker) Record(operation string, err error) {
	if t == nil || err == nil {
		return
	}
	t.mu.Lock()
	f := t.faults[operation]
	f.Operation = operation
	f.Error = err.Error()
	f.At = t.now()
	f.Count++
	t.faults[operation] = f
	t.total++
	last := f
	t.last = &last
	t.mu.Unlock()

	t.log.WithFields(logrus.Fields{
		"signal":    SignalPersistenceDegraded,
		"operation": operation,
	}).WithError(err).Warn("Persistence fault; live session continues")
}

// Degraded reports whether a fault happened within the window
func (t *Tracker) Degraded() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last != nil && t.now().Sub(t.last.At) < t.window
}

func (t *Tracker) Snapshot() Snapshot {
	if t == nil {
		return Snapshot{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := Snapshot{TotalFaults: t.total, Operations: make(map[string]Fault, len(t.faults))}
	for op, f := range t.faults {
		snap.Operations[op] = f
	}
	if t.last != nil {
		last := *t.last
		snap.LastFault = &last
		snap.Degraded = t.now().Sub(last.At) < t.window
	}
	return snap
}
