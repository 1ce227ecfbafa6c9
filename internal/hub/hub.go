// Package hub serializes inbound events through one worker per room.
package hub

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"codesync/pkg/types"
)

// Dispatcher applies one event for one connection
type Dispatcher interface {
	Dispatch(ctx context.Context, connectionID string, event *types.Event) error
}

// Membership reports which room a connection has actually joined
type Membership interface {
	Lookup(connectionID string) (types.Session, bool)
}

// Config tunes worker queues and idle retirement
type Config struct {
	QueueSize   int
	IdleTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{QueueSize: 256, IdleTimeout: 5 * time.Minute}
}

// lobby is the worker for connections not bound to any room yet
const lobby = ""

type job struct {
	connectionID string
	event        *types.Event
}

type worker struct {
	roomID  string
	queue   chan job
	pending int // guarded by Hub.mu
}

// Hub routes every event to the single worker that owns the connection's room
// ARCHITECTURAL DISCOVERY: One goroutine per active room gives each room a strict
// event order while rooms never wait on each other
type Hub struct {
	dispatcher Dispatcher
	membership Membership
	config     Config

	bindings map[string]string // connectionID -> roomID
	workers  map[string]*worker

	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	shutdown chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	log      *logrus.Entry
}

// NewHub creates a hub; zero config fields take their defaults
func NewHub(dispatcher Dispatcher, membership Membership, config Config) *Hub {
	def := DefaultConfig()
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = def.IdleTimeout
	}
	return &Hub{
		dispatcher: dispatcher,
		membership: membership,
		config:     config,
		bindings:   make(map[string]string),
		workers:    make(map[string]*worker),
		log:        logrus.WithField("component", "hub"),
	}
}

// Start enables submission; workers are spawned on demand
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.shutdown = make(chan struct{})
	h.running = true
	h.log.Info("Starting event hub")
	return nil
}

// Stop halts every worker and waits for them to exit
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdown)
	h.cancel()
	h.mu.Unlock()

	h.wg.Wait()

	h.mu.Lock()
	h.workers = make(map[string]*worker)
	h.bindings = make(map[string]string)
	h.mu.Unlock()

	h.log.Info("Event hub stopped")
	return nil
}

// Submit queues an event from a connection onto its room's worker
// FUNCTIONAL DISCOVERY: A join-request binds a connection that is not a member to the requested room
// at submit time, so everything the connection sends afterwards queues behind its join
func (h *Hub) Submit(connectionID string, event *types.Event) error {
	if event == nil {
		return ErrNilEvent
	}
	return h.enqueue(job{connectionID: connectionID, event: event})
}

// Disconnect queues the leave for a closed connection behind its pending events
func (h *Hub) Disconnect(connectionID string) error {
	return h.enqueue(job{
		connectionID: connectionID,
		event:        &types.Event{Kind: types.EventDisconnecting},
	})
}

func (h *Hub) enqueue(j job) error {
	w, shutdown, err := h.assign(j)
	if err != nil {
		return err
	}

	// TECHNICAL DISCOVERY: A full queue blocks the submitting read pump, pushing
	// back on that one client instead of dropping ordered edits
	select {
	case w.queue <- j:
		return nil
	case <-shutdown:
		return ErrHubNotRunning
	}
}

// assign picks the job's worker and counts the job against it
func (h *Hub) assign(j job) (*worker, chan struct{}, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return nil, nil, ErrHubNotRunning
	}
	w := h.workerLocked(h.roomForLocked(j))
	w.pending++
	return w, h.shutdown, nil
}

// roomForLocked picks the worker for a job
// FUNCTIONAL DISCOVERY: A join-request from a connection that is not a member yet goes to
// the room it asks for, even when an earlier join left a binding behind; only an
// established member keeps its join on its own room, where it is refused
func (h *Hub) roomForLocked(j job) string {
	roomID, bound := h.bindings[j.connectionID]
	if j.event.Kind != types.EventJoinRequest {
		return roomID
	}
	if sess, joined := h.membership.Lookup(j.connectionID); joined {
		h.bindings[j.connectionID] = sess.RoomID
		return sess.RoomID
	}
	var req types.JoinRequest
	if err := j.event.Decode(&req); err != nil {
		return roomID
	}
	requested := strings.TrimSpace(req.RoomID)
	if !types.IsValidRoomID(requested) {
		if bound {
			return roomID
		}
		return lobby
	}
	h.bindings[j.connectionID] = requested
	return requested
}

func (h *Hub) workerLocked(roomID string) *worker {
	if w, ok := h.workers[roomID]; ok {
		return w
	}
	w := &worker{roomID: roomID, queue: make(chan job, h.config.QueueSize)}
	h.workers[roomID] = w
	h.wg.Add(1)
	go h.run(h.ctx, w)
	h.log.WithField("room_id", roomID).Debug("Room worker started")
	return w
}

// run processes one room's queue until the hub stops or the room goes idle
func (h *Hub) run(ctx context.Context, w *worker) {
	defer h.wg.Done()

	idle := time.NewTimer(h.config.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case j := <-w.queue:
			h.process(ctx, w, j)
			h.mu.Lock()
			w.pending--
			h.mu.Unlock()

			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(h.config.IdleTimeout)

		case <-idle.C:
			h.mu.Lock()
			if w.pending == 0 && h.workers[w.roomID] == w {
				delete(h.workers, w.roomID)
				h.mu.Unlock()
				h.log.WithField("room_id", w.roomID).Debug("Room worker retired")
				return
			}
			h.mu.Unlock()
			idle.Reset(h.config.IdleTimeout)

		case <-ctx.Done():
			return
		}
	}
}

// process dispatches one job; a panicking handler is contained to that event
func (h *Hub) process(ctx context.Context, w *worker, j job) {
	fields := logrus.Fields{
		"room_id":       w.roomID,
		"connection_id": j.connectionID,
		"event":         j.event.Kind,
	}
	defer func() {
		if rec := recover(); rec != nil {
			h.log.WithFields(fields).Error(fmt.Sprintf("Event handler panicked: %v", rec))
		}
	}()

	if j.event.Kind != types.EventJoinRequest {
		if sess, joined := h.membership.Lookup(j.connectionID); joined && sess.RoomID != w.roomID {
			h.handOver(w, j, sess.RoomID)
			return
		}
	}

	if err := h.dispatcher.Dispatch(ctx, j.connectionID, j.event); err != nil {
		h.log.WithFields(fields).WithError(err).Debug("Event not applied")
	}

	switch j.event.Kind {
	case types.EventJoinRequest:
		h.settleBinding(j.connectionID, w.roomID)
	case types.EventDisconnecting:
		h.mu.Lock()
		delete(h.bindings, j.connectionID)
		h.mu.Unlock()
	}
}

// handOver moves an event queued on a room the connection asked for, but did not
// end up joining, to the worker of the room it is a member of. A connection's events
// are only ever dispatched on its member room's worker.
func (h *Hub) handOver(w *worker, j job, memberRoom string) {
	h.settleBinding(j.connectionID, w.roomID)
	h.log.WithFields(logrus.Fields{
		"room_id":       w.roomID,
		"member_room":   memberRoom,
		"connection_id": j.connectionID,
		"event":         j.event.Kind,
	}).Debug("Handing event over to member room")

	target, shutdown, err := h.assign(j)
	if err != nil {
		return
	}
	select {
	case target.queue <- j:
		return
	default:
	}
	// the target queue is full; this worker must keep draining its own meanwhile
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		select {
		case target.queue <- j:
		case <-shutdown:
		}
	}()
}

// settleBinding aligns the binding with the room the connection really joined,
// releasing it after a failed join so a retry can pick another room. A binding a later
// join already moved to another room is left alone.
func (h *Hub) settleBinding(connectionID, roomID string) {
	sess, joined := h.membership.Lookup(connectionID)
	h.mu.Lock()
	defer h.mu.Unlock()
	if joined {
		h.bindings[connectionID] = sess.RoomID
	} else if h.bindings[connectionID] == roomID {
		delete(h.bindings, connectionID)
	}
}

// Stats reports live worker and binding counts
func (h *Hub) Stats() map[string]interface{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return map[string]interface{}{
		"running":        h.running,
		"room_workers":   len(h.workers),
		"bound_clients":  len(h.bindings),
		"queue_capacity": h.config.QueueSize,
	}
}

// boundRoom returns the room a connection's events are queued on
func (h *Hub) boundRoom(connectionID string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	roomID, ok := h.bindings[connectionID]
	return roomID, ok
}
