// Package scheduler implements the controller loop: the single logical
// execution context that owns the scheduler's state and drives graph
// admission, placement, healing, recovery, and reporting. Every exported
// method hands its work to the loop as a closure and waits for it to run
// to completion, so the indexes in pkg/state are never touched from more
// than one goroutine at a time.
package scheduler

import (
	"time"

	"github.com/cuemby/loom/pkg/decide"
	"github.com/cuemby/loom/pkg/events"
	"github.com/cuemby/loom/pkg/graph"
	"github.com/cuemby/loom/pkg/heal"
	"github.com/cuemby/loom/pkg/log"
	"github.com/cuemby/loom/pkg/metrics"
	"github.com/cuemby/loom/pkg/state"
	"github.com/cuemby/loom/pkg/update"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type (
	Key        = state.Key
	WorkerAddr = state.WorkerAddr
	ClientID   = state.ClientID
)

// Config tunes the controller loop.
type Config struct {
	// DeleteInterval is how often released keys are batched into
	// delete-data messages to the workers holding them.
	DeleteInterval time.Duration
	// StrictValidation re-runs state.Validate after every heal pass and
	// logs (without panicking) any invariant violation found.
	StrictValidation bool
	// FreedGrace is how long a key must have sat continuously in
	// Released before it is eligible for the delete batch, so a
	// recompute racing the delete ticker cannot have its fresh producer
	// cleaned up from under it.
	FreedGrace time.Duration
}

// DefaultConfig returns the scheduler's production tuning.
func DefaultConfig() Config {
	return Config{
		DeleteInterval: 2 * time.Second,
		FreedGrace:     2 * time.Second,
	}
}

// FeedFunc computes one tick of a named feed from the current state. It
// must not retain st beyond the call, since st is only valid for the
// duration of the controller-loop turn that invokes it.
type FeedFunc func(st *state.State) interface{}

const clientOutboxSize = 1024
const workerOutboxSize = 4096

// WorkerMessage is one instruction destined for a worker connection.
type WorkerMessage struct {
	Op          string
	ComputeTask ComputeTask
	DeleteKeys  []Key
}

// ComputeTask is the scheduler's internal view of a dispatched task.
//
// DispatchID is a fresh identifier minted for each attempt to run key. It
// is sent to the worker and written to the scheduler's dispatch log line;
// worker reports do not carry it back, so the scheduler matches reports
// by key only.
type ComputeTask struct {
	Key        Key
	DispatchID string
	Function   []byte
	Args       []byte
	Kwargs     []byte
	WhoHas     map[Key][]WorkerAddr
}

type feedSubscription struct {
	name   string
	fn     FeedFunc
	ticker *time.Ticker
	out    chan *events.Event
	stop   chan struct{}
}

// Scheduler is the controller. Construct with New, then Start it before
// calling any other method.
type Scheduler struct {
	st     *state.State
	cfg    Config
	logger zerolog.Logger
	broker *events.Broker

	commands chan func()
	stopCh   chan struct{}

	clients map[ClientID]chan *events.Event
	workers map[WorkerAddr]chan *WorkerMessage

	feeds         map[string]FeedFunc
	subscriptions map[string]*feedSubscription
}

// New constructs a Scheduler with empty state.
func New(cfg Config) *Scheduler {
	return &Scheduler{
		st:            state.New(),
		cfg:           cfg,
		logger:        log.WithComponent("scheduler"),
		broker:        events.NewBroker(),
		commands:      make(chan func(), 64),
		stopCh:        make(chan struct{}),
		clients:       make(map[ClientID]chan *events.Event),
		workers:       make(map[WorkerAddr]chan *WorkerMessage),
		feeds:         make(map[string]FeedFunc),
		subscriptions: make(map[string]*feedSubscription),
	}
}

// Start launches the controller loop and the event broker.
func (s *Scheduler) Start() {
	s.broker.Start()
	go s.run()
}

// Stop halts the controller loop. It does not close client or worker
// channels; callers should Unregister each before Stop to release them.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.broker.Stop()
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.cfg.DeleteInterval)
	defer ticker.Stop()

	s.logger.Info().Msg("scheduler started")
	for {
		select {
		case fn := <-s.commands:
			fn()
		case <-ticker.C:
			s.periodicDelete()
		case <-s.stopCh:
			s.logger.Info().Msg("scheduler stopped")
			return
		}
	}
}

// exec runs fn on the controller loop and blocks until it completes.
func (s *Scheduler) exec(fn func()) {
	done := make(chan struct{})
	s.commands <- func() {
		fn()
		close(done)
	}
	<-done
}

// RegisterClient opens a report stream for client, returning the channel
// the caller should drain for KeyInMemory / TaskErred / LostData /
// Restart events scoped to keys that client has expressed interest in.
func (s *Scheduler) RegisterClient(client ClientID) <-chan *events.Event {
	ch := make(chan *events.Event, clientOutboxSize)
	s.exec(func() {
		s.clients[client] = ch
		s.logger.Info().Str("client", client).Msg("client registered")
	})
	return ch
}

// UnregisterClient closes client's report stream and drops its interest
// in every key (client-releases-keys for everything it wanted).
func (s *Scheduler) UnregisterClient(client ClientID) {
	s.exec(func() {
		for key := range s.st.WantsWhat[client] {
			delete(s.st.WhoWants[key], client)
			s.releaseIfUnwanted(key)
		}
		delete(s.st.WantsWhat, client)
		if ch, ok := s.clients[client]; ok {
			close(ch)
			delete(s.clients, client)
		}
	})
}

// RegisterWorker admits a worker with ncores processing slots, returning
// its outbound instruction channel.
func (s *Scheduler) RegisterWorker(addr WorkerAddr, ncores int) <-chan *WorkerMessage {
	ch := make(chan *WorkerMessage, workerOutboxSize)
	s.exec(func() {
		s.st.AddWorker(addr, ncores)
		s.workers[addr] = ch
		metrics.WorkersTotal.Set(float64(len(s.workers)))
		s.broker.Publish(&events.Event{Type: events.EventWorkerAdded, Message: addr})
		s.logger.Info().Str("worker", addr).Int("ncores", ncores).Msg("worker registered")
		s.dispatchReady(nil)
	})
	return ch
}

// RemoveWorker removes a worker (connection loss, heartbeat timeout) and
// heals scheduler state around its departure.
func (s *Scheduler) RemoveWorker(addr WorkerAddr) {
	s.exec(func() { s.removeWorkerLocked(addr) })
}

// UpdateGraph admits a graph submission and dispatches whatever becomes
// immediately ready.
func (s *Scheduler) UpdateGraph(req update.Request) ([]Key, error) {
	var ready []Key
	var err error
	s.exec(func() {
		var recleared []Key
		for key := range req.Tasks {
			if s.clearBlame(key) {
				recleared = append(recleared, key)
			}
		}
		ready, err = update.Apply(s.st, req)
		if err != nil {
			return
		}
		metrics.GraphsAdmitted.Inc()
		ready = append(ready, s.requeueCleared(recleared)...)
		s.dispatchReady(ready)
	})
	return ready, err
}

// ClientReleasesKeys drops client's interest in keys. Any of keys (or their
// dependencies) that are finished and no longer wanted by another client or
// a pending consumer are moved into the released set for later collection.
func (s *Scheduler) ClientReleasesKeys(client ClientID, keys []Key) {
	s.exec(func() {
		for _, key := range keys {
			delete(s.st.WhoWants[key], client)
			delete(s.st.WantsWhat[client], key)
			s.releaseIfUnwanted(key)
		}
	})
}

// TaskFinished records a worker's successful completion of key.
func (s *Scheduler) TaskFinished(worker WorkerAddr, key Key, nbytes int64, typ []byte) {
	s.exec(func() { s.taskFinishedLocked(worker, key, nbytes, typ) })
}

// TaskErred records a worker's failure to compute key.
func (s *Scheduler) TaskErred(worker WorkerAddr, key Key, exception, traceback []byte) {
	s.exec(func() { s.taskErredLocked(worker, key, exception, traceback) })
}

// MissingData records that worker no longer holds the listed keys.
func (s *Scheduler) MissingData(worker WorkerAddr, keys []Key) {
	s.exec(func() {
		recomputed := heal.MissingData(s.st, worker, keys)
		if len(recomputed) > 0 {
			s.broker.Publish(&events.Event{Type: events.EventKeyLost, Metadata: keysMeta(recomputed)})
			s.notifyLostData(recomputed)
			s.dispatchReady(readyOf(s.st, recomputed))
		}
	})
}

// AddKeys records keys a worker has gained, typically via a peer
// transfer the scheduler itself never orchestrates.
func (s *Scheduler) AddKeys(worker WorkerAddr, keys []Key) {
	s.exec(func() {
		if s.st.HasWhat[worker] == nil {
			s.st.HasWhat[worker] = make(map[Key]struct{})
		}
		for _, key := range keys {
			s.st.HasWhat[worker][key] = struct{}{}
			if s.st.WhoHas[key] == nil {
				s.st.WhoHas[key] = make(map[WorkerAddr]struct{})
			}
			s.st.WhoHas[key][worker] = struct{}{}
		}
	})
}

// RemoveKeys records keys a worker has voluntarily dropped.
func (s *Scheduler) RemoveKeys(worker WorkerAddr, keys []Key) {
	s.exec(func() {
		recomputed := heal.MissingData(s.st, worker, keys)
		if len(recomputed) > 0 {
			s.dispatchReady(readyOf(s.st, recomputed))
		}
	})
}

// Restart cancels all outstanding work, clears key-indexed state, and
// preserves client registrations so clients can resubmit under the same
// identity. Workers are told to terminate and must re-register.
func (s *Scheduler) Restart() {
	s.exec(func() { s.restartLocked() })
}

// RegisterFeed adds name to the feed registry so a future Feed
// subscription request can resolve it.
func (s *Scheduler) RegisterFeed(name string, fn FeedFunc) {
	s.exec(func() { s.feeds[name] = fn })
}

// Snapshot returns a read-only-by-convention view of scheduler state for
// diagnostics and tests. Callers must not mutate the returned value.
func (s *Scheduler) Snapshot() *state.State {
	var snap *state.State
	s.exec(func() { snap = s.st })
	return snap
}

func keysMeta(keys []Key) map[string]string {
	m := make(map[string]string, 1)
	m["keys"] = graph.CanonicalKey(keys...)
	return m
}

func readyOf(st *state.State, keys []Key) []Key {
	var ready []Key
	for _, k := range keys {
		if len(st.Waiting[k]) == 0 {
			ready = append(ready, k)
		}
	}
	return ready
}

// dispatchReady assigns ready (a newly-ready batch; may be nil, meaning
// "just try to drain existing stacks") to workers and pushes whatever it
// can onto worker outboxes.
func (s *Scheduler) dispatchReady(ready []Key) {
	if len(ready) > 0 {
		timer := metrics.NewTimer()
		assigned, failed := decide.AssignMany(s.st, ready)
		timer.ObserveDuration(metrics.DecideWorkerDuration)
		for key, err := range failed {
			s.taskErredLocked("", key, []byte(err.Error()), nil)
		}
		metrics.TasksScheduled.Add(float64(len(assigned)))
	}
	s.drainStacks()
}

func (s *Scheduler) drainStacks() {
	for worker := range s.st.NCores {
		stack := s.st.Stacks[worker]
		for len(stack) > 0 && len(s.st.Processing[worker]) < s.st.NCores[worker] {
			key := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			s.dispatchToWorker(worker, key)
		}
		s.st.Stacks[worker] = stack
	}
}

func (s *Scheduler) dispatchToWorker(worker WorkerAddr, key Key) {
	task := s.st.Tasks[key]
	if task == nil {
		return
	}
	if s.st.Processing[worker] == nil {
		s.st.Processing[worker] = make(map[Key]struct{})
	}
	s.st.Processing[worker][key] = struct{}{}

	whoHas := make(map[Key][]WorkerAddr, len(s.st.Dependencies[key]))
	for dep := range s.st.Dependencies[key] {
		for w := range s.st.WhoHas[dep] {
			whoHas[dep] = append(whoHas[dep], w)
		}
	}

	dispatchID := uuid.New().String()
	msg := &WorkerMessage{
		Op: "compute-task",
		ComputeTask: ComputeTask{
			Key:        key,
			DispatchID: dispatchID,
			Function:   task.Function,
			Args:       task.Args,
			Kwargs:     task.Kwargs,
			WhoHas:     whoHas,
		},
	}
	s.logger.Debug().Str("worker", worker).Str("key", key).Str("dispatch_id", dispatchID).Msg("dispatching task")
	s.sendToWorker(worker, msg)
}

// sendToWorker enqueues msg without blocking the controller loop. A
// worker whose outbox is already full is presumed unresponsive and is
// removed, matching the no-stall rule for the central loop.
func (s *Scheduler) sendToWorker(worker WorkerAddr, msg *WorkerMessage) {
	ch, ok := s.workers[worker]
	if !ok {
		return
	}
	select {
	case ch <- msg:
	default:
		s.logger.Warn().Str("worker", worker).Msg("worker outbox full, treating as unresponsive")
		s.removeWorkerLocked(worker)
	}
}

// sendToClient enqueues evt for client without blocking. A client whose
// outbox is saturated loses the event; its report stream remains open.
func (s *Scheduler) sendToClient(client ClientID, evt *events.Event) {
	ch, ok := s.clients[client]
	if !ok {
		return
	}
	select {
	case ch <- evt:
	default:
		s.logger.Warn().Str("client", client).Msg("client outbox full, dropping event")
	}
}
