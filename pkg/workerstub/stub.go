// Package workerstub provides the minimal worker-side behavior the
// scheduler core needs at its interface: registering, accepting
// compute-task/delete-data/terminate instructions, and reporting
// completion or failure back. It does not execute user code or manage
// real data, which remain out of scope for the scheduler this repository
// implements; it exists to exercise the scheduler's worker-facing
// contract in tests without a full worker process.
package workerstub

import (
	"sync"

	"github.com/cuemby/loom/pkg/scheduler"
)

// Reporter is the subset of *scheduler.Scheduler a stub worker needs.
type Reporter interface {
	TaskFinished(worker, key string, nbytes int64, typ []byte)
	TaskErred(worker, key string, exception, traceback []byte)
}

// Stub simulates one worker process against a scheduler.Scheduler.
type Stub struct {
	Address string
	NCores  int

	sched  Reporter
	inbox  <-chan *scheduler.WorkerMessage
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	mu      sync.Mutex
	fail    map[string]struct{}
	held    map[string]struct{}
	nbytesf func(key string) int64
}

// New registers a stub worker with sched and returns it unstarted.
func New(sched *scheduler.Scheduler, address string, ncores int) *Stub {
	inbox := sched.RegisterWorker(address, ncores)
	return &Stub{
		Address: address,
		NCores:  ncores,
		sched:   sched,
		inbox:   inbox,
		stop:    make(chan struct{}),
		fail:    make(map[string]struct{}),
		held:    make(map[string]struct{}),
	}
}

// FailKey makes the stub report key as erred instead of finished the next
// time it is asked to compute it.
func (w *Stub) FailKey(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fail[key] = struct{}{}
}

// Held reports the keys this stub currently believes it holds.
func (w *Stub) Held() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.held))
	for k := range w.held {
		out = append(out, k)
	}
	return out
}

// Run starts the stub's instruction loop in its own goroutine.
func (w *Stub) Run() {
	w.wg.Add(1)
	go w.loop()
}

// Stop halts the instruction loop and waits for it to exit. It is safe to
// call more than once, including after a terminate instruction.
func (w *Stub) Stop() {
	w.once.Do(func() { close(w.stop) })
	w.wg.Wait()
}

func (w *Stub) loop() {
	defer w.wg.Done()
	for {
		select {
		case msg, ok := <-w.inbox:
			if !ok {
				return
			}
			w.handle(msg)
		case <-w.stop:
			return
		}
	}
}

func (w *Stub) handle(msg *scheduler.WorkerMessage) {
	switch msg.Op {
	case "compute-task":
		w.compute(msg.ComputeTask)
	case "delete-data":
		w.mu.Lock()
		for _, k := range msg.DeleteKeys {
			delete(w.held, k)
		}
		w.mu.Unlock()
	case "terminate":
		go w.Stop()
	}
}

func (w *Stub) compute(task scheduler.ComputeTask) {
	w.mu.Lock()
	_, shouldFail := w.fail[task.Key]
	delete(w.fail, task.Key)
	w.mu.Unlock()

	if shouldFail {
		w.sched.TaskErred(w.Address, task.Key, []byte("stub: simulated failure"), nil)
		return
	}

	nbytes := int64(len(task.Args) + len(task.Kwargs) + 1)
	w.mu.Lock()
	w.held[task.Key] = struct{}{}
	w.mu.Unlock()
	w.sched.TaskFinished(w.Address, task.Key, nbytes, nil)
}
