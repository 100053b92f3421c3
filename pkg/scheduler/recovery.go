package scheduler

import (
	"github.com/cuemby/loom/pkg/events"
	"github.com/cuemby/loom/pkg/heal"
	"github.com/cuemby/loom/pkg/metrics"
	"github.com/cuemby/loom/pkg/state"
)

// removeWorkerLocked drops addr from the cluster and heals scheduler
// state around its departure: orphaned in-flight tasks are requeued,
// data that existed only there is marked lost to its dependents.
func (s *Scheduler) removeWorkerLocked(addr WorkerAddr) {
	if _, ok := s.st.NCores[addr]; !ok {
		return
	}
	if ch, ok := s.workers[addr]; ok {
		close(ch)
		delete(s.workers, addr)
	}

	live := make(map[WorkerAddr]struct{}, len(s.st.NCores)-1)
	for w := range s.st.NCores {
		if w != addr {
			live[w] = struct{}{}
		}
	}

	result := heal.Heal(s.st, live)

	metrics.WorkersTotal.Set(float64(len(s.st.NCores)))
	metrics.WorkersRemoved.Inc()
	s.broker.Publish(&events.Event{Type: events.EventWorkerRemoved, Message: addr})

	if s.cfg.StrictValidation {
		if err := s.st.Validate(); err != nil {
			s.logger.Error().Err(err).Str("worker", addr).Msg("state invariant violated after heal")
		}
	}

	s.dispatchReady(result.Ready)
}

// restartLocked cancels all outstanding work and clears every key-indexed
// index while preserving client registrations, so clients can resubmit
// under the same identity once workers reconnect.
func (s *Scheduler) restartLocked() {
	for worker, ch := range s.workers {
		select {
		case ch <- &WorkerMessage{Op: "terminate"}:
		default:
		}
		close(ch)
		delete(s.workers, worker)
	}

	clients := s.clients
	s.st = state.New()
	s.clients = clients

	s.broker.Publish(&events.Event{Type: events.EventClusterRestart, Message: "restart"})
	for client := range s.clients {
		s.sendToClient(client, &events.Event{Type: events.EventClusterRestart, Message: "restart"})
	}

	metrics.WorkersTotal.Set(0)
}
