package scheduler

import (
	"time"

	"github.com/cuemby/loom/pkg/events"
	"github.com/cuemby/loom/pkg/metrics"
)

// taskFinishedLocked records a worker's successful completion of key and
// propagates readiness to its dependents. Must only run on the
// controller loop.
func (s *Scheduler) taskFinishedLocked(worker WorkerAddr, key Key, nbytes int64, typ []byte) {
	delete(s.st.Processing[worker], key)

	if s.st.WhoHas[key] == nil {
		s.st.WhoHas[key] = make(map[WorkerAddr]struct{})
	}
	s.st.WhoHas[key][worker] = struct{}{}
	if s.st.HasWhat[worker] == nil {
		s.st.HasWhat[worker] = make(map[Key]struct{})
	}
	s.st.HasWhat[worker][key] = struct{}{}
	s.st.Nbytes[key] = nbytes

	s.st.FinishedResults[key] = struct{}{}
	delete(s.st.Waiting, key)
	s.st.InPlay[key] = struct{}{}

	var ready []Key
	for dependent := range s.st.Dependents[key] {
		if waiting, ok := s.st.Waiting[dependent]; ok {
			delete(waiting, key)
			if len(waiting) == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	for client := range s.st.WhoWants[key] {
		s.sendToClient(client, &events.Event{
			Type:    events.EventTaskFinished,
			Message: key,
			Data:    typ,
		})
	}

	// key is done, so it no longer waits on any of its own dependencies;
	// any of them that finished earlier may now be unwanted.
	for dep := range s.st.Dependencies[key] {
		delete(s.st.WaitingData[dep], key)
		s.releaseIfUnwanted(dep)
	}

	s.dispatchReady(ready)
}

// releaseIfUnwanted moves key into Released/FreedAt once it is finished and
// no longer wanted by a client or a not-yet-finished consumer, then
// recurses into its own dependencies since releasing key can in turn make
// them unwanted. Must only run on the controller loop.
func (s *Scheduler) releaseIfUnwanted(key Key) {
	if _, finished := s.st.FinishedResults[key]; !finished {
		return
	}
	if _, released := s.st.Released[key]; released {
		return
	}
	if len(s.st.WhoWants[key]) > 0 || len(s.st.WaitingData[key]) > 0 {
		return
	}

	s.st.Released[key] = struct{}{}
	s.st.FreedAt[key] = time.Now()
	delete(s.st.Waiting, key)
	delete(s.st.InPlay, key)

	for dep := range s.st.Dependencies[key] {
		delete(s.st.WaitingData[dep], key)
		s.releaseIfUnwanted(dep)
	}
}

// taskErredLocked records a task's failure and cascades blame to every
// transitive dependent, canceling their scheduling.
func (s *Scheduler) taskErredLocked(worker WorkerAddr, key Key, exception, traceback []byte) {
	if worker != "" {
		delete(s.st.Processing[worker], key)
	}
	delete(s.st.Waiting, key)

	s.st.Exceptions[key] = exception
	s.st.Tracebacks[key] = traceback
	s.st.ExceptionsBlame[key] = key

	blamed := blameDependents(s.st, key)

	metrics.TasksErred.Inc()

	for client := range s.st.WhoWants[key] {
		s.sendToClient(client, &events.Event{Type: events.EventTaskErred, Message: key, Data: exception})
	}
	for _, dep := range blamed {
		for client := range s.st.WhoWants[dep] {
			s.sendToClient(client, &events.Event{Type: events.EventTaskErred, Message: dep, Data: exception})
		}
	}
	s.broker.Publish(&events.Event{Type: events.EventTaskErred, Message: key})
}

func (s *Scheduler) notifyLostData(keys []Key) {
	for _, key := range keys {
		for client := range s.st.WhoWants[key] {
			s.sendToClient(client, &events.Event{Type: events.EventKeyLost, Message: key})
		}
	}
}

// periodicDelete batches released keys whose free-grace has elapsed into
// delete-data messages sent to every worker that holds them. Called only
// from run(), already on the controller loop.
func (s *Scheduler) periodicDelete() {
	now := time.Now()
	perWorker := make(map[WorkerAddr][]Key)

	for key := range s.st.Released {
		freedAt, ok := s.st.FreedAt[key]
		if !ok || now.Sub(freedAt) < s.cfg.FreedGrace {
			continue
		}
		for worker := range s.st.WhoHas[key] {
			perWorker[worker] = append(perWorker[worker], key)
		}
		for worker := range s.st.WhoHas[key] {
			delete(s.st.HasWhat[worker], key)
		}
		delete(s.st.WhoHas, key)

		for dep := range s.st.Dependencies[key] {
			delete(s.st.Dependents[dep], key)
			delete(s.st.WaitingData[dep], key)
		}
		for dependent := range s.st.Dependents[key] {
			delete(s.st.Dependencies[dependent], key)
		}

		delete(s.st.Released, key)
		delete(s.st.FreedAt, key)
		delete(s.st.Tasks, key)
		delete(s.st.Dependencies, key)
		delete(s.st.Dependents, key)
		delete(s.st.WaitingData, key)
		delete(s.st.FinishedResults, key)
		delete(s.st.Nbytes, key)
		delete(s.st.KeyOrder, key)
	}

	for worker, keys := range perWorker {
		s.sendToWorker(worker, &WorkerMessage{Op: "delete-data", DeleteKeys: keys})
		metrics.DeleteBatches.Inc()
	}
}
