package scheduler

import (
	"net"

	"github.com/cuemby/loom/pkg/events"
	"github.com/cuemby/loom/pkg/state"
	"github.com/cuemby/loom/pkg/update"
	"github.com/cuemby/loom/pkg/wire"
)

// Listen accepts connections on addr and serves each with ServeConn until
// the listener is closed.
func (s *Scheduler) Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.ServeConn(conn)
		}
	}()
	return ln, nil
}

// ServeConn handles one incoming connection for its lifetime. The first
// frame determines whether the peer is a client or a worker.
func (s *Scheduler) ServeConn(conn net.Conn) {
	defer conn.Close()

	op, body, err := wire.ReadMessage(conn)
	if err != nil {
		s.logger.Debug().Err(err).Msg("connection closed before handshake")
		return
	}

	switch op {
	case wire.OpRegisterClient:
		var msg wire.RegisterClientMsg
		if err := wire.Decode(body, &msg); err != nil {
			s.logger.Warn().Err(err).Msg("malformed register-client")
			return
		}
		s.serveClientConn(conn, msg.Client)
	case wire.OpRegisterWorker:
		var msg wire.RegisterWorkerMsg
		if err := wire.Decode(body, &msg); err != nil {
			s.logger.Warn().Err(err).Msg("malformed register-worker")
			return
		}
		s.serveWorkerConn(conn, msg.Address, msg.NCores)
	default:
		s.logger.Warn().Str("op", op).Msg("unexpected handshake opcode")
	}
}

func (s *Scheduler) serveClientConn(conn net.Conn, client ClientID) {
	reports := s.RegisterClient(client)
	defer s.UnregisterClient(client)

	if err := wire.WriteMessage(conn, wire.OpStreamStart, wire.StreamStartMsg{}); err != nil {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			op, body, err := wire.ReadMessage(conn)
			if err != nil {
				return
			}
			if op == wire.OpCloseStream {
				return
			}
			s.handleClientMessage(client, op, body)
		}
	}()

	for {
		select {
		case evt, ok := <-reports:
			if !ok {
				return
			}
			if err := writeClientEvent(conn, evt); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Scheduler) handleClientMessage(client ClientID, op string, body []byte) {
	switch op {
	case wire.OpUpdateGraph:
		var msg wire.UpdateGraphMsg
		if err := wire.Decode(body, &msg); err != nil {
			s.logger.Warn().Err(err).Msg("malformed update-graph")
			return
		}
		if _, err := s.UpdateGraph(toUpdateRequest(client, msg)); err != nil {
			s.logger.Warn().Err(err).Str("client", client).Msg("update-graph rejected")
		}
	case wire.OpClientReleasesKeys:
		var msg wire.ClientReleasesKeysMsg
		if err := wire.Decode(body, &msg); err == nil {
			s.ClientReleasesKeys(client, msg.Keys)
		}
	case wire.OpRestart:
		s.Restart()
	case wire.OpFeed:
		var msg wire.FeedMsg
		if err := wire.Decode(body, &msg); err == nil {
			s.logger.Debug().Str("feed", msg.Name).Msg("feed subscription requested over legacy path; use Feed() directly")
		}
	default:
		s.logger.Debug().Str("op", op).Msg("unhandled client opcode")
	}
}

func (s *Scheduler) serveWorkerConn(conn net.Conn, addr WorkerAddr, ncores int) {
	inbox := s.RegisterWorker(addr, ncores)
	defer s.RemoveWorker(addr)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			op, body, err := wire.ReadMessage(conn)
			if err != nil {
				return
			}
			s.handleWorkerMessage(addr, op, body)
		}
	}()

	for {
		select {
		case msg, ok := <-inbox:
			if !ok {
				return
			}
			if err := writeWorkerMessage(conn, msg); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Scheduler) handleWorkerMessage(addr WorkerAddr, op string, body []byte) {
	switch op {
	case wire.OpTaskFinished:
		var msg wire.TaskFinishedMsg
		if err := wire.Decode(body, &msg); err == nil {
			s.TaskFinished(addr, msg.Key, msg.NBytes, msg.Type)
		}
	case wire.OpWorkerTaskErred:
		var msg wire.WorkerTaskErredMsg
		if err := wire.Decode(body, &msg); err == nil {
			s.TaskErred(addr, msg.Key, msg.Exception, msg.Traceback)
		}
	case wire.OpMissingData:
		var msg wire.MissingDataMsg
		if err := wire.Decode(body, &msg); err == nil {
			s.MissingData(addr, msg.Keys)
		}
	case wire.OpAddKeys:
		var msg wire.AddKeysMsg
		if err := wire.Decode(body, &msg); err == nil {
			s.AddKeys(addr, msg.Keys)
		}
	case wire.OpRemoveKeys:
		var msg wire.RemoveKeysMsg
		if err := wire.Decode(body, &msg); err == nil {
			s.RemoveKeys(addr, msg.Keys)
		}
	default:
		s.logger.Debug().Str("op", op).Msg("unhandled worker opcode")
	}
}

func writeClientEvent(conn net.Conn, evt *events.Event) error {
	switch evt.Type {
	case events.EventTaskFinished:
		typ, _ := evt.Data.([]byte)
		return wire.WriteMessage(conn, wire.OpKeyInMemory, wire.KeyInMemoryMsg{Key: evt.Message, Type: typ})
	case events.EventTaskErred:
		exc, _ := evt.Data.([]byte)
		return wire.WriteMessage(conn, wire.OpTaskErred, wire.TaskErredMsg{Key: evt.Message, Exception: exc})
	case events.EventKeyLost:
		return wire.WriteMessage(conn, wire.OpLostData, wire.LostDataMsg{Keys: []string{evt.Message}})
	case events.EventClusterRestart:
		return wire.WriteMessage(conn, wire.OpStreamClosed, wire.StreamStartMsg{})
	case events.EventFeedResult:
		data, _ := evt.Data.([]byte)
		return wire.WriteMessage(conn, wire.OpFeedResult, wire.FeedResultMsg{Name: evt.Message, Data: data})
	default:
		return nil
	}
}

func writeWorkerMessage(conn net.Conn, msg *WorkerMessage) error {
	switch msg.Op {
	case "compute-task":
		whoHas := make(map[string][]string, len(msg.ComputeTask.WhoHas))
		for k, ws := range msg.ComputeTask.WhoHas {
			whoHas[k] = ws
		}
		return wire.WriteMessage(conn, wire.OpComputeTask, wire.ComputeTaskMsg{
			Key:        msg.ComputeTask.Key,
			DispatchID: msg.ComputeTask.DispatchID,
			Function:   msg.ComputeTask.Function,
			Args:       msg.ComputeTask.Args,
			Kwargs:     msg.ComputeTask.Kwargs,
			WhoHas:     whoHas,
		})
	case "delete-data":
		return wire.WriteMessage(conn, wire.OpDeleteData, wire.DeleteDataMsg{Keys: msg.DeleteKeys})
	case "terminate":
		return wire.WriteMessage(conn, wire.OpTerminate, wire.TerminateMsg{})
	default:
		return nil
	}
}

func toUpdateRequest(client ClientID, msg wire.UpdateGraphMsg) update.Request {
	tasks := make(map[state.Key]*state.TaskSpec, len(msg.Tasks))
	for _, t := range msg.Tasks {
		tasks[t.Key] = &state.TaskSpec{
			Key:      t.Key,
			Function: t.Function,
			Args:     t.Args,
			Kwargs:   t.Kwargs,
			KeyRefs:  t.KeyRefs,
			IsApply:  t.IsApply,
			AliasOf:  t.AliasOf,
		}
	}
	return update.Request{
		Client:            client,
		Tasks:             tasks,
		Dependencies:      msg.Dependencies,
		Keys:              msg.Keys,
		Restrictions:      msg.Restrictions,
		LooseRestrictions: msg.LooseRestrictions,
	}
}
