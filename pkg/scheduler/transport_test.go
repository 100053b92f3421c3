package scheduler_test

import (
	"net"
	"testing"
	"time"

	"github.com/cuemby/loom/pkg/scheduler"
	"github.com/cuemby/loom/pkg/wire"
	"github.com/stretchr/testify/require"
)

// TestTransportRoundTripsClientAndWorker drives a full register-worker /
// update-graph / compute-task / task-finished / key-in-memory cycle over
// real net.Conn pairs and the msgpack wire codec, with no use of the
// in-process Go API on the peer side.
func TestTransportRoundTripsClientAndWorker(t *testing.T) {
	s := scheduler.New(scheduler.DefaultConfig())
	s.Start()
	t.Cleanup(s.Stop)

	workerConn, workerPeer := net.Pipe()
	defer workerConn.Close()
	go s.ServeConn(workerPeer)

	require.NoError(t, wire.WriteMessage(workerConn, wire.OpRegisterWorker, wire.RegisterWorkerMsg{
		Address: "w1:1",
		NCores:  1,
	}))

	clientConn, clientPeer := net.Pipe()
	defer clientConn.Close()
	go s.ServeConn(clientPeer)

	require.NoError(t, wire.WriteMessage(clientConn, wire.OpRegisterClient, wire.RegisterClientMsg{Client: "c1"}))

	op, _, err := wire.ReadMessage(clientConn)
	require.NoError(t, err)
	require.Equal(t, wire.OpStreamStart, op)

	require.NoError(t, wire.WriteMessage(clientConn, wire.OpUpdateGraph, wire.UpdateGraphMsg{
		Client: "c1",
		Tasks:  []wire.TaskSpecMsg{{Key: "a"}},
		Keys:   []string{"a"},
	}))

	workerConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	op, body, err := wire.ReadMessage(workerConn)
	require.NoError(t, err)
	require.Equal(t, wire.OpComputeTask, op)

	var task wire.ComputeTaskMsg
	require.NoError(t, wire.Decode(body, &task))
	require.Equal(t, "a", task.Key)

	require.NoError(t, wire.WriteMessage(workerConn, wire.OpTaskFinished, wire.TaskFinishedMsg{
		Worker: "w1:1",
		Key:    "a",
		NBytes: 10,
	}))

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	op, body, err = wire.ReadMessage(clientConn)
	require.NoError(t, err)
	require.Equal(t, wire.OpKeyInMemory, op)

	var notice wire.KeyInMemoryMsg
	require.NoError(t, wire.Decode(body, &notice))
	require.Equal(t, "a", notice.Key)
}
