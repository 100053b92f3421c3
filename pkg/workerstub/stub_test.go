package workerstub_test

import (
	"testing"
	"time"

	"github.com/cuemby/loom/pkg/events"
	"github.com/cuemby/loom/pkg/scheduler"
	"github.com/cuemby/loom/pkg/state"
	"github.com/cuemby/loom/pkg/update"
	"github.com/cuemby/loom/pkg/workerstub"
	"github.com/stretchr/testify/require"
)

func TestStubFinishesComputeTask(t *testing.T) {
	s := scheduler.New(scheduler.DefaultConfig())
	s.Start()
	t.Cleanup(s.Stop)

	stub := workerstub.New(s, "w1:1", 1)
	stub.Run()
	t.Cleanup(stub.Stop)

	reports := s.RegisterClient("c1")

	_, err := s.UpdateGraph(update.Request{
		Client: "c1",
		Tasks:  map[string]*state.TaskSpec{"a": {Key: "a"}},
		Keys:   []string{"a"},
	})
	require.NoError(t, err)

	select {
	case evt := <-reports:
		require.Equal(t, events.EventTaskFinished, evt.Type)
		require.Equal(t, "a", evt.Message)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for task-finished report")
	}

	require.Contains(t, stub.Held(), "a")
}

func TestStubReportsFailureForMarkedKey(t *testing.T) {
	s := scheduler.New(scheduler.DefaultConfig())
	s.Start()
	t.Cleanup(s.Stop)

	stub := workerstub.New(s, "w1:1", 1)
	stub.FailKey("a")
	stub.Run()
	t.Cleanup(stub.Stop)

	reports := s.RegisterClient("c1")

	_, err := s.UpdateGraph(update.Request{
		Client: "c1",
		Tasks:  map[string]*state.TaskSpec{"a": {Key: "a"}},
		Keys:   []string{"a"},
	})
	require.NoError(t, err)

	select {
	case evt := <-reports:
		require.Equal(t, events.EventTaskErred, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for task-erred report")
	}
}
