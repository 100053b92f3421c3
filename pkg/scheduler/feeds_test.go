package scheduler

import (
	"testing"
	"time"

	"github.com/cuemby/loom/pkg/state"
	"github.com/stretchr/testify/assert"
)

func TestFeedRegistersAndClearsSubscription(t *testing.T) {
	s := New(DefaultConfig())
	s.Start()
	defer s.Stop()

	s.RegisterFeed("ncores", func(st *state.State) interface{} { return len(st.NCores) })

	out, unsubscribe, err := s.Feed("ncores", 5*time.Millisecond)
	assert.NoError(t, err)

	assert.Eventually(t, func() bool {
		var n int
		s.exec(func() { n = len(s.subscriptions) })
		return n == 1
	}, time.Second, time.Millisecond, "subscribing to a feed must register it")

	unsubscribe()

	assert.Eventually(t, func() bool {
		var n int
		s.exec(func() { n = len(s.subscriptions) })
		return n == 0
	}, time.Second, time.Millisecond, "unsubscribing must clear the registration")

	// out is closed by runFeed when it stops, so this loop ends once the
	// feed goroutine has exited.
	for range out {
	}
}

func TestFeedRejectsUnknownName(t *testing.T) {
	s := New(DefaultConfig())
	s.Start()
	defer s.Stop()

	_, _, err := s.Feed("no-such-feed", time.Second)
	assert.Error(t, err)
}
