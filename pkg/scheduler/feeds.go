package scheduler

import (
	"fmt"
	"time"

	"github.com/cuemby/loom/pkg/events"
	"github.com/google/uuid"
)

// Feed subscribes the caller to a named, previously-registered feed,
// ticking at interval and delivering each result on the returned channel
// until Unsubscribe is called. Because Go cannot execute a client-
// supplied callable, the wire protocol's feed opcode names one of a
// small server-side registry of FeedFuncs rather than carrying the
// function itself.
func (s *Scheduler) Feed(name string, interval time.Duration) (<-chan *events.Event, func(), error) {
	var fn FeedFunc
	var err error
	s.exec(func() {
		var ok bool
		fn, ok = s.feeds[name]
		if !ok {
			err = fmt.Errorf("scheduler: no feed registered as %q", name)
		}
	})
	if err != nil {
		return nil, nil, err
	}

	out := make(chan *events.Event, 16)
	stop := make(chan struct{})
	sub := &feedSubscription{name: name, fn: fn, out: out, stop: stop}

	// Keyed by a fresh id, not name, since the same feed may be
	// subscribed to more than once concurrently.
	id := uuid.New().String()
	s.exec(func() { s.subscriptions[id] = sub })

	go s.runFeed(sub, interval)

	unsubscribe := func() {
		close(stop)
		s.exec(func() { delete(s.subscriptions, id) })
	}
	return out, unsubscribe, nil
}

func (s *Scheduler) runFeed(sub *feedSubscription, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(sub.out)

	for {
		select {
		case <-ticker.C:
			var data interface{}
			s.exec(func() { data = sub.fn(s.st) })
			select {
			case sub.out <- &events.Event{Type: events.EventFeedResult, Message: sub.name, Data: data}:
			default:
			}
		case <-sub.stop:
			return
		}
	}
}
