/*
Package scheduler implements loom's controller: the single process that
accepts task graphs from clients, places tasks on workers, tracks where
every result lives, and recovers when a worker disappears or a result is
lost.

# Architecture

Every exported method on Scheduler hands its work to one internal
goroutine as a closure and blocks until that closure runs to completion:

	Caller                    Controller loop (run)
	  │  UpdateGraph(req)        │
	  │ ─────── func() {...} ──▶ │  pulled from s.commands, executed
	  │                          │  in order, to completion
	  │ ◀──────── result ─────── │
	  ▼                          ▼

Because s.st (the *state.State) is only ever touched from inside one of
these closures, no field in pkg/state needs its own lock: the mailbox is
the lock. The loop also owns a delete-interval ticker, which triggers
periodicDelete directly rather than through the command queue, since it
already runs on the same goroutine as every command.

# Placement and healing

UpdateGraph delegates graph admission to pkg/update, then hands whatever
becomes ready to pkg/decide for placement, then drains each worker's
stack down to its core count. A task's completion (TaskFinished) walks its
dependents looking for newly-satisfied waits; a task's failure
(TaskErred) follows the same dependents edges transitively, casting blame
on every transitive dependent and canceling their scheduling.

RemoveWorker reduces to a call into pkg/heal, which re-derives waiting/
released/finished purely from who_has, stacks, and processing; lost data
reported by a worker goes through heal.MissingData. Restart does not heal:
it replaces the whole key-indexed state with an empty one.

# Outbound delivery

Per-worker and per-client outboxes are bounded, buffered channels. A send
that would block is replaced with an immediate decision instead of a
stall: a full worker outbox marks that worker as presumed dead and
removes it; a full client outbox drops the event and logs a warning. The
controller loop itself never blocks on a socket.

# Feeds

A feed is named, not shipped as a callable (Go has no safe way to
execute one from an untrusted peer). Scheduler.RegisterFeed binds a name
to a FeedFunc ahead of time; Scheduler.Feed looks the name up and starts a
ticking goroutine that reads current state into the function and forwards
its result to the subscriber. Feeds are opened in-process through
Scheduler.Feed only: a feed message arriving on a client connection is
decoded and logged but does not start a subscription.
*/
package scheduler
