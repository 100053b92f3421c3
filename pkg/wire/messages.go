package wire

// Opcodes exchanged between clients, the scheduler, and workers. Each has
// a typed payload struct below; an unrecognized opcode is logged and
// dropped rather than treated as a protocol violation, so the wire
// protocol can grow without breaking older peers.
const (
	// Client -> scheduler
	OpRegisterClient     = "register-client"
	OpUpdateGraph        = "update-graph"
	OpClientReleasesKeys = "client-releases-keys"
	OpRestart            = "restart"
	OpCloseStream        = "close-stream"
	OpFeed               = "feed"

	// Scheduler -> client
	OpStreamStart  = "stream-start"
	OpKeyInMemory  = "key-in-memory"
	OpTaskErred    = "task-erred"
	OpLostData     = "lost-data"
	OpStreamClosed = "stream-closed"
	OpFeedResult   = "feed-result"

	// Scheduler -> worker
	OpComputeTask = "compute-task"
	OpDeleteData  = "delete-data"
	OpGather      = "gather"
	OpTerminate   = "terminate"

	// Worker -> scheduler
	OpRegisterWorker  = "register-worker"
	OpTaskFinished    = "task-finished"
	OpWorkerTaskErred = "task-erred-worker"
	OpMissingData     = "missing-data"
	OpAddKeys         = "add-keys"
	OpRemoveKeys      = "remove-keys"
)

// RegisterClientMsg opens a client's report stream.
type RegisterClientMsg struct {
	Client string `codec:"client"`
}

// TaskSpecMsg is the wire shape of one task within an UpdateGraphMsg.
type TaskSpecMsg struct {
	Key      string   `codec:"key"`
	Function []byte   `codec:"function,omitempty"`
	Args     []byte   `codec:"args,omitempty"`
	Kwargs   []byte   `codec:"kwargs,omitempty"`
	KeyRefs  []string `codec:"key_refs,omitempty"`
	IsApply  bool     `codec:"is_apply,omitempty"`
	AliasOf  string   `codec:"alias_of,omitempty"`
}

// UpdateGraphMsg submits a sub-graph for execution.
type UpdateGraphMsg struct {
	Client            string              `codec:"client"`
	Tasks             []TaskSpecMsg       `codec:"tasks"`
	Dependencies      map[string][]string `codec:"dependencies,omitempty"`
	Keys              []string            `codec:"keys"`
	Restrictions      map[string][]string `codec:"restrictions,omitempty"`
	LooseRestrictions []string            `codec:"loose_restrictions,omitempty"`
}

// ClientReleasesKeysMsg drops a client's interest in a set of keys.
type ClientReleasesKeysMsg struct {
	Client string   `codec:"client"`
	Keys   []string `codec:"keys"`
}

// FeedMsg subscribes the connection to a named, server-registered feed.
type FeedMsg struct {
	Name     string `codec:"name"`
	Interval int64  `codec:"interval_ms"`
}

// StreamStartMsg acknowledges a client registration.
type StreamStartMsg struct{}

// KeyInMemoryMsg reports that key now has a finished result.
type KeyInMemoryMsg struct {
	Key    string `codec:"key"`
	Type   []byte `codec:"type,omitempty"`
	NBytes int64  `codec:"nbytes"`
}

// TaskErredMsg reports a task's (possibly inherited) failure.
type TaskErredMsg struct {
	Key        string `codec:"key"`
	Exception  []byte `codec:"exception"`
	Traceback  []byte `codec:"traceback,omitempty"`
	WhoErred   string `codec:"who_erred,omitempty"`
}

// LostDataMsg reports that a key's result is no longer available anywhere.
type LostDataMsg struct {
	Keys []string `codec:"keys"`
}

// FeedResultMsg carries one tick of a subscribed feed.
type FeedResultMsg struct {
	Name string `codec:"name"`
	Data []byte `codec:"data"`
}

// ComputeTaskMsg instructs a worker to run a task. DispatchID identifies
// this specific attempt, distinct from Key. TaskFinishedMsg and
// WorkerTaskErredMsg do not carry a DispatchID; reports name the key only.
type ComputeTaskMsg struct {
	Key        string              `codec:"key"`
	DispatchID string              `codec:"dispatch_id,omitempty"`
	Function   []byte              `codec:"function,omitempty"`
	Args       []byte              `codec:"args,omitempty"`
	Kwargs     []byte              `codec:"kwargs,omitempty"`
	WhoHas     map[string][]string `codec:"who_has,omitempty"`
}

// DeleteDataMsg instructs a worker to drop keys from memory.
type DeleteDataMsg struct {
	Keys []string `codec:"keys"`
}

// GatherMsg asks a worker to fetch keys from peers (worker-to-worker
// transfer itself is out of scope here; the scheduler only issues the
// instruction).
type GatherMsg struct {
	Keys []string `codec:"keys"`
}

// TerminateMsg asks a worker to shut down cleanly.
type TerminateMsg struct{}

// RegisterWorkerMsg announces a worker joining the cluster.
type RegisterWorkerMsg struct {
	Address string `codec:"address"`
	NCores  int    `codec:"ncores"`
}

// TaskFinishedMsg reports successful completion of a task.
type TaskFinishedMsg struct {
	Worker string `codec:"worker"`
	Key    string `codec:"key"`
	NBytes int64  `codec:"nbytes"`
	Type   []byte `codec:"type,omitempty"`
}

// WorkerTaskErredMsg reports a task's failure from the worker that ran it.
type WorkerTaskErredMsg struct {
	Worker    string `codec:"worker"`
	Key       string `codec:"key"`
	Exception []byte `codec:"exception"`
	Traceback []byte `codec:"traceback,omitempty"`
}

// MissingDataMsg reports that a worker no longer holds some keys.
type MissingDataMsg struct {
	Worker string   `codec:"worker"`
	Keys   []string `codec:"keys"`
}

// AddKeysMsg reports keys a worker has gained (e.g. via peer transfer).
type AddKeysMsg struct {
	Worker string   `codec:"worker"`
	Keys   []string `codec:"keys"`
}

// RemoveKeysMsg reports keys a worker has dropped voluntarily.
type RemoveKeysMsg struct {
	Worker string   `codec:"worker"`
	Keys   []string `codec:"keys"`
}

// SplitApply decodes a (apply, f, args, kwargs)-shaped task body into its
// three opaque parts, per the wire protocol's apply-splitting rule.
func SplitApply(body []byte) (function, args, kwargs []byte, err error) {
	var apply struct {
		Function []byte `codec:"function"`
		Args     []byte `codec:"args"`
		Kwargs   []byte `codec:"kwargs"`
	}
	if err := Decode(body, &apply); err != nil {
		return nil, nil, nil, err
	}
	return apply.Function, apply.Args, apply.Kwargs, nil
}
