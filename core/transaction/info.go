package transaction

import (
	"fmt"
	"sync"
	"time"
)

// Info is the ambient context of one transaction. It travels with every actor
// call made under the transaction and accumulates the participants, the read
// versions and the write intents. Participants register through explicit
// calls; the agent consumes it on resolution.
//
// A call chain may fan out to several actors at once, so Info is safe for
// concurrent use.
type Info struct {
	id        ID
	readOnly  bool
	startedAt time.Time
	deadline  time.Time

	mu           sync.Mutex
	status       Status
	outcome      Outcome
	participants []ResourceRef
	joined       map[ResourceRef]struct{}
	readSet      map[ResourceRef]Version
	writeSet     map[ResourceRef][]byte
	onComplete   []func(Outcome)
}

// NewInfo creates the context of a freshly started transaction.
func NewInfo(id ID, readOnly bool, startedAt time.Time, timeout time.Duration) *Info {
	return &Info{
		id:        id,
		readOnly:  readOnly,
		startedAt: startedAt,
		deadline:  startedAt.Add(timeout),
		status:    StatusActive,
		joined:    make(map[ResourceRef]struct{}),
		readSet:   make(map[ResourceRef]Version),
		writeSet:  make(map[ResourceRef][]byte),
	}
}

func (i *Info) ID() ID               { return i.id }
func (i *Info) ReadOnly() bool       { return i.readOnly }
func (i *Info) StartedAt() time.Time { return i.startedAt }
func (i *Info) Deadline() time.Time  { return i.deadline }

// Expired reports whether the deadline passed at now.
func (i *Info) Expired(now time.Time) bool {
	return now.After(i.deadline)
}

// Status returns the current lifecycle state.
func (i *Info) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

// Outcome returns the decision once the transaction is terminal.
func (i *Info) Outcome() (Outcome, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.outcome, i.status.Terminal()
}

// RegisterRead records the version observed for ref. Only the first
// observation counts: later reads of the same resource see the same snapshot.
func (i *Info) RegisterRead(ref ResourceRef, v Version) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.status != StatusActive {
		return fmt.Errorf("read %s in txn %d: %w", ref, i.id, ErrTransactionResolved)
	}
	i.join(ref)
	if _, ok := i.readSet[ref]; !ok {
		i.readSet[ref] = v
	}
	return nil
}

// ObservedVersion returns the version recorded by the first read of ref.
func (i *Info) ObservedVersion(ref ResourceRef) (Version, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	v, ok := i.readSet[ref]
	return v, ok
}

// RegisterWrite records a write intent for ref, replacing any earlier intent
// of this transaction for the same resource.
func (i *Info) RegisterWrite(ref ResourceRef, value []byte) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.status != StatusActive {
		return fmt.Errorf("write %s in txn %d: %w", ref, i.id, ErrTransactionResolved)
	}
	if i.readOnly {
		return fmt.Errorf("write %s in txn %d: %w", ref, i.id, ErrReadOnlyTransaction)
	}
	i.join(ref)
	buf := make([]byte, len(value))
	copy(buf, value)
	i.writeSet[ref] = buf
	return nil
}

// PendingWrite returns the write intent buffered for ref, if any.
func (i *Info) PendingWrite(ref ResourceRef) ([]byte, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	v, ok := i.writeSet[ref]
	return v, ok
}

// Participants lists the touched resources in the order they joined.
func (i *Info) Participants() []ResourceRef {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]ResourceRef, len(i.participants))
	copy(out, i.participants)
	return out
}

// HasWrites reports whether any write intent was registered.
func (i *Info) HasWrites() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.writeSet) > 0
}

// join must be called with i.mu held.
func (i *Info) join(ref ResourceRef) {
	if _, ok := i.joined[ref]; ok {
		return
	}
	i.joined[ref] = struct{}{}
	i.participants = append(i.participants, ref)
}

// BeginResolve moves the transaction from Active to Resolving. It fails when
// the Info was already handed to the agent once.
func (i *Info) BeginResolve() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.status != StatusActive {
		return fmt.Errorf("resolve txn %d in state %s: %w", i.id, i.status, ErrTransactionResolved)
	}
	i.status = StatusResolving
	return nil
}

// OnComplete registers fn to run once the outcome is known. Participants use
// it to apply or discard their buffered writes.
func (i *Info) OnComplete(fn func(Outcome)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.onComplete = append(i.onComplete, fn)
}

// Finish records the final outcome and runs the completion callbacks in
// registration order. Only Resolving may move to a terminal state.
func (i *Info) Finish(o Outcome) error {
	i.mu.Lock()
	if i.status != StatusResolving || !o.Status.Terminal() {
		status := i.status
		i.mu.Unlock()
		return fmt.Errorf("txn %d %s -> %s: %w", i.id, status, o.Status, ErrInvalidTransition)
	}
	i.status = o.Status
	i.outcome = o
	hooks := i.onComplete
	i.onComplete = nil
	i.mu.Unlock()

	for _, fn := range hooks {
		fn(o)
	}
	return nil
}

// Snapshot copies the transaction into the immutable form sent to the manager.
func (i *Info) Snapshot() Snapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	s := Snapshot{
		ID:           i.id,
		ReadOnly:     i.readOnly,
		StartedAt:    i.startedAt,
		Deadline:     i.deadline,
		Participants: make([]ResourceRef, len(i.participants)),
		ReadSet:      make(map[ResourceRef]Version, len(i.readSet)),
		WriteSet:     make(map[ResourceRef][]byte, len(i.writeSet)),
	}
	copy(s.Participants, i.participants)
	for ref, v := range i.readSet {
		s.ReadSet[ref] = v
	}
	for ref, v := range i.writeSet {
		s.WriteSet[ref] = v
	}
	return s
}

// Snapshot is the immutable, serializable view of an Info.
type Snapshot struct {
	ID           ID                      `json:"id"`
	ReadOnly     bool                    `json:"read_only"`
	StartedAt    time.Time               `json:"started_at"`
	Deadline     time.Time               `json:"deadline"`
	Participants []ResourceRef           `json:"participants,omitempty"`
	ReadSet      map[ResourceRef]Version `json:"read_set,omitempty"`
	WriteSet     map[ResourceRef][]byte  `json:"write_set,omitempty"`
}
