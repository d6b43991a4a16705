package breaker

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Kinds of breaker tables.
const (
	KindPeer  = "peer"
	KindBlock = "block"
)

// StateChangeFunc observes a transition of the breaker under key.
type StateChangeFunc func(kind, key string, from, to State)

// RejectFunc observes a refused operation.
type RejectFunc func(kind, key string)

// Table lazily creates one breaker per key. A breaker that returns to Closed
// with no failures is dropped, since it is indistinguishable from a new one.
type Table struct {
	kind string
	cfg  Config
	clk  clock.Clock

	mu       sync.Mutex
	breakers map[string]*Breaker

	onChange StateChangeFunc
	onReject RejectFunc
}

// NewTable creates an empty table. A nil clock uses the wall clock.
func NewTable(kind string, cfg Config, clk clock.Clock) *Table {
	if clk == nil {
		clk = clock.New()
	}
	return &Table{
		kind:     kind,
		cfg:      cfg,
		clk:      clk,
		breakers: make(map[string]*Breaker),
	}
}

// Kind returns the label the table was created with.
func (t *Table) Kind() string { return t.kind }

// OnStateChange registers a transition hook. Hooks run outside table locks.
func (t *Table) OnStateChange(fn StateChangeFunc) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// OnReject registers a hook called whenever IsBlocked refuses.
func (t *Table) OnReject(fn RejectFunc) {
	t.mu.Lock()
	t.onReject = fn
	t.mu.Unlock()
}

func (t *Table) get(key string) *Breaker {
	b, ok := t.breakers[key]
	if !ok {
		b = New(t.cfg, t.clk)
		t.breakers[key] = b
	}
	return b
}

// IsBlocked consults the breaker for key, possibly admitting a HalfOpen trial.
func (t *Table) IsBlocked(key string) bool {
	t.mu.Lock()
	b, ok := t.breakers[key]
	if !ok {
		t.mu.Unlock()
		return false
	}
	b.mu.Lock()
	blocked, from := b.isBlocked()
	to := b.state
	b.mu.Unlock()
	onChange, onReject := t.onChange, t.onReject
	t.mu.Unlock()

	if from != to && onChange != nil {
		onChange(t.kind, key, from, to)
	}
	if blocked && onReject != nil {
		onReject(t.kind, key)
	}
	return blocked
}

// Blocked peeks at the breaker for key without admitting a trial.
func (t *Table) Blocked(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.breakers[key]
	if !ok {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blocked()
}

// Success closes the breaker for key.
func (t *Table) Success(key string) {
	t.mu.Lock()
	b, ok := t.breakers[key]
	if !ok {
		t.mu.Unlock()
		return
	}
	b.mu.Lock()
	from := b.success()
	b.mu.Unlock()
	delete(t.breakers, key)
	onChange := t.onChange
	t.mu.Unlock()

	if from != Closed && onChange != nil {
		onChange(t.kind, key, from, Closed)
	}
}

// Failure records a failure for key and reports whether it tripped Closed→Open.
func (t *Table) Failure(key string) bool {
	t.mu.Lock()
	b := t.get(key)
	b.mu.Lock()
	from, tripped := b.failure()
	to := b.state
	b.mu.Unlock()
	onChange := t.onChange
	t.mu.Unlock()

	if from != to && onChange != nil {
		onChange(t.kind, key, from, to)
	}
	return tripped
}

// State returns the state for key; unknown keys are Closed.
func (t *Table) State(key string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.breakers[key]; ok {
		return b.State()
	}
	return Closed
}

// Remove forgets the breaker for key.
func (t *Table) Remove(key string) {
	t.mu.Lock()
	delete(t.breakers, key)
	t.mu.Unlock()
}

// Prune drops breakers that do not block and have seen no failure for idle,
// and returns how many were dropped. A dropped breaker that was not Closed
// is reported as closing.
func (t *Table) Prune(idle time.Duration) int {
	now := t.clk.Now()
	type closing struct {
		key  string
		from State
	}
	var released []closing

	t.mu.Lock()
	n := 0
	for k, b := range t.breakers {
		b.mu.Lock()
		drop := !b.blocked() && now.Sub(b.lastFailure) >= idle
		from := b.state
		b.mu.Unlock()
		if !drop {
			continue
		}
		delete(t.breakers, k)
		n++
		if from != Closed {
			released = append(released, closing{key: k, from: from})
		}
	}
	onChange := t.onChange
	t.mu.Unlock()

	if onChange != nil {
		for _, c := range released {
			onChange(t.kind, c.key, c.from, Closed)
		}
	}
	return n
}

// Len returns the number of tracked breakers.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.breakers)
}

// Entry is a snapshot row for diagnostics.
type Entry struct {
	Kind     string `json:"kind"`
	Key      string `json:"key"`
	State    string `json:"state"`
	Failures uint32 `json:"failures"`
}

// Snapshot lists every tracked breaker sorted by key.
func (t *Table) Snapshot() []Entry {
	t.mu.Lock()
	out := make([]Entry, 0, len(t.breakers))
	for k, b := range t.breakers {
		b.mu.Lock()
		out = append(out, Entry{Kind: t.kind, Key: k, State: b.state.String(), Failures: b.failures})
		b.mu.Unlock()
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
