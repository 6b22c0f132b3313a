package gpio

import (
	"errors"
	"sync"
)

// ErrInjected is returned by a Fake configured to fail.
var ErrInjected = errors.New("gpio: injected fault")

// Edge is one recorded write.
type Edge struct {
	Line string
	High bool
}

// Journal collects writes from any number of Fake lines in the order they
// happened.
type Journal struct {
	mu    sync.Mutex
	edges []Edge
}

// Edges returns a copy of every recorded write.
func (j *Journal) Edges() []Edge {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Edge, len(j.edges))
	copy(out, j.edges)
	return out
}

// Rising counts low-to-high writes on line.
func (j *Journal) Rising(line string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, e := range j.edges {
		if e.Line == line && e.High {
			n++
		}
	}
	return n
}

// Last returns the most recent level written to line and whether any
// write happened.
func (j *Journal) Last(line string) (high, ok bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := len(j.edges) - 1; i >= 0; i-- {
		if j.edges[i].Line == line {
			return j.edges[i].High, true
		}
	}
	return false, false
}

// Reset forgets every recorded write.
func (j *Journal) Reset() {
	j.mu.Lock()
	j.edges = nil
	j.mu.Unlock()
}

func (j *Journal) record(e Edge) {
	j.mu.Lock()
	j.edges = append(j.edges, e)
	j.mu.Unlock()
}

// Fake is an Output that writes into a Journal and can be told to fail.
type Fake struct {
	name    string
	journal *Journal

	mu        sync.Mutex
	failAfter int // fail once this many writes succeeded; <0 never
	writes    int
	closed    bool
}

// NewFake returns a Fake line named name recording into j.
func NewFake(name string, j *Journal) *Fake {
	return &Fake{name: name, journal: j, failAfter: -1}
}

// FailAfter makes every write after the first n successful ones return
// ErrInjected.
func (f *Fake) FailAfter(n int) {
	f.mu.Lock()
	f.failAfter = n
	f.mu.Unlock()
}

// Name returns the logical line name.
func (f *Fake) Name() string { return f.name }

// Set records the write unless a fault is due.
func (f *Fake) Set(high bool) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	if f.failAfter >= 0 && f.writes >= f.failAfter {
		f.mu.Unlock()
		return ErrInjected
	}
	f.writes++
	f.mu.Unlock()

	f.journal.record(Edge{Line: f.name, High: high})
	return nil
}

// Close marks the line released.
func (f *Fake) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}
