// Package admission keeps one submitter from having two jobs of the same kind
// outstanding at once.
//
// Each job kind owns its own Guard. A submitter moves IDLE -> PENDING on a
// successful acquire and back to IDLE on release; acquiring while PENDING is
// rejected with ErrBusy. Release is idempotent so it can sit in a defer on
// every exit path.
package admission

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
)

// ErrBusy reports that the submitter already has an outstanding job of this kind.
var ErrBusy = errors.New("submitter already has a pending job")

// Guard is a per-kind set of submitters that currently own an outstanding job.
type Guard struct {
	kind    string
	pending *haxmap.Map[string, time.Time]
}

func NewGuard(kind string) *Guard {
	return &Guard{
		kind:    kind,
		pending: haxmap.New[string, time.Time](),
	}
}

// Kind returns the job kind this guard protects.
func (g *Guard) Kind() string { return g.kind }

// TryAcquire marks id as pending. It returns false if id was already pending.
func (g *Guard) TryAcquire(id string) bool {
	_, loaded := g.pending.GetOrSet(id, time.Now().UTC())
	return !loaded
}

// Release marks id as idle. Releasing an idle submitter is a no-op.
func (g *Guard) Release(id string) {
	g.pending.Del(id)
}

// Holds reports whether id is pending.
func (g *Guard) Holds(id string) bool {
	_, ok := g.pending.Get(id)
	return ok
}

// Since returns when id became pending.
func (g *Guard) Since(id string) (time.Time, bool) {
	return g.pending.Get(id)
}

// Pending returns the pending submitter IDs, sorted.
func (g *Guard) Pending() []string {
	out := make([]string, 0, g.pending.Len())
	g.pending.ForEach(func(id string, _ time.Time) bool {
		out = append(out, id)
		return true
	})
	sort.Strings(out)
	return out
}

// Acquire is TryAcquire returning a Lease, or ErrBusy.
func (g *Guard) Acquire(id string) (*Lease, error) {
	if !g.TryAcquire(id) {
		return nil, ErrBusy
	}
	return &Lease{guard: g, id: id}, nil
}

// Lease is a scoped acquisition. Release it with defer.
type Lease struct {
	guard *Guard
	id    string
	once  sync.Once
}

// Submitter returns the submitter the lease was taken for.
func (l *Lease) Submitter() string { return l.id }

// Release returns the submitter to IDLE. Only the first call has an effect.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		l.guard.Release(l.id)
	})
}
