// Package rtable holds the forwarding-decision table of a switch node. It is
// the single authority on which route is used for a destination: protocol
// engines submit candidate routes through Install and the table arbitrates
// between sources by administrative distance, then metric.
package rtable

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/gaissmai/bart"
	"github.com/routelab/switchd/state"
)

var (
	ErrTableFull = errors.New("routing table is full")
	ErrNoRoute   = errors.New("no route to destination")
	ErrNotFound  = errors.New("route not found")
	ErrCapacity  = errors.New("invalid table capacity")
)

// Source identifies where a route was learned from. The administrative
// distance of a source is fixed.
type Source int

const (
	SourceConnected Source = iota
	SourceStatic
	SourceDistanceVector
	SourceLinkState
	SourceOther
)

func (s Source) Distance() uint8 {
	switch s {
	case SourceConnected:
		return 0
	case SourceStatic:
		return 1
	case SourceLinkState:
		return 110
	case SourceDistanceVector:
		return 120
	default:
		return 255
	}
}

func (s Source) String() string {
	switch s {
	case SourceConnected:
		return "connected"
	case SourceStatic:
		return "static"
	case SourceDistanceVector:
		return "distance-vector"
	case SourceLinkState:
		return "link-state"
	default:
		return "other"
	}
}

// Entry is one installed route. NextHop is the zero Addr for directly
// connected destinations.
type Entry struct {
	Prefix    netip.Prefix
	NextHop   netip.Addr
	Iface     state.IfaceID
	Source    Source
	Distance  uint8
	Metric    uint32
	Active    bool
	UpdatedAt time.Time
}

func NewConnected(prefix netip.Prefix, iface state.IfaceID) Entry {
	return Entry{
		Prefix:   prefix.Masked(),
		Iface:    iface,
		Source:   SourceConnected,
		Distance: SourceConnected.Distance(),
		Active:   true,
	}
}

func NewStatic(prefix netip.Prefix, nextHop netip.Addr, iface state.IfaceID, metric uint32) Entry {
	return Entry{
		Prefix:   prefix.Masked(),
		NextHop:  nextHop,
		Iface:    iface,
		Source:   SourceStatic,
		Distance: SourceStatic.Distance(),
		Metric:   metric,
		Active:   true,
	}
}

// InstallResult reports what Install did. NotPreferred is not an error: it
// tells the caller an existing route from another source won the tie-break.
type InstallResult int

const (
	Installed InstallResult = iota
	Replaced
	Refreshed
	NotPreferred
)

func (r InstallResult) String() string {
	switch r {
	case Installed:
		return "installed"
	case Replaced:
		return "replaced"
	case Refreshed:
		return "refreshed"
	default:
		return "not-preferred"
	}
}

// Notifier observes effective table changes. Engines implement it to
// redistribute other sources' routes into their own protocol.
type Notifier interface {
	RouteInstalled(e Entry)
	RouteWithdrawn(e Entry)
}

// Table is safe for concurrent Lookup from the forwarding path; writers are
// expected to be serialized on the owning dispatch goroutine.
type Table struct {
	mu        sync.RWMutex
	capacity  int
	routes    bart.Table[Entry]
	count     int
	notifiers []Notifier
}

func New(capacity int) (*Table, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrCapacity, capacity)
	}
	return &Table{capacity: capacity}, nil
}

// Subscribe registers a change listener. Notifications fire outside the
// table lock, on the goroutine that performed the mutation.
func (t *Table) Subscribe(n Notifier) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notifiers = append(t.notifiers, n)
}

// Install inserts a candidate route. An update from the incumbent source
// always overwrites its own entry, worse metric included; the owning
// protocol is the authority on its route. A candidate from another source
// replaces only when it wins the tie-break: strictly lower administrative
// distance, or equal distance and strictly lower metric.
func (t *Table) Install(e Entry) (InstallResult, error) {
	e.Prefix = e.Prefix.Masked()
	e.Active = true
	e.UpdatedAt = time.Now()

	t.mu.Lock()
	old, exists := t.routes.Get(e.Prefix)
	if !exists {
		if t.count >= t.capacity {
			t.mu.Unlock()
			return NotPreferred, ErrTableFull
		}
		t.routes.Insert(e.Prefix, e)
		t.count++
		t.mu.Unlock()
		t.notifyInstalled(e)
		return Installed, nil
	}

	switch {
	case old.Source == e.Source:
		// overwrite from the incumbent source
		t.routes.Insert(e.Prefix, e)
		t.mu.Unlock()
		if sameRoute(old, e) {
			return Refreshed, nil
		}
		t.notifyWithdrawn(old)
		t.notifyInstalled(e)
		return Replaced, nil
	case e.Distance < old.Distance, e.Distance == old.Distance && e.Metric < old.Metric:
		t.routes.Insert(e.Prefix, e)
		t.mu.Unlock()
		t.notifyWithdrawn(old)
		t.notifyInstalled(e)
		return Replaced, nil
	default:
		t.mu.Unlock()
		return NotPreferred, nil
	}
}

// Withdraw removes the installed entry for (prefix, source). Removing an
// entry installed by a different source is a no-op reported as ErrNotFound.
func (t *Table) Withdraw(prefix netip.Prefix, src Source) error {
	prefix = prefix.Masked()
	t.mu.Lock()
	old, exists := t.routes.Get(prefix)
	if !exists || old.Source != src {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s via %s", ErrNotFound, prefix, src)
	}
	t.routes.Delete(prefix)
	t.count--
	t.mu.Unlock()
	t.notifyWithdrawn(old)
	return nil
}

// Lookup returns the most specific route covering addr. A mask-length tie
// cannot occur between distinct installed prefixes, and per-prefix conflicts
// are resolved at install time, so longest-prefix match is decisive.
func (t *Table) Lookup(addr netip.Addr) (Entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.routes.Lookup(addr)
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNoRoute, addr)
	}
	return e, nil
}

func (t *Table) ListBySource(src Source) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Entry
	for _, e := range t.routes.All() {
		if e.Source == src {
			out = append(out, e)
		}
	}
	return out
}

func (t *Table) ListAll() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, 0, t.count)
	for _, e := range t.routes.All() {
		out = append(out, e)
	}
	return out
}

// ClearBySource bulk-withdraws every route installed by src, returning the
// number removed. Used when a protocol engine stops.
func (t *Table) ClearBySource(src Source) int {
	t.mu.Lock()
	var victims []Entry
	for _, e := range t.routes.All() {
		if e.Source == src {
			victims = append(victims, e)
		}
	}
	for _, e := range victims {
		t.routes.Delete(e.Prefix)
		t.count--
	}
	t.mu.Unlock()
	for _, e := range victims {
		t.notifyWithdrawn(e)
	}
	return len(victims)
}

func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

func (t *Table) String() string {
	var b strings.Builder
	for _, e := range t.ListAll() {
		nh := "direct"
		if e.NextHop.IsValid() {
			nh = e.NextHop.String()
		}
		fmt.Fprintf(&b, "%s via %s dev %d [%s %d/%d]\n", e.Prefix, nh, e.Iface, e.Source, e.Distance, e.Metric)
	}
	return b.String()
}

func sameRoute(a, b Entry) bool {
	return a.NextHop == b.NextHop && a.Iface == b.Iface && a.Metric == b.Metric
}

func (t *Table) snapshotNotifiers() []Notifier {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.notifiers
}

func (t *Table) notifyInstalled(e Entry) {
	for _, n := range t.snapshotNotifiers() {
		n.RouteInstalled(e)
	}
}

func (t *Table) notifyWithdrawn(e Entry) {
	for _, n := range t.snapshotNotifiers() {
		n.RouteWithdrawn(e)
	}
}
