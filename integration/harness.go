//go:build integration

package integration

import (
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/routelab/switchd/core"
	"github.com/routelab/switchd/rtable"
	"github.com/routelab/switchd/state"
)

// TestMain checks for leaked goroutines once per run, after every sim's
// cleanup has stopped its nodes.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// shrinkTime scales protocol timers down so convergence takes milliseconds.
// Must run before the sim is built; restored when the test ends.
func shrinkTime(t *testing.T, unit time.Duration) {
	t.Helper()
	prev := state.TimeUnit
	state.TimeUnit = unit
	t.Cleanup(func() { state.TimeUnit = prev })
}

func startSim(t *testing.T, cfg state.FabricCfg) *core.Sim {
	t.Helper()
	sim, err := core.NewSim(cfg, slog.LevelError)
	if err != nil {
		t.Fatalf("sim start: %v", err)
	}
	t.Cleanup(func() {
		if err := sim.Stop(); err != nil {
			t.Errorf("sim stop: %v", err)
		}
	})
	return sim
}

func waitFor(t *testing.T, timeout time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// hasRoute reports whether the node resolves addr via the expected next hop.
func hasRoute(n *core.Node, addr netip.Addr, nextHop netip.Addr) bool {
	entry, err := n.Table.Lookup(addr)
	return err == nil && entry.NextHop == nextHop
}

// lanAddr is an address inside node i's LAN as built by the mock
// topologies.
func lanAddr(i int) netip.Addr {
	return netip.AddrFrom4([4]byte{10, byte(100 + i), 0, 42})
}

// ospfNeighbors snapshots a node's adjacency list on its own dispatch
// goroutine.
func ospfNeighbors(t *testing.T, n *core.Node) []ospfNeighborView {
	t.Helper()
	res, err := n.Env.DispatchWait(func(s *state.State) (any, error) {
		infos := n.Ospf.Neighbors()
		views := make([]ospfNeighborView, len(infos))
		for i, info := range infos {
			views[i] = ospfNeighborView{ID: info.RouterID, State: info.State.String()}
		}
		return views, nil
	})
	if err != nil {
		t.Fatalf("neighbor snapshot: %v", err)
	}
	return res.([]ospfNeighborView)
}

type ospfNeighborView struct {
	ID    state.RouterID
	State string
}

func routesBySource(n *core.Node, src rtable.Source) []rtable.Entry {
	return n.Table.ListBySource(src)
}
