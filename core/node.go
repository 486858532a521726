// Package core assembles one switch instance: the routing table, the
// protocol engines, and the serialized dispatch loop they all run on.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/routelab/switchd/ospf"
	"github.com/routelab/switchd/rip"
	"github.com/routelab/switchd/rtable"
	"github.com/routelab/switchd/state"
)

// Node is a running switch control plane. All engine state is confined to
// the dispatch goroutine started by Run; other goroutines interact through
// Env.Dispatch and the concurrency-safe Table.
type Node struct {
	Env   *state.Env
	Table *rtable.Table
	Rip   *rip.Engine
	Ospf  *ospf.Engine

	s        *state.State
	dispatch chan func(*state.State) error
	stopping atomic.Bool
	done     chan struct{}
}

func NewNode(cfg state.NodeCfg, transport state.Transport, ports state.Ports, log *slog.Logger) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	dispatch := make(chan func(*state.State) error, state.DispatchBuffer)
	env := &state.Env{
		DispatchChannel: dispatch,
		NodeCfg:         cfg,
		Transport:       transport,
		Ports:           ports,
		Context:         ctx,
		Cancel:          cancel,
		Log:             log.With("node", cfg.Id),
	}
	capacity := cfg.TableCapacity
	if capacity == 0 {
		capacity = state.DefaultTableCapacity
	}
	tbl, err := rtable.New(capacity)
	if err != nil {
		cancel(context.Canceled)
		return nil, err
	}
	n := &Node{
		Env:      env,
		Table:    tbl,
		Rip:      rip.New(env, tbl, cfg.Rip),
		Ospf:     ospf.New(env, tbl, cfg.Ospf),
		s:        &state.State{Env: env, Modules: make(map[string]state.Module)},
		dispatch: dispatch,
		done:     make(chan struct{}),
	}
	return n, nil
}

func (n *Node) initModules() error {
	modules := []state.Module{
		&localRoutes{table: n.Table},
		n.Rip,
		n.Ospf,
	}
	// engines see each other's routes through the table, never directly
	if n.Env.Rip.Enabled {
		n.Table.Subscribe(n.Rip)
	}
	if n.Env.Ospf.Enabled {
		n.Table.Subscribe(n.Ospf)
	}
	for _, module := range modules {
		n.s.Modules[reflect.TypeOf(module).String()] = module
		if err := module.Init(n.s); err != nil {
			return fmt.Errorf("init %s: %w", reflect.TypeOf(module), err)
		}
	}
	return nil
}

// Run initializes the modules and executes the dispatch loop until the node
// is stopped. It blocks; hosts run one goroutine per node.
func (n *Node) Run() error {
	defer close(n.done)
	n.Env.Log.Info("node starting")
	if err := n.initModules(); err != nil {
		n.Env.Cancel(err)
		n.cleanup()
		return err
	}
	err := n.mainLoop()
	n.cleanup()
	return err
}

func (n *Node) mainLoop() error {
	for {
		select {
		case fun := <-n.dispatch:
			start := time.Now()
			if err := fun(n.s); err != nil {
				n.Env.Log.Error("dispatch error", "err", err)
				n.Env.Cancel(err)
			}
			if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
				n.Env.Log.Warn("dispatch took a long time",
					"fun", reflect.ValueOf(fun).Pointer(), "elapsed", elapsed)
			}
		case <-n.Env.Context.Done():
			cause := context.Cause(n.Env.Context)
			n.Env.Log.Info("node stopping", "reason", cause)
			if cause != context.Canceled {
				return cause
			}
			return nil
		}
	}
}

func (n *Node) cleanup() {
	for name, module := range n.s.Modules {
		if err := module.Cleanup(n.s); err != nil {
			n.Env.Log.Error("cleanup error", "module", name, "err", err)
		}
	}
	n.Env.Log.Info("node stopped")
}

// Stop cancels the node and waits for the dispatch loop to drain. Safe to
// call more than once.
func (n *Node) Stop() {
	if n.stopping.Swap(true) {
		return
	}
	n.Env.Cancel(context.Canceled)
	<-n.done
}

// Deliver hands a received frame to the owning engine on the dispatch
// goroutine. Called by the transport from any goroutine.
func (n *Node) Deliver(proto state.Proto, buf []byte, src netip.Addr, ingress state.IfaceID) {
	n.Env.Dispatch(func(s *state.State) error {
		switch proto {
		case state.ProtoDV:
			n.Rip.HandlePacket(buf, src, ingress)
		case state.ProtoLS:
			n.Ospf.HandlePacket(buf, src, ingress)
		default:
			n.Env.Log.Debug("unknown protocol frame", "proto", proto, "iface", ingress)
		}
		return nil
	})
}

// Routes snapshots the routing table from any goroutine.
func (n *Node) Routes() []rtable.Entry {
	return n.Table.ListAll()
}
