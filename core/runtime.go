package core

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/routelab/switchd/mock"
	"github.com/routelab/switchd/state"
)

// Sim is a whole running fabric: one Node per configured switch, wired
// through the in-memory fabric.
type Sim struct {
	Fabric *mock.Fabric
	Nodes  map[string]*Node
	errs   chan error
}

// NewSim builds and starts every node in the fabric. Nodes run until Stop
// is called; the first node error is retained.
func NewSim(cfg state.FabricCfg, level slog.Level) (*Sim, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sim := &Sim{
		Fabric: mock.NewFabric(),
		Nodes:  make(map[string]*Node, len(cfg.Nodes)),
		errs:   make(chan error, len(cfg.Nodes)),
	}
	for _, ncfg := range cfg.Nodes {
		transport, ports := sim.Fabric.AddNode(ncfg)
		logger, err := NewLogger(ncfg.Id, ncfg.LogPath, level)
		if err != nil {
			return nil, err
		}
		node, err := NewNode(ncfg, transport, ports, logger)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", ncfg.Id, err)
		}
		sim.Nodes[ncfg.Id] = node
		sim.Fabric.SetReceiver(ncfg.Id, node.Deliver)
	}
	for _, l := range cfg.Links {
		if err := sim.Fabric.Link(l.A, l.AIface, l.B, l.BIface); err != nil {
			return nil, err
		}
	}
	for _, node := range sim.Nodes {
		go func() {
			sim.errs <- node.Run()
		}()
	}
	return sim, nil
}

// Stop shuts every node down and returns the first error any of them
// reported.
func (s *Sim) Stop() error {
	for _, node := range s.Nodes {
		node.Stop()
	}
	var first error
	for range s.Nodes {
		if err := <-s.errs; err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Start runs the configured fabric until SIGINT/SIGTERM.
func Start(cfg state.FabricCfg, level slog.Level) error {
	sim, err := NewSim(cfg, level)
	if err != nil {
		return err
	}
	slog.Info("fabric running; send SIGINT or Ctrl+C to exit",
		"nodes", len(sim.Nodes))
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	<-c
	slog.Info("received shutdown signal")
	return sim.Stop()
}
