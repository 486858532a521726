package core

import (
	"fmt"

	"github.com/routelab/switchd/rtable"
	"github.com/routelab/switchd/state"
)

// localRoutes installs the connected route for every up interface and the
// statically configured routes. It runs before the protocol engines so
// redistribution sees the local routes on engine start.
type localRoutes struct {
	table *rtable.Table
}

func (m *localRoutes) Init(s *state.State) error {
	for _, ifc := range s.Interfaces {
		if !s.Ports.IsUp(ifc.Id) {
			continue
		}
		prefix, err := s.Ports.Prefix(ifc.Id)
		if err != nil {
			return fmt.Errorf("interface %d: %w", ifc.Id, err)
		}
		if _, err := m.table.Install(rtable.NewConnected(prefix, ifc.Id)); err != nil {
			return fmt.Errorf("connected %s: %w", prefix, err)
		}
	}
	for _, st := range s.Static {
		if _, err := m.table.Install(rtable.NewStatic(st.Prefix, st.NextHop, st.Iface, st.Metric)); err != nil {
			return fmt.Errorf("static %s: %w", st.Prefix, err)
		}
	}
	return nil
}

func (m *localRoutes) Cleanup(s *state.State) error {
	m.table.ClearBySource(rtable.SourceStatic)
	m.table.ClearBySource(rtable.SourceConnected)
	return nil
}
