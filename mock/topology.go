package mock

import (
	"fmt"
	"net/netip"

	"github.com/routelab/switchd/state"
)

// lanIface carries each node's unlinked LAN network.
const lanIface = state.IfaceID(100)

func routerID(i int) state.RouterID {
	v := uint32(i)
	return state.RouterID(v<<24 | v<<16 | v<<8 | v)
}

func lanPrefix(i int) netip.Prefix {
	return netip.MustParsePrefix(fmt.Sprintf("10.%d.0.1/24", 100+i))
}

// Line builds a chain r1 -- r2 -- ... -- rn, each node with one LAN
// network of its own, running the chosen protocol on every interface.
func Line(n int, proto state.Proto) state.FabricCfg {
	cfg := state.FabricCfg{}
	for i := 1; i <= n; i++ {
		node := state.NodeCfg{
			Id:         fmt.Sprintf("r%d", i),
			Interfaces: []state.IfaceCfg{{Id: lanIface, Prefix: lanPrefix(i)}},
		}
		cfg.Nodes = append(cfg.Nodes, node)
	}
	for i := 1; i < n; i++ {
		left, right := &cfg.Nodes[i-1], &cfg.Nodes[i]
		leftIf := state.IfaceID(2) // toward the higher-numbered neighbor
		rightIf := state.IfaceID(1)
		left.Interfaces = append(left.Interfaces, state.IfaceCfg{
			Id: leftIf, Prefix: netip.MustParsePrefix(fmt.Sprintf("10.0.%d.1/30", i)),
		})
		right.Interfaces = append(right.Interfaces, state.IfaceCfg{
			Id: rightIf, Prefix: netip.MustParsePrefix(fmt.Sprintf("10.0.%d.2/30", i)),
		})
		cfg.Links = append(cfg.Links, state.LinkCfg{
			A: left.Id, AIface: leftIf, B: right.Id, BIface: rightIf,
		})
	}
	for i := range cfg.Nodes {
		enableProtocol(&cfg.Nodes[i], i+1, proto)
	}
	return cfg
}

// Diamond builds the four-node topology
//
//	r1 --1-- r2 --2-- r4
//	r1 --5-- r3 --1-- r4
//
// with the given link costs, useful for shortest-path assertions.
func Diamond(proto state.Proto) state.FabricCfg {
	cfg := state.FabricCfg{}
	for i := 1; i <= 4; i++ {
		cfg.Nodes = append(cfg.Nodes, state.NodeCfg{
			Id:         fmt.Sprintf("r%d", i),
			Interfaces: []state.IfaceCfg{{Id: lanIface, Prefix: lanPrefix(i)}},
		})
	}
	edges := []struct {
		a, b int
		cost uint16
	}{
		{1, 2, 1},
		{1, 3, 5},
		{2, 4, 2},
		{3, 4, 1},
	}
	for k, edge := range edges {
		a, b := &cfg.Nodes[edge.a-1], &cfg.Nodes[edge.b-1]
		aIf := state.IfaceID(len(a.Interfaces))
		bIf := state.IfaceID(len(b.Interfaces))
		a.Interfaces = append(a.Interfaces, state.IfaceCfg{
			Id: aIf, Prefix: netip.MustParsePrefix(fmt.Sprintf("10.0.%d.1/30", k)), Cost: edge.cost,
		})
		b.Interfaces = append(b.Interfaces, state.IfaceCfg{
			Id: bIf, Prefix: netip.MustParsePrefix(fmt.Sprintf("10.0.%d.2/30", k)), Cost: edge.cost,
		})
		cfg.Links = append(cfg.Links, state.LinkCfg{
			A: a.Id, AIface: aIf, B: b.Id, BIface: bIf,
		})
	}
	for i := range cfg.Nodes {
		enableProtocol(&cfg.Nodes[i], i+1, proto)
	}
	return cfg
}

func enableProtocol(node *state.NodeCfg, i int, proto state.Proto) {
	var ifaces []state.IfaceID
	var networks []netip.Prefix
	for _, ifc := range node.Interfaces {
		ifaces = append(ifaces, ifc.Id)
		networks = append(networks, ifc.Prefix.Masked())
	}
	switch proto {
	case state.ProtoDV:
		node.Rip = state.RipCfg{Enabled: true, Interfaces: ifaces, Networks: networks}
	case state.ProtoLS:
		node.Ospf = state.OspfCfg{
			Enabled:  true,
			RouterId: routerID(i),
			Areas:    []state.AreaCfg{{Id: 0, Interfaces: ifaces}},
		}
	}
}
