package ospf

import (
	"github.com/routelab/switchd/ospf/packet"
	"github.com/routelab/switchd/state"
)

// area holds one link-state database and the interfaces attached to it.
type area struct {
	id     state.RouterID
	stub   bool
	db     map[packet.Key]*packet.LSA
	ifaces []*iface
}

// install stores an advertisement, replacing any previous instance. A full
// database refuses new keys.
func (ar *area) install(lsa packet.LSA) bool {
	key := lsa.Key()
	if _, have := ar.db[key]; !have && len(ar.db) >= MaxLSAs {
		return false
	}
	cp := lsa
	ar.db[key] = &cp
	return true
}

// originateRouterLSA (re-)issues the local router advertisement: one
// point-to-point link per fully adjacent neighbor plus one stub link per
// attached network.
func (ar *area) originateRouterLSA(e *Engine) {
	var links []packet.RouterLink
	for _, ifc := range ar.ifaces {
		prefix, err := e.env.Ports.Prefix(ifc.id)
		if err != nil || !e.env.Ports.IsUp(ifc.id) {
			continue
		}
		for _, nbr := range ifc.neighbors {
			if nbr.state == NbrFull {
				links = append(links, packet.RouterLink{
					ID:     nbr.id,
					Data:   addrToU32(prefix.Addr()),
					Type:   packet.LinkPointToPoint,
					Metric: ifc.cost,
				})
			}
		}
		links = append(links, packet.RouterLink{
			ID:     addrToU32(prefix.Masked().Addr()),
			Data:   maskFromBits(prefix.Bits()),
			Type:   packet.LinkStub,
			Metric: ifc.cost,
		})
	}
	lsa := packet.LSA{
		LSAHeader: packet.LSAHeader{
			Type:        packet.LSARouter,
			LinkStateID: e.routerID,
			AdvRouter:   e.routerID,
			Sequence:    packet.InitialSequence,
		},
		Router: &packet.RouterLSA{Links: links},
	}
	if prev, ok := ar.db[lsa.Key()]; ok {
		lsa.Sequence = prev.Sequence + 1
	}
	if _, err := lsa.Encode(); err != nil {
		e.env.Log.Error("ospf: router lsa encode failed", "err", err)
		return
	}
	if !ar.install(lsa) {
		e.env.Log.Error("ospf: database full, cannot originate", "area", ar.id)
		return
	}
	e.flood(ar, lsa, nil)
	e.scheduleSPF()
}

// iface is one attached interface: its hello timer and the neighbors
// discovered on it.
type iface struct {
	id        state.IfaceID
	area      *area
	cost      uint16
	neighbors map[uint32]*neighbor
	helloTask *state.TaskHandle
}

func (ifc *iface) startHello(e *Engine) {
	ifc.sendHello(e)
	ifc.helloTask = e.env.RepeatTask(func(s *state.State) error {
		ifc.sendHello(e)
		return nil
	}, e.helloInterval)
}

func (ifc *iface) sendHello(e *Engine) {
	if !e.env.Ports.IsUp(ifc.id) {
		return
	}
	prefix, err := e.env.Ports.Prefix(ifc.id)
	if err != nil {
		return
	}
	var known []uint32
	for id, nbr := range ifc.neighbors {
		if nbr.state > NbrDown {
			known = append(known, id)
		}
	}
	p := &packet.Packet{
		Header: packet.Header{
			Type:     packet.TypeHello,
			RouterID: e.routerID,
			AreaID:   uint32(ifc.area.id),
		},
		Hello: &packet.Hello{
			NetworkMask:   maskFromBits(prefix.Bits()),
			HelloInterval: uint16(e.helloInterval / state.TimeUnit),
			Priority:      1,
			DeadInterval:  uint32(e.deadInterval / state.TimeUnit),
			Neighbors:     known,
		},
	}
	if e.send(p, ifc.id) {
		e.stats.HellosSent++
	}
}

func (ifc *iface) shutdown(e *Engine) {
	ifc.helloTask.Cancel()
	for _, nbr := range ifc.neighbors {
		nbr.reset()
	}
	ifc.neighbors = make(map[uint32]*neighbor)
}

// send encodes and transmits one packet, reporting success.
func (e *Engine) send(p *packet.Packet, egress state.IfaceID) bool {
	buf, err := p.Encode()
	if err != nil {
		e.env.Log.Error("ospf: encode failed", "type", p.Type, "err", err)
		return false
	}
	if err := e.env.Transport.Send(state.ProtoLS, buf, egress); err != nil {
		e.env.Log.Warn("ospf: send failed", "iface", egress, "err", err)
		return false
	}
	return true
}

// LSDB snapshots one area's database headers for the admin surface.
func (e *Engine) LSDB(areaID state.RouterID) []packet.LSAHeader {
	ar, ok := e.areas[areaID]
	if !ok {
		return nil
	}
	out := make([]packet.LSAHeader, 0, len(ar.db))
	for _, lsa := range ar.db {
		out = append(out, lsa.LSAHeader)
	}
	return out
}
