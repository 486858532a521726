// Package mock provides the in-memory switching fabric used by tests and
// the CLI simulation: point-to-point links between named nodes, with
// per-link failure injection.
package mock

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/routelab/switchd/state"
)

// Receiver accepts one frame for a node. Implementations dispatch onto the
// node's own goroutine; the fabric calls from the sender's goroutine.
type Receiver func(proto state.Proto, buf []byte, src netip.Addr, ingress state.IfaceID)

type endpoint struct {
	node  string
	iface state.IfaceID
}

// Fabric wires nodes together. A frame sent out a linked, up interface is
// delivered synchronously to the peer's receiver; everything else is
// dropped the way a real wire drops it.
type Fabric struct {
	mu    sync.RWMutex
	ports map[endpoint]netip.Prefix
	links map[endpoint]endpoint
	down  map[endpoint]bool
	recv  map[string]Receiver
}

func NewFabric() *Fabric {
	return &Fabric{
		ports: make(map[endpoint]netip.Prefix),
		links: make(map[endpoint]endpoint),
		down:  make(map[endpoint]bool),
		recv:  make(map[string]Receiver),
	}
}

// AddNode registers a node's interfaces and returns the transport and port
// views bound to it.
func (f *Fabric) AddNode(cfg state.NodeCfg) (state.Transport, state.Ports) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ifc := range cfg.Interfaces {
		f.ports[endpoint{cfg.Id, ifc.Id}] = ifc.Prefix
	}
	return &nodeTransport{f: f, node: cfg.Id}, &nodePorts{f: f, node: cfg.Id}
}

func (f *Fabric) SetReceiver(node string, r Receiver) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recv[node] = r
}

// Link connects two interfaces as a point-to-point wire.
func (f *Fabric) Link(a string, ai state.IfaceID, b string, bi state.IfaceID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ea, eb := endpoint{a, ai}, endpoint{b, bi}
	if _, ok := f.ports[ea]; !ok {
		return fmt.Errorf("no interface %d on node %s", ai, a)
	}
	if _, ok := f.ports[eb]; !ok {
		return fmt.Errorf("no interface %d on node %s", bi, b)
	}
	f.links[ea] = eb
	f.links[eb] = ea
	return nil
}

// SetLink toggles one side of a link; a side marked down drops frames in
// both directions and reports the interface down to its owner.
func (f *Fabric) SetLink(node string, iface state.IfaceID, up bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if up {
		delete(f.down, endpoint{node, iface})
	} else {
		f.down[endpoint{node, iface}] = true
	}
}

func (f *Fabric) linkUp(e endpoint) bool {
	if f.down[e] {
		return false
	}
	peer, ok := f.links[e]
	if !ok {
		return true // an unlinked port is still an up connected network
	}
	return !f.down[peer]
}

type nodeTransport struct {
	f    *Fabric
	node string
}

func (t *nodeTransport) Send(proto state.Proto, payload []byte, egress state.IfaceID) error {
	t.f.mu.RLock()
	self := endpoint{t.node, egress}
	src, ok := t.f.ports[self]
	if !ok {
		t.f.mu.RUnlock()
		return fmt.Errorf("no interface %d on node %s", egress, t.node)
	}
	if !t.f.linkUp(self) {
		t.f.mu.RUnlock()
		return nil // wire is cut; frames vanish
	}
	peer, linked := t.f.links[self]
	var recv Receiver
	if linked {
		recv = t.f.recv[peer.node]
	}
	t.f.mu.RUnlock()
	if recv == nil {
		return nil
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	recv(proto, buf, src.Addr(), peer.iface)
	return nil
}

type nodePorts struct {
	f    *Fabric
	node string
}

func (p *nodePorts) Prefix(id state.IfaceID) (netip.Prefix, error) {
	p.f.mu.RLock()
	defer p.f.mu.RUnlock()
	pfx, ok := p.f.ports[endpoint{p.node, id}]
	if !ok {
		return netip.Prefix{}, fmt.Errorf("no interface %d on node %s", id, p.node)
	}
	return pfx, nil
}

func (p *nodePorts) IsUp(id state.IfaceID) bool {
	p.f.mu.RLock()
	defer p.f.mu.RUnlock()
	e := endpoint{p.node, id}
	if _, ok := p.f.ports[e]; !ok {
		return false
	}
	return p.f.linkUp(e)
}
