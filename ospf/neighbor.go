package ospf

import (
	"net/netip"
	"time"

	"github.com/routelab/switchd/ospf/packet"
	"github.com/routelab/switchd/state"
)

// NbrState is the adjacency state machine position. Terminal state is Full;
// any dead-interval expiry forces a neighbor back to Down.
type NbrState uint8

const (
	NbrDown NbrState = iota
	NbrInit
	NbrTwoWay
	NbrExStart
	NbrExchange
	NbrLoading
	NbrFull
)

func (s NbrState) String() string {
	switch s {
	case NbrDown:
		return "Down"
	case NbrInit:
		return "Init"
	case NbrTwoWay:
		return "TwoWay"
	case NbrExStart:
		return "ExStart"
	case NbrExchange:
		return "Exchange"
	case NbrLoading:
		return "Loading"
	case NbrFull:
		return "Full"
	}
	return "Unknown"
}

// neighbor carries all per-adjacency state: the database-description
// negotiation, the request list pulled during Loading, and the update
// retransmission list.
type neighbor struct {
	id    uint32
	addr  netip.Addr
	iface *iface
	state NbrState

	lastHello time.Time

	// peer is master when true; ddSeq tracks the exchange sequence
	master bool
	ddSeq  uint32
	sentDD *packet.Packet

	reqList map[packet.Key]packet.ReqItem
	rxmt    map[packet.Key]packet.LSA

	lastSent time.Time
	tries    int
}

func newNeighbor(id uint32, addr netip.Addr, ifc *iface) *neighbor {
	return &neighbor{
		id:      id,
		addr:    addr,
		iface:   ifc,
		reqList: make(map[packet.Key]packet.ReqItem),
		rxmt:    make(map[packet.Key]packet.LSA),
	}
}

func (n *neighbor) reset() {
	n.state = NbrDown
	n.sentDD = nil
	n.reqList = make(map[packet.Key]packet.ReqItem)
	n.rxmt = make(map[packet.Key]packet.LSA)
	n.tries = 0
}

func (n *neighbor) setState(e *Engine, next NbrState) {
	if next == n.state {
		return
	}
	e.env.Log.Debug("ospf: neighbor state",
		"neighbor", state.RouterID(n.id), "from", n.state, "to", next)
	n.state = next
}

// helloReceived drives the hello side of the state machine: a valid Hello
// reaches Init, seeing our own id in the neighbor list reaches TwoWay and,
// links being point-to-point, immediately begins adjacency formation.
func (n *neighbor) helloReceived(e *Engine, echoed bool) {
	if n.state == NbrDown {
		n.setState(e, NbrInit)
	}
	if !echoed {
		if n.state > NbrInit {
			// one-way received: the peer restarted and forgot us
			wasAdjacent := n.state >= NbrExchange
			n.reset()
			n.setState(e, NbrInit)
			if wasAdjacent {
				n.iface.area.originateRouterLSA(e)
				e.scheduleSPF()
			}
		}
		return
	}
	if n.state == NbrInit {
		n.setState(e, NbrTwoWay)
		n.startAdjacency(e)
	}
}

// startAdjacency enters ExStart and opens master/slave negotiation with an
// initial empty database description.
func (n *neighbor) startAdjacency(e *Engine) {
	n.setState(e, NbrExStart)
	n.master = false
	n.ddSeq = uint32(time.Now().Unix())
	n.tries = 0
	n.sendDD(e, packet.FlagI|packet.FlagM|packet.FlagMS, n.ddSeq, nil)
}

func (n *neighbor) sendDD(e *Engine, flags uint8, seq uint32, headers []packet.LSAHeader) {
	p := &packet.Packet{
		Header: packet.Header{
			Type:     packet.TypeDatabaseDescription,
			RouterID: e.routerID,
			AreaID:   uint32(n.iface.area.id),
		},
		DD: &packet.DatabaseDescription{
			InterfaceMTU: 1500,
			Flags:        flags,
			Sequence:     seq,
			Headers:      headers,
		},
	}
	n.sentDD = p
	n.lastSent = time.Now()
	e.send(p, n.iface.id)
}

// summary lists every header in the area database for the exchange; the
// database is small enough here that one description always fits.
func (n *neighbor) summary() []packet.LSAHeader {
	headers := make([]packet.LSAHeader, 0, len(n.iface.area.db))
	for _, lsa := range n.iface.area.db {
		headers = append(headers, lsa.LSAHeader)
	}
	return headers
}

// ddReceived implements the database-description exchange. The router with
// the higher id is master and drives the sequence numbers; the slave echoes
// them.
func (n *neighbor) ddReceived(e *Engine, dd *packet.DatabaseDescription) {
	switch n.state {
	case NbrExStart:
		negotiation := dd.Flags&(packet.FlagI|packet.FlagM|packet.FlagMS) ==
			packet.FlagI|packet.FlagM|packet.FlagMS && len(dd.Headers) == 0
		switch {
		case negotiation && n.id > e.routerID:
			// peer outranks us: become slave, adopt its sequence
			n.master = true
			n.ddSeq = dd.Sequence
			n.setState(e, NbrExchange)
			n.tries = 0
			n.sendDD(e, 0, n.ddSeq, n.summary())
		case dd.Flags&packet.FlagMS == 0 && dd.Sequence == n.ddSeq && n.id < e.routerID:
			// peer accepted us as master and sent its summary
			n.setState(e, NbrExchange)
			n.tries = 0
			n.noteHeaders(dd.Headers)
			n.ddSeq++
			n.sendDD(e, packet.FlagMS, n.ddSeq, n.summary())
		}
	case NbrExchange:
		if n.master {
			// we are slave: the master drives the sequence
			switch dd.Sequence {
			case n.ddSeq + 1:
				n.noteHeaders(dd.Headers)
				n.ddSeq = dd.Sequence
				n.tries = 0
				n.sendDD(e, 0, n.ddSeq, nil)
				if dd.Flags&packet.FlagM == 0 {
					n.finishExchange(e)
				}
			case n.ddSeq:
				// duplicate: repeat the last response
				if n.sentDD != nil {
					n.lastSent = time.Now()
					e.send(n.sentDD, n.iface.id)
				}
			}
			return
		}
		// we are master: the slave echoed our final sequence
		if dd.Flags&packet.FlagMS == 0 && dd.Sequence == n.ddSeq {
			n.noteHeaders(dd.Headers)
			n.tries = 0
			n.finishExchange(e)
		}
	case NbrLoading, NbrFull:
		// stray descriptions after the exchange carry nothing new
	}
}

// noteHeaders queues every header that is unknown or newer than our stored
// instance onto the request list.
func (n *neighbor) noteHeaders(headers []packet.LSAHeader) {
	for _, h := range headers {
		key := h.Key()
		stored, ok := n.iface.area.db[key]
		if !ok || h.Newer(stored.LSAHeader) {
			n.reqList[key] = packet.ReqItem{
				Type:        uint32(h.Type),
				LinkStateID: h.LinkStateID,
				AdvRouter:   h.AdvRouter,
			}
		}
	}
}

func (n *neighbor) finishExchange(e *Engine) {
	if len(n.reqList) == 0 {
		n.enterFull(e)
		return
	}
	n.setState(e, NbrLoading)
	n.sendRequest(e)
}

func (n *neighbor) sendRequest(e *Engine) {
	items := make([]packet.ReqItem, 0, len(n.reqList))
	for _, item := range n.reqList {
		items = append(items, item)
	}
	p := &packet.Packet{
		Header: packet.Header{
			Type:     packet.TypeLinkStateRequest,
			RouterID: e.routerID,
			AreaID:   uint32(n.iface.area.id),
		},
		Request: &packet.LinkStateRequest{Items: items},
	}
	n.lastSent = time.Now()
	e.send(p, n.iface.id)
}

func (n *neighbor) enterFull(e *Engine) {
	n.setState(e, NbrFull)
	n.sentDD = nil
	n.tries = 0
	e.stats.NeighborsFull++
	e.env.Log.Info("ospf: adjacency full",
		"neighbor", state.RouterID(n.id), "iface", n.iface.id)
	n.iface.area.originateRouterLSA(e)
	e.scheduleSPF()
}

// retransmit resends whatever the neighbor owes an answer for, once per
// retransmission interval, tearing the adjacency down when the budget is
// exhausted.
func (n *neighbor) retransmit(e *Engine, now time.Time) {
	if n.state < NbrExStart {
		return
	}
	if now.Sub(n.lastSent) < e.rxmtInterval {
		return
	}
	pending := false
	switch n.state {
	case NbrExStart, NbrExchange:
		if n.sentDD != nil {
			pending = true
			n.lastSent = now
			e.send(n.sentDD, n.iface.id)
		}
	case NbrLoading:
		pending = true
		n.sendRequest(e)
	case NbrFull:
		if len(n.rxmt) > 0 {
			pending = true
			lsas := make([]packet.LSA, 0, len(n.rxmt))
			for _, lsa := range n.rxmt {
				lsas = append(lsas, lsa)
			}
			e.sendUpdate(n, lsas, false)
			n.lastSent = now
		}
	}
	if !pending {
		return
	}
	e.stats.Retransmissions++
	n.tries++
	if n.tries >= RxmtLimit {
		e.env.Log.Warn("ospf: retransmission budget exhausted",
			"neighbor", state.RouterID(n.id), "state", n.state)
		e.killNeighbor(n)
	}
}
