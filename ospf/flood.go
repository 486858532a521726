package ospf

import (
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/routelab/switchd/ospf/packet"
)

// flood sends an advertisement to every adjacent neighbor in the area
// except the one it arrived from. A per-instance cache suppresses refloods
// of an instance already flooded within the arrival window.
func (e *Engine) flood(ar *area, lsa packet.LSA, except *neighbor) {
	key := lsa.Key()
	if lsa.Age < MaxAge {
		if item := e.seen.Get(key); item != nil && item.Value() == lsa.Sequence {
			return
		}
		e.seen.Set(key, lsa.Sequence, ttlcache.DefaultTTL)
	}
	flooded := false
	for _, ifc := range ar.ifaces {
		for _, nbr := range ifc.neighbors {
			if nbr == except || nbr.state < NbrExchange {
				continue
			}
			e.sendUpdate(nbr, []packet.LSA{lsa}, true)
			flooded = true
		}
	}
	if flooded {
		e.stats.LSAsFlooded++
	}
}

// sendUpdate transmits full advertisements to one neighbor. Tracked sends
// stay on the retransmission list until acknowledged; replies to explicit
// requests are not tracked, the requester re-requests on loss.
func (e *Engine) sendUpdate(n *neighbor, lsas []packet.LSA, track bool) {
	p := &packet.Packet{
		Header: packet.Header{
			Type:     packet.TypeLinkStateUpdate,
			RouterID: e.routerID,
			AreaID:   uint32(n.iface.area.id),
		},
		Update: &packet.LinkStateUpdate{LSAs: lsas},
	}
	if !e.send(p, n.iface.id) {
		return
	}
	e.stats.LSAsSent += uint64(len(lsas))
	if track {
		for _, lsa := range lsas {
			n.rxmt[lsa.Key()] = lsa
		}
		n.lastSent = time.Now()
	}
}

func (e *Engine) sendAck(n *neighbor, headers []packet.LSAHeader) {
	p := &packet.Packet{
		Header: packet.Header{
			Type:     packet.TypeLinkStateAck,
			RouterID: e.routerID,
			AreaID:   uint32(n.iface.area.id),
		},
		Ack: &packet.LinkStateAck{Headers: headers},
	}
	e.send(p, n.iface.id)
}

// handleUpdate installs newer advertisements, refloods them to the other
// adjacencies, and acknowledges the sender. Stale instances are answered
// with our newer copy.
func (e *Engine) handleUpdate(ifc *iface, p *packet.Packet) {
	nbr, ok := ifc.neighbors[p.RouterID]
	if !ok || nbr.state < NbrExchange {
		return
	}
	e.stats.LSAsReceived += uint64(len(p.Update.LSAs))

	var acks []packet.LSAHeader
	changed := false
	for _, lsa := range p.Update.LSAs {
		key := lsa.Key()
		delete(nbr.reqList, key)

		if ifc.area.stub && lsa.Type == packet.LSAExternal {
			// stub areas carry no external routing information
			acks = append(acks, lsa.LSAHeader)
			continue
		}
		stored, have := ifc.area.db[key]
		switch {
		case !have && lsa.Age >= MaxAge:
			// withdrawal of something we never had
			acks = append(acks, lsa.LSAHeader)
		case !have || lsa.LSAHeader.Newer(stored.LSAHeader):
			if lsa.Age >= MaxAge {
				delete(ifc.area.db, key)
			} else if !ifc.area.install(lsa) {
				// no ack; the sender retransmits when space may exist
				e.stats.LSAsRejected++
				continue
			}
			e.flood(ifc.area, lsa, nbr)
			acks = append(acks, lsa.LSAHeader)
			changed = true
		case lsa.Sequence == stored.Sequence && lsa.Checksum == stored.Checksum:
			// duplicate of what we hold: acknowledge, and treat as an
			// implied ack of our own copy in flight
			delete(nbr.rxmt, key)
			acks = append(acks, lsa.LSAHeader)
		default:
			// the sender is behind: answer with our newer instance
			e.sendUpdate(nbr, []packet.LSA{*stored}, false)
		}
	}
	if len(acks) > 0 {
		e.sendAck(nbr, acks)
	}
	if nbr.state == NbrLoading && len(nbr.reqList) == 0 {
		nbr.enterFull(e)
	} else if nbr.state == NbrLoading {
		nbr.sendRequest(e)
	}
	if changed {
		e.scheduleSPF()
	}
}

// handleAck clears acknowledged advertisements off the retransmission list.
func (e *Engine) handleAck(ifc *iface, p *packet.Packet) {
	nbr, ok := ifc.neighbors[p.RouterID]
	if !ok || nbr.state < NbrExchange {
		return
	}
	for _, h := range p.Ack.Headers {
		key := h.Key()
		if pending, ok := nbr.rxmt[key]; ok && pending.Sequence == h.Sequence {
			delete(nbr.rxmt, key)
		}
	}
	if len(nbr.rxmt) == 0 {
		nbr.tries = 0
	}
}
