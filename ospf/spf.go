package ospf

import (
	"container/heap"
	"net/netip"
	"time"

	"github.com/routelab/switchd/ospf/packet"
	"github.com/routelab/switchd/rtable"
	"github.com/routelab/switchd/state"
)

// vertexID identifies a node of the shortest-path graph: a router by its
// id, or a transit network by its link-state id.
type vertexID struct {
	network bool
	id      uint32
}

type hop struct {
	iface state.IfaceID
	addr  netip.Addr
}

type spfVertex struct {
	id       vertexID
	dist     uint32
	firstHop *hop
	index    int
}

type spfQueue []*spfVertex

func (q spfQueue) Len() int           { return len(q) }
func (q spfQueue) Less(i, j int) bool { return q[i].dist < q[j].dist }
func (q spfQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i]; q[i].index = i; q[j].index = j }
func (q *spfQueue) Push(x any)        { v := x.(*spfVertex); v.index = len(*q); *q = append(*q, v) }

func (q *spfQueue) Pop() any {
	old := *q
	n := len(old)
	v := old[n-1]
	*q = old[:n-1]
	return v
}

// runSPF recomputes shortest paths for every area, installs the resulting
// link-state candidate routes, and withdraws routes no longer reachable.
func (e *Engine) runSPF(now time.Time) {
	e.spfLastRun = now
	e.stats.SPFRuns++

	best := make(map[netip.Prefix]rtable.Entry)
	for _, ar := range e.areas {
		e.areaSPF(ar, best)
	}

	for prefix, entry := range best {
		if prev, ok := e.installed[prefix]; ok && prev == entry {
			continue
		}
		res, err := e.table.Install(entry)
		if err != nil {
			e.env.Log.Warn("ospf: install failed", "prefix", prefix, "err", err)
			delete(best, prefix)
			continue
		}
		if res == rtable.NotPreferred {
			// a better source holds the prefix; compete again next run
			delete(best, prefix)
		}
	}
	for prefix := range e.installed {
		if _, ok := best[prefix]; !ok {
			if err := e.table.Withdraw(prefix, rtable.SourceLinkState); err != nil {
				e.env.Log.Debug("ospf: withdraw failed", "prefix", prefix, "err", err)
			}
		}
	}
	e.installed = best
	e.env.Log.Debug("ospf: spf complete", "routes", len(best))
}

// areaSPF runs Dijkstra over the area's router and network advertisements
// rooted at the local router, then appends external destinations behind
// their advertising routers.
func (e *Engine) areaSPF(ar *area, best map[netip.Prefix]rtable.Entry) {
	routers := make(map[uint32]*packet.RouterLSA)
	networks := make(map[uint32]*packet.NetworkLSA)
	for key, lsa := range ar.db {
		if lsa.Age >= MaxAge {
			continue
		}
		switch key.Type {
		case packet.LSARouter:
			routers[key.AdvRouter] = lsa.Router
		case packet.LSANetwork:
			networks[key.LinkStateID] = lsa.Network
		}
	}
	if _, ok := routers[e.routerID]; !ok {
		return
	}

	dist := make(map[vertexID]*spfVertex)
	q := &spfQueue{}
	root := &spfVertex{id: vertexID{id: e.routerID}}
	dist[root.id] = root
	heap.Push(q, root)

	relax := func(from *spfVertex, to vertexID, cost uint32) {
		d := from.dist + cost
		v, seen := dist[to]
		if seen && v.dist <= d {
			return
		}
		fh := from.firstHop
		if from.id == root.id && !to.network {
			fh = e.neighborHop(ar, to.id)
		}
		if !seen {
			v = &spfVertex{id: to, dist: d, firstHop: fh}
			dist[to] = v
			heap.Push(q, v)
			return
		}
		v.dist = d
		v.firstHop = fh
		heap.Fix(q, v.index)
	}

	for q.Len() > 0 {
		v := heap.Pop(q).(*spfVertex)
		if v.dist > dist[v.id].dist {
			continue
		}
		if v.id.network {
			// network vertex: every attached router at no extra cost
			net, ok := networks[v.id.id]
			if !ok {
				continue
			}
			for _, rid := range net.Routers {
				if hasTransitLink(routers[rid], v.id.id) {
					relax(v, vertexID{id: rid}, 0)
				}
			}
			continue
		}
		rl, ok := routers[v.id.id]
		if !ok {
			continue
		}
		for _, link := range rl.Links {
			switch link.Type {
			case packet.LinkPointToPoint:
				// use the edge only when the target advertises it back
				if hasP2PLink(routers[link.ID], v.id.id) {
					relax(v, vertexID{id: link.ID}, uint32(link.Metric))
				}
			case packet.LinkTransit:
				if _, ok := networks[link.ID]; ok {
					relax(v, vertexID{network: true, id: link.ID}, uint32(link.Metric))
				}
			}
		}
	}

	offer := func(prefix netip.Prefix, metric uint32, fh *hop) {
		if fh == nil {
			return // our own attached destinations; connected routes cover them
		}
		entry := rtable.Entry{
			Prefix:   prefix,
			NextHop:  fh.addr,
			Iface:    fh.iface,
			Source:   rtable.SourceLinkState,
			Distance: rtable.SourceLinkState.Distance(),
			Metric:   metric,
		}
		if prev, ok := best[prefix]; !ok || metric < prev.Metric {
			best[prefix] = entry
		}
	}

	for id, v := range dist {
		if id.network {
			if net, ok := networks[id.id]; ok {
				offer(prefixFrom(id.id, net.Mask), v.dist, v.firstHop)
			}
			continue
		}
		rl := routers[id.id]
		for _, link := range rl.Links {
			if link.Type == packet.LinkStub {
				offer(prefixFrom(link.ID, link.Data), v.dist+uint32(link.Metric), v.firstHop)
			}
		}
	}

	// external destinations ride behind their advertising router
	for key, lsa := range ar.db {
		if key.Type != packet.LSAExternal || lsa.Age >= MaxAge || key.AdvRouter == e.routerID {
			continue
		}
		asbr, ok := dist[vertexID{id: key.AdvRouter}]
		if !ok {
			continue
		}
		offer(prefixFrom(key.LinkStateID, lsa.External.Mask), asbr.dist+lsa.External.Metric, asbr.firstHop)
	}
}

func (e *Engine) neighborHop(ar *area, routerID uint32) *hop {
	for _, ifc := range ar.ifaces {
		if nbr, ok := ifc.neighbors[routerID]; ok && nbr.state == NbrFull {
			return &hop{iface: ifc.id, addr: nbr.addr}
		}
	}
	return nil
}

func hasP2PLink(rl *packet.RouterLSA, target uint32) bool {
	if rl == nil {
		return false
	}
	for _, link := range rl.Links {
		if link.Type == packet.LinkPointToPoint && link.ID == target {
			return true
		}
	}
	return false
}

func hasTransitLink(rl *packet.RouterLSA, network uint32) bool {
	if rl == nil {
		return false
	}
	for _, link := range rl.Links {
		if link.Type == packet.LinkTransit && link.ID == network {
			return true
		}
	}
	return false
}

func prefixFrom(addr, mask uint32) netip.Prefix {
	return netip.PrefixFrom(u32ToAddr(addr&mask), maskToBits(mask))
}
