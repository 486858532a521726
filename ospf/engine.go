// Package ospf implements the link-state routing engine: per-interface
// hellos, the neighbor adjacency state machine, database synchronization
// and flooding, LSA aging, and shortest-path computation feeding the
// routing table.
package ospf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"net/netip"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/routelab/switchd/ospf/packet"
	"github.com/routelab/switchd/rtable"
	"github.com/routelab/switchd/state"
)

const (
	// Defaults in time units, overridable per config.
	DefaultHelloInterval = 10
	DefaultDeadInterval  = 40
	DefaultRxmtInterval  = 5

	// RefreshAge is when a self-originated LSA is re-issued with the next
	// sequence number; MaxAge is when any LSA is purged and its withdrawal
	// flooded.
	RefreshAge = 1800
	MaxAge     = 3600

	// RxmtLimit bounds retransmissions to an unresponsive neighbor before
	// the adjacency is torn down.
	RxmtLimit = 8

	// MinSPFInterval rate-limits recomputation; a change arriving inside
	// the window schedules one deferred run.
	MinSPFInterval = 10

	// Capacity bounds, checked at insertion like the routing table's.
	MaxAreas     = 16
	MaxNeighbors = 64   // per interface
	MaxLSAs      = 4096 // per area database
)

var (
	ErrNoRouterID   = errors.New("ospf: router id is not configured")
	ErrNoAreas      = errors.New("ospf: no areas are configured")
	ErrAreaExists   = errors.New("ospf: area already exists")
	ErrNoArea       = errors.New("ospf: no such area")
	ErrTooManyAreas = errors.New("ospf: area limit reached")
)

type Stats struct {
	HellosSent       uint64
	LSAsSent         uint64
	LSAsReceived     uint64
	LSAsFlooded      uint64
	SPFRuns          uint64
	Retransmissions  uint64
	Malformed        uint64
	ChecksumErrors   uint64
	NeighborsFull    uint64
	NeighborsDropped uint64
	// insertions refused by the neighbor and database capacity bounds
	NeighborsRejected uint64
	LSAsRejected      uint64
}

// NeighborInfo is a point-in-time view of one adjacency for the admin
// surface.
type NeighborInfo struct {
	RouterID state.RouterID
	Addr     netip.Addr
	Iface    state.IfaceID
	Area     state.RouterID
	State    NbrState
}

type Engine struct {
	env   *state.Env
	table *rtable.Table
	cfg   state.OspfCfg

	routerID uint32
	areas    map[state.RouterID]*area
	ifaces   map[state.IfaceID]*iface

	// self-originated external advertisements, keyed by prefix
	externals map[netip.Prefix]packet.Key
	// routes installed by the last SPF run
	installed map[netip.Prefix]rtable.Entry

	// recently flooded instances; suppresses immediate refloods of the
	// same instance arriving on several interfaces
	seen *ttlcache.Cache[packet.Key, int32]

	stats Stats

	helloInterval time.Duration
	deadInterval  time.Duration
	rxmtInterval  time.Duration

	running    bool
	tasks      []*state.TaskHandle
	spfPending bool
	spfTask    *state.TaskHandle
	spfLastRun time.Time
}

func New(env *state.Env, table *rtable.Table, cfg state.OspfCfg) *Engine {
	return &Engine{
		env:       env,
		table:     table,
		cfg:       cfg,
		routerID:  uint32(cfg.RouterId),
		areas:     make(map[state.RouterID]*area),
		ifaces:    make(map[state.IfaceID]*iface),
		externals: make(map[netip.Prefix]packet.Key),
		installed: make(map[netip.Prefix]rtable.Entry),
	}
}

func (e *Engine) Init(s *state.State) error {
	if !e.cfg.Enabled {
		return nil
	}
	return e.Start(s)
}

func (e *Engine) Cleanup(s *state.State) error {
	e.Stop(s)
	return nil
}

func (e *Engine) SetRouterID(id state.RouterID) error {
	if e.running {
		return fmt.Errorf("ospf: router id cannot change while running")
	}
	e.routerID = uint32(id)
	return nil
}

// CreateArea registers an area and attaches the listed interfaces to it.
// Usable before start or at runtime.
func (e *Engine) CreateArea(cfg state.AreaCfg) error {
	if _, dup := e.areas[cfg.Id]; dup {
		return fmt.Errorf("%w: %s", ErrAreaExists, cfg.Id)
	}
	if len(e.areas) >= MaxAreas {
		return fmt.Errorf("%w: %d", ErrTooManyAreas, MaxAreas)
	}
	ar := &area{id: cfg.Id, stub: cfg.Stub, db: make(map[packet.Key]*packet.LSA)}
	e.areas[cfg.Id] = ar
	for _, ifid := range cfg.Interfaces {
		if err := e.attachInterface(ar, ifid); err != nil {
			return err
		}
	}
	if e.running {
		ar.originateRouterLSA(e)
		e.scheduleSPF()
	}
	return nil
}

func (e *Engine) RemoveArea(id state.RouterID) error {
	ar, ok := e.areas[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoArea, id)
	}
	for _, ifc := range ar.ifaces {
		ifc.shutdown(e)
		delete(e.ifaces, ifc.id)
	}
	delete(e.areas, id)
	if e.running {
		e.scheduleSPF()
	}
	return nil
}

func (e *Engine) attachInterface(ar *area, id state.IfaceID) error {
	if _, dup := e.ifaces[id]; dup {
		return fmt.Errorf("ospf: interface %d already attached", id)
	}
	cost := uint16(1)
	if cfg := e.env.Iface(id); cfg != nil && cfg.Cost != 0 {
		cost = cfg.Cost
	}
	ifc := &iface{id: id, area: ar, cost: cost, neighbors: make(map[uint32]*neighbor)}
	e.ifaces[id] = ifc
	ar.ifaces = append(ar.ifaces, ifc)
	if e.running {
		ifc.startHello(e)
	}
	return nil
}

// Start validates configuration and brings up hellos, aging, and neighbor
// supervision. Fails without a router id or at least one area.
func (e *Engine) Start(s *state.State) error {
	if e.running {
		return nil
	}
	if e.routerID == 0 {
		return ErrNoRouterID
	}
	if len(e.areas) == 0 {
		for _, acfg := range e.cfg.Areas {
			if err := e.CreateArea(acfg); err != nil {
				return err
			}
		}
	}
	if len(e.areas) == 0 {
		return ErrNoAreas
	}
	e.helloInterval = scaled(uint32(e.cfg.HelloInterval), DefaultHelloInterval)
	e.deadInterval = scaled(e.cfg.DeadInterval, DefaultDeadInterval)
	e.rxmtInterval = scaled(e.cfg.RxmtInterval, DefaultRxmtInterval)

	e.seen = ttlcache.New[packet.Key, int32](
		ttlcache.WithTTL[packet.Key, int32](state.TimeUnit),
		ttlcache.WithDisableTouchOnHit[packet.Key, int32](),
	)
	go e.seen.Start()

	e.running = true
	e.env.Log.Info("ospf started",
		"router_id", state.RouterID(e.routerID), "areas", len(e.areas))

	for _, ar := range e.areas {
		ar.originateRouterLSA(e)
	}
	for _, ifc := range e.ifaces {
		ifc.startHello(e)
	}
	e.tasks = append(e.tasks,
		e.env.RepeatTask(func(s *state.State) error {
			e.tick(time.Now())
			return nil
		}, state.TimeUnit),
	)
	e.scheduleSPF()
	return nil
}

// Stop cancels all timers and synchronously withdraws every link-state
// route.
func (e *Engine) Stop(s *state.State) {
	if !e.running {
		return
	}
	e.running = false
	for _, t := range e.tasks {
		t.Cancel()
	}
	e.tasks = nil
	e.spfTask.Cancel()
	e.spfPending = false
	for _, ifc := range e.ifaces {
		ifc.shutdown(e)
	}
	e.seen.Stop()
	for _, ar := range e.areas {
		ar.db = make(map[packet.Key]*packet.LSA)
	}
	e.externals = make(map[netip.Prefix]packet.Key)
	e.installed = make(map[netip.Prefix]rtable.Entry)
	removed := e.table.ClearBySource(rtable.SourceLinkState)
	e.env.Log.Info("ospf stopped", "withdrawn", removed)
}

func (e *Engine) Stats() Stats {
	return e.stats
}

// Neighbors lists every known adjacency across all areas.
func (e *Engine) Neighbors() []NeighborInfo {
	var out []NeighborInfo
	for _, ifc := range e.ifaces {
		for _, nbr := range ifc.neighbors {
			out = append(out, NeighborInfo{
				RouterID: state.RouterID(nbr.id),
				Addr:     nbr.addr,
				Iface:    ifc.id,
				Area:     ifc.area.id,
				State:    nbr.state,
			})
		}
	}
	return out
}

// HandlePacket processes one received buffer. Must run on the dispatch
// goroutine. Malformed input is dropped and counted, never propagated.
func (e *Engine) HandlePacket(buf []byte, src netip.Addr, ingress state.IfaceID) {
	if !e.running {
		return
	}
	ifc, ok := e.ifaces[ingress]
	if !ok || !e.env.Ports.IsUp(ingress) {
		return
	}
	p, err := packet.Decode(buf)
	if err != nil {
		if errors.Is(err, packet.ErrBadChecksum) {
			e.stats.ChecksumErrors++
		} else {
			e.stats.Malformed++
		}
		e.env.Log.Warn("ospf: dropping malformed packet",
			"from", src, "iface", ingress, "err", err)
		return
	}
	if p.RouterID == e.routerID {
		return // our own packet looped back
	}
	if state.RouterID(p.AreaID) != ifc.area.id {
		e.stats.Malformed++
		e.env.Log.Debug("ospf: area mismatch",
			"got", state.RouterID(p.AreaID), "want", ifc.area.id)
		return
	}
	switch p.Type {
	case packet.TypeHello:
		e.handleHello(ifc, p, src)
	case packet.TypeDatabaseDescription:
		e.handleDD(ifc, p)
	case packet.TypeLinkStateRequest:
		e.handleRequest(ifc, p)
	case packet.TypeLinkStateUpdate:
		e.handleUpdate(ifc, p)
	case packet.TypeLinkStateAck:
		e.handleAck(ifc, p)
	}
}

func (e *Engine) handleHello(ifc *iface, p *packet.Packet, src netip.Addr) {
	h := p.Hello
	if time.Duration(h.HelloInterval)*state.TimeUnit != e.helloInterval ||
		time.Duration(h.DeadInterval)*state.TimeUnit != e.deadInterval {
		e.stats.Malformed++
		e.env.Log.Debug("ospf: hello timer mismatch", "from", state.RouterID(p.RouterID))
		return
	}
	nbr, ok := ifc.neighbors[p.RouterID]
	if !ok {
		if len(ifc.neighbors) >= MaxNeighbors {
			e.stats.NeighborsRejected++
			e.env.Log.Warn("ospf: neighbor limit reached",
				"neighbor", state.RouterID(p.RouterID), "iface", ifc.id)
			return
		}
		nbr = newNeighbor(p.RouterID, src, ifc)
		ifc.neighbors[p.RouterID] = nbr
		e.env.Log.Info("ospf: neighbor discovered",
			"neighbor", state.RouterID(nbr.id), "iface", ifc.id)
	}
	nbr.addr = src
	nbr.lastHello = time.Now()

	echoed := false
	for _, id := range h.Neighbors {
		if id == e.routerID {
			echoed = true
			break
		}
	}
	nbr.helloReceived(e, echoed)
}

func (e *Engine) handleDD(ifc *iface, p *packet.Packet) {
	if nbr, ok := ifc.neighbors[p.RouterID]; ok {
		nbr.ddReceived(e, p.DD)
	}
}

func (e *Engine) handleRequest(ifc *iface, p *packet.Packet) {
	nbr, ok := ifc.neighbors[p.RouterID]
	if !ok || nbr.state < NbrExchange {
		return
	}
	var lsas []packet.LSA
	for _, item := range p.Request.Items {
		key := packet.Key{Type: uint8(item.Type), LinkStateID: item.LinkStateID, AdvRouter: item.AdvRouter}
		if lsa, ok := ifc.area.db[key]; ok {
			lsas = append(lsas, *lsa)
		}
		// a request for something we no longer have is ignored; the
		// requester's retransmission budget bounds the exchange
	}
	if len(lsas) > 0 {
		e.sendUpdate(nbr, lsas, false)
	}
}

// tick runs once per time unit: neighbor liveness, LSA aging, and pending
// retransmissions.
func (e *Engine) tick(now time.Time) {
	for _, ifc := range e.ifaces {
		for _, nbr := range ifc.neighbors {
			if nbr.state > NbrDown && now.Sub(nbr.lastHello) > e.deadInterval {
				e.env.Log.Info("ospf: neighbor dead",
					"neighbor", state.RouterID(nbr.id), "iface", ifc.id)
				e.killNeighbor(nbr)
				continue
			}
			nbr.retransmit(e, now)
		}
	}
	e.ageLSAs()
}

// killNeighbor tears an adjacency down to Down, re-originates the local
// router advertisement without it, and recomputes routes.
func (e *Engine) killNeighbor(nbr *neighbor) {
	wasAdjacent := nbr.state >= NbrExchange
	nbr.reset()
	e.stats.NeighborsDropped++
	if wasAdjacent {
		nbr.iface.area.originateRouterLSA(e)
		e.scheduleSPF()
	}
}

// ageLSAs advances every stored advertisement by one time unit, refreshing
// self-originated ones at the refresh threshold and purging everything at
// max-age.
func (e *Engine) ageLSAs() {
	for _, ar := range e.areas {
		var purge []packet.Key
		for key, lsa := range ar.db {
			if lsa.Age < MaxAge {
				lsa.Age++
			}
			switch {
			case lsa.AdvRouter == e.routerID && lsa.Age >= RefreshAge && lsa.Age < MaxAge:
				e.refreshOwn(ar, lsa)
			case lsa.Age >= MaxAge:
				purge = append(purge, key)
			}
		}
		for _, key := range purge {
			lsa := ar.db[key]
			lsa.Age = MaxAge
			e.flood(ar, *lsa, nil)
			delete(ar.db, key)
			if key.AdvRouter == e.routerID && key.Type == packet.LSAExternal {
				// the origination is gone for good unless the route returns
				for prefix, k := range e.externals {
					if k == key {
						delete(e.externals, prefix)
					}
				}
			}
			e.env.Log.Debug("ospf: lsa aged out",
				"type", key.Type, "adv", state.RouterID(key.AdvRouter))
			e.scheduleSPF()
		}
	}
}

func (e *Engine) refreshOwn(ar *area, lsa *packet.LSA) {
	lsa.Age = 0
	lsa.Sequence++
	if _, err := lsa.Encode(); err != nil { // recompute checksum and length
		e.env.Log.Error("ospf: refresh encode failed", "err", err)
		return
	}
	e.flood(ar, *lsa, nil)
}

// scheduleSPF coalesces recomputation requests, enforcing the minimum
// interval between runs.
func (e *Engine) scheduleSPF() {
	if !e.running || e.spfPending {
		return
	}
	wait := state.TimeUnit / 10
	if since := time.Since(e.spfLastRun); since < MinSPFInterval*state.TimeUnit {
		wait = MinSPFInterval*state.TimeUnit - since
	}
	e.spfPending = true
	e.spfTask = e.env.ScheduleTask(func(s *state.State) error {
		e.spfPending = false
		if e.running {
			e.runSPF(time.Now())
		}
		return nil
	}, wait)
}

// RouteInstalled originates an external advertisement for routes learned
// from other sources.
func (e *Engine) RouteInstalled(entry rtable.Entry) {
	if !e.running || entry.Source == rtable.SourceLinkState {
		return
	}
	e.originateExternal(entry.Prefix, entry.Metric)
}

// RouteWithdrawn prematurely ages our external advertisement for the
// prefix so the withdrawal floods immediately.
func (e *Engine) RouteWithdrawn(entry rtable.Entry) {
	if !e.running || entry.Source == rtable.SourceLinkState {
		return
	}
	key, ok := e.externals[entry.Prefix.Masked()]
	if !ok {
		return
	}
	delete(e.externals, entry.Prefix.Masked())
	for _, ar := range e.areas {
		if lsa, ok := ar.db[key]; ok {
			lsa.Age = MaxAge
			e.flood(ar, *lsa, nil)
			delete(ar.db, key)
		}
	}
	e.scheduleSPF()
}

func (e *Engine) originateExternal(prefix netip.Prefix, metric uint32) {
	prefix = prefix.Masked()
	lsa := packet.LSA{
		LSAHeader: packet.LSAHeader{
			Type:        packet.LSAExternal,
			LinkStateID: addrToU32(prefix.Addr()),
			AdvRouter:   e.routerID,
			Sequence:    packet.InitialSequence,
		},
		External: &packet.ExternalLSA{
			Mask:   maskFromBits(prefix.Bits()),
			Metric: min(metric, 0x00ffffff),
		},
	}
	if key, ok := e.externals[prefix]; ok {
		for _, ar := range e.areas {
			if prev, ok := ar.db[key]; ok {
				lsa.Sequence = prev.Sequence + 1
				break
			}
		}
	}
	if _, err := lsa.Encode(); err != nil {
		e.env.Log.Error("ospf: external encode failed", "prefix", prefix, "err", err)
		return
	}
	e.externals[prefix] = lsa.Key()
	for _, ar := range e.areas {
		if ar.stub {
			continue // stub areas carry no external advertisements
		}
		if !ar.install(lsa) {
			e.stats.LSAsRejected++
			continue
		}
		e.flood(ar, lsa, nil)
	}
	e.scheduleSPF()
}

func scaled(v uint32, def uint32) time.Duration {
	if v == 0 {
		v = def
	}
	return time.Duration(v) * state.TimeUnit
}

func addrToU32(a netip.Addr) uint32 {
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])
}

func u32ToAddr(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}

func maskFromBits(n int) uint32 {
	if n <= 0 {
		return 0
	}
	return ^uint32(0) << (32 - n)
}

func maskToBits(mask uint32) int {
	return bits.OnesCount32(mask)
}
