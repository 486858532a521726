// Package rip implements the distance-vector routing engine. It keeps its
// own candidate-route table, exchanges periodic and triggered updates with
// neighbors, and mirrors winning routes into the routing table under the
// standard administrative-distance tie-break.
package rip

import (
	"fmt"
	"net/netip"
	"slices"
	"time"

	"github.com/routelab/switchd/rtable"
	"github.com/routelab/switchd/state"
)

const (
	// Infinity is the unreachable metric.
	Infinity = 16

	// Defaults in time units, overridable per config.
	DefaultUpdateInterval = 30
	DefaultRouteTimeout   = 180
	DefaultGarbageTimeout = 120
)

// Metric offsets applied when redistributing routes from other sources.
func redistOffset(src rtable.Source) (uint32, bool) {
	switch src {
	case rtable.SourceConnected, rtable.SourceStatic:
		return 1, true
	case rtable.SourceLinkState:
		return 2, true
	default:
		return 0, false
	}
}

// route lifecycle: valid -> garbage (unrefreshed past RouteTimeout) ->
// deleted (GarbageTimeout after garbage-marking). Local routes (advertised
// networks and redistributed entries) do not age.
type route struct {
	Prefix    netip.Prefix
	NextHop   netip.Addr
	Metric    uint32
	Iface     state.IfaceID
	Tag       uint16
	UpdatedAt time.Time
	Garbage   bool
	GarbageAt time.Time
	Local     bool
}

type Stats struct {
	UpdatesSent      uint64
	UpdatesReceived  uint64
	TriggeredUpdates uint64
	RequestsReceived uint64
	RoutesLearned    uint64
	Malformed        uint64
}

type Engine struct {
	env   *state.Env
	table *rtable.Table
	cfg   state.RipCfg

	routes map[netip.Prefix]*route
	stats  Stats

	updateInterval time.Duration
	routeTimeout   time.Duration
	garbageTimeout time.Duration

	running          bool
	tasks            []*state.TaskHandle
	triggeredTask    *state.TaskHandle
	triggeredPending bool
}

func New(env *state.Env, table *rtable.Table, cfg state.RipCfg) *Engine {
	return &Engine{
		env:    env,
		table:  table,
		cfg:    cfg,
		routes: make(map[netip.Prefix]*route),
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

// Start validates the configuration, solicits full tables from all
// neighbors, and schedules the periodic and aging tasks.
func (e *Engine) Start(s *state.State) error {
	if e.running {
		return nil
	}
	if len(e.cfg.Interfaces) == 0 {
		return fmt.Errorf("rip: no interfaces enabled")
	}
	e.updateInterval = scaled(e.cfg.UpdateInterval, DefaultUpdateInterval)
	e.routeTimeout = scaled(e.cfg.RouteTimeout, DefaultRouteTimeout)
	e.garbageTimeout = scaled(e.cfg.GarbageTimeout, DefaultGarbageTimeout)

	now := time.Now()
	for _, network := range e.cfg.Networks {
		e.originate(network, now)
	}

	e.running = true
	e.env.Log.Info("rip started", "interfaces", len(e.cfg.Interfaces))

	e.broadcastWildcardRequest()

	e.tasks = append(e.tasks,
		e.env.RepeatTask(func(s *state.State) error {
			e.periodicUpdate(time.Now())
			return nil
		}, e.updateInterval),
		e.env.RepeatTask(func(s *state.State) error {
			e.ageRoutes(time.Now())
			return nil
		}, state.TimeUnit),
	)
	return nil
}

// Stop cancels all timers and synchronously withdraws every route the engine
// installed. No distance-vector route survives the call.
func (e *Engine) Stop(s *state.State) {
	if !e.running {
		return
	}
	e.running = false
	for _, t := range e.tasks {
		t.Cancel()
	}
	e.tasks = nil
	e.triggeredTask.Cancel()
	e.triggeredPending = false
	removed := e.table.ClearBySource(rtable.SourceDistanceVector)
	e.routes = make(map[netip.Prefix]*route)
	e.env.Log.Info("rip stopped", "withdrawn", removed)
}

func (e *Engine) Stats() Stats {
	return e.stats
}

// Routes snapshots the engine's candidate table, garbage entries included.
func (e *Engine) Routes() []route {
	out := make([]route, 0, len(e.routes))
	for _, r := range e.routes {
		out = append(out, *r)
	}
	return out
}

func (e *Engine) AddNetwork(prefix netip.Prefix) {
	if !slices.Contains(e.cfg.Networks, prefix) {
		e.cfg.Networks = append(e.cfg.Networks, prefix)
		if e.running {
			e.originate(prefix, time.Now())
			e.scheduleTriggered()
		}
	}
}

func (e *Engine) RemoveNetwork(prefix netip.Prefix) {
	idx := slices.Index(e.cfg.Networks, prefix)
	if idx < 0 {
		return
	}
	e.cfg.Networks = slices.Delete(e.cfg.Networks, idx, idx+1)
	if r, ok := e.routes[prefix.Masked()]; ok && r.Local {
		e.markGarbage(r, time.Now())
		e.scheduleTriggered()
	}
}

func (e *Engine) EnableInterface(id state.IfaceID) {
	if !slices.Contains(e.cfg.Interfaces, id) {
		e.cfg.Interfaces = append(e.cfg.Interfaces, id)
	}
}

func (e *Engine) DisableInterface(id state.IfaceID) {
	idx := slices.Index(e.cfg.Interfaces, id)
	if idx >= 0 {
		e.cfg.Interfaces = slices.Delete(e.cfg.Interfaces, idx, idx+1)
	}
}

// HandlePacket processes one received buffer. Must run on the dispatch
// goroutine. Malformed input is dropped and counted, never propagated.
func (e *Engine) HandlePacket(buf []byte, src netip.Addr, ingress state.IfaceID) {
	if !e.running || !e.ifaceActive(ingress) {
		return
	}
	msg, err := Decode(buf)
	if err != nil {
		e.stats.Malformed++
		e.env.Log.Warn("rip: dropping malformed packet", "from", src, "iface", ingress, "err", err)
		return
	}
	switch msg.Command {
	case CmdRequest:
		e.stats.RequestsReceived++
		e.processRequest(msg, ingress)
	case CmdResponse:
		e.stats.UpdatesReceived++
		e.processResponse(msg, src, ingress, time.Now())
	}
}

func (e *Engine) processRequest(msg Message, ingress state.IfaceID) {
	if msg.IsWildcardRequest() {
		// a whole-table request gets every live route; garbage entries are
		// poisoned only in the periodic stream
		e.sendTableUpdate(ingress, false)
		return
	}
	// answer only the specifically requested prefixes that exist locally
	var records []Record
	for _, rec := range msg.Records {
		if r, ok := e.routes[rec.Prefix()]; ok && !r.Garbage {
			records = append(records, e.recordFor(r))
		}
	}
	if len(records) > 0 {
		e.sendResponse(ingress, records)
	}
}

func (e *Engine) processResponse(msg Message, src netip.Addr, ingress state.IfaceID, now time.Time) {
	changed := false
	for _, rec := range msg.Records {
		if rec.Family != AfIPv4 || !rec.Network.Is4() {
			continue
		}
		if rec.Metric < 1 || rec.Metric > Infinity {
			e.stats.Malformed++
			continue
		}
		nextHop := rec.NextHop
		if !nextHop.IsValid() || nextHop.IsUnspecified() {
			nextHop = src
		}
		if e.applyRecord(rec.Prefix(), nextHop, rec.Tag, rec.Metric, ingress, now) {
			changed = true
		}
	}
	if changed {
		e.scheduleTriggered()
	}
}

// applyRecord implements the distance-vector acceptance rule and reports
// whether reachability changed.
func (e *Engine) applyRecord(prefix netip.Prefix, nextHop netip.Addr, tag uint16, advMetric uint32, ingress state.IfaceID, now time.Time) bool {
	metric := min(advMetric+1, Infinity) // link cost

	r, exists := e.routes[prefix]
	if !exists {
		if metric >= Infinity {
			return false // a retraction of a route we do not know about
		}
		r = &route{
			Prefix:    prefix,
			NextHop:   nextHop,
			Metric:    metric,
			Iface:     ingress,
			Tag:       tag,
			UpdatedAt: now,
		}
		e.routes[prefix] = r
		e.stats.RoutesLearned++
		e.install(r, now)
		return true
	}
	if r.Local {
		return false // never let neighbors overwrite local originations
	}

	sameGateway := r.NextHop == nextHop && r.Iface == ingress
	if sameGateway {
		// updates from the current gateway are always accepted, even when
		// worse, and refresh the timer
		r.UpdatedAt = now
		if metric == r.Metric {
			return false
		}
		r.Metric = metric
		r.Tag = tag
		if metric >= Infinity {
			e.markGarbage(r, now)
		} else {
			r.Garbage = false
			e.install(r, now)
		}
		return true
	}

	// alternate gateway: accept only strictly better
	if metric < r.Metric || (r.Garbage && metric < Infinity) {
		r.NextHop = nextHop
		r.Iface = ingress
		r.Metric = metric
		r.Tag = tag
		r.Garbage = false
		r.UpdatedAt = now
		e.install(r, now)
		return true
	}
	return false
}

// ageRoutes moves unrefreshed routes to garbage and deletes garbage routes
// after the collection window. Garbage routes keep being advertised with an
// infinite metric (poison reverse) until deletion.
func (e *Engine) ageRoutes(now time.Time) {
	changed := false
	for prefix, r := range e.routes {
		if r.Local {
			continue
		}
		if !r.Garbage && now.Sub(r.UpdatedAt) > e.routeTimeout {
			e.markGarbage(r, now)
			changed = true
		}
		if r.Garbage && now.Sub(r.GarbageAt) > e.garbageTimeout {
			delete(e.routes, prefix)
		}
	}
	if changed {
		e.scheduleTriggered()
	}
}

func (e *Engine) markGarbage(r *route, now time.Time) {
	if r.Garbage {
		return
	}
	r.Garbage = true
	r.GarbageAt = now
	r.Metric = Infinity
	if err := e.table.Withdraw(r.Prefix, rtable.SourceDistanceVector); err == nil {
		e.env.Log.Debug("rip: route unreachable", "prefix", r.Prefix)
	}
}

func (e *Engine) install(r *route, now time.Time) {
	res, err := e.table.Install(rtable.Entry{
		Prefix:   r.Prefix,
		NextHop:  r.NextHop,
		Iface:    r.Iface,
		Source:   rtable.SourceDistanceVector,
		Distance: rtable.SourceDistanceVector.Distance(),
		Metric:   r.Metric,
	})
	if err != nil {
		e.env.Log.Warn("rip: install failed", "prefix", r.Prefix, "err", err)
		return
	}
	if res == rtable.NotPreferred {
		// keep the candidate; it competes again if the better source leaves
		e.env.Log.Debug("rip: candidate not preferred", "prefix", r.Prefix)
	}
}

func (e *Engine) originate(prefix netip.Prefix, now time.Time) {
	prefix = prefix.Masked()
	e.routes[prefix] = &route{
		Prefix:    prefix,
		Metric:    1,
		UpdatedAt: now,
		Local:     true,
	}
}

func (e *Engine) periodicUpdate(now time.Time) {
	e.ageRoutes(now)
	for _, iface := range e.cfg.Interfaces {
		e.sendFullUpdate(iface)
	}
}

// sendFullUpdate advertises the whole candidate table out one interface,
// honoring split horizon and poisoning garbage routes.
func (e *Engine) sendFullUpdate(iface state.IfaceID) {
	e.sendTableUpdate(iface, true)
}

func (e *Engine) sendTableUpdate(iface state.IfaceID, withGarbage bool) {
	if !e.ifaceActive(iface) {
		return
	}
	var records []Record
	for _, r := range e.routes {
		if r.Iface == iface && !r.Local {
			continue // split horizon
		}
		if r.Garbage && !withGarbage {
			continue
		}
		records = append(records, e.recordFor(r))
	}
	if len(records) == 0 {
		return
	}
	e.sendResponse(iface, records)
}

func (e *Engine) recordFor(r *route) Record {
	metric := r.Metric
	if r.Garbage {
		metric = Infinity
	}
	return Record{
		Family:  AfIPv4,
		Tag:     r.Tag,
		Network: r.Prefix.Addr(),
		Mask:    MaskFromBits(r.Prefix.Bits()),
		Metric:  metric,
	}
}

func (e *Engine) sendResponse(iface state.IfaceID, records []Record) {
	for len(records) > 0 {
		n := min(len(records), MaxRecords)
		msg := Message{Command: CmdResponse, Records: records[:n]}
		records = records[n:]
		buf, err := msg.Encode()
		if err != nil {
			e.env.Log.Error("rip: encode failed", "err", err)
			return
		}
		if err := e.env.Transport.Send(state.ProtoDV, buf, iface); err != nil {
			e.env.Log.Warn("rip: send failed", "iface", iface, "err", err)
			return
		}
		e.stats.UpdatesSent++
	}
}

func (e *Engine) broadcastWildcardRequest() {
	buf, err := WildcardRequest().Encode()
	if err != nil {
		return
	}
	for _, iface := range e.cfg.Interfaces {
		if !e.ifaceActive(iface) {
			continue
		}
		if err := e.env.Transport.Send(state.ProtoDV, buf, iface); err != nil {
			e.env.Log.Warn("rip: request failed", "iface", iface, "err", err)
		}
	}
}

// scheduleTriggered coalesces triggered updates into one send per window,
// independent of the periodic timer.
func (e *Engine) scheduleTriggered() {
	if !e.running || e.triggeredPending {
		return
	}
	e.triggeredPending = true
	e.triggeredTask = e.env.ScheduleTask(func(s *state.State) error {
		e.triggeredPending = false
		if !e.running {
			return nil
		}
		e.stats.TriggeredUpdates++
		for _, iface := range e.cfg.Interfaces {
			e.sendFullUpdate(iface)
		}
		return nil
	}, state.TimeUnit/10)
}

func (e *Engine) ifaceActive(id state.IfaceID) bool {
	return slices.Contains(e.cfg.Interfaces, id) && e.env.Ports.IsUp(id)
}

// RouteInstalled redistributes routes learned by other sources as
// distance-vector candidates with a per-source metric offset.
func (e *Engine) RouteInstalled(entry rtable.Entry) {
	if !e.running || entry.Source == rtable.SourceDistanceVector {
		return
	}
	offset, ok := redistOffset(entry.Source)
	if !ok {
		return
	}
	prefix := entry.Prefix.Masked()
	now := time.Now()
	r, exists := e.routes[prefix]
	if !exists {
		r = &route{Prefix: prefix, Local: true}
		e.routes[prefix] = r
	}
	r.Local = true
	r.Garbage = false
	r.Metric = min(entry.Metric+offset, Infinity)
	r.UpdatedAt = now
	e.scheduleTriggered()
}

// RouteWithdrawn poisons a redistributed route, and re-offers our own
// candidate when a better source released the prefix.
func (e *Engine) RouteWithdrawn(entry rtable.Entry) {
	if !e.running {
		return
	}
	prefix := entry.Prefix.Masked()
	r, ok := e.routes[prefix]
	if !ok {
		return
	}
	now := time.Now()
	if entry.Source == rtable.SourceDistanceVector {
		if !r.Garbage && !r.Local {
			// someone cleared our installed route; candidate competes again
			e.install(r, now)
		}
		return
	}
	if r.Local {
		if slices.Contains(e.cfg.Networks, prefix) {
			return // still an advertised network
		}
		e.markGarbage(r, now)
		e.scheduleTriggered()
		return
	}
	if !r.Garbage {
		// better source left; promote our learned candidate
		e.install(r, now)
	}
}

func scaled(v uint32, def uint32) time.Duration {
	if v == 0 {
		v = def
	}
	return time.Duration(v) * state.TimeUnit
}
