package ospf

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routelab/switchd/ospf/packet"
	"github.com/routelab/switchd/rtable"
	"github.com/routelab/switchd/state"
)

type sentPkt struct {
	Iface state.IfaceID
	Pkt   *packet.Packet
}

type recordingTransport struct {
	sent []sentPkt
}

func (r *recordingTransport) Send(_ state.Proto, buf []byte, egress state.IfaceID) error {
	p, err := packet.Decode(buf)
	if err != nil {
		return err
	}
	r.sent = append(r.sent, sentPkt{Iface: egress, Pkt: p})
	return nil
}

func (r *recordingTransport) reset() { r.sent = nil }

// last sent packet of the given type, or nil
func (r *recordingTransport) last(typ uint8) *sentPkt {
	for i := len(r.sent) - 1; i >= 0; i-- {
		if r.sent[i].Pkt.Type == typ {
			return &r.sent[i]
		}
	}
	return nil
}

func (r *recordingTransport) count(typ uint8) int {
	n := 0
	for _, s := range r.sent {
		if s.Pkt.Type == typ {
			n++
		}
	}
	return n
}

type staticPorts map[state.IfaceID]netip.Prefix

func (p staticPorts) Prefix(id state.IfaceID) (netip.Prefix, error) {
	pfx, ok := p[id]
	if !ok {
		return netip.Prefix{}, fmt.Errorf("no interface %d", id)
	}
	return pfx, nil
}

func (p staticPorts) IsUp(id state.IfaceID) bool {
	_, ok := p[id]
	return ok
}

const (
	localID = 0x02020202 // 2.2.2.2
	area0   = state.RouterID(0)
)

func newTestEngine(t *testing.T, stub bool, ifaces ...state.IfaceID) (*Engine, *recordingTransport, *rtable.Table) {
	t.Helper()
	ctx, cancel := context.WithCancelCause(context.Background())
	t.Cleanup(func() { cancel(context.Canceled) })

	tr := &recordingTransport{}
	ports := staticPorts{}
	var cfgIfaces []state.IfaceCfg
	for _, id := range ifaces {
		pfx := netip.MustParsePrefix(fmt.Sprintf("172.16.%d.1/24", id))
		ports[id] = pfx
		cfgIfaces = append(cfgIfaces, state.IfaceCfg{Id: id, Prefix: pfx, Cost: 1})
	}
	dispatch := make(chan func(*state.State) error, state.DispatchBuffer)
	env := &state.Env{
		DispatchChannel: dispatch,
		NodeCfg:         state.NodeCfg{Id: "test", Interfaces: cfgIfaces},
		Transport:       tr,
		Ports:           ports,
		Context:         ctx,
		Cancel:          cancel,
		Log:             slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	tbl, err := rtable.New(64)
	require.NoError(t, err)

	e := New(env, tbl, state.OspfCfg{RouterId: state.RouterID(localID)})
	require.NoError(t, e.CreateArea(state.AreaCfg{Id: area0, Stub: stub, Interfaces: ifaces}))

	// mark running without scheduling real timers; tests drive the clock
	e.running = true
	e.helloInterval = DefaultHelloInterval * state.TimeUnit
	e.deadInterval = DefaultDeadInterval * state.TimeUnit
	e.rxmtInterval = DefaultRxmtInterval * state.TimeUnit
	e.seen = ttlcache.New[packet.Key, int32](
		ttlcache.WithTTL[packet.Key, int32](state.TimeUnit),
		ttlcache.WithDisableTouchOnHit[packet.Key, int32](),
	)
	go e.seen.Start()
	t.Cleanup(e.seen.Stop)
	return e, tr, tbl
}

func deliver(t *testing.T, e *Engine, p *packet.Packet, src netip.Addr, ingress state.IfaceID) {
	t.Helper()
	buf, err := p.Encode()
	require.NoError(t, err)
	e.HandlePacket(buf, src, ingress)
}

func helloFrom(peer uint32, neighbors ...uint32) *packet.Packet {
	return &packet.Packet{
		Header: packet.Header{Type: packet.TypeHello, RouterID: peer, AreaID: uint32(area0)},
		Hello: &packet.Hello{
			NetworkMask:   0xffffff00,
			HelloInterval: DefaultHelloInterval,
			DeadInterval:  DefaultDeadInterval,
			Priority:      1,
			Neighbors:     neighbors,
		},
	}
}

func ddFrom(peer uint32, flags uint8, seq uint32, headers ...packet.LSAHeader) *packet.Packet {
	return &packet.Packet{
		Header: packet.Header{Type: packet.TypeDatabaseDescription, RouterID: peer, AreaID: uint32(area0)},
		DD:     &packet.DatabaseDescription{InterfaceMTU: 1500, Flags: flags, Sequence: seq, Headers: headers},
	}
}

func routerLSAFor(t *testing.T, owner uint32, seq int32, links ...packet.RouterLink) packet.LSA {
	t.Helper()
	lsa := packet.LSA{
		LSAHeader: packet.LSAHeader{Type: packet.LSARouter, LinkStateID: owner, AdvRouter: owner, Sequence: seq, Age: 1},
		Router:    &packet.RouterLSA{Links: links},
	}
	_, err := lsa.Encode()
	require.NoError(t, err)
	return lsa
}

func p2p(to uint32, metric uint16) packet.RouterLink {
	return packet.RouterLink{ID: to, Type: packet.LinkPointToPoint, Metric: metric}
}

func stubLink(network, mask uint32, metric uint16) packet.RouterLink {
	return packet.RouterLink{ID: network, Data: mask, Type: packet.LinkStub, Metric: metric}
}

func TestStartValidation(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(context.Canceled)
	env := &state.Env{
		Transport: &recordingTransport{},
		Ports:     staticPorts{},
		Context:   ctx,
		Cancel:    cancel,
		Log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	tbl, err := rtable.New(16)
	require.NoError(t, err)

	e := New(env, tbl, state.OspfCfg{})
	require.ErrorIs(t, e.Start(nil), ErrNoRouterID)

	e = New(env, tbl, state.OspfCfg{RouterId: state.RouterID(localID)})
	require.ErrorIs(t, e.Start(nil), ErrNoAreas)
	assert.False(t, e.running)
}

func TestHelloDiscoversNeighbor(t *testing.T) {
	e, _, _ := newTestEngine(t, false, 1)
	peer := uint32(0x01010101)

	deliver(t, e, helloFrom(peer), netip.MustParseAddr("172.16.1.2"), 1)
	nbr := e.ifaces[1].neighbors[peer]
	require.NotNil(t, nbr)
	assert.Equal(t, NbrInit, nbr.state)
}

func TestHelloEchoBeginsAdjacency(t *testing.T) {
	e, tr, _ := newTestEngine(t, false, 1)
	peer := uint32(0x01010101)

	deliver(t, e, helloFrom(peer, localID), netip.MustParseAddr("172.16.1.2"), 1)
	nbr := e.ifaces[1].neighbors[peer]
	require.NotNil(t, nbr)
	assert.Equal(t, NbrExStart, nbr.state)

	dd := tr.last(packet.TypeDatabaseDescription)
	require.NotNil(t, dd)
	assert.Equal(t, uint8(packet.FlagI|packet.FlagM|packet.FlagMS), dd.Pkt.DD.Flags)
	assert.Empty(t, dd.Pkt.DD.Headers)
}

func TestHelloWithoutEchoFallsBackToInit(t *testing.T) {
	e, _, _ := newTestEngine(t, false, 1)
	peer := uint32(0x01010101)
	src := netip.MustParseAddr("172.16.1.2")

	deliver(t, e, helloFrom(peer, localID), src, 1)
	require.Equal(t, NbrExStart, e.ifaces[1].neighbors[peer].state)

	// the peer restarted and no longer lists us
	deliver(t, e, helloFrom(peer), src, 1)
	assert.Equal(t, NbrInit, e.ifaces[1].neighbors[peer].state)
}

func TestTwoWayTransition(t *testing.T) {
	e, _, _ := newTestEngine(t, false, 1)
	ifc := e.ifaces[1]
	nbr := newNeighbor(0x01010101, netip.MustParseAddr("172.16.1.2"), ifc)
	ifc.neighbors[nbr.id] = nbr
	nbr.state = NbrInit

	// the echo itself reaches TwoWay before adjacency formation begins
	nbr.setState(e, NbrTwoWay)
	assert.Equal(t, NbrTwoWay, nbr.state)
	nbr.startAdjacency(e)
	assert.Equal(t, NbrExStart, nbr.state)
}

// full walk with a lower-id peer: the local router wins mastership
func TestAdjacencyWalkAsMaster(t *testing.T) {
	e, tr, _ := newTestEngine(t, false, 1)
	peer := uint32(0x01010101)
	src := netip.MustParseAddr("172.16.1.2")

	deliver(t, e, helloFrom(peer, localID), src, 1)
	nbr := e.ifaces[1].neighbors[peer]
	require.Equal(t, NbrExStart, nbr.state)
	seq := tr.last(packet.TypeDatabaseDescription).Pkt.DD.Sequence

	// slave response: adopts our sequence, offers one header we lack
	peerLSA := routerLSAFor(t, peer, packet.InitialSequence, p2p(localID, 1))
	deliver(t, e, ddFrom(peer, 0, seq, peerLSA.LSAHeader), src, 1)
	require.Equal(t, NbrExchange, nbr.state)

	dd := tr.last(packet.TypeDatabaseDescription)
	require.Equal(t, seq+1, dd.Pkt.DD.Sequence)
	assert.NotZero(t, dd.Pkt.DD.Flags&packet.FlagMS)

	// slave acknowledges the final sequence; our request list is pending
	deliver(t, e, ddFrom(peer, 0, seq+1), src, 1)
	require.Equal(t, NbrLoading, nbr.state)

	req := tr.last(packet.TypeLinkStateRequest)
	require.NotNil(t, req)
	require.Len(t, req.Pkt.Request.Items, 1)
	assert.Equal(t, peer, req.Pkt.Request.Items[0].AdvRouter)

	// the requested body arrives; databases are synchronized
	deliver(t, e, &packet.Packet{
		Header: packet.Header{Type: packet.TypeLinkStateUpdate, RouterID: peer, AreaID: uint32(area0)},
		Update: &packet.LinkStateUpdate{LSAs: []packet.LSA{peerLSA}},
	}, src, 1)
	assert.Equal(t, NbrFull, nbr.state)
	assert.Equal(t, uint64(1), e.stats.NeighborsFull)

	// reaching Full re-originates our router advertisement with the new link
	own := e.areas[area0].db[packet.Key{Type: packet.LSARouter, LinkStateID: localID, AdvRouter: localID}]
	require.NotNil(t, own)
	assert.True(t, hasP2PLink(own.Router, peer))
}

// full walk with a higher-id peer: the local router is slave
func TestAdjacencyWalkAsSlave(t *testing.T) {
	e, tr, _ := newTestEngine(t, false, 1)
	peer := uint32(0x04040404)
	src := netip.MustParseAddr("172.16.1.2")

	deliver(t, e, helloFrom(peer, localID), src, 1)
	nbr := e.ifaces[1].neighbors[peer]
	require.Equal(t, NbrExStart, nbr.state)

	// master opens negotiation with its own sequence
	deliver(t, e, ddFrom(peer, packet.FlagI|packet.FlagM|packet.FlagMS, 7000), src, 1)
	require.Equal(t, NbrExchange, nbr.state)
	dd := tr.last(packet.TypeDatabaseDescription)
	assert.Equal(t, uint32(7000), dd.Pkt.DD.Sequence)
	assert.Zero(t, dd.Pkt.DD.Flags&packet.FlagMS)

	// master sends its summary and signals it is done
	peerLSA := routerLSAFor(t, peer, packet.InitialSequence, p2p(localID, 1))
	deliver(t, e, ddFrom(peer, packet.FlagMS, 7001, peerLSA.LSAHeader), src, 1)
	require.Equal(t, NbrLoading, nbr.state)

	deliver(t, e, &packet.Packet{
		Header: packet.Header{Type: packet.TypeLinkStateUpdate, RouterID: peer, AreaID: uint32(area0)},
		Update: &packet.LinkStateUpdate{LSAs: []packet.LSA{peerLSA}},
	}, src, 1)
	assert.Equal(t, NbrFull, nbr.state)
}

func TestDeadIntervalTearsNeighborDown(t *testing.T) {
	e, _, _ := newTestEngine(t, false, 1)
	ar := e.areas[area0]
	ar.originateRouterLSA(e)
	ownKey := packet.Key{Type: packet.LSARouter, LinkStateID: localID, AdvRouter: localID}
	seqBefore := ar.db[ownKey].Sequence

	ifc := e.ifaces[1]
	nbr := newNeighbor(0x01010101, netip.MustParseAddr("172.16.1.2"), ifc)
	nbr.state = NbrFull
	nbr.lastHello = time.Now().Add(-e.deadInterval - state.TimeUnit)
	ifc.neighbors[nbr.id] = nbr

	e.tick(time.Now())
	assert.Equal(t, NbrDown, nbr.state)
	assert.Equal(t, uint64(1), e.stats.NeighborsDropped)
	// losing an adjacency re-floods the local router advertisement
	assert.Greater(t, ar.db[ownKey].Sequence, seqBefore)
}

func TestRetransmissionBudget(t *testing.T) {
	e, tr, _ := newTestEngine(t, false, 1)
	peer := uint32(0x01010101)
	src := netip.MustParseAddr("172.16.1.2")

	deliver(t, e, helloFrom(peer, localID), src, 1)
	nbr := e.ifaces[1].neighbors[peer]
	require.Equal(t, NbrExStart, nbr.state)
	tr.reset()

	// the peer never answers; each interval resends until the budget runs out
	now := time.Now()
	for i := 0; i < RxmtLimit; i++ {
		now = now.Add(e.rxmtInterval + state.TimeUnit)
		nbr.retransmit(e, now)
	}
	assert.Equal(t, NbrDown, nbr.state)
	assert.Equal(t, uint64(RxmtLimit), e.stats.Retransmissions)
	assert.Equal(t, RxmtLimit, tr.count(packet.TypeDatabaseDescription))
}

// adjacent neighbor on iface 1 in state Full, for flooding tests
func fullNeighbor(e *Engine, id uint32, ifid state.IfaceID, addr string) *neighbor {
	ifc := e.ifaces[ifid]
	nbr := newNeighbor(id, netip.MustParseAddr(addr), ifc)
	nbr.state = NbrFull
	nbr.lastHello = time.Now()
	ifc.neighbors[id] = nbr
	return nbr
}

func TestFloodingInstallsAndRefloods(t *testing.T) {
	e, tr, _ := newTestEngine(t, false, 1, 2)
	sender := fullNeighbor(e, 0x01010101, 1, "172.16.1.2")
	other := fullNeighbor(e, 0x03030303, 2, "172.16.2.2")

	lsa := routerLSAFor(t, 0x05050505, packet.InitialSequence, p2p(sender.id, 3))
	deliver(t, e, &packet.Packet{
		Header: packet.Header{Type: packet.TypeLinkStateUpdate, RouterID: sender.id, AreaID: uint32(area0)},
		Update: &packet.LinkStateUpdate{LSAs: []packet.LSA{lsa}},
	}, sender.addr, 1)

	// installed, reflooded only toward the other adjacency, acknowledged
	assert.Contains(t, e.areas[area0].db, lsa.Key())
	up := tr.last(packet.TypeLinkStateUpdate)
	require.NotNil(t, up)
	assert.Equal(t, state.IfaceID(2), up.Iface)
	ack := tr.last(packet.TypeLinkStateAck)
	require.NotNil(t, ack)
	assert.Equal(t, state.IfaceID(1), ack.Iface)
	assert.Contains(t, other.rxmt, lsa.Key())
}

func TestStaleInstanceAnsweredWithNewer(t *testing.T) {
	e, tr, _ := newTestEngine(t, false, 1)
	sender := fullNeighbor(e, 0x01010101, 1, "172.16.1.2")

	newer := routerLSAFor(t, 0x05050505, packet.InitialSequence+3, p2p(sender.id, 3))
	e.areas[area0].install(newer)
	tr.reset()

	older := routerLSAFor(t, 0x05050505, packet.InitialSequence, p2p(sender.id, 3))
	deliver(t, e, &packet.Packet{
		Header: packet.Header{Type: packet.TypeLinkStateUpdate, RouterID: sender.id, AreaID: uint32(area0)},
		Update: &packet.LinkStateUpdate{LSAs: []packet.LSA{older}},
	}, sender.addr, 1)

	// the stored instance survives and the sender gets our newer copy
	assert.Equal(t, packet.InitialSequence+3, e.areas[area0].db[newer.Key()].Sequence)
	up := tr.last(packet.TypeLinkStateUpdate)
	require.NotNil(t, up)
	assert.Equal(t, packet.InitialSequence+3, up.Pkt.Update.LSAs[0].Sequence)
}

func TestAckClearsRetransmissionList(t *testing.T) {
	e, _, _ := newTestEngine(t, false, 1)
	nbr := fullNeighbor(e, 0x01010101, 1, "172.16.1.2")

	lsa := routerLSAFor(t, localID, packet.InitialSequence, p2p(nbr.id, 1))
	e.sendUpdate(nbr, []packet.LSA{lsa}, true)
	require.Contains(t, nbr.rxmt, lsa.Key())

	deliver(t, e, &packet.Packet{
		Header: packet.Header{Type: packet.TypeLinkStateAck, RouterID: nbr.id, AreaID: uint32(area0)},
		Ack:    &packet.LinkStateAck{Headers: []packet.LSAHeader{lsa.LSAHeader}},
	}, nbr.addr, 1)
	assert.Empty(t, nbr.rxmt)
}

func TestStubAreaBlocksExternals(t *testing.T) {
	e, tr, _ := newTestEngine(t, true, 1)
	sender := fullNeighbor(e, 0x01010101, 1, "172.16.1.2")

	ext := packet.LSA{
		LSAHeader: packet.LSAHeader{Type: packet.LSAExternal, LinkStateID: 0x0a000000, AdvRouter: sender.id, Sequence: packet.InitialSequence, Age: 1},
		External:  &packet.ExternalLSA{Mask: 0xffff0000, Metric: 5},
	}
	_, err := ext.Encode()
	require.NoError(t, err)

	deliver(t, e, &packet.Packet{
		Header: packet.Header{Type: packet.TypeLinkStateUpdate, RouterID: sender.id, AreaID: uint32(area0)},
		Update: &packet.LinkStateUpdate{LSAs: []packet.LSA{ext}},
	}, sender.addr, 1)

	assert.NotContains(t, e.areas[area0].db, ext.Key())
	// still acknowledged so the sender stops retransmitting
	require.NotNil(t, tr.last(packet.TypeLinkStateAck))
}

func TestAreaLimit(t *testing.T) {
	e, _, _ := newTestEngine(t, false, 1)
	for i := len(e.areas); i < MaxAreas; i++ {
		require.NoError(t, e.CreateArea(state.AreaCfg{Id: state.RouterID(100 + i)}))
	}
	err := e.CreateArea(state.AreaCfg{Id: state.RouterID(999)})
	assert.ErrorIs(t, err, ErrTooManyAreas)
}

func TestNeighborLimit(t *testing.T) {
	e, _, _ := newTestEngine(t, false, 1)
	for i := 0; i < MaxNeighbors; i++ {
		fullNeighbor(e, 0x0a000000+uint32(i), 1, "172.16.1.2")
	}

	deliver(t, e, helloFrom(0x09090909), netip.MustParseAddr("172.16.1.3"), 1)

	assert.NotContains(t, e.ifaces[1].neighbors, uint32(0x09090909))
	assert.Equal(t, uint64(1), e.stats.NeighborsRejected)
}

func TestDatabaseCapacity(t *testing.T) {
	e, tr, _ := newTestEngine(t, false, 1)
	sender := fullNeighbor(e, 0x01010101, 1, "172.16.1.2")
	ar := e.areas[area0]
	for i := 0; i < MaxLSAs; i++ {
		ar.db[packet.Key{Type: packet.LSARouter, LinkStateID: uint32(i), AdvRouter: uint32(i)}] = &packet.LSA{}
	}
	tr.reset()

	lsa := routerLSAFor(t, 0x05050505, packet.InitialSequence, p2p(sender.id, 3))
	deliver(t, e, &packet.Packet{
		Header: packet.Header{Type: packet.TypeLinkStateUpdate, RouterID: sender.id, AreaID: uint32(area0)},
		Update: &packet.LinkStateUpdate{LSAs: []packet.LSA{lsa}},
	}, sender.addr, 1)

	// refused without an ack so the sender offers it again later
	assert.NotContains(t, ar.db, lsa.Key())
	assert.Equal(t, uint64(1), e.stats.LSAsRejected)
	assert.Nil(t, tr.last(packet.TypeLinkStateAck))

	// known keys still update in place at capacity
	existing := routerLSAFor(t, 0x05050505, packet.InitialSequence, p2p(sender.id, 3))
	existing.LinkStateID = 0
	existing.AdvRouter = 0
	assert.True(t, ar.install(existing))
}

func TestAgingRefreshesOwnLSAs(t *testing.T) {
	e, _, _ := newTestEngine(t, false, 1)
	ar := e.areas[area0]
	ar.originateRouterLSA(e)
	key := packet.Key{Type: packet.LSARouter, LinkStateID: localID, AdvRouter: localID}
	seq := ar.db[key].Sequence

	ar.db[key].Age = RefreshAge
	e.ageLSAs()
	assert.Equal(t, seq+1, ar.db[key].Sequence)
	assert.Equal(t, uint16(0), ar.db[key].Age)
}

func TestAgingPurgesAtMaxAge(t *testing.T) {
	e, tr, _ := newTestEngine(t, false, 1)
	fullNeighbor(e, 0x01010101, 1, "172.16.1.2")

	lsa := routerLSAFor(t, 0x05050505, packet.InitialSequence, stubLink(0x0a050000, 0xffff0000, 1))
	lsa.Age = MaxAge - 1
	e.areas[area0].install(lsa)
	tr.reset()

	e.ageLSAs()
	assert.NotContains(t, e.areas[area0].db, lsa.Key())
	// the withdrawal floods at max age
	up := tr.last(packet.TypeLinkStateUpdate)
	require.NotNil(t, up)
	assert.Equal(t, uint16(MaxAge), up.Pkt.Update.LSAs[0].Age)
}

func TestChecksumMismatchCounted(t *testing.T) {
	e, _, _ := newTestEngine(t, false, 1)
	buf, err := helloFrom(0x01010101).Encode()
	require.NoError(t, err)
	buf[len(buf)-1] ^= 0xff

	e.HandlePacket(buf, netip.MustParseAddr("172.16.1.2"), 1)
	assert.Equal(t, uint64(1), e.stats.ChecksumErrors)
	assert.Empty(t, e.ifaces[1].neighbors)
}

func TestAreaMismatchDropped(t *testing.T) {
	e, _, _ := newTestEngine(t, false, 1)
	p := helloFrom(0x01010101)
	p.AreaID = 99

	deliver(t, e, p, netip.MustParseAddr("172.16.1.2"), 1)
	assert.Equal(t, uint64(1), e.stats.Malformed)
	assert.Empty(t, e.ifaces[1].neighbors)
}

func TestExternalRedistribution(t *testing.T) {
	e, tr, _ := newTestEngine(t, false, 1)
	fullNeighbor(e, 0x01010101, 1, "172.16.1.2")

	entry := rtable.Entry{
		Prefix: netip.MustParsePrefix("10.9.0.0/16"),
		Source: rtable.SourceStatic,
		Metric: 4,
	}
	e.RouteInstalled(entry)

	key := packet.Key{Type: packet.LSAExternal, LinkStateID: 0x0a090000, AdvRouter: localID}
	lsa := e.areas[area0].db[key]
	require.NotNil(t, lsa)
	assert.Equal(t, uint32(4), lsa.External.Metric)
	require.NotNil(t, tr.last(packet.TypeLinkStateUpdate))

	tr.reset()
	e.RouteWithdrawn(entry)
	assert.NotContains(t, e.areas[area0].db, key)
	up := tr.last(packet.TypeLinkStateUpdate)
	require.NotNil(t, up)
	assert.Equal(t, uint16(MaxAge), up.Pkt.Update.LSAs[0].Age)
}
