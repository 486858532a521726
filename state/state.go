package state

import (
	"context"
	"log/slog"
	"net/netip"
)

// IfaceID identifies a switch port/interface within a node.
type IfaceID uint32

// Proto tags a control-plane frame with its owning engine, the way an IP
// protocol number or well-known port would on a real wire.
type Proto uint8

const (
	ProtoDV Proto = 1
	ProtoLS Proto = 2
)

// Transport sends an encoded control-plane packet out an interface. The
// receive direction is wired by the host: received buffers are delivered to
// the owning engine on the dispatch goroutine.
type Transport interface {
	Send(proto Proto, payload []byte, egress IfaceID) error
}

// Ports exposes interface addressing and link state to the engines.
type Ports interface {
	// Prefix returns the interface address and mask as a prefix.
	Prefix(id IfaceID) (netip.Prefix, error)
	IsUp(id IfaceID) bool
}

// Module is a runtime component with a managed lifecycle.
type Module interface {
	Init(s *State) error
	Cleanup(s *State) error
}

// State access must be done only on the dispatch Goroutine
type State struct {
	*Env
	Modules map[string]Module
}

// Env can be read from any Goroutine
type Env struct {
	DispatchChannel chan<- func(s *State) error
	NodeCfg
	Transport Transport
	Ports     Ports
	Context   context.Context
	Cancel    context.CancelCauseFunc
	Log       *slog.Logger
}

type Pair[Ty1, Ty2 any] struct {
	V1 Ty1
	V2 Ty2
}
