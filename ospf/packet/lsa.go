package packet

import (
	"encoding/binary"
	"fmt"
)

// LSA types.
const (
	LSARouter   = 1
	LSANetwork  = 2
	LSASummary  = 3
	LSAExternal = 5
)

// Router-LSA link types.
const (
	LinkPointToPoint = 1
	LinkTransit      = 2
	LinkStub         = 3
)

// InitialSequence is the sequence number of a freshly originated LSA.
const InitialSequence = int32(-0x7fffffff)

// LSAHeader is the 20-byte advertisement header shared by every LSA type.
type LSAHeader struct {
	Age         uint16
	Options     uint8
	Type        uint8
	LinkStateID uint32
	AdvRouter   uint32
	Sequence    int32
	Checksum    uint16
	Length      uint16
}

// Key identifies an LSA instance within a database: at most one LSA per key
// may be stored.
type Key struct {
	Type        uint8
	LinkStateID uint32
	AdvRouter   uint32
}

func (h LSAHeader) Key() Key {
	return Key{Type: h.Type, LinkStateID: h.LinkStateID, AdvRouter: h.AdvRouter}
}

// Newer reports whether h supersedes other: higher sequence number wins; on
// a sequence tie the lower checksum wins.
func (h LSAHeader) Newer(other LSAHeader) bool {
	if h.Sequence != other.Sequence {
		return h.Sequence > other.Sequence
	}
	return h.Checksum < other.Checksum
}

func (h LSAHeader) encode(b []byte) {
	binary.BigEndian.PutUint16(b[0:], h.Age)
	b[2] = h.Options
	b[3] = h.Type
	binary.BigEndian.PutUint32(b[4:], h.LinkStateID)
	binary.BigEndian.PutUint32(b[8:], h.AdvRouter)
	binary.BigEndian.PutUint32(b[12:], uint32(h.Sequence))
	binary.BigEndian.PutUint16(b[16:], h.Checksum)
	binary.BigEndian.PutUint16(b[18:], h.Length)
}

func decodeLSAHeader(b []byte) LSAHeader {
	return LSAHeader{
		Age:         binary.BigEndian.Uint16(b[0:]),
		Options:     b[2],
		Type:        b[3],
		LinkStateID: binary.BigEndian.Uint32(b[4:]),
		AdvRouter:   binary.BigEndian.Uint32(b[8:]),
		Sequence:    int32(binary.BigEndian.Uint32(b[12:])),
		Checksum:    binary.BigEndian.Uint16(b[16:]),
		Length:      binary.BigEndian.Uint16(b[18:]),
	}
}

type RouterLink struct {
	ID     uint32
	Data   uint32
	Type   uint8
	Metric uint16
}

type RouterLSA struct {
	Flags uint8
	Links []RouterLink
}

type NetworkLSA struct {
	Mask    uint32
	Routers []uint32
}

type SummaryLSA struct {
	Mask   uint32
	Metric uint32
}

type ExternalLSA struct {
	Mask       uint32
	Metric     uint32
	Forwarding uint32
	Tag        uint32
}

// LSA is a full advertisement; exactly one body pointer is set, matching
// the header type.
type LSA struct {
	LSAHeader
	Router   *RouterLSA
	Network  *NetworkLSA
	Summary  *SummaryLSA
	External *ExternalLSA
}

// lsaChecksum is a Fletcher-16 over the encoded LSA with the age field
// zeroed, so aging in place does not invalidate stored checksums.
func lsaChecksum(b []byte) uint16 {
	var sum1, sum2 uint16
	for i := 2; i < len(b); i++ { // age excluded
		if i == 16 || i == 17 { // checksum field itself
			continue
		}
		sum1 = (sum1 + uint16(b[i])) % 255
		sum2 = (sum2 + sum1) % 255
	}
	return sum2<<8 | sum1
}

// Encode serializes the LSA, filling in Length and Checksum.
func (l *LSA) Encode() ([]byte, error) {
	body, err := l.encodeBody()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, LSAHeaderLen+len(body))
	l.Length = uint16(len(buf))
	copy(buf[LSAHeaderLen:], body)
	l.Checksum = 0
	l.LSAHeader.encode(buf)
	l.Checksum = lsaChecksum(buf)
	binary.BigEndian.PutUint16(buf[16:], l.Checksum)
	return buf, nil
}

func (l *LSA) encodeBody() ([]byte, error) {
	switch l.Type {
	case LSARouter:
		if l.Router == nil {
			return nil, fmt.Errorf("%w: router body missing", ErrBadType)
		}
		body := make([]byte, 4+12*len(l.Router.Links))
		body[0] = l.Router.Flags
		binary.BigEndian.PutUint16(body[2:], uint16(len(l.Router.Links)))
		for i, link := range l.Router.Links {
			off := 4 + 12*i
			binary.BigEndian.PutUint32(body[off:], link.ID)
			binary.BigEndian.PutUint32(body[off+4:], link.Data)
			body[off+8] = link.Type
			binary.BigEndian.PutUint16(body[off+10:], link.Metric)
		}
		return body, nil
	case LSANetwork:
		if l.Network == nil {
			return nil, fmt.Errorf("%w: network body missing", ErrBadType)
		}
		body := make([]byte, 4+4*len(l.Network.Routers))
		binary.BigEndian.PutUint32(body[0:], l.Network.Mask)
		for i, r := range l.Network.Routers {
			binary.BigEndian.PutUint32(body[4+4*i:], r)
		}
		return body, nil
	case LSASummary:
		if l.Summary == nil {
			return nil, fmt.Errorf("%w: summary body missing", ErrBadType)
		}
		body := make([]byte, 8)
		binary.BigEndian.PutUint32(body[0:], l.Summary.Mask)
		binary.BigEndian.PutUint32(body[4:], l.Summary.Metric&0x00ffffff)
		return body, nil
	case LSAExternal:
		if l.External == nil {
			return nil, fmt.Errorf("%w: external body missing", ErrBadType)
		}
		body := make([]byte, 16)
		binary.BigEndian.PutUint32(body[0:], l.External.Mask)
		binary.BigEndian.PutUint32(body[4:], l.External.Metric&0x00ffffff)
		binary.BigEndian.PutUint32(body[8:], l.External.Forwarding)
		binary.BigEndian.PutUint32(body[12:], l.External.Tag)
		return body, nil
	default:
		return nil, fmt.Errorf("%w: lsa type %d", ErrBadType, l.Type)
	}
}

// DecodeLSA parses one LSA from the front of buf, returning it and the
// number of bytes consumed. The Fletcher checksum is verified.
func DecodeLSA(buf []byte) (LSA, int, error) {
	var l LSA
	if len(buf) < LSAHeaderLen {
		return l, 0, fmt.Errorf("%w: lsa header %d bytes", ErrTruncated, len(buf))
	}
	l.LSAHeader = decodeLSAHeader(buf)
	if int(l.Length) > len(buf) || l.Length < LSAHeaderLen {
		return l, 0, fmt.Errorf("%w: lsa says %d, have %d", ErrBadLength, l.Length, len(buf))
	}
	raw := buf[:l.Length]
	if got := lsaChecksum(raw); got != l.Checksum {
		return l, 0, fmt.Errorf("%w: lsa %04x, want %04x", ErrBadChecksum, l.Checksum, got)
	}
	body := raw[LSAHeaderLen:]
	switch l.Type {
	case LSARouter:
		if len(body) < 4 {
			return l, 0, fmt.Errorf("%w: router lsa", ErrTruncated)
		}
		r := &RouterLSA{Flags: body[0]}
		n := int(binary.BigEndian.Uint16(body[2:]))
		if len(body) < 4+12*n {
			return l, 0, fmt.Errorf("%w: router lsa links", ErrTruncated)
		}
		for i := 0; i < n; i++ {
			off := 4 + 12*i
			r.Links = append(r.Links, RouterLink{
				ID:     binary.BigEndian.Uint32(body[off:]),
				Data:   binary.BigEndian.Uint32(body[off+4:]),
				Type:   body[off+8],
				Metric: binary.BigEndian.Uint16(body[off+10:]),
			})
		}
		l.Router = r
	case LSANetwork:
		if len(body) < 4 || (len(body)-4)%4 != 0 {
			return l, 0, fmt.Errorf("%w: network lsa", ErrTruncated)
		}
		n := &NetworkLSA{Mask: binary.BigEndian.Uint32(body[0:])}
		for off := 4; off < len(body); off += 4 {
			n.Routers = append(n.Routers, binary.BigEndian.Uint32(body[off:]))
		}
		l.Network = n
	case LSASummary:
		if len(body) < 8 {
			return l, 0, fmt.Errorf("%w: summary lsa", ErrTruncated)
		}
		l.Summary = &SummaryLSA{
			Mask:   binary.BigEndian.Uint32(body[0:]),
			Metric: binary.BigEndian.Uint32(body[4:]) & 0x00ffffff,
		}
	case LSAExternal:
		if len(body) < 16 {
			return l, 0, fmt.Errorf("%w: external lsa", ErrTruncated)
		}
		l.External = &ExternalLSA{
			Mask:       binary.BigEndian.Uint32(body[0:]),
			Metric:     binary.BigEndian.Uint32(body[4:]) & 0x00ffffff,
			Forwarding: binary.BigEndian.Uint32(body[8:]),
			Tag:        binary.BigEndian.Uint32(body[12:]),
		}
	default:
		return l, 0, fmt.Errorf("%w: lsa type %d", ErrBadType, l.Type)
	}
	return l, int(l.Length), nil
}
