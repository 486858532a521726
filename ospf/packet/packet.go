// Package packet implements the link-state protocol wire format: the common
// packet header, the five packet bodies, and the LSA model. Encoding and
// decoding never alias raw buffers; every decode validates lengths, version
// and checksums before anything else looks at the payload.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	Version = 2

	HeaderLen    = 24
	LSAHeaderLen = 20

	TypeHello               = 1
	TypeDatabaseDescription = 2
	TypeLinkStateRequest    = 3
	TypeLinkStateUpdate     = 4
	TypeLinkStateAck        = 5
)

// Database-description flag bits.
const (
	FlagMS = 1 << 0
	FlagM  = 1 << 1
	FlagI  = 1 << 2
)

var (
	ErrTruncated   = errors.New("truncated packet")
	ErrBadVersion  = errors.New("unsupported version")
	ErrBadType     = errors.New("unknown packet type")
	ErrBadLength   = errors.New("inconsistent length field")
	ErrBadChecksum = errors.New("checksum mismatch")
)

// Header is the 24-byte common packet header. Auth fields are carried
// verbatim and never enforced.
type Header struct {
	Type     uint8
	Length   uint16
	RouterID uint32
	AreaID   uint32
	Checksum uint16
	AuthType uint16
	AuthData uint64
}

type Hello struct {
	NetworkMask   uint32
	HelloInterval uint16
	Options       uint8
	Priority      uint8
	DeadInterval  uint32
	DR            uint32
	BDR           uint32
	Neighbors     []uint32
}

type DatabaseDescription struct {
	InterfaceMTU uint16
	Options      uint8
	Flags        uint8
	Sequence     uint32
	Headers      []LSAHeader
}

type ReqItem struct {
	Type        uint32
	LinkStateID uint32
	AdvRouter   uint32
}

type LinkStateRequest struct {
	Items []ReqItem
}

type LinkStateUpdate struct {
	LSAs []LSA
}

type LinkStateAck struct {
	Headers []LSAHeader
}

// Packet is a decoded protocol packet; exactly one body field is set,
// matching Header.Type.
type Packet struct {
	Header
	Hello   *Hello
	DD      *DatabaseDescription
	Request *LinkStateRequest
	Update  *LinkStateUpdate
	Ack     *LinkStateAck
}

// Checksum is the RFC 1071 ones-complement sum over the packet bytes with
// the checksum field zeroed.
func Checksum(buf []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(buf); i += 2 {
		if i == 12 { // checksum field
			continue
		}
		sum += uint32(binary.BigEndian.Uint16(buf[i:]))
	}
	if len(buf)%2 == 1 {
		sum += uint32(buf[len(buf)-1]) << 8
	}
	for sum > 0xffff {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// Encode serializes the packet, filling in Length and Checksum.
func (p *Packet) Encode() ([]byte, error) {
	body, err := p.encodeBody()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, HeaderLen+len(body))
	p.Length = uint16(len(buf))
	buf[0] = Version
	buf[1] = p.Type
	binary.BigEndian.PutUint16(buf[2:], p.Length)
	binary.BigEndian.PutUint32(buf[4:], p.RouterID)
	binary.BigEndian.PutUint32(buf[8:], p.AreaID)
	binary.BigEndian.PutUint16(buf[14:], p.AuthType)
	binary.BigEndian.PutUint64(buf[16:], p.AuthData)
	copy(buf[HeaderLen:], body)
	p.Checksum = Checksum(buf)
	binary.BigEndian.PutUint16(buf[12:], p.Checksum)
	return buf, nil
}

func (p *Packet) encodeBody() ([]byte, error) {
	switch p.Type {
	case TypeHello:
		if p.Hello == nil {
			return nil, fmt.Errorf("%w: hello body missing", ErrBadType)
		}
		h := p.Hello
		body := make([]byte, 20+4*len(h.Neighbors))
		binary.BigEndian.PutUint32(body[0:], h.NetworkMask)
		binary.BigEndian.PutUint16(body[4:], h.HelloInterval)
		body[6] = h.Options
		body[7] = h.Priority
		binary.BigEndian.PutUint32(body[8:], h.DeadInterval)
		binary.BigEndian.PutUint32(body[12:], h.DR)
		binary.BigEndian.PutUint32(body[16:], h.BDR)
		for i, n := range h.Neighbors {
			binary.BigEndian.PutUint32(body[20+4*i:], n)
		}
		return body, nil
	case TypeDatabaseDescription:
		if p.DD == nil {
			return nil, fmt.Errorf("%w: dd body missing", ErrBadType)
		}
		d := p.DD
		body := make([]byte, 8+LSAHeaderLen*len(d.Headers))
		binary.BigEndian.PutUint16(body[0:], d.InterfaceMTU)
		body[2] = d.Options
		body[3] = d.Flags
		binary.BigEndian.PutUint32(body[4:], d.Sequence)
		for i, h := range d.Headers {
			h.encode(body[8+LSAHeaderLen*i:])
		}
		return body, nil
	case TypeLinkStateRequest:
		if p.Request == nil {
			return nil, fmt.Errorf("%w: request body missing", ErrBadType)
		}
		body := make([]byte, 12*len(p.Request.Items))
		for i, item := range p.Request.Items {
			binary.BigEndian.PutUint32(body[12*i:], item.Type)
			binary.BigEndian.PutUint32(body[12*i+4:], item.LinkStateID)
			binary.BigEndian.PutUint32(body[12*i+8:], item.AdvRouter)
		}
		return body, nil
	case TypeLinkStateUpdate:
		if p.Update == nil {
			return nil, fmt.Errorf("%w: update body missing", ErrBadType)
		}
		body := make([]byte, 4)
		binary.BigEndian.PutUint32(body, uint32(len(p.Update.LSAs)))
		for i := range p.Update.LSAs {
			enc, err := p.Update.LSAs[i].Encode()
			if err != nil {
				return nil, err
			}
			body = append(body, enc...)
		}
		return body, nil
	case TypeLinkStateAck:
		if p.Ack == nil {
			return nil, fmt.Errorf("%w: ack body missing", ErrBadType)
		}
		body := make([]byte, LSAHeaderLen*len(p.Ack.Headers))
		for i, h := range p.Ack.Headers {
			h.encode(body[LSAHeaderLen*i:])
		}
		return body, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrBadType, p.Type)
	}
}

// Decode parses and validates a received buffer. The checksum is verified
// before any body parsing.
func Decode(buf []byte) (*Packet, error) {
	if len(buf) < HeaderLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(buf))
	}
	if buf[0] != Version {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, buf[0])
	}
	length := binary.BigEndian.Uint16(buf[2:])
	if int(length) > len(buf) || length < HeaderLen {
		return nil, fmt.Errorf("%w: header says %d, have %d", ErrBadLength, length, len(buf))
	}
	buf = buf[:length]
	p := &Packet{Header: Header{
		Type:     buf[1],
		Length:   length,
		RouterID: binary.BigEndian.Uint32(buf[4:]),
		AreaID:   binary.BigEndian.Uint32(buf[8:]),
		Checksum: binary.BigEndian.Uint16(buf[12:]),
		AuthType: binary.BigEndian.Uint16(buf[14:]),
		AuthData: binary.BigEndian.Uint64(buf[16:]),
	}}
	if got := Checksum(buf); got != p.Checksum {
		return nil, fmt.Errorf("%w: have %04x, want %04x", ErrBadChecksum, p.Checksum, got)
	}
	body := buf[HeaderLen:]
	switch p.Type {
	case TypeHello:
		if len(body) < 20 || (len(body)-20)%4 != 0 {
			return nil, fmt.Errorf("%w: hello body %d bytes", ErrTruncated, len(body))
		}
		h := &Hello{
			NetworkMask:   binary.BigEndian.Uint32(body[0:]),
			HelloInterval: binary.BigEndian.Uint16(body[4:]),
			Options:       body[6],
			Priority:      body[7],
			DeadInterval:  binary.BigEndian.Uint32(body[8:]),
			DR:            binary.BigEndian.Uint32(body[12:]),
			BDR:           binary.BigEndian.Uint32(body[16:]),
		}
		for off := 20; off < len(body); off += 4 {
			h.Neighbors = append(h.Neighbors, binary.BigEndian.Uint32(body[off:]))
		}
		p.Hello = h
	case TypeDatabaseDescription:
		if len(body) < 8 || (len(body)-8)%LSAHeaderLen != 0 {
			return nil, fmt.Errorf("%w: dd body %d bytes", ErrTruncated, len(body))
		}
		d := &DatabaseDescription{
			InterfaceMTU: binary.BigEndian.Uint16(body[0:]),
			Options:      body[2],
			Flags:        body[3],
			Sequence:     binary.BigEndian.Uint32(body[4:]),
		}
		for off := 8; off < len(body); off += LSAHeaderLen {
			d.Headers = append(d.Headers, decodeLSAHeader(body[off:]))
		}
		p.DD = d
	case TypeLinkStateRequest:
		if len(body)%12 != 0 {
			return nil, fmt.Errorf("%w: request body %d bytes", ErrTruncated, len(body))
		}
		r := &LinkStateRequest{}
		for off := 0; off < len(body); off += 12 {
			r.Items = append(r.Items, ReqItem{
				Type:        binary.BigEndian.Uint32(body[off:]),
				LinkStateID: binary.BigEndian.Uint32(body[off+4:]),
				AdvRouter:   binary.BigEndian.Uint32(body[off+8:]),
			})
		}
		p.Request = r
	case TypeLinkStateUpdate:
		if len(body) < 4 {
			return nil, fmt.Errorf("%w: update body %d bytes", ErrTruncated, len(body))
		}
		count := binary.BigEndian.Uint32(body[0:])
		u := &LinkStateUpdate{}
		off := 4
		for i := uint32(0); i < count; i++ {
			lsa, n, err := DecodeLSA(body[off:])
			if err != nil {
				return nil, err
			}
			u.LSAs = append(u.LSAs, lsa)
			off += n
		}
		p.Update = u
	case TypeLinkStateAck:
		if len(body)%LSAHeaderLen != 0 {
			return nil, fmt.Errorf("%w: ack body %d bytes", ErrTruncated, len(body))
		}
		a := &LinkStateAck{}
		for off := 0; off < len(body); off += LSAHeaderLen {
			a.Headers = append(a.Headers, decodeLSAHeader(body[off:]))
		}
		p.Ack = a
	default:
		return nil, fmt.Errorf("%w: %d", ErrBadType, p.Type)
	}
	return p, nil
}
