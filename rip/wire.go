package rip

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// Wire format per RFC 2453: a 4-byte header (command, version, two zero
// bytes) followed by up to 25 20-byte route entries. All fields are network
// byte order.

const (
	Version = 2

	CmdRequest  = 1
	CmdResponse = 2

	headerLen  = 4
	recordLen  = 20
	MaxRecords = 25

	AfIPv4 = 2
	// AfWildcard marks a request for the full routing table.
	AfWildcard = 0
)

var (
	ErrTruncated  = errors.New("truncated message")
	ErrBadVersion = errors.New("unsupported version")
	ErrBadCommand = errors.New("unknown command")
	ErrTooLarge   = errors.New("too many records for one message")
)

// Record is one advertised route. A Record with Family == AfWildcard and
// Metric == Infinity in a request means "send me everything".
type Record struct {
	Family  uint16
	Tag     uint16
	Network netip.Addr
	Mask    netip.Addr
	NextHop netip.Addr
	Metric  uint32
}

func (r Record) Prefix() netip.Prefix {
	bits := maskBits(r.Mask)
	return netip.PrefixFrom(r.Network, bits).Masked()
}

// Message is a decoded request or response.
type Message struct {
	Command uint8
	Records []Record
}

// WildcardRequest asks a neighbor for its full table.
func WildcardRequest() Message {
	return Message{
		Command: CmdRequest,
		Records: []Record{{
			Family:  AfWildcard,
			Network: netip.IPv4Unspecified(),
			Mask:    netip.IPv4Unspecified(),
			NextHop: netip.IPv4Unspecified(),
			Metric:  Infinity,
		}},
	}
}

func (m Message) IsWildcardRequest() bool {
	return m.Command == CmdRequest && len(m.Records) == 1 &&
		m.Records[0].Family == AfWildcard && m.Records[0].Metric == Infinity
}

// Encode serializes the message. Callers split tables larger than MaxRecords
// across messages.
func (m Message) Encode() ([]byte, error) {
	if len(m.Records) > MaxRecords {
		return nil, fmt.Errorf("%w: %d", ErrTooLarge, len(m.Records))
	}
	buf := make([]byte, headerLen+recordLen*len(m.Records))
	buf[0] = m.Command
	buf[1] = Version
	for i, rec := range m.Records {
		off := headerLen + i*recordLen
		binary.BigEndian.PutUint16(buf[off:], rec.Family)
		binary.BigEndian.PutUint16(buf[off+2:], rec.Tag)
		putAddr4(buf[off+4:], rec.Network)
		putAddr4(buf[off+8:], rec.Mask)
		putAddr4(buf[off+12:], rec.NextHop)
		binary.BigEndian.PutUint32(buf[off+16:], rec.Metric)
	}
	return buf, nil
}

// Decode parses and validates a received buffer. It never aliases buf.
func Decode(buf []byte) (Message, error) {
	var m Message
	if len(buf) < headerLen {
		return m, fmt.Errorf("%w: %d bytes", ErrTruncated, len(buf))
	}
	if buf[1] != Version {
		return m, fmt.Errorf("%w: %d", ErrBadVersion, buf[1])
	}
	m.Command = buf[0]
	if m.Command != CmdRequest && m.Command != CmdResponse {
		return m, fmt.Errorf("%w: %d", ErrBadCommand, m.Command)
	}
	body := buf[headerLen:]
	if len(body)%recordLen != 0 {
		return m, fmt.Errorf("%w: %d trailing bytes", ErrTruncated, len(body)%recordLen)
	}
	n := len(body) / recordLen
	if n > MaxRecords {
		return m, fmt.Errorf("%w: %d", ErrTooLarge, n)
	}
	m.Records = make([]Record, n)
	for i := range m.Records {
		off := i * recordLen
		m.Records[i] = Record{
			Family:  binary.BigEndian.Uint16(body[off:]),
			Tag:     binary.BigEndian.Uint16(body[off+2:]),
			Network: addr4(body[off+4:]),
			Mask:    addr4(body[off+8:]),
			NextHop: addr4(body[off+12:]),
			Metric:  binary.BigEndian.Uint32(body[off+16:]),
		}
	}
	return m, nil
}

func putAddr4(b []byte, a netip.Addr) {
	if a.Is4() {
		v := a.As4()
		copy(b[:4], v[:])
	}
}

func addr4(b []byte) netip.Addr {
	var v [4]byte
	copy(v[:], b[:4])
	return netip.AddrFrom4(v)
}

func maskBits(mask netip.Addr) int {
	if !mask.Is4() {
		return 0
	}
	v := binary.BigEndian.Uint32(mask.AsSlice())
	bits := 0
	for v&0x80000000 != 0 {
		bits++
		v <<= 1
	}
	return bits
}

// MaskFromBits renders a prefix length as a dotted mask address.
func MaskFromBits(bits int) netip.Addr {
	var v uint32
	if bits > 0 {
		v = ^uint32(0) << (32 - bits)
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}
