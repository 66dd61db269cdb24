package udpc

import (
	"encoding/binary"
)

// Wire format constants.
const (
	MinHeaderSize   = 20
	MaxDatagramSize = 8192

	flagConnect   uint32 = 0x80000000
	flagPing      uint32 = 0x40000000
	flagNoRecChk  uint32 = 0x20000000
	flagResending uint32 = 0x10000000
	connIDMask    uint32 = 0x0FFFFFFF
)

// ConnectType distinguishes the three handshake packet subtypes.
type ConnectType uint8

const (
	ConnectNoAuth     ConnectType = 0
	ConnectClientAuth ConnectType = 1
	ConnectServerAuth ConnectType = 2
)

// Header is the fixed 20-byte prefix of every datagram.
type Header struct {
	ProtocolID uint32
	ConnID     uint32 // low 28 bits only
	Connect    bool
	Ping       bool
	NoRecChk   bool
	Resending  bool
	Seq        uint32
	RSeq       uint32
	Ack        uint32
}

// requestDisconnect reports whether this header is the "request-disconnect"
// wire marker: connect and ping both set.
func (h Header) requestDisconnect() bool {
	return h.Connect && h.Ping
}

func encodeHeader(buf []byte, h Header) {
	idWord := h.ConnID & connIDMask
	if h.Connect {
		idWord |= flagConnect
	}
	if h.Ping {
		idWord |= flagPing
	}
	if h.NoRecChk {
		idWord |= flagNoRecChk
	}
	if h.Resending {
		idWord |= flagResending
	}
	binary.BigEndian.PutUint32(buf[0:4], h.ProtocolID)
	binary.BigEndian.PutUint32(buf[4:8], idWord)
	binary.BigEndian.PutUint32(buf[8:12], h.Seq)
	binary.BigEndian.PutUint32(buf[12:16], h.RSeq)
	binary.BigEndian.PutUint32(buf[16:20], h.Ack)
}

func decodeHeader(buf []byte) Header {
	idWord := binary.BigEndian.Uint32(buf[4:8])
	return Header{
		ProtocolID: binary.BigEndian.Uint32(buf[0:4]),
		ConnID:     idWord & connIDMask,
		Connect:    idWord&flagConnect != 0,
		Ping:       idWord&flagPing != 0,
		NoRecChk:   idWord&flagNoRecChk != 0,
		Resending:  idWord&flagResending != 0,
		Seq:        binary.BigEndian.Uint32(buf[8:12]),
		RSeq:       binary.BigEndian.Uint32(buf[12:16]),
		Ack:        binary.BigEndian.Uint32(buf[16:20]),
	}
}

// ConnectPacket is a handshake datagram (Header.Connect true, Header.Ping
// false).
type ConnectPacket struct {
	Header    Header
	Type      ConnectType
	PeerPK    [32]byte // type 1 and 2
	VerifyMsg []byte   // type 1 only
	Signature [64]byte // type 2 only
}

// Marshal serializes a ConnectPacket, returning a freshly allocated buffer.
func (p *ConnectPacket) Marshal() ([]byte, error) {
	h := p.Header
	h.Connect = true
	h.Ping = false

	var bodySize int
	switch p.Type {
	case ConnectNoAuth:
		bodySize = 4
	case ConnectClientAuth:
		bodySize = 4 + 32 + 4 + len(p.VerifyMsg)
	case ConnectServerAuth:
		bodySize = 4 + 32 + 64
	default:
		return nil, ErrBadSubtype
	}

	buf := make([]byte, MinHeaderSize+bodySize)
	encodeHeader(buf, h)
	binary.BigEndian.PutUint32(buf[MinHeaderSize:MinHeaderSize+4], uint32(p.Type))
	off := MinHeaderSize + 4

	switch p.Type {
	case ConnectClientAuth:
		copy(buf[off:off+32], p.PeerPK[:])
		off += 32
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(p.VerifyMsg)))
		off += 4
		copy(buf[off:], p.VerifyMsg)
	case ConnectServerAuth:
		copy(buf[off:off+32], p.PeerPK[:])
		off += 32
		copy(buf[off:off+64], p.Signature[:])
	}
	return buf, nil
}

func decodeConnectPacket(h Header, body []byte) (*ConnectPacket, error) {
	if len(body) < 4 {
		return nil, ErrBadLength
	}
	typ := ConnectType(binary.BigEndian.Uint32(body[0:4]))
	body = body[4:]

	p := &ConnectPacket{Header: h, Type: typ}
	switch typ {
	case ConnectNoAuth:
		if len(body) != 0 {
			return nil, ErrBadLength
		}
	case ConnectClientAuth:
		if len(body) < 32+4 {
			return nil, ErrBadLength
		}
		copy(p.PeerPK[:], body[0:32])
		msgLen := binary.BigEndian.Uint32(body[32:36])
		if uint32(len(body)-36) != msgLen {
			return nil, ErrBadLength
		}
		p.VerifyMsg = append([]byte(nil), body[36:]...)
	case ConnectServerAuth:
		if len(body) != 32+64 {
			return nil, ErrBadLength
		}
		copy(p.PeerPK[:], body[0:32])
		copy(p.Signature[:], body[32:96])
	default:
		return nil, ErrBadSubtype
	}
	return p, nil
}

// DataPacket is a non-handshake datagram: a payload or heartbeat, optionally
// signed.
type DataPacket struct {
	Header    Header
	Signed    bool
	Signature [64]byte
	Payload   []byte
}

// Marshal serializes a DataPacket, signing the 20-byte header with signFn
// when p.Signed is true.
func (p *DataPacket) Marshal(signFn func(header []byte) [64]byte) ([]byte, error) {
	h := p.Header
	h.Connect = false
	h.Ping = false

	size := MinHeaderSize + 1 + len(p.Payload)
	if p.Signed {
		size += 64
	}
	buf := make([]byte, size)
	encodeHeader(buf, h)

	off := MinHeaderSize
	if p.Signed {
		buf[off] = 1
		off++
		sig := signFn(buf[0:MinHeaderSize])
		copy(buf[off:off+64], sig[:])
		off += 64
	} else {
		buf[off] = 0
		off++
	}
	copy(buf[off:], p.Payload)
	return buf, nil
}

func decodeDataPacket(h Header, body []byte) (*DataPacket, error) {
	if len(body) < 1 {
		return nil, ErrBadLength
	}
	p := &DataPacket{Header: h}
	switch body[0] {
	case 0:
		p.Signed = false
		p.Payload = append([]byte(nil), body[1:]...)
	case 1:
		if len(body) < 1+64 {
			return nil, ErrBadLength
		}
		p.Signed = true
		copy(p.Signature[:], body[1:65])
		p.Payload = append([]byte(nil), body[65:]...)
	default:
		return nil, ErrInvalidPacket
	}
	return p, nil
}

// DecodedFrame is the result of classifying an inbound datagram: exactly one
// of Connect, Data, or Disconnect is set.
type DecodedFrame struct {
	Header     Header
	Connect    *ConnectPacket
	Data       *DataPacket
	Disconnect bool
}

// encodeDisconnect builds the header-only "request-disconnect" marker: a
// bare 20-byte frame with both the connect and ping flags set.
func encodeDisconnect(h Header) []byte {
	h.Connect = true
	h.Ping = true
	buf := make([]byte, MinHeaderSize)
	encodeHeader(buf, h)
	return buf
}

// DecodeFrame classifies and parses a raw datagram, performing the
// decode-failure checks except signature verification and
// identity/duplicate checks, which require connection state and are done by
// the caller.
func DecodeFrame(buf []byte, protocolID uint32) (*DecodedFrame, error) {
	if len(buf) < MinHeaderSize || len(buf) > MaxDatagramSize {
		return nil, ErrBadLength
	}
	h := decodeHeader(buf)
	if h.ProtocolID != protocolID {
		return nil, ErrBadProtocolID
	}
	body := buf[MinHeaderSize:]

	if h.requestDisconnect() {
		return &DecodedFrame{Header: h, Disconnect: true}, nil
	}
	if h.Connect {
		cp, err := decodeConnectPacket(h, body)
		if err != nil {
			return nil, err
		}
		return &DecodedFrame{Header: h, Connect: cp}, nil
	}
	dp, err := decodeDataPacket(h, body)
	if err != nil {
		return nil, err
	}
	return &DecodedFrame{Header: h, Data: dp}, nil
}
