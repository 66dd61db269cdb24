package udpc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		ProtocolID: 0xC0FFEE,
		ConnID:     0x0ABCDEF,
		Connect:    true,
		Ping:       false,
		NoRecChk:   true,
		Resending:  false,
		Seq:        42,
		RSeq:       41,
		Ack:        0xFFFFFFFF,
	}
	buf := make([]byte, MinHeaderSize)
	encodeHeader(buf, h)
	got := decodeHeader(buf)
	require.Equal(t, h, got)
}

func TestConnectPacketRoundTrip_NoAuth(t *testing.T) {
	p := &ConnectPacket{
		Header: Header{ProtocolID: 7, ConnID: 0},
		Type:   ConnectNoAuth,
	}
	buf, err := p.Marshal()
	require.NoError(t, err)

	frame, err := DecodeFrame(buf, 7)
	require.NoError(t, err)
	require.NotNil(t, frame.Connect)
	require.Equal(t, ConnectNoAuth, frame.Connect.Type)
}

func TestConnectPacketRoundTrip_ClientAuth(t *testing.T) {
	p := &ConnectPacket{
		Header:    Header{ProtocolID: 7},
		Type:      ConnectClientAuth,
		VerifyMsg: []byte("2026-07-31T00:00:00Z"),
	}
	p.PeerPK[0] = 0xAB
	buf, err := p.Marshal()
	require.NoError(t, err)

	frame, err := DecodeFrame(buf, 7)
	require.NoError(t, err)
	require.NotNil(t, frame.Connect)
	require.Equal(t, ConnectClientAuth, frame.Connect.Type)
	require.Equal(t, p.VerifyMsg, frame.Connect.VerifyMsg)
	require.Equal(t, p.PeerPK, frame.Connect.PeerPK)
}

func TestConnectPacketRoundTrip_ServerAuth(t *testing.T) {
	p := &ConnectPacket{
		Header: Header{ProtocolID: 7},
		Type:   ConnectServerAuth,
	}
	p.PeerPK[1] = 0xCD
	p.Signature[63] = 0xEF
	buf, err := p.Marshal()
	require.NoError(t, err)

	frame, err := DecodeFrame(buf, 7)
	require.NoError(t, err)
	require.NotNil(t, frame.Connect)
	require.Equal(t, p.Signature, frame.Connect.Signature)
}

func TestDataPacketRoundTrip_Unsigned(t *testing.T) {
	p := &DataPacket{
		Header:  Header{ProtocolID: 9, ConnID: 5, Seq: 3, RSeq: 2, Ack: 1},
		Payload: []byte("hello"),
	}
	buf, err := p.Marshal(nil)
	require.NoError(t, err)

	frame, err := DecodeFrame(buf, 9)
	require.NoError(t, err)
	require.NotNil(t, frame.Data)
	require.False(t, frame.Data.Signed)
	require.Equal(t, []byte("hello"), frame.Data.Payload)
}

func TestDataPacketRoundTrip_Signed(t *testing.T) {
	p := &DataPacket{
		Header:  Header{ProtocolID: 9, ConnID: 5},
		Signed:  true,
		Payload: []byte("auth'd"),
	}
	buf, err := p.Marshal(func(header []byte) [64]byte {
		var sig [64]byte
		sig[0] = 0x42
		return sig
	})
	require.NoError(t, err)

	frame, err := DecodeFrame(buf, 9)
	require.NoError(t, err)
	require.True(t, frame.Data.Signed)
	require.Equal(t, byte(0x42), frame.Data.Signature[0])
	require.Equal(t, []byte("auth'd"), frame.Data.Payload)
}

func TestDecodeFrame_Disconnect(t *testing.T) {
	h := Header{ProtocolID: 3, ConnID: 9}
	buf := encodeDisconnect(h)
	frame, err := DecodeFrame(buf, 3)
	require.NoError(t, err)
	require.True(t, frame.Disconnect)
}

func TestDecodeFrame_BadProtocolID(t *testing.T) {
	p := &ConnectPacket{Header: Header{ProtocolID: 1}, Type: ConnectNoAuth}
	buf, err := p.Marshal()
	require.NoError(t, err)
	_, err = DecodeFrame(buf, 2)
	require.ErrorIs(t, err, ErrBadProtocolID)
}

func TestDecodeFrame_TooShort(t *testing.T) {
	_, err := DecodeFrame(make([]byte, 4), 1)
	require.ErrorIs(t, err, ErrBadLength)
}

func TestDecodeFrame_BadSubtype(t *testing.T) {
	h := Header{ProtocolID: 1, Connect: true}
	buf := make([]byte, MinHeaderSize+4)
	encodeHeader(buf, h)
	buf[MinHeaderSize+3] = 7 // invalid subtype
	_, err := DecodeFrame(buf, 1)
	require.ErrorIs(t, err, ErrBadSubtype)
}

func TestMaxDatagramSizeRejected(t *testing.T) {
	_, err := DecodeFrame(make([]byte, MaxDatagramSize+1), 1)
	require.ErrorIs(t, err, ErrBadLength)
}
