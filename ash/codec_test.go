package ash

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unhex(t testing.TB, s string) []byte {
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	require.NoError(t, err)
	return b
}

var frameVectors = []struct {
	name  string
	frame Frame
	wire  string
}{
	{"rst", NewRst(), "c0 38 bc 7e"},
	{"rstack", NewRstAck(ResetPowerOn), "c1 02 02 9b 7b 7e"},
	{"error", NewError(ResetExceededMaxAckTimeout), "c2 02 51 a8 bd 7e"},
	{"ack0", NewAck(0, false), "80 70 78 7e"},
	{"ack1", NewAck(1, false), "81 60 59 7e"},
	{"ack2", NewAck(2, false), "82 50 3a 7e"},
	{"ack3", NewAck(3, false), "83 40 1b 7e"},
	{"ack4", NewAck(4, false), "84 30 fc 7e"},
	{"ack5", NewAck(5, false), "85 20 dd 7e"},
	{"ack6", NewAck(6, false), "86 10 be 7e"},
	{"ack7", NewAck(7, false), "87 00 9f 7e"},
	{"nak0 with stuffed crc", NewNak(0, false), "a0 54 7d 3a 7e"},
	{"nak1", NewNak(1, false), "a1 44 3b 7e"},
	{"nak2", NewNak(2, false), "a2 74 58 7e"},
	{"nak3", NewNak(3, false), "a3 64 79 7e"},
	{"nak4", NewNak(4, false), "a4 14 9e 7e"},
	{"nak5", NewNak(5, false), "a5 04 bf 7e"},
	{"nak6", NewNak(6, false), "a6 34 dc 7e"},
	{"nak7", NewNak(7, false), "a7 24 fd 7e"},
	{"data version query", NewData(0, 0, []byte{0x00, 0x00, 0x00, 0x02}), "00 42 21 a8 56 8d ea 7e"},
	{"data frame 2 ack 5", NewData(2, 5, []byte{0x00, 0x00, 0x00, 0x02}), "25 42 21 a8 56 a6 09 7e"},
	{"data version response", NewData(0, 1, []byte{0x00, 0x80, 0x00, 0x08, 0x02, 0x30, 0x6a}), "01 42 a1 a8 5c 28 25 d8 e1 2b 7e"},
}

func TestEncodeVectors(t *testing.T) {
	for _, v := range frameVectors {
		t.Run(v.name, func(t *testing.T) {
			b, err := Encode(v.frame)
			require.NoError(t, err)
			require.Equalf(t, unhex(t, v.wire), b, "%s encoded as '% x'", v.name, b)
		})
	}
}

func TestDecodeVectors(t *testing.T) {
	for _, v := range frameVectors {
		t.Run(v.name, func(t *testing.T) {
			f, err := Decode(unhex(t, v.wire))
			require.NoError(t, err)
			require.Equal(t, v.frame, f)
		})
	}
}

func TestRoundTrip(t *testing.T) {
	payload := make([]byte, MaxPayloadSize)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	frames := []Frame{
		NewData(7, 3, payload),
		NewData(1, 6, []byte{Flag, Escape, XOn, XOff, Substitute, Cancel, Wake}),
		{Type: FrameData, FrameNum: 4, AckNum: 4, Retransmit: true, Payload: []byte{1, 2, 3}},
		NewAck(3, true),
		NewNak(5, true),
		NewRst(),
		NewRstAck(ResetSoftware),
		NewError(ResetAssert),
	}
	for _, f := range frames {
		b, err := Encode(f)
		require.NoError(t, err)
		require.Equal(t, Flag, b[len(b)-1])
		for _, c := range b[:len(b)-1] {
			require.Falsef(t, isReserved(c) && c != Escape, "unescaped %#02x in %v", c, f)
		}
		d, err := Decode(b)
		require.NoError(t, err)
		require.Equal(t, f, d)
	}
}

func TestRetransmitFlagChangesChecksum(t *testing.T) {
	f := NewData(2, 5, []byte{0, 0, 0, 2})
	a, err := Encode(f)
	require.NoError(t, err)
	f.Retransmit = true
	b, err := Encode(f)
	require.NoError(t, err)
	assert.Equal(t, byte(0x2d), b[0])
	assert.Equal(t, a[1:5], b[1:5])
	assert.NotEqual(t, a[5:7], b[5:7])
}

func TestStuffing(t *testing.T) {
	in := []byte{0x7e, 0x11, 0x13, 0x18, 0x1a, 0x7d, 0x42}
	out := stuff(nil, in)
	assert.Equal(t, unhex(t, "7d 5e 7d 31 7d 33 7d 38 7d 3a 7d 5d 42"), out)

	back, err := unstuff(out)
	require.NoError(t, err)
	assert.Equal(t, in, back)
}

func TestMask(t *testing.T) {
	assert.Equal(t, unhex(t, "42 21 a8 54 2a"), mask(make([]byte, 5)))
	assert.Equal(t, unhex(t, "42 21 a8 56"), mask([]byte{0, 0, 0, 2}))
	assert.Equal(t, unhex(t, "42 a1 a8 56 28 04 82"), mask([]byte{0x00, 0x80, 0x00, 0x02, 0x02, 0x11, 0x30}))

	in := []byte("some payload")
	assert.Equal(t, in, mask(mask(in)))
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		wire string
		err  error
	}{
		{"empty", "", ErrMalformed},
		{"only flag", "7e", ErrMalformed},
		{"truncated", "c0 38 7e", ErrMalformed},
		{"bad checksum", "c0 38 bd 7e", ErrChecksum},
		{"escape at end", "c0 38 bc 7d", ErrMalformed},
		{"unescaped reserved byte", "c0 11 38 bc 7e", ErrMalformed},
		{"invalid control byte", "c3 08 df 7e", ErrMalformed},
		{"short data payload", "00 42 21 93 71 7e", ErrMalformed},
		{"ack with payload", "81 00 35 a6 7e", ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(unhex(t, tt.wire))
			require.Error(t, err)
			var fe *FrameError
			require.ErrorAs(t, err, &fe)
			require.ErrorIsf(t, err, tt.err, "%s: %v", tt.name, err)
		})
	}
}

func TestDecodeOversize(t *testing.T) {
	body := append([]byte{0x00}, mask(make([]byte, MaxPayloadSize+1))...)
	crc := Crc16(body)
	body = append(body, byte(crc>>8), byte(crc))
	_, err := Decode(stuff(nil, body))
	require.ErrorIs(t, err, ErrOversize)

	_, err = Decode(bytes.Repeat([]byte{0x42}, MaxStuffedFrameSize+1))
	require.ErrorIs(t, err, ErrOversize)
}

func TestEncodeInvalidPayload(t *testing.T) {
	_, err := Encode(NewData(0, 0, make([]byte, MaxPayloadSize+1)))
	require.ErrorIs(t, err, ErrOversize)
	_, err = Encode(NewData(0, 0, []byte{1, 2}))
	require.ErrorIs(t, err, ErrMalformed)
}

func FuzzDecode(f *testing.F) {
	for _, v := range frameVectors {
		f.Add(unhex(f, v.wire))
	}
	f.Add([]byte{Escape})
	f.Add([]byte{0x80, Escape, Flag})
	f.Fuzz(func(t *testing.T, b []byte) {
		fr, err := Decode(b)
		if err != nil {
			var fe *FrameError
			require.ErrorAs(t, err, &fe)
			return
		}
		enc, err := Encode(fr)
		require.NoError(t, err)
		again, err := Decode(enc)
		require.NoError(t, err)
		require.Equal(t, fr, again)
	})
}
