package ash

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type assembled struct {
	frame []byte
	err   error
}

func feedAll(a *assembler, in []byte) []assembled {
	var out []assembled
	for _, b := range in {
		frame, err := a.feed(b)
		if frame != nil || err != nil {
			out = append(out, assembled{frame, err})
		}
	}
	return out
}

func TestAssembler(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []assembled
	}{
		{"single frame", "c0 38 bc 7e", []assembled{{frame: []byte{0xc0, 0x38, 0xbc}}}},
		{"empty frames ignored", "7e 7e 81 60 59 7e 7e", []assembled{{frame: []byte{0x81, 0x60, 0x59}}}},
		{"cancel discards partial frame", "25 42 1a c0 38 bc 7e", []assembled{{frame: []byte{0xc0, 0x38, 0xbc}}}},
		{"substitute drops frame", "c0 18 38 bc 7e 81 60 59 7e", []assembled{{err: errSubstituted}, {frame: []byte{0x81, 0x60, 0x59}}}},
		{"flow control bytes removed", "c0 11 38 13 bc 7e", []assembled{{frame: []byte{0xc0, 0x38, 0xbc}}}},
		{"wake ignored between frames", "ff ff c0 38 bc 7e", []assembled{{frame: []byte{0xc0, 0x38, 0xbc}}}},
		{"wake kept inside frame", "00 ff 7e", []assembled{{frame: []byte{0x00, 0xff}}}},
		{"escapes kept for decode", "a0 54 7d 3a 7e", []assembled{{frame: []byte{0xa0, 0x54, 0x7d, 0x3a}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var a assembler
			require.Equal(t, tt.want, feedAll(&a, unhex(t, tt.in)))
		})
	}
}

func TestAssemblerOverflow(t *testing.T) {
	var a assembler
	in := make([]byte, MaxStuffedFrameSize+10)
	for i := range in {
		in[i] = 0x42
	}
	in = append(in, Flag)
	in = append(in, unhex(t, "c0 38 bc 7e")...)
	out := feedAll(&a, in)
	require.Len(t, out, 2)
	require.ErrorIs(t, out[0].err, ErrOversize)
	require.Equal(t, []byte{0xc0, 0x38, 0xbc}, out[1].frame)
}

// chanReader hands out one chunk per Read and then the final error
type chanReader struct {
	chunks chan []byte
	err    error
}

func (r *chanReader) Read(b []byte) (int, error) {
	chunk, ok := <-r.chunks
	if !ok {
		return 0, r.err
	}
	return copy(b, chunk), nil
}

func TestReceiverEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	events := make(chan event, 8)
	r := &chanReader{chunks: make(chan []byte, 4), err: io.ErrUnexpectedEOF}
	rx := newReceiver(r, events, m)

	r.chunks <- unhex(t, "1a c1 02 02 9b")
	r.chunks <- unhex(t, "7b 7e 00 42 21 a8 56 8d eb 7e")
	r.chunks <- unhex(t, "81 60 59 7e")
	close(r.chunks)

	done := make(chan struct{})
	go func() {
		rx.run(context.Background())
		close(done)
	}()

	next := func() event {
		select {
		case ev := <-events:
			return ev
		case <-time.After(time.Second):
			t.Fatal("no event")
		}
		return event{}
	}

	ev := next()
	require.NoError(t, ev.err)
	assert.Equal(t, NewRstAck(ResetPowerOn), ev.frame)

	ev = next()
	require.ErrorIs(t, ev.err, ErrChecksum)
	assert.False(t, ev.fatal)

	ev = next()
	require.NoError(t, ev.err)
	assert.Equal(t, NewAck(1, false), ev.frame)

	ev = next()
	require.True(t, ev.fatal)
	require.ErrorIs(t, ev.err, ErrLinkFailed)
	require.True(t, errors.Is(ev.err, io.ErrUnexpectedEOF))

	<-done
	assert.Equal(t, float64(1), testutil.ToFloat64(m.frameErrors.WithLabelValues("checksum")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.framesReceived.WithLabelValues("ACK")))
	assert.Equal(t, uint64(2), m.Stats().FramesReceived)
	assert.Equal(t, uint64(1), m.Stats().FrameErrors)
}
