package ash

import (
	"context"
	"errors"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
)

// event is what the receiver hands to the transmitter loop: a valid frame, a
// discarded frame (err is a *FrameError) or a fatal transport error.
type event struct {
	frame Frame
	err   error
	fatal bool
}

var errSubstituted = errors.New("ash: frame contained a substitute byte")

// assembler collects stuffed frame bytes up to the next Flag
type assembler struct {
	buf        []byte
	discard    bool // SUBSTITUTE seen or buffer overflow, drop everything up to the next Flag
	discardErr error
}

// feed consumes one byte. It returns a complete stuffed frame, or an error for a
// frame that has to be dropped, when b terminates it.
func (a *assembler) feed(b byte) (frame []byte, err error) {
	switch b {
	case Flag:
		if a.discard {
			err = a.discardErr
			a.clear()
			return nil, err
		}
		if len(a.buf) == 0 {
			return nil, nil
		}
		frame = a.buf
		a.buf = nil
		return frame, nil
	case Cancel:
		if len(a.buf) > 0 {
			log.Debugf("Cancel discards '% x'", a.buf)
		}
		a.clear()
	case Substitute:
		a.discard = true
		a.discardErr = errSubstituted
	case XOn, XOff:
		log.Debugf("Flow control byte %#02x", b)
	case Wake:
		if len(a.buf) == 0 {
			return nil, nil
		}
		a.append(b)
	default:
		a.append(b)
	}
	return nil, nil
}

func (a *assembler) append(b byte) {
	if a.discard {
		return
	}
	if len(a.buf) >= MaxStuffedFrameSize {
		a.discard = true
		a.discardErr = ErrOversize
		a.buf = nil
		return
	}
	a.buf = append(a.buf, b)
}

func (a *assembler) clear() {
	a.buf = nil
	a.discard = false
	a.discardErr = nil
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, ErrChecksum):
		return "checksum"
	case errors.Is(err, ErrOversize):
		return "oversize"
	case errors.Is(err, errSubstituted):
		return "substitute"
	}
	return "malformed"
}

// receiver owns the read half of the serial line
type receiver struct {
	r       io.Reader
	events  chan<- event
	metrics *Metrics
	asm     assembler
}

func newReceiver(r io.Reader, events chan<- event, m *Metrics) *receiver {
	return &receiver{r: r, events: events, metrics: m}
}

// run reads until the transport fails or ctx is done. A Read blocked in the
// transport only returns when the transport is closed.
func (rx *receiver) run(ctx context.Context) {
	buf := make([]byte, 256)
	for {
		n, err := rx.r.Read(buf)
		for _, b := range buf[:n] {
			if !rx.feed(ctx, b) {
				return
			}
		}
		if err != nil {
			rx.emit(ctx, event{err: fmt.Errorf("%w: read: %w", ErrLinkFailed, err), fatal: true})
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (rx *receiver) feed(ctx context.Context, b byte) bool {
	raw, err := rx.asm.feed(b)
	if err == nil && raw == nil {
		return true
	}
	if err != nil {
		err = &FrameError{Err: err}
	} else {
		var f Frame
		f, err = Decode(raw)
		if err == nil {
			log.Debugf("Received %v", f)
			rx.metrics.frameReceived(f)
			return rx.emit(ctx, event{frame: f})
		}
	}
	log.Warnf("Dropping frame: %v", err)
	rx.metrics.frameError(errorReason(err))
	return rx.emit(ctx, event{err: err})
}

func (rx *receiver) emit(ctx context.Context, ev event) bool {
	select {
	case rx.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
