package ash

import (
	"context"
	"errors"
	"io"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Flusher is implemented by transports that buffer writes, like Device
type Flusher interface {
	Flush() error
}

// Transceiver runs one ASH link over a serial transport. It owns a receiver goroutine
// for the read half and a transmitter loop for the write half and all link state.
// Callers talk to it through a Proxy.
type Transceiver struct {
	cfg     Config
	rw      io.ReadWriter
	metrics *Metrics

	submit   chan *Request
	events   chan event
	commands chan chan error
	inbound  chan []byte

	mu      sync.Mutex
	phase   Phase
	changed chan struct{} // closed and replaced on every phase change
	started bool
	stopped chan struct{}
}

// New creates a Transceiver for rw. Nothing is sent before Run is called.
func New(rw io.ReadWriter, cfg Config) (*Transceiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := cfg.Metrics
	if m == nil {
		m = NewMetrics(nil)
	}
	return &Transceiver{
		cfg:      cfg,
		rw:       rw,
		metrics:  m,
		submit:   make(chan *Request, cfg.QueueSize),
		events:   make(chan event, 16),
		commands: make(chan chan error),
		inbound:  make(chan []byte, cfg.InboundSize),
		changed:  make(chan struct{}),
		stopped:  make(chan struct{}),
	}, nil
}

// Run resets the NCP and drives the link until ctx is done or the transport fails.
// It returns ctx.Err() on cancellation and an error wrapping ErrLinkFailed on transport
// failure. A Transceiver can only be run once; closing the transport afterwards
// releases the receiver goroutine.
func (t *Transceiver) Run(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return errors.New("ash: transceiver already started")
	}
	t.started = true
	t.mu.Unlock()
	defer close(t.stopped)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go newReceiver(t.rw, t.events, t.metrics).run(ctx)
	return newTransmitter(t).run(ctx)
}

// Proxy returns a handle for submitting payloads
func (t *Transceiver) Proxy() Proxy {
	return Proxy{t: t}
}

// Inbound delivers DATA payloads that arrived while no request was waiting for a response
func (t *Transceiver) Inbound() <-chan []byte {
	return t.inbound
}

// Phase returns the current link phase
func (t *Transceiver) Phase() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// Stats returns the link counters
func (t *Transceiver) Stats() Stats {
	return t.metrics.Stats()
}

// Done is closed when Run has returned
func (t *Transceiver) Done() <-chan struct{} {
	return t.stopped
}

func (t *Transceiver) setPhase(p Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.phase == p {
		return
	}
	log.Debugf("State changed: %v --> %v", t.phase, p)
	t.phase = p
	close(t.changed)
	t.changed = make(chan struct{})
}

// WaitConnected blocks until the link is connected. It returns ErrLinkFailed if the
// link fails before.
func (t *Transceiver) WaitConnected(ctx context.Context) error {
	for {
		t.mu.Lock()
		p, changed := t.phase, t.changed
		t.mu.Unlock()

		switch p {
		case PhaseConnected:
			return nil
		case PhaseFailed:
			return ErrLinkFailed
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		case <-t.stopped:
			return ErrCancelled
		}
	}
}

// Reset runs the reset handshake again, failing all requests in flight with
// ErrResetRequired. It is the only way out of PhaseFailed and returns once the
// NCP answered with RSTACK or all attempts are used up.
func (t *Transceiver) Reset(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case t.commands <- reply:
	case <-ctx.Done():
		return ctx.Err()
	case <-t.stopped:
		return ErrCancelled
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-t.stopped:
		return ErrCancelled
	}
}
