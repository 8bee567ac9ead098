package ash

import (
	"bytes"
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// transmitter is the single owner of the write half and of linkState. Everything that
// changes the link happens inside run.
type transmitter struct {
	t     *Transceiver
	cfg   *Config
	state *linkState
	phase Phase

	// request whose chunks are going out, nil when the next one can be taken from the queue
	sending *Request
	// requests sent to the NCP and still waiting for their response DATA frame, oldest first
	awaiting []*Request
	// last payload handed to a request or to Inbound
	delivered []byte

	resetAttempts int
	resetDeadline time.Time
	resetWaiters  []chan error

	timer *time.Timer
}

func newTransmitter(t *Transceiver) *transmitter {
	return &transmitter{
		t:     t,
		cfg:   &t.cfg,
		state: newLinkState(&t.cfg),
	}
}

func (tx *transmitter) run(ctx context.Context) error {
	tx.timer = time.NewTimer(time.Hour)
	defer tx.timer.Stop()

	err := tx.startReset(time.Now())
	for err == nil {
		now := time.Now()
		if err = tx.sendChunks(now); err != nil {
			break
		}
		var submit <-chan *Request
		if (tx.sending == nil && tx.canSend(now)) || tx.phase == PhaseFailed {
			submit = tx.t.submit
		}
		tx.arm(now)

		select {
		case <-ctx.Done():
			tx.shutdown(ErrCancelled)
			return ctx.Err()
		case req := <-submit:
			if tx.phase == PhaseFailed {
				req.resolve(nil, ErrLinkFailed)
				continue
			}
			err = tx.send(req, time.Now())
		case ev := <-tx.t.events:
			err = tx.handle(ev, time.Now())
		case reply := <-tx.t.commands:
			err = tx.reset(reply, time.Now())
		case <-tx.timer.C:
			err = tx.expire(time.Now())
		}
	}
	log.Errorf("Link failed: %v", err)
	tx.failLink(err)
	tx.shutdown(err)
	return err
}

// arm sets the timer to the earliest pending deadline
func (tx *transmitter) arm(now time.Time) {
	next := tx.state.nextDeadline()
	if tx.phase == PhaseResetting && !tx.resetDeadline.IsZero() &&
		(next.IsZero() || tx.resetDeadline.Before(next)) {
		next = tx.resetDeadline
	}

	if !tx.timer.Stop() {
		select {
		case <-tx.timer.C:
		default:
		}
	}
	if !next.IsZero() {
		tx.timer.Reset(next.Sub(now))
	}
}

func (tx *transmitter) setPhase(p Phase) {
	tx.phase = p
	tx.t.setPhase(p)
}

func (tx *transmitter) write(f Frame) error {
	b, err := Encode(f)
	if err != nil {
		return err
	}
	return tx.writeRaw(f, b)
}

func (tx *transmitter) writeRaw(f Frame, b []byte) error {
	log.Debugf("Sending %v: '% x'", f, b)
	if _, err := tx.t.rw.Write(b); err != nil {
		return fmt.Errorf("%w: write: %w", ErrLinkFailed, err)
	}
	if fl, ok := tx.t.rw.(Flusher); ok {
		if err := fl.Flush(); err != nil {
			return fmt.Errorf("%w: flush: %w", ErrLinkFailed, err)
		}
	}
	tx.t.metrics.frameSent(f)
	return nil
}

func (tx *transmitter) canSend(now time.Time) bool {
	return tx.phase == PhaseConnected && !tx.state.windowFull() && tx.state.peerReady(now)
}

func (tx *transmitter) send(req *Request, now time.Time) error {
	if len(req.chunks) > 1 {
		log.WithField("id", req.ID).Debugf("Splitting %d bytes into %d frames", len(req.Payload), len(req.chunks))
	}
	tx.sending = req
	return tx.sendChunks(now)
}

// sendChunks fills free window slots with the chunks of the current request. The
// request waits for its response once the last chunk is out.
func (tx *transmitter) sendChunks(now time.Time) error {
	for tx.sending != nil && tx.canSend(now) {
		req := tx.sending
		f := tx.state.push(req, req.chunks[0], now)
		req.chunks = req.chunks[1:]
		if len(req.chunks) == 0 {
			tx.awaiting = append(tx.awaiting, req)
			tx.sending = nil
		}
		log.WithField("id", req.ID).Debugf("Request in frame %d", f.FrameNum)
		if err := tx.write(f); err != nil {
			return err
		}
	}
	return nil
}

// notReady reports whether the host can not take more unsolicited payloads and
// remembers when the peer was told so
func (tx *transmitter) notReady(now time.Time) bool {
	c := cap(tx.t.inbound)
	full := tx.cfg.RemoteNotReadyTimeout > 0 && c > 0 && len(tx.t.inbound) >= c
	if full {
		tx.state.notReadySent = now
	} else {
		tx.state.notReadySent = time.Time{}
	}
	return full
}

// ack sends a standalone ACK for everything accepted so far
func (tx *transmitter) ack(now time.Time) error {
	tx.state.ackDue = time.Time{}
	return tx.write(NewAck(tx.state.ackNum, tx.notReady(now)))
}

func (tx *transmitter) handle(ev event, now time.Time) error {
	if ev.fatal {
		return ev.err
	}
	if ev.err != nil {
		if tx.phase == PhaseConnected {
			return tx.reject(now)
		}
		return nil
	}

	f := ev.frame
	switch f.Type {
	case FrameData:
		return tx.handleData(f, now)
	case FrameAck:
		if tx.phase == PhaseConnected {
			tx.acknowledge(f.AckNum, now)
			tx.peerNotReady(f.NotReady, now)
		}
	case FrameNak:
		if tx.phase == PhaseConnected {
			tx.acknowledge(f.AckNum, now)
			tx.peerNotReady(f.NotReady, now)
			return tx.retransmit(now, ErrRejected)
		}
	case FrameRstAck:
		return tx.handleRstAck(f, now)
	case FrameErr:
		tx.handleError(f)
	case FrameRst:
		log.Warnf("Ignoring %v sent by NCP", f)
	}
	return nil
}

func (tx *transmitter) handleData(f Frame, now time.Time) error {
	if tx.phase != PhaseConnected {
		log.Debugf("Ignoring %v while %v", f, tx.phase)
		return nil
	}
	verdict := tx.state.accept(f)
	tx.acknowledge(f.AckNum, now)

	switch verdict {
	case dataAccepted:
		tx.deliver(f.Payload)
		if tx.state.ackDue.IsZero() {
			tx.state.ackDue = now.Add(tx.cfg.AckDelay)
		}
	case dataDuplicate:
		log.Debugf("Duplicate %v, expecting %d", f, tx.state.ackNum)
		return tx.ack(now)
	case dataRejected:
		log.Debugf("Out of sequence %v, expecting %d", f, tx.state.ackNum)
		return tx.reject(now)
	}
	return nil
}

// reject sends a NAK for the expected frame, once per gap
func (tx *transmitter) reject(now time.Time) error {
	if tx.state.rejecting {
		return nil
	}
	tx.state.rejecting = true
	return tx.write(NewNak(tx.state.ackNum, tx.notReady(now)))
}

// isInvalidCommand matches the EZSP invalid command response AA ?? ?? 58
func isInvalidCommand(payload []byte) bool {
	return len(payload) == 4 && payload[0] == 0xAA && payload[3] == 0x58
}

// deliver hands an accepted payload to the oldest waiting request or to Inbound.
// Some NCPs send the invalid command response twice, the repetition is dropped.
func (tx *transmitter) deliver(payload []byte) {
	if isInvalidCommand(payload) && bytes.Equal(payload, tx.delivered) {
		log.Warnf("Dropping repeated invalid command response '% x'", payload)
		return
	}
	tx.delivered = payload

	if len(tx.awaiting) > 0 {
		req := tx.awaiting[0]
		tx.awaiting = tx.awaiting[1:]
		req.resolve(payload, nil)
		log.WithField("id", req.ID).Debugf("Response after %v", time.Since(req.Submitted))
		return
	}
	select {
	case tx.t.inbound <- payload:
	default:
		tx.t.metrics.inboundDropped()
		log.Warnf("Dropping unsolicited payload '% x'", payload)
	}
}

func (tx *transmitter) acknowledge(ackNum Seq, now time.Time) {
	acked, ok := tx.state.acknowledge(ackNum, now)
	if !ok {
		log.Warnf("Ignoring ACK number %d outside of window", ackNum)
		return
	}
	for _, o := range acked {
		if o.retries == 0 {
			tx.t.metrics.ackObserved(now.Sub(o.sentAt), tx.state.tRxAck)
		}
		log.WithField("id", o.req.ID).Debugf("Frame %d acknowledged", o.frame.FrameNum)
	}
}

func (tx *transmitter) peerNotReady(notReady bool, now time.Time) {
	if notReady {
		tx.state.notReadyUntil = now.Add(tx.cfg.RemoteNotReadyTimeout)
	} else {
		tx.state.notReadyUntil = time.Time{}
	}
}

// retransmit resends the whole window in order. When a frame is out of retries the
// link fails with cause.
func (tx *transmitter) retransmit(now time.Time, cause error) error {
	if len(tx.state.window) == 0 {
		return nil
	}
	frames, exhausted := tx.state.retransmission(now)
	if exhausted != nil {
		log.Errorf("Frame %d given up after %d retransmissions", exhausted.frame.FrameNum, exhausted.retries)
		tx.failLink(cause)
		return nil
	}
	for _, f := range frames {
		if err := tx.write(f); err != nil {
			return err
		}
	}
	return nil
}

func (tx *transmitter) expire(now time.Time) error {
	if tx.phase == PhaseResetting && !tx.resetDeadline.IsZero() && !now.Before(tx.resetDeadline) {
		return tx.resetExpired(now)
	}
	if tx.phase != PhaseConnected {
		return nil
	}
	if !tx.state.notReadyUntil.IsZero() && tx.state.peerReady(now) {
		tx.state.notReadyUntil = time.Time{}
	}
	ackDue := !tx.state.ackDue.IsZero() && !now.Before(tx.state.ackDue)
	refresh := !tx.state.notReadySent.IsZero() && !now.Before(tx.state.notReadyRefresh())
	if ackDue || refresh {
		if err := tx.ack(now); err != nil {
			return err
		}
	}
	if tx.state.expired(now) {
		tx.state.backoff()
		tx.t.metrics.timeoutChanged(tx.state.tRxAck)
		log.Warnf("ACK timeout, retransmitting %d frames, timeout now %v", len(tx.state.window), tx.state.tRxAck)
		return tx.retransmit(now, ErrTimeout)
	}
	return nil
}

// failInFlight resolves every request that already went out, even partly, with err
func (tx *transmitter) failInFlight(err error) {
	if tx.sending != nil {
		tx.sending.resolve(nil, err)
		tx.sending = nil
	}
	for _, req := range tx.awaiting {
		req.resolve(nil, err)
	}
	tx.awaiting = nil
	tx.delivered = nil
	tx.state.reset()
}

// drainQueue resolves every request still waiting for a window slot with err
func (tx *transmitter) drainQueue(err error) {
	for {
		select {
		case req := <-tx.t.submit:
			req.resolve(nil, err)
		default:
			return
		}
	}
}

func (tx *transmitter) answerReset(err error) {
	for _, w := range tx.resetWaiters {
		w <- err
	}
	tx.resetWaiters = nil
}

// failLink moves the link to PhaseFailed and fails all requests with err. The phase
// changes first so that Submit stops queueing before the queue is drained.
func (tx *transmitter) failLink(err error) {
	tx.setPhase(PhaseFailed)
	tx.failInFlight(err)
	tx.drainQueue(err)
	tx.resetDeadline = time.Time{}
	tx.answerReset(err)
}

// shutdown resolves whatever is left when run returns. Nothing is written anymore.
func (tx *transmitter) shutdown(err error) {
	if tx.sending != nil {
		tx.sending.resolve(nil, err)
		tx.sending = nil
	}
	for _, req := range tx.awaiting {
		req.resolve(nil, err)
	}
	tx.awaiting = nil
	tx.drainQueue(err)
	tx.answerReset(err)
}
