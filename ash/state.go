package ash

import (
	"fmt"
	"time"
)

// Phase is the state of the link as seen by callers
type Phase int32

const (
	PhaseUninitialized Phase = iota // Run not called yet
	PhaseResetting                  // RST sent, waiting for RSTACK
	PhaseConnected                  // DATA may flow
	PhaseFailed                     // needs an explicit Reset
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseResetting:
		return "resetting"
	case PhaseConnected:
		return "connected"
	case PhaseFailed:
		return "failed"
	}
	return fmt.Sprintf("Phase(%d)", int32(p))
}

// outstanding is a DATA frame sent but not yet acknowledged
type outstanding struct {
	req      *Request
	frame    Frame
	sentAt   time.Time
	deadline time.Time
	retries  int
}

type dataVerdict int

const (
	dataAccepted dataVerdict = iota
	dataDuplicate
	dataRejected
)

// linkState holds sequence numbers, window and timers of one link.
// It is owned by the transmitter loop and never shared.
type linkState struct {
	cfg *Config

	frameNum Seq // next DATA frame number to send
	ackNum   Seq // next DATA frame number expected from the peer
	window   []*outstanding

	tRxAck        time.Duration
	rejecting     bool // a NAK was sent for the current gap
	notReadyUntil time.Time
	ackDue        time.Time // zero when no standalone ACK is pending
	notReadySent  time.Time // last ACK or NAK telling the peer we are not ready, zero once ready
}

func newLinkState(cfg *Config) *linkState {
	s := &linkState{cfg: cfg}
	s.reset()
	return s
}

// reset restarts sequence numbering and forgets the frames in flight
func (s *linkState) reset() {
	s.frameNum = 0
	s.ackNum = 0
	s.window = nil
	s.tRxAck = s.cfg.AckTimeoutInit
	s.rejecting = false
	s.notReadyUntil = time.Time{}
	s.ackDue = time.Time{}
	s.notReadySent = time.Time{}
}

func (s *linkState) windowFull() bool {
	return len(s.window) >= s.cfg.WindowSize
}

func (s *linkState) peerReady(now time.Time) bool {
	return !now.Before(s.notReadyUntil)
}

// push assigns the next frame number to payload and adds it to the window.
// The frame carries the current ackNum, so a pending standalone ACK is dropped.
func (s *linkState) push(req *Request, payload []byte, now time.Time) Frame {
	f := NewData(s.frameNum, s.ackNum, payload)
	s.window = append(s.window, &outstanding{
		req:      req,
		frame:    f,
		sentAt:   now,
		deadline: now.Add(s.tRxAck),
	})
	s.frameNum = s.frameNum.Next()
	s.ackDue = time.Time{}
	return f
}

// acknowledge removes all frames before ackNum from the window. An ackNum not
// within the window is ignored and reported as false.
func (s *linkState) acknowledge(ackNum Seq, now time.Time) ([]*outstanding, bool) {
	if len(s.window) == 0 {
		return nil, ackNum == s.frameNum
	}
	n := s.window[0].frame.FrameNum.Distance(ackNum)
	if n > len(s.window) {
		return nil, false
	}
	acked := s.window[:n]
	s.window = append([]*outstanding(nil), s.window[n:]...)
	for _, o := range acked {
		if o.retries == 0 {
			s.updateTimeout(now.Sub(o.sentAt))
		}
	}
	return acked, true
}

// updateTimeout blends a measured round trip into the ACK timeout
func (s *linkState) updateTimeout(rtt time.Duration) {
	s.tRxAck = s.clamp(s.tRxAck*7/8 + rtt/2)
}

// backoff doubles the ACK timeout after an expiry
func (s *linkState) backoff() {
	s.tRxAck = s.clamp(2 * s.tRxAck)
}

func (s *linkState) clamp(d time.Duration) time.Duration {
	if d < s.cfg.AckTimeoutMin {
		return s.cfg.AckTimeoutMin
	}
	if d > s.cfg.AckTimeoutMax {
		return s.cfg.AckTimeoutMax
	}
	return d
}

// expired reports whether the oldest frame in the window ran out of time
func (s *linkState) expired(now time.Time) bool {
	return len(s.window) > 0 && !now.Before(s.window[0].deadline)
}

// retransmission prepares all frames in the window for resending. It returns nil and
// the exhausted entry if one of them already used up its retries.
func (s *linkState) retransmission(now time.Time) ([]Frame, *outstanding) {
	for _, o := range s.window {
		if o.retries >= s.cfg.MaxRetries {
			return nil, o
		}
	}
	frames := make([]Frame, 0, len(s.window))
	for _, o := range s.window {
		o.retries++
		o.frame.Retransmit = true
		o.sentAt = now
		o.deadline = now.Add(s.tRxAck)
		frames = append(frames, o.frame)
	}
	return frames, nil
}

// accept classifies an inbound DATA frame and advances ackNum if it is the expected one.
// Retransmissions are judged by the window of the NCP, which is always TX_K.
func (s *linkState) accept(f Frame) dataVerdict {
	if f.FrameNum == s.ackNum {
		s.ackNum = s.ackNum.Next()
		s.rejecting = false
		return dataAccepted
	}
	if d := f.FrameNum.Distance(s.ackNum); f.Retransmit && d >= 1 && d <= DefaultWindowSize {
		return dataDuplicate
	}
	return dataRejected
}

// nextDeadline returns the earliest timer the transmitter loop has to wake up for
func (s *linkState) nextDeadline() time.Time {
	var next time.Time
	earlier := func(t time.Time) {
		if !t.IsZero() && (next.IsZero() || t.Before(next)) {
			next = t
		}
	}
	for _, o := range s.window {
		earlier(o.deadline)
	}
	earlier(s.ackDue)
	earlier(s.notReadyUntil)
	earlier(s.notReadyRefresh())
	return next
}

// notReadyRefresh is when the peer has to be told again that we are not ready,
// before its not ready timer runs out
func (s *linkState) notReadyRefresh() time.Time {
	if s.notReadySent.IsZero() {
		return time.Time{}
	}
	return s.notReadySent.Add(s.cfg.RemoteNotReadyTimeout / 2)
}
