package ash

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// startReset fails everything in flight and begins the RST/RSTACK handshake.
// Requests still queued are kept and go out once the link is connected.
func (tx *transmitter) startReset(now time.Time) error {
	tx.failInFlight(ErrResetRequired)
	tx.setPhase(PhaseResetting)
	tx.resetAttempts = 1
	return tx.sendRst(now)
}

// sendRst writes CANCEL followed by RST, so a partial frame in the NCP is discarded
func (tx *transmitter) sendRst(now time.Time) error {
	f := NewRst()
	b, err := Encode(f)
	if err != nil {
		return err
	}
	tx.resetDeadline = now.Add(tx.cfg.ResetTimeout)
	return tx.writeRaw(f, append([]byte{Cancel}, b...))
}

func (tx *transmitter) resetExpired(now time.Time) error {
	if tx.resetAttempts >= tx.cfg.MaxResetAttempts {
		log.Errorf("No RSTACK after %d attempts", tx.resetAttempts)
		tx.failLink(fmt.Errorf("%w: no RSTACK after %d attempts", ErrResetRequired, tx.resetAttempts))
		return nil
	}
	tx.resetAttempts++
	log.Warnf("No RSTACK within %v, sending RST again (attempt %d)", tx.cfg.ResetTimeout, tx.resetAttempts)
	return tx.sendRst(now)
}

func (tx *transmitter) handleRstAck(f Frame, now time.Time) error {
	if f.Version != ProtocolVersion {
		log.Warnf("Ignoring %v, only ASH version %d is supported", f, ProtocolVersion)
		return nil
	}
	switch tx.phase {
	case PhaseResetting:
		log.Infof("NCP ready, reset cause: %v", f.Code)
		tx.state.reset()
		tx.resetDeadline = time.Time{}
		tx.setPhase(PhaseConnected)
		tx.answerReset(nil)
	case PhaseConnected:
		log.Warnf("Unsolicited %v, resetting link", f)
		return tx.startReset(now)
	default:
		log.Debugf("Ignoring %v while %v", f, tx.phase)
	}
	return nil
}

func (tx *transmitter) handleError(f Frame) {
	if tx.phase != PhaseConnected && tx.phase != PhaseResetting {
		log.Debugf("Ignoring %v while %v", f, tx.phase)
		return
	}
	err := fmt.Errorf("%w: %w", ErrResetRequired, &PeerError{Version: f.Version, Code: f.Code})
	log.Errorf("NCP entered error state: %v", f.Code)
	tx.failLink(err)
}

// reset handles an explicit Reset call
func (tx *transmitter) reset(reply chan error, now time.Time) error {
	tx.resetWaiters = append(tx.resetWaiters, reply)
	if tx.phase == PhaseResetting {
		return nil
	}
	return tx.startReset(now)
}
