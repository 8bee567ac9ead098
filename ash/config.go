package ash

import (
	"fmt"
	"time"
)

// Protocol constants as defined for ASH version 2
const (
	DefaultWindowSize       = 5 // TX_K
	MaxWindowSize           = 7
	DefaultMaxRetries       = 4 // ACK_TIMEOUTS
	DefaultMaxResetAttempts = 5

	DefaultAckTimeoutInit        = 1600 * time.Millisecond // T_RX_ACK_INIT
	DefaultAckTimeoutMin         = 400 * time.Millisecond  // T_RX_ACK_MIN
	DefaultAckTimeoutMax         = 3200 * time.Millisecond // T_RX_ACK_MAX
	DefaultAckDelay              = 20 * time.Millisecond   // T_TX_ACK_DELAY
	DefaultRemoteNotReadyTimeout = 1000 * time.Millisecond // T_REMOTE_NOTRDY
	DefaultResetTimeout          = 3200 * time.Millisecond // T_RSTACK_MAX
)

// Config holds the tunables of a Transceiver. Use DefaultConfig and override single fields.
type Config struct {
	WindowSize       int // Max unacknowledged DATA frames in flight, 1..7
	MaxRetries       int // Retransmissions of a frame before the link fails
	MaxResetAttempts int // RST frames sent before the handshake gives up

	AckTimeoutInit        time.Duration
	AckTimeoutMin         time.Duration
	AckTimeoutMax         time.Duration
	AckDelay              time.Duration // Max delay of a standalone ACK
	RemoteNotReadyTimeout time.Duration
	ResetTimeout          time.Duration // Wait for RSTACK per attempt

	QueueSize   int // Submissions waiting for a window slot
	InboundSize int // Buffered unsolicited payloads

	// Metrics receives the link counters. It may be shared by successive
	// Transceivers; nil creates unregistered ones.
	Metrics *Metrics
}

// DefaultConfig returns the ASH defaults
func DefaultConfig() Config {
	return Config{
		WindowSize:            DefaultWindowSize,
		MaxRetries:            DefaultMaxRetries,
		MaxResetAttempts:      DefaultMaxResetAttempts,
		AckTimeoutInit:        DefaultAckTimeoutInit,
		AckTimeoutMin:         DefaultAckTimeoutMin,
		AckTimeoutMax:         DefaultAckTimeoutMax,
		AckDelay:              DefaultAckDelay,
		RemoteNotReadyTimeout: DefaultRemoteNotReadyTimeout,
		ResetTimeout:          DefaultResetTimeout,
		QueueSize:             16,
		InboundSize:           16,
	}
}

// Validate checks the Config for values the link can not work with
func (c Config) Validate() error {
	if c.WindowSize < 1 || c.WindowSize > MaxWindowSize {
		return fmt.Errorf("window size %d out of range 1..%d", c.WindowSize, MaxWindowSize)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("negative max retries %d", c.MaxRetries)
	}
	if c.MaxResetAttempts < 1 {
		return fmt.Errorf("max reset attempts %d, need at least 1", c.MaxResetAttempts)
	}
	if c.AckTimeoutMin <= 0 || c.AckTimeoutMax < c.AckTimeoutMin {
		return fmt.Errorf("invalid ACK timeout range %v..%v", c.AckTimeoutMin, c.AckTimeoutMax)
	}
	if c.AckTimeoutInit < c.AckTimeoutMin || c.AckTimeoutInit > c.AckTimeoutMax {
		return fmt.Errorf("initial ACK timeout %v outside %v..%v", c.AckTimeoutInit, c.AckTimeoutMin, c.AckTimeoutMax)
	}
	if c.AckDelay < 0 || c.RemoteNotReadyTimeout < 0 {
		return fmt.Errorf("negative ACK delay or not ready timeout")
	}
	if c.ResetTimeout <= 0 {
		return fmt.Errorf("reset timeout %v must be positive", c.ResetTimeout)
	}
	if c.QueueSize < 0 || c.InboundSize < 0 {
		return fmt.Errorf("negative queue size")
	}
	return nil
}
