package ash

import (
	"fmt"
)

// Reserved bytes of the ASH line discipline. Inside a frame they are always escaped.
const (
	Flag       byte = 0x7E // Marks the end of a frame
	Escape     byte = 0x7D // Next byte is XORed with 0x20
	XOn        byte = 0x11 // Resume transmission (software flow control)
	XOff       byte = 0x13 // Stop transmission (software flow control)
	Substitute byte = 0x18 // Replaces a byte with a low-level UART error
	Cancel     byte = 0x1A // Terminates a frame in progress
	Wake       byte = 0xFF // Wakes up the peer, ignored between frames
)

// Control bytes
const (
	ctlRst    byte = 0xC0
	ctlRstAck byte = 0xC1
	ctlError  byte = 0xC2
	ctlAck    byte = 0x80
	ctlNak    byte = 0xA0

	flagNotReady   byte = 0x08 // ACK and NAK: host is not ready to receive DATA
	flagRetransmit byte = 0x08 // DATA: frame is a retransmission
)

// ProtocolVersion is the only ASH version spoken by this package.
const ProtocolVersion byte = 0x02

// Payload limits for DATA frames
const (
	MinPayloadSize = 3
	MaxPayloadSize = 220
)

// Baud rates the NCP firmware is usually built for
const (
	BaudRTSCTS  = 115200
	BaudXONXOFF = 57600
)

// FrameType tells the kind of a Frame
type FrameType byte

const (
	FrameData FrameType = iota
	FrameAck
	FrameNak
	FrameRst
	FrameRstAck
	FrameErr
)

func (t FrameType) String() string {
	switch t {
	case FrameData:
		return "DATA"
	case FrameAck:
		return "ACK"
	case FrameNak:
		return "NAK"
	case FrameRst:
		return "RST"
	case FrameRstAck:
		return "RSTACK"
	case FrameErr:
		return "ERROR"
	}
	return fmt.Sprintf("FrameType(%d)", byte(t))
}

// ResetCode is the reset or error cause reported by the NCP in RSTACK and ERROR frames
type ResetCode byte

const (
	ResetUnknown               ResetCode = 0x00
	ResetExternal              ResetCode = 0x01
	ResetPowerOn               ResetCode = 0x02
	ResetWatchdog              ResetCode = 0x03
	ResetAssert                ResetCode = 0x06
	ResetBootloader            ResetCode = 0x09
	ResetSoftware              ResetCode = 0x0B
	ResetExceededMaxAckTimeout ResetCode = 0x51
	ResetChipSpecific          ResetCode = 0x80
)

var resetCodeNames = map[ResetCode]string{
	ResetUnknown:               "unknown",
	ResetExternal:              "external",
	ResetPowerOn:               "power-on",
	ResetWatchdog:              "watchdog",
	ResetAssert:                "assert",
	ResetBootloader:            "bootloader",
	ResetSoftware:              "software",
	ResetExceededMaxAckTimeout: "exceeded maximum ACK timeout count",
	ResetChipSpecific:          "chip-specific",
}

func (c ResetCode) String() string {
	if s, ok := resetCodeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("reset code %#02x", byte(c))
}

// Frame is a decoded ASH frame. Which fields are meaningful depends on Type:
// DATA uses FrameNum, AckNum, Retransmit and Payload; ACK and NAK use AckNum and NotReady;
// RSTACK and ERROR use Version and Code.
type Frame struct {
	Type       FrameType
	FrameNum   Seq
	AckNum     Seq
	Retransmit bool
	NotReady   bool
	Payload    []byte // unmasked
	Version    byte
	Code       ResetCode
}

// NewData returns a DATA frame
func NewData(frameNum, ackNum Seq, payload []byte) Frame {
	return Frame{Type: FrameData, FrameNum: frameNum.mod(), AckNum: ackNum.mod(), Payload: payload}
}

// NewAck returns an ACK frame acknowledging all frames before ackNum
func NewAck(ackNum Seq, notReady bool) Frame {
	return Frame{Type: FrameAck, AckNum: ackNum.mod(), NotReady: notReady}
}

// NewNak returns a NAK frame asking for retransmission starting at ackNum
func NewNak(ackNum Seq, notReady bool) Frame {
	return Frame{Type: FrameNak, AckNum: ackNum.mod(), NotReady: notReady}
}

// NewRst returns a RST frame
func NewRst() Frame {
	return Frame{Type: FrameRst}
}

// NewRstAck returns a RSTACK frame as sent by an NCP
func NewRstAck(code ResetCode) Frame {
	return Frame{Type: FrameRstAck, Version: ProtocolVersion, Code: code}
}

// NewError returns an ERROR frame as sent by an NCP
func NewError(code ResetCode) Frame {
	return Frame{Type: FrameErr, Version: ProtocolVersion, Code: code}
}

func (f Frame) String() string {
	switch f.Type {
	case FrameData:
		re := ""
		if f.Retransmit {
			re = ",reTx"
		}
		return fmt.Sprintf("DATA(%d,%d%s) '% x'", f.FrameNum, f.AckNum, re, f.Payload)
	case FrameAck, FrameNak:
		nr := ""
		if f.NotReady {
			nr = ",nRdy"
		}
		return fmt.Sprintf("%v(%d%s)", f.Type, f.AckNum, nr)
	case FrameRstAck, FrameErr:
		return fmt.Sprintf("%v(v%d, %v)", f.Type, f.Version, f.Code)
	}
	return f.Type.String()
}
