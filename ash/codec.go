package ash

import (
	"bytes"
	"fmt"
)

const (
	crcSize = 2
	// maxFrameSize is the longest unstuffed frame: control byte, payload and CRC
	maxFrameSize = 1 + MaxPayloadSize + crcSize
	// MaxStuffedFrameSize bounds a frame on the wire including the trailing Flag
	MaxStuffedFrameSize = 2*maxFrameSize + 1
)

func isReserved(b byte) bool {
	switch b {
	case Flag, Escape, XOn, XOff, Substitute, Cancel:
		return true
	}
	return false
}

// stuff appends src to dst, escaping every reserved byte
func stuff(dst, src []byte) []byte {
	for _, b := range src {
		if isReserved(b) {
			dst = append(dst, Escape, b^0x20)
		} else {
			dst = append(dst, b)
		}
	}
	return dst
}

func unstuff(src []byte) ([]byte, error) {
	out := make([]byte, 0, len(src))
	for i := 0; i < len(src); i++ {
		b := src[i]
		switch {
		case b == Escape:
			i++
			if i == len(src) {
				return nil, fmt.Errorf("%w: escape at end of frame", ErrMalformed)
			}
			out = append(out, src[i]^0x20)
		case isReserved(b):
			return nil, fmt.Errorf("%w: unescaped %#02x", ErrMalformed, b)
		default:
			out = append(out, b)
		}
	}
	return out, nil
}

// marshal returns the unstuffed frame body without CRC
func (f Frame) marshal() ([]byte, error) {
	switch f.Type {
	case FrameData:
		if len(f.Payload) > MaxPayloadSize {
			return nil, fmt.Errorf("%w: payload of %d bytes", ErrOversize, len(f.Payload))
		}
		if len(f.Payload) < MinPayloadSize {
			return nil, fmt.Errorf("%w: payload of %d bytes", ErrMalformed, len(f.Payload))
		}
		ctl := byte(f.FrameNum.mod())<<4 | byte(f.AckNum.mod())
		if f.Retransmit {
			ctl |= flagRetransmit
		}
		return append([]byte{ctl}, mask(f.Payload)...), nil
	case FrameAck, FrameNak:
		ctl := ctlAck
		if f.Type == FrameNak {
			ctl = ctlNak
		}
		if f.NotReady {
			ctl |= flagNotReady
		}
		return []byte{ctl | byte(f.AckNum.mod())}, nil
	case FrameRst:
		return []byte{ctlRst}, nil
	case FrameRstAck:
		return []byte{ctlRstAck, f.Version, byte(f.Code)}, nil
	case FrameErr:
		return []byte{ctlError, f.Version, byte(f.Code)}, nil
	}
	return nil, fmt.Errorf("%w: unknown frame type %v", ErrMalformed, f.Type)
}

// Encode converts a Frame to its wire representation: body, CRC, byte stuffing and the
// trailing Flag. DATA payloads are randomized before the CRC is calculated.
func Encode(f Frame) ([]byte, error) {
	body, err := f.marshal()
	if err != nil {
		return nil, &FrameError{Err: err}
	}
	crc := Crc16(body)
	body = append(body, byte(crc>>8), byte(crc))

	out := make([]byte, 0, 2*len(body)+1)
	out = stuff(out, body)
	return append(out, Flag), nil
}

// Decode parses a single stuffed frame as delimited by Flag bytes. A trailing Flag is optional.
// Any input yields either a Frame or a *FrameError wrapping ErrChecksum, ErrMalformed or ErrOversize.
func Decode(b []byte) (Frame, error) {
	raw := bytes.TrimSuffix(b, []byte{Flag})
	if len(raw) > MaxStuffedFrameSize-1 {
		return Frame{}, frameErr(ErrOversize, raw)
	}

	body, err := unstuff(raw)
	if err != nil {
		return Frame{}, frameErr(err, raw)
	}
	if len(body) > maxFrameSize {
		return Frame{}, frameErr(ErrOversize, raw)
	}
	if len(body) < 1+crcSize {
		return Frame{}, frameErr(fmt.Errorf("%w: truncated frame", ErrMalformed), raw)
	}

	n := len(body) - crcSize
	crc := uint16(body[n])<<8 | uint16(body[n+1])
	if Crc16(body[:n]) != crc {
		return Frame{}, frameErr(ErrChecksum, raw)
	}

	f, err := parse(body[:n])
	if err != nil {
		return Frame{}, frameErr(err, raw)
	}
	return f, nil
}

// parse interprets a CRC checked frame body
func parse(body []byte) (Frame, error) {
	ctl := body[0]
	switch {
	case ctl&0x80 == 0:
		payload := body[1:]
		if len(payload) < MinPayloadSize {
			return Frame{}, fmt.Errorf("%w: DATA payload of %d bytes", ErrMalformed, len(payload))
		}
		return Frame{
			Type:       FrameData,
			FrameNum:   Seq(ctl>>4) & 0x07,
			AckNum:     Seq(ctl) & 0x07,
			Retransmit: ctl&flagRetransmit != 0,
			Payload:    mask(payload),
		}, nil
	case ctl&0xC0 == 0x80:
		if len(body) != 1 {
			return Frame{}, fmt.Errorf("%w: %d bytes after ACK/NAK control byte", ErrMalformed, len(body)-1)
		}
		f := Frame{Type: FrameAck, AckNum: Seq(ctl) & 0x07, NotReady: ctl&flagNotReady != 0}
		if ctl&0x60 == 0x20 {
			f.Type = FrameNak
		}
		return f, nil
	case ctl == ctlRst:
		if len(body) != 1 {
			return Frame{}, fmt.Errorf("%w: RST of %d bytes", ErrMalformed, len(body))
		}
		return NewRst(), nil
	case ctl == ctlRstAck || ctl == ctlError:
		if len(body) != 3 {
			return Frame{}, fmt.Errorf("%w: %#02x frame of %d bytes", ErrMalformed, ctl, len(body))
		}
		t := FrameRstAck
		if ctl == ctlError {
			t = FrameErr
		}
		return Frame{Type: t, Version: body[1], Code: ResetCode(body[2])}, nil
	}
	return Frame{}, fmt.Errorf("%w: invalid control byte %#02x", ErrMalformed, ctl)
}
