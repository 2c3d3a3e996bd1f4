package protocol

import (
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single stream frame.
const MaxFrameSize = 1 << 20

// ErrFrameTooLarge is returned for frames above MaxFrameSize.
var ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")

// Stream frames carry a 1 to 4 byte little-endian header. The low two bits of
// the first byte hold the header length minus one and the remaining bits hold
// the payload length.

// AppendFrame appends the framed payload to dst.
func AppendFrame(dst, payload []byte) ([]byte, error) {
	n := len(payload)
	if n > MaxFrameSize {
		return dst, ErrFrameTooLarge
	}
	v := uint32(n) << 2
	switch {
	case n <= 0x3F:
		dst = append(dst, byte(v))
	case n <= 0x3FFF:
		v |= 1
		dst = append(dst, byte(v), byte(v>>8))
	case n <= 0x3FFFFF:
		v |= 2
		dst = append(dst, byte(v), byte(v>>8), byte(v>>16))
	default:
		v |= 3
		dst = append(dst, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
	}
	return append(dst, payload...), nil
}

// WriteFrame writes one framed payload.
func WriteFrame(w io.Writer, payload []byte) error {
	buf, err := AppendFrame(make([]byte, 0, len(payload)+4), payload)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads one framed payload.
func ReadFrame(r io.Reader) ([]byte, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:1]); err != nil {
		return nil, err
	}
	headLen := int(head[0]&0x3) + 1
	if headLen > 1 {
		if _, err := io.ReadFull(r, head[1:headLen]); err != nil {
			return nil, fmt.Errorf("read frame header: %w", err)
		}
	}
	var v uint32
	for i := headLen - 1; i >= 0; i-- {
		v = v<<8 | uint32(head[i])
	}
	n := int(v >> 2)
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}
