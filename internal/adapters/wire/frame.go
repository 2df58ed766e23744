package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/dkeye/chatmesh/internal/domain"
)

// DefaultMaxFrame bounds a single envelope on the wire.
const DefaultMaxFrame = 1 << 20

const headerLen = 4

var ErrFrameTooLarge = errors.New("frame too large")

// WriteFrame writes [len uint32 BE][payload] in a single Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, headerLen+len(payload))
	binary.BigEndian.PutUint32(buf[:headerLen], uint32(len(payload)))
	copy(buf[headerLen:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads exactly one frame regardless of how the stream was segmented.
func ReadFrame(r io.Reader, maxFrame int) ([]byte, error) {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 {
		return nil, fmt.Errorf("%w: empty frame", domain.ErrProtocol)
	}
	if uint64(n) > uint64(maxFrame) {
		return nil, fmt.Errorf("%w: %w (%d bytes)", domain.ErrProtocol, ErrFrameTooLarge, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("incomplete frame: %w", err)
	}
	return buf, nil
}
