// Package protocol implements the TLV framing used on every chat connection.
//
// Frame layout (big-endian):
//
//	tag:1 | len:1 [| extLen:2 if len == 0xFF] | value:len
//
// Lengths up to 254 are stored in the single length byte, longer values up
// to 65535 use the 0xFF marker followed by a 16-bit length.
package protocol

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/adwski/tlv-chat/backend/model"
)

const (
	// MaxValueLen is the largest value a frame can carry.
	MaxValueLen = 0xFFFF

	maxShortLen  = 254
	extLenMarker = 0xFF
)

var (
	ErrFraming          = errors.New("malformed or truncated frame")
	ErrTimeout          = errors.New("receive timeout")
	ErrPeerDisconnected = errors.New("peer disconnected")
	ErrValueTooLarge    = errors.New("frame value too large")
)

// Encode serializes a single frame.
func Encode(tag model.Tag, value []byte) ([]byte, error) {
	n := len(value)
	if n > MaxValueLen {
		return nil, ErrValueTooLarge
	}
	var b []byte
	if n <= maxShortLen {
		b = make([]byte, 0, 2+n)
		b = append(b, byte(tag), byte(n))
	} else {
		b = make([]byte, 0, 4+n)
		b = append(b, byte(tag), extLenMarker)
		b = binary.BigEndian.AppendUint16(b, uint16(n))
	}
	return append(b, value...), nil
}

// Write encodes a frame and writes it with a single Write call.
func Write(w io.Writer, tag model.Tag, value []byte) error {
	b, err := Encode(tag, value)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Read blocks until a complete frame is read from r. Any short read is
// reported as ErrFraming joined with the underlying cause.
func Read(r io.Reader) (model.Frame, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return model.Frame{}, errors.Join(ErrFraming, err)
	}

	length := int(hdr[1])
	if hdr[1] == extLenMarker {
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return model.Frame{}, errors.Join(ErrFraming, err)
		}
		length = int(binary.BigEndian.Uint16(ext[:]))
	}

	value := make([]byte, length)
	if _, err := io.ReadFull(r, value); err != nil {
		return model.Frame{}, errors.Join(ErrFraming, err)
	}
	return model.Frame{Tag: model.Tag(hdr[0]), Value: value}, nil
}

// Classify adds ErrTimeout or ErrPeerDisconnected to a stream error so
// callers can tell an idle peer from a gone one. Other errors are returned
// unchanged.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, os.ErrDeadlineExceeded):
		return errors.Join(ErrTimeout, err)
	case isTimeout(err):
		return errors.Join(ErrTimeout, err)
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return errors.Join(ErrPeerDisconnected, err)
	}
	return err
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
