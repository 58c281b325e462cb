// ABOUTME: Size-bounded JSON codec for gateway frames.
// ABOUTME: Oversized frames raise a typed error; malformed frames wrap ErrMalformedFrame.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// DefaultMaxFrameBytes bounds a single frame when no limit is configured.
const DefaultMaxFrameBytes = 1 << 20

// FrameTooLargeError reports a frame that exceeded the configured limit.
type FrameTooLargeError struct {
	Size  int
	Limit int
}

func (e *FrameTooLargeError) Error() string {
	return fmt.Sprintf("frame of %d bytes exceeds limit of %d bytes", e.Size, e.Limit)
}

// IsFrameTooLarge reports whether err is (or wraps) a *FrameTooLargeError.
func IsFrameTooLarge(err error) bool {
	var tooLarge *FrameTooLargeError
	return errors.As(err, &tooLarge)
}

// Decode parses and validates a raw frame. maxBytes <= 0 uses DefaultMaxFrameBytes.
func Decode(raw []byte, maxBytes int) (Frame, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFrameBytes
	}
	if len(raw) > maxBytes {
		return Frame{}, &FrameTooLargeError{Size: len(raw), Limit: maxBytes}
	}

	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Encode serializes a frame for the wire.
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", f.Type, err)
	}
	return data, nil
}
