// Package codec packs and unpacks the xiaozhi binary framing versions.
// Version 1 frames are bare Opus packets; versions 2 and 3 prefix a header
// carrying the payload type and size.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const (
	Version1 = 1
	Version2 = 2
	Version3 = 3

	headerSizeV2 = 16
	headerSizeV3 = 4

	payloadTypeAudio = 0
	payloadTypeCmd   = 1
)

var (
	ErrShortFrame         = errors.New("frame shorter than header")
	ErrPayloadSize        = errors.New("payload size exceeds frame")
	ErrUnknownPayloadType = errors.New("unsupported payload type")
)

// PayloadKind describes the decoded payload category.
type PayloadKind int

const (
	PayloadKindAudio PayloadKind = iota
	PayloadKindCommand
)

func (k PayloadKind) String() string {
	if k == PayloadKindCommand {
		return "command"
	}
	return "audio"
}

// NormalizeVersion returns a supported protocol version.
func NormalizeVersion(version int) int {
	switch version {
	case Version2, Version3:
		return version
	default:
		return Version1
	}
}

// Framer packs outgoing audio and unpacks incoming frames for one
// negotiated version.
type Framer struct {
	version int
	now     func() time.Time
}

// NewFramer creates a framer. Unknown versions fall back to version 1.
func NewFramer(version int) Framer {
	return Framer{version: NormalizeVersion(version), now: time.Now}
}

// Version returns the negotiated version.
func (f Framer) Version() int {
	return f.version
}

// Decode strips the version header from frame.
func (f Framer) Decode(frame []byte) ([]byte, PayloadKind, error) {
	switch f.version {
	case Version2:
		if len(frame) < headerSizeV2 {
			return nil, PayloadKindAudio, fmt.Errorf("v2: %w", ErrShortFrame)
		}
		size := int(binary.BigEndian.Uint32(frame[12:16]))
		return payload(Version2, binary.BigEndian.Uint16(frame[2:4]), frame[headerSizeV2:], size)
	case Version3:
		if len(frame) < headerSizeV3 {
			return nil, PayloadKindAudio, fmt.Errorf("v3: %w", ErrShortFrame)
		}
		size := int(binary.BigEndian.Uint16(frame[2:4]))
		return payload(Version3, uint16(frame[0]), frame[headerSizeV3:], size)
	default:
		return frame, PayloadKindAudio, nil
	}
}

func payload(version int, kind uint16, body []byte, size int) ([]byte, PayloadKind, error) {
	if size > len(body) {
		return nil, PayloadKindAudio, fmt.Errorf("v%d: %w (%d > %d)", version, ErrPayloadSize, size, len(body))
	}
	switch kind {
	case payloadTypeAudio:
		return body[:size], PayloadKindAudio, nil
	case payloadTypeCmd:
		return body[:size], PayloadKindCommand, nil
	default:
		return nil, PayloadKindAudio, fmt.Errorf("v%d: %w %d", version, ErrUnknownPayloadType, kind)
	}
}

// Pack wraps an audio payload for the wire.
func (f Framer) Pack(audio []byte) []byte {
	switch f.version {
	case Version2:
		frame := make([]byte, headerSizeV2, headerSizeV2+len(audio))
		binary.BigEndian.PutUint16(frame[0:2], Version2)
		binary.BigEndian.PutUint16(frame[2:4], payloadTypeAudio)
		binary.BigEndian.PutUint32(frame[8:12], uint32(f.now().UnixMilli()))
		binary.BigEndian.PutUint32(frame[12:16], uint32(len(audio)))
		return append(frame, audio...)
	case Version3:
		frame := make([]byte, headerSizeV3, headerSizeV3+len(audio))
		frame[0] = payloadTypeAudio
		binary.BigEndian.PutUint16(frame[2:4], uint16(len(audio)))
		return append(frame, audio...)
	default:
		return audio
	}
}
