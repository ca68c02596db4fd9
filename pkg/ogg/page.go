// Package ogg extracts raw codec packets from Ogg container pages.
//
// Each page produced by the capture encoder carries exactly one Opus packet,
// so the payload of a page is the frame that goes on the wire.
package ogg

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	// HeaderSize is the fixed part of a page header, before the lacing table.
	HeaderSize = 27

	capturePattern = "OggS"
)

var (
	opusHeadMagic = []byte("OpusHead")
	opusTagsMagic = []byte("OpusTags")
)

// Header type flags.
const (
	FlagContinued   byte = 0x01
	FlagBeginStream byte = 0x02
	FlagEndStream   byte = 0x04
)

// Page represents a parsed Ogg page.
type Page struct {
	Version      byte
	HeaderType   byte
	Granule      uint64
	Serial       uint32
	Sequence     uint32
	Checksum     uint32
	SegmentCount int
	Lacing       []byte
	Payload      []byte
}

// FramingError reports a page that could not be demultiplexed.
type FramingError struct {
	Reason string
	Len    int
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("ogg framing: %s (page len=%d)", e.Reason, e.Len)
}

// ParsePage parses the page header and lacing table of page and slices out
// the payload. The CRC field is exposed but not verified.
func ParsePage(page []byte) (Page, error) {
	if len(page) < HeaderSize {
		return Page{}, &FramingError{Reason: "short header", Len: len(page)}
	}
	if string(page[0:4]) != capturePattern {
		return Page{}, &FramingError{Reason: "bad capture pattern", Len: len(page)}
	}
	segments := int(page[26])
	lacingEnd := HeaderSize + segments
	if len(page) < lacingEnd {
		return Page{}, &FramingError{Reason: "truncated lacing table", Len: len(page)}
	}
	lacing := page[HeaderSize:lacingEnd]
	size := 0
	for _, v := range lacing {
		size += int(v)
	}
	if len(page) < lacingEnd+size {
		return Page{}, &FramingError{Reason: "truncated payload", Len: len(page)}
	}

	return Page{
		Version:      page[4],
		HeaderType:   page[5],
		Granule:      binary.LittleEndian.Uint64(page[6:14]),
		Serial:       binary.LittleEndian.Uint32(page[14:18]),
		Sequence:     binary.LittleEndian.Uint32(page[18:22]),
		Checksum:     binary.LittleEndian.Uint32(page[22:26]),
		SegmentCount: segments,
		Lacing:       lacing,
		Payload:      page[lacingEnd : lacingEnd+size],
	}, nil
}

// Demux returns the encoded frame carried by a single page. On failure the
// frame is nil and the error is a *FramingError; callers drop the page and
// continue with the next one.
func Demux(page []byte) ([]byte, error) {
	p, err := ParsePage(page)
	if err != nil {
		return nil, err
	}
	return p.Payload, nil
}

// IsSetupPacket reports whether frame is an Opus setup packet (OpusHead or
// OpusTags) rather than audio.
func IsSetupPacket(frame []byte) bool {
	return bytes.HasPrefix(frame, opusHeadMagic) || bytes.HasPrefix(frame, opusTagsMagic)
}
