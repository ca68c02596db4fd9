package capture

import (
	"fmt"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/saker-ai/voice-client/pkg/audio"
	"go.uber.org/zap"
)

// Opus granule positions run at 48 kHz regardless of the coded rate.
const (
	opusClockRate   = 48000
	opusPayloadType = 111
)

// pageSink collects every page the ogg writer emits. The writer issues one
// Write per page.
type pageSink struct {
	pages [][]byte
}

func (s *pageSink) Write(p []byte) (int, error) {
	page := make([]byte, len(p))
	copy(page, p)
	s.pages = append(s.pages, page)
	return len(p), nil
}

func (s *pageSink) drain() [][]byte {
	out := s.pages
	s.pages = nil
	return out
}

// OggOpusEncoder encodes each PCM frame as one Opus packet in its own Ogg
// page. The OpusHead and OpusTags pages come out with the first frame.
type OggOpusEncoder struct {
	opus      *audio.OpusEncoder
	writer    *oggwriter.OggWriter
	sink      *pageSink
	seq       uint16
	timestamp uint32
	step      uint32
}

// NewOggOpusEncoder creates an encoder for spec.
func NewOggOpusEncoder(spec audio.EncoderSpec, logger *zap.Logger) (*OggOpusEncoder, error) {
	enc, err := audio.NewOpusEncoder(spec, logger)
	if err != nil {
		return nil, err
	}
	sink := &pageSink{}
	writer, err := oggwriter.NewWith(sink, uint32(spec.SampleRate), uint16(spec.Channels))
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("create ogg writer: %w", err)
	}
	return &OggOpusEncoder{
		opus:      enc,
		writer:    writer,
		sink:      sink,
		timestamp: 1,
		step:      uint32(opusClockRate * spec.FrameDurationMs / 1000),
	}, nil
}

// Encode executes the encode method.
func (e *OggOpusEncoder) Encode(pcm []int16) ([][]byte, error) {
	packet, err := e.opus.Encode(pcm)
	if err != nil {
		return nil, err
	}
	if len(packet) > 0 {
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    opusPayloadType,
				SequenceNumber: e.seq,
				Timestamp:      e.timestamp,
			},
			Payload: packet,
		}
		if err := e.writer.WriteRTP(pkt); err != nil {
			return nil, fmt.Errorf("write ogg page: %w", err)
		}
		e.seq++
	}
	e.timestamp += e.step
	return e.sink.drain(), nil
}

// Close executes the close method.
func (e *OggOpusEncoder) Close() error {
	werr := e.writer.Close()
	oerr := e.opus.Close()
	if werr != nil {
		return werr
	}
	return oerr
}
