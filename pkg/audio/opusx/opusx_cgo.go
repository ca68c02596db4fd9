//go:build cgo

package opusx

import "github.com/hraban/opus"

// Backend names the linked implementation.
func Backend() string {
	return "cgo-hraban/opus"
}

type (
	Application = opus.Application
	Bandwidth   = opus.Bandwidth
)

const (
	AppVoIP               = opus.AppVoIP
	AppAudio              = opus.AppAudio
	AppRestrictedLowdelay = opus.AppRestrictedLowdelay
)

var (
	Narrowband    = opus.Narrowband
	Mediumband    = opus.Mediumband
	Wideband      = opus.Wideband
	SuperWideband = opus.SuperWideband
	Fullband      = opus.Fullband
)

// Encoder wraps the libopus encoder.
type Encoder struct {
	*opus.Encoder
}

// Decoder wraps the libopus decoder.
type Decoder struct {
	*opus.Decoder
}

func NewEncoder(sampleRate, channels int, app Application) (*Encoder, error) {
	enc, err := opus.NewEncoder(sampleRate, channels, app)
	if err != nil {
		return nil, err
	}
	return &Encoder{Encoder: enc}, nil
}

func NewDecoder(sampleRate, channels int) (*Decoder, error) {
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, err
	}
	return &Decoder{Decoder: dec}, nil
}
