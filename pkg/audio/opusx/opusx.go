// Package opusx hides the Opus backend behind one API. cgo builds link
// libopus through hraban/opus; other builds use the pure Go port.
package opusx

import (
	"errors"
	"fmt"
	"strings"
)

// EncoderConfig holds optional encoder controls. Zero values and nil
// pointers leave the backend default in place.
type EncoderConfig struct {
	Bitrate        int    `mapstructure:"bitrate" yaml:"bitrate"`
	Complexity     int    `mapstructure:"complexity" yaml:"complexity"`
	VBR            *bool  `mapstructure:"vbr" yaml:"vbr,omitempty"`
	VBRConstraint  *bool  `mapstructure:"vbr_constraint" yaml:"vbr_constraint,omitempty"`
	FEC            *bool  `mapstructure:"fec" yaml:"fec,omitempty"`
	DTX            *bool  `mapstructure:"dtx" yaml:"dtx,omitempty"`
	PacketLossPerc int    `mapstructure:"packet_loss_perc" yaml:"packet_loss_perc"`
	MaxBandwidth   string `mapstructure:"max_bandwidth" yaml:"max_bandwidth"`
}

// ParseApplication maps the numeric OPUS_APPLICATION_* values and their
// short names to an Application.
func ParseApplication(v string) (Application, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "voip", "2048":
		return AppVoIP, nil
	case "audio", "2049":
		return AppAudio, nil
	case "lowdelay", "restricted_lowdelay", "2051":
		return AppRestrictedLowdelay, nil
	default:
		return AppVoIP, fmt.Errorf("unknown opus application %q", v)
	}
}

// ParseBandwidth returns false for "auto", empty or unknown values.
func ParseBandwidth(v string) (Bandwidth, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "narrowband", "nb":
		return Narrowband, true
	case "mediumband", "mb":
		return Mediumband, true
	case "wideband", "wb":
		return Wideband, true
	case "superwideband", "swb":
		return SuperWideband, true
	case "fullband", "fb":
		return Fullband, true
	default:
		return Narrowband, false
	}
}

// Configure applies cfg to the encoder and returns every control that the
// backend rejected.
func (e *Encoder) Configure(cfg EncoderConfig) error {
	var errs []error
	if cfg.Bitrate > 0 {
		errs = append(errs, wrapCtl("bitrate", e.SetBitrate(cfg.Bitrate)))
	}
	if cfg.Complexity > 0 {
		errs = append(errs, wrapCtl("complexity", e.SetComplexity(cfg.Complexity)))
	}
	if cfg.VBR != nil {
		errs = append(errs, wrapCtl("vbr", e.SetVBR(*cfg.VBR)))
	}
	if cfg.VBRConstraint != nil {
		errs = append(errs, wrapCtl("vbr_constraint", e.SetVBRConstraint(*cfg.VBRConstraint)))
	}
	if cfg.FEC != nil {
		errs = append(errs, wrapCtl("fec", e.SetInBandFEC(*cfg.FEC)))
	}
	if cfg.DTX != nil {
		errs = append(errs, wrapCtl("dtx", e.SetDTX(*cfg.DTX)))
	}
	if cfg.PacketLossPerc > 0 {
		errs = append(errs, wrapCtl("packet_loss_perc", e.SetPacketLossPerc(cfg.PacketLossPerc)))
	}
	if bw, ok := ParseBandwidth(cfg.MaxBandwidth); ok {
		errs = append(errs, wrapCtl("max_bandwidth", e.SetMaxBandwidth(bw)))
	}
	return errors.Join(errs...)
}

func wrapCtl(name string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("opus %s: %w", name, err)
}
