//go:build cgo

package playback

import (
	"fmt"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/speaker"
)

// speakerRate is the rate the sound card is opened at; the timeline is
// resampled up to it.
const speakerRate = beep.SampleRate(48000)

// StartSpeaker plays the device through the default sound card.
func StartSpeaker(d *TimelineDevice, buffer time.Duration) error {
	if err := speaker.Init(speakerRate, speakerRate.N(buffer)); err != nil {
		return fmt.Errorf("init speaker: %w", err)
	}
	speaker.Play(beep.Resample(4, d.rate, speakerRate, d))
	return nil
}

// StopSpeaker closes the sound card.
func StopSpeaker() {
	speaker.Close()
}
