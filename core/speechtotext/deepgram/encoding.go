package deepgram

import (
	"fmt"

	"github.com/koscakluka/ema-broadcast/core/audio"
)

var listenSampleRates = map[int]bool{8000: true, 16000: true, 24000: true, 32000: true, 48000: true}

// validateEncoding rejects speaker audio the listen endpoint cannot decode as
// raw frames. Telephony codecs are only accepted at 8kHz.
func validateEncoding(encoding audio.EncodingInfo) error {
	if !listenSampleRates[encoding.SampleRate] {
		return fmt.Errorf("unsupported sample rate %d", encoding.SampleRate)
	}

	switch encoding.Format {
	case audio.EncodingLinear16:
		return nil
	case audio.EncodingALaw, audio.EncodingMulaw:
		if encoding.SampleRate != 8000 {
			return fmt.Errorf("%s audio must be sampled at 8000Hz, got %d", encoding.Format.Name(), encoding.SampleRate)
		}
		return nil
	}
	return fmt.Errorf("unsupported encoding %q", encoding.Format.Name())
}
