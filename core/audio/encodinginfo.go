package audio

import "time"

const (
	DefaultSampleRate = 16000
	DefaultFormat     = "linear16"
)

func GetDefaultEncodingInfo() EncodingInfo {
	return EncodingInfo{SampleRate: DefaultSampleRate, Format: encodingFormat(DefaultFormat)}
}

// EncodingInfo describes raw speaker audio as it arrives over the transport.
type EncodingInfo struct {
	SampleRate int
	Format     encodingFormat
}

func (e EncodingInfo) IsZero() bool {
	return e.SampleRate == 0 || e.Format.Name() == ""
}

func (e EncodingInfo) SilenceValue() byte {
	switch e.Format {
	case encodingFormat("alaw"):
		return 0x55
	case encodingFormat("mulaw"):
		return 0xFF
	case encodingFormat("linear16"):
		return 0
	}

	return 0
}

// Duration approximates the playback length of n bytes of audio in this
// encoding. Unknown encodings report zero.
func (e EncodingInfo) Duration(n int) time.Duration {
	byteSize := e.Format.ByteSize()
	if e.SampleRate <= 0 || byteSize <= 0 {
		return 0
	}

	return time.Duration(float64(n) / float64(e.SampleRate) * float64(time.Second) / float64(byteSize))
}

// Bytes is the inverse of [EncodingInfo.Duration].
func (e EncodingInfo) Bytes(duration time.Duration) int {
	byteSize := e.Format.ByteSize()
	if e.SampleRate <= 0 || byteSize <= 0 {
		return 0
	}

	return int(float64(duration) / float64(time.Second) * float64(e.SampleRate) * float64(byteSize))
}

// ParseEncodingFormat maps a configured format name onto a known encoding.
func ParseEncodingFormat(name string) (encodingFormat, bool) {
	switch format := encodingFormat(name); format {
	case EncodingMulaw, EncodingALaw, EncodingLinear16:
		return format, true
	}
	return "", false
}

type encodingFormat string

func (e encodingFormat) Name() string {
	return string(e)
}

func (e encodingFormat) ByteSize() int {
	switch e {
	case encodingFormat("mulaw"), encodingFormat("alaw"):
		return 1
	case encodingFormat("linear16"):
		return 2
	}
	return -1
}

const (
	EncodingMulaw    encodingFormat = "mulaw"
	EncodingALaw     encodingFormat = "alaw"
	EncodingLinear16 encodingFormat = "linear16"
)
