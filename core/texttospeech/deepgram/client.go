package deepgram

import (
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-broadcast/core/audio"
)

const defaultEndpoint = "wss://api.deepgram.com/v1/speak"

// TextToSpeechClient renders text through Deepgram's speak websocket. Every
// call to Synthesize uses its own connection, so the client is safe for
// concurrent use.
type TextToSpeechClient struct {
	apiKey   string
	endpoint string
	dialer   *websocket.Dialer
	encoding audio.EncodingInfo
	voices   map[string]deepgramVoice
}

type TextToSpeechOption func(*TextToSpeechClient)

func WithAPIKey(apiKey string) TextToSpeechOption {
	return func(c *TextToSpeechClient) { c.apiKey = apiKey }
}

// WithEndpoint overrides the speak websocket URL.
func WithEndpoint(endpoint string) TextToSpeechOption {
	return func(c *TextToSpeechClient) { c.endpoint = endpoint }
}

func WithDialer(dialer *websocket.Dialer) TextToSpeechOption {
	return func(c *TextToSpeechClient) {
		if dialer != nil {
			c.dialer = dialer
		}
	}
}

// WithEncodingInfo sets the encoding used when a voice profile does not carry
// its own.
func WithEncodingInfo(encoding audio.EncodingInfo) TextToSpeechOption {
	return func(c *TextToSpeechClient) {
		if !encoding.IsZero() {
			c.encoding = encoding
		}
	}
}

// WithVoice sets the default voice for a language.
func WithVoice(language string, voice string) TextToSpeechOption {
	return func(c *TextToSpeechClient) { c.voices[language] = deepgramVoice(voice) }
}

// NewTextToSpeechClient falls back to DEEPGRAM_API_KEY when no key is passed.
func NewTextToSpeechClient(opts ...TextToSpeechOption) (*TextToSpeechClient, error) {
	client := &TextToSpeechClient{
		endpoint: defaultEndpoint,
		dialer:   websocket.DefaultDialer,
		encoding: audio.GetDefaultEncodingInfo(),
		voices:   defaultVoices(),
	}
	for _, opt := range opts {
		opt(client)
	}

	if client.apiKey == "" {
		apiKey, ok := os.LookupEnv("DEEPGRAM_API_KEY")
		if !ok {
			return nil, fmt.Errorf("deepgram api key not found")
		}
		client.apiKey = apiKey
	}

	if _, err := url.Parse(client.endpoint); err != nil {
		return nil, fmt.Errorf("invalid deepgram endpoint: %w", err)
	}

	return client, nil
}

func (c *TextToSpeechClient) speakURL(voice deepgramVoice, encoding audio.EncodingInfo) string {
	speakURL, _ := url.Parse(c.endpoint)
	query := speakURL.Query()
	query.Set("model", string(voice))
	query.Set("encoding", encoding.Format.Name())
	query.Set("sample_rate", fmt.Sprint(encoding.SampleRate))
	query.Set("container", "none")
	speakURL.RawQuery = query.Encode()
	return speakURL.String()
}

func (c *TextToSpeechClient) header() http.Header {
	return http.Header{"Authorization": {"Token " + c.apiKey}}
}
