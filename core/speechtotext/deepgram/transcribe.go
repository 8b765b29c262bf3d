package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-broadcast/core/audio"
	"github.com/koscakluka/ema-broadcast/core/speechtotext"
)

const (
	defaultEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel    = "nova-3"
	// frameSize keeps individual websocket frames small regardless of the
	// window size.
	frameSize = 8 * 1024
)

// TranscriptionClient transcribes whole audio windows through Deepgram's
// listen websocket, one connection per window.
type TranscriptionClient struct {
	apiKey   string
	endpoint string
	model    string
	dialer   *websocket.Dialer
	encoding audio.EncodingInfo
}

type TranscriptionOption func(*TranscriptionClient)

func WithAPIKey(apiKey string) TranscriptionOption {
	return func(c *TranscriptionClient) { c.apiKey = apiKey }
}

func WithEndpoint(endpoint string) TranscriptionOption {
	return func(c *TranscriptionClient) { c.endpoint = endpoint }
}

func WithModel(model string) TranscriptionOption {
	return func(c *TranscriptionClient) {
		if model != "" {
			c.model = model
		}
	}
}

func WithDialer(dialer *websocket.Dialer) TranscriptionOption {
	return func(c *TranscriptionClient) {
		if dialer != nil {
			c.dialer = dialer
		}
	}
}

func WithEncodingInfo(encodingInfo audio.EncodingInfo) TranscriptionOption {
	return func(c *TranscriptionClient) { c.encoding = encodingInfo }
}

// NewTranscriptionClient falls back to DEEPGRAM_API_KEY when no key is passed.
func NewTranscriptionClient(opts ...TranscriptionOption) (*TranscriptionClient, error) {
	client := &TranscriptionClient{
		endpoint: defaultEndpoint,
		model:    defaultModel,
		dialer:   websocket.DefaultDialer,
		encoding: audio.GetDefaultEncodingInfo(),
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

	if err := validateEncoding(client.encoding); err != nil {
		return nil, fmt.Errorf("invalid encoding: %w", err)
	}
	return client, nil
}

// Transcribe streams the window, closes the stream and gathers every final
// result Deepgram sends before closing the socket.
func (c *TranscriptionClient) Transcribe(ctx context.Context, window []byte, languageHint string) (speechtotext.Transcript, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.listenURL(languageHint),
		http.Header{"Authorization": {"Token " + c.apiKey}})
	if err != nil {
		return speechtotext.Transcript{}, fmt.Errorf("failed to open socket connection to deepgram: %w: %w", speechtotext.ErrTranscriptionUnavailable, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}

	// Deepgram only answers once it has audio, so reading happens
	// concurrently with sending.
	results := make(chan transcriptResult, 1)
	go func() { results <- readTranscript(conn) }()

	if err := sendWindow(conn, window); err != nil {
		return speechtotext.Transcript{}, fmt.Errorf("failed to stream audio to deepgram: %w: %w", speechtotext.ErrTranscriptionUnavailable, err)
	}

	result := <-results
	if result.err != nil {
		err := result.err
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errors.Join(err, ctxErr)
		}
		return speechtotext.Transcript{}, fmt.Errorf("failed to read deepgram transcript: %w: %w", speechtotext.ErrTranscriptionUnavailable, err)
	}

	result.transcript.Language = languageHint
	return result.transcript, nil
}

func (c *TranscriptionClient) listenURL(languageHint string) string {
	listenURL, _ := url.Parse(c.endpoint)
	queryParams := listenURL.Query()
	queryParams.Set("encoding", c.encoding.Format.Name())
	queryParams.Set("sample_rate", strconv.Itoa(c.encoding.SampleRate))
	queryParams.Set("channels", "1")
	queryParams.Set("model", c.model)
	queryParams.Set("smart_format", "true")
	if languageHint != "" {
		queryParams.Set("language", languageHint)
	} else {
		queryParams.Set("language", "multi")
	}
	listenURL.RawQuery = queryParams.Encode()
	return listenURL.String()
}

func sendWindow(conn *websocket.Conn, window []byte) error {
	for start := 0; start < len(window); start += frameSize {
		end := min(start+frameSize, len(window))
		if err := conn.WriteMessage(websocket.BinaryMessage, window[start:end]); err != nil {
			return err
		}
	}

	return conn.WriteJSON(struct {
		Type string `json:"type"`
	}{Type: string(api.TypeCloseStreamResponse)})
}

type transcriptResult struct {
	transcript speechtotext.Transcript
	err        error
}

func readTranscript(conn *websocket.Conn) transcriptResult {
	segments := []string{}
	confidence := 0.0

	done := func() transcriptResult {
		transcript := speechtotext.Transcript{Text: strings.Join(segments, " ")}
		if len(segments) > 0 {
			transcript.Confidence = confidence / float64(len(segments))
		}
		return transcriptResult{transcript: transcript}
	}

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return done()
			}
			return transcriptResult{err: err}
		}
		if msgType == websocket.BinaryMessage {
			continue
		}

		var parsedMsg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(msg, &parsedMsg); err != nil {
			logger.Debug("failed to unmarshal deepgram message", "error", err)
			continue
		}

		switch api.TypeResponse(parsedMsg.Type) {
		case api.TypeMessageResponse:
			var msgResp api.MessageResponse
			if err := json.Unmarshal(msg, &msgResp); err != nil {
				logger.Debug("failed to unmarshal deepgram transcript", "error", err)
				continue
			}
			if !msgResp.IsFinal || len(msgResp.Channel.Alternatives) == 0 {
				continue
			}
			alternative := msgResp.Channel.Alternatives[0]
			if transcript := strings.TrimSpace(alternative.Transcript); transcript != "" {
				segments = append(segments, transcript)
				confidence += alternative.Confidence
			}
		case "Metadata":
			// Sent last, right before Deepgram closes the stream.
			return done()
		case "Error":
			return transcriptResult{err: fmt.Errorf("deepgram error: %s", msg)}
		}
	}
}
