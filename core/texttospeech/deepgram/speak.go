package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-broadcast/core/texttospeech"
)

type websocketMessage struct {
	Type string `json:"type"`
}

type speakMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

var (
	flushMsg = websocketMessage{Type: "Flush"}
	closeMsg = websocketMessage{Type: "Close"}
)

// Synthesize speaks text, flushes and collects binary audio frames until
// Deepgram confirms the flush.
func (c *TextToSpeechClient) Synthesize(ctx context.Context, text, language string, profile texttospeech.VoiceProfile) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("nothing to synthesize: %w", texttospeech.ErrSynthesisUnavailable)
	}

	voice := deepgramVoice(profile.Voice)
	if voice == "" {
		var ok bool
		if voice, ok = c.voices[language]; !ok {
			return nil, fmt.Errorf("no deepgram voice for %q: %w", language, texttospeech.ErrSynthesisUnavailable)
		}
	}
	encoding := profile.Encoding
	if encoding.IsZero() {
		encoding = c.encoding
	}

	conn, _, err := c.dialer.DialContext(ctx, c.speakURL(voice, encoding), c.header())
	if err != nil {
		return nil, fmt.Errorf("failed to open socket connection to deepgram: %w: %w", texttospeech.ErrSynthesisUnavailable, err)
	}
	defer conn.Close()

	// Unblocks the read loop when the caller gives up.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}

	if err := conn.WriteJSON(speakMessage{Type: "Speak", Text: text}); err != nil {
		return nil, fmt.Errorf("failed to send text to deepgram: %w: %w", texttospeech.ErrSynthesisUnavailable, err)
	}
	if err := conn.WriteJSON(flushMsg); err != nil {
		return nil, fmt.Errorf("failed to flush deepgram buffer: %w: %w", texttospeech.ErrSynthesisUnavailable, err)
	}

	audio, err := collectAudio(conn)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errors.Join(err, ctxErr)
		}
		return nil, fmt.Errorf("failed to read speech from deepgram: %w: %w", texttospeech.ErrSynthesisUnavailable, err)
	}

	_ = conn.WriteJSON(closeMsg)
	return audio, nil
}

func collectAudio(conn *websocket.Conn) ([]byte, error) {
	audio := []byte{}
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}

		switch msgType {
		case websocket.BinaryMessage:
			audio = append(audio, msg...)
		case websocket.TextMessage:
			var parsedMsg websocketMessage
			if err := json.Unmarshal(msg, &parsedMsg); err != nil {
				continue
			}
			switch parsedMsg.Type {
			case "Flushed":
				if len(audio) == 0 {
					return nil, fmt.Errorf("flushed without audio")
				}
				return audio, nil
			case "Error":
				return nil, fmt.Errorf("deepgram error: %s", msg)
			}
		}
	}
}
