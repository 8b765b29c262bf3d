package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/koscakluka/ema-broadcast/core/translation"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	url          = "https://api.openai.com/v1/responses"
	defaultModel = "gpt-4.1-mini"
)

// Translator translates through the OpenAI Responses API.
type Translator struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
}

type TranslatorOption func(*Translator)

func WithAPIKey(apiKey string) TranslatorOption {
	return func(t *Translator) { t.apiKey = apiKey }
}

func WithModel(model string) TranslatorOption {
	return func(t *Translator) {
		if model != "" {
			t.model = model
		}
	}
}

func WithEndpoint(endpoint string) TranslatorOption {
	return func(t *Translator) { t.endpoint = endpoint }
}

func WithHTTPClient(client *http.Client) TranslatorOption {
	return func(t *Translator) {
		if client != nil {
			t.client = client
		}
	}
}

// NewTranslator falls back to OPENAI_API_KEY when no key is passed.
func NewTranslator(opts ...TranslatorOption) (*Translator, error) {
	t := &Translator{
		model:    defaultModel,
		endpoint: url,
		client:   &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	for _, opt := range opts {
		opt(t)
	}

	if t.apiKey == "" {
		apiKey, ok := os.LookupEnv("OPENAI_API_KEY")
		if !ok {
			return nil, fmt.Errorf("openai api key not found")
		}
		t.apiKey = apiKey
	}
	return t, nil
}

func (t *Translator) Translate(ctx context.Context, text, sourceLanguage, targetLanguage string) (string, error) {
	ctx, span := tracer.Start(ctx, "translate",
		trace.WithAttributes(
			attribute.String("language.source", sourceLanguage),
			attribute.String("language.target", targetLanguage),
			attribute.String("request.model", t.model),
		))
	defer span.End()

	translated, err := t.prompt(ctx, text, translation.Instructions(sourceLanguage, targetLanguage))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "translation failed")
		logger.Debug("translation failed", "target_language", targetLanguage, "error", err)
		return "", fmt.Errorf("openai translation to %s: %w: %w", targetLanguage, translation.ErrTranslationUnavailable, err)
	}

	translated = strings.TrimSpace(translated)
	if translated == "" {
		return "", fmt.Errorf("openai returned an empty translation to %s: %w", targetLanguage, translation.ErrTranslationUnavailable)
	}
	return translated, nil
}

func (t *Translator) prompt(ctx context.Context, prompt, instructions string) (string, error) {
	reqBody := requestBody{
		Model: t.model,
		Input: []openAIMessage{
			{Type: messageTypeMessage, Role: messageRoleDeveloper, Content: instructions},
			{Type: messageTypeMessage, Role: messageRoleUser, Content: prompt},
		},
	}

	requestBodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("error marshalling JSON: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewBuffer(requestBodyBytes))
	if err != nil {
		return "", fmt.Errorf("error creating HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("error reading response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &translation.StatusError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(bodyBytes)}
	}

	var body responseBody
	if err := json.Unmarshal(bodyBytes, &body); err != nil {
		return "", fmt.Errorf("error unmarshalling response body: %w", err)
	}
	return outputText(body)
}
