package groq

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/koscakluka/ema-broadcast/core/translation"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	url          = "https://api.groq.com/openai/v1/chat/completions"
	defaultModel = "openai/gpt-oss-20b"
)

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

// NewTranslator falls back to GROQ_API_KEY when no key is passed.
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
		apiKey, ok := os.LookupEnv("GROQ_API_KEY")
		if !ok {
			return nil, fmt.Errorf("groq api key not found")
		}
		t.apiKey = apiKey
	}
	return t, nil
}

type translationOutput struct {
	Translation string `json:"translation" jsonschema:"description=The message translated into the target language"`
}

func (t *Translator) Translate(ctx context.Context, text, sourceLanguage, targetLanguage string) (string, error) {
	ctx, span := tracer.Start(ctx, "translate",
		trace.WithAttributes(
			attribute.String("language.source", sourceLanguage),
			attribute.String("language.target", targetLanguage),
		))
	defer span.End()

	output, err := promptJSONSchema[translationOutput](ctx,
		t.client, t.endpoint, t.apiKey, t.model,
		text, translation.Instructions(sourceLanguage, targetLanguage))
	if err != nil {
		logger.Debug("translation failed", "target_language", targetLanguage, "error", err)
		return "", fmt.Errorf("groq translation to %s: %w: %w", targetLanguage, translation.ErrTranslationUnavailable, err)
	}

	translated := strings.TrimSpace(output.Translation)
	if translated == "" {
		return "", fmt.Errorf("groq returned an empty translation to %s: %w", targetLanguage, translation.ErrTranslationUnavailable)
	}
	return translated, nil
}
