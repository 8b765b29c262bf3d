package groq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/koscakluka/ema-broadcast/core/translation"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// promptJSONSchema asks the model for a response matching the JSON schema of
// T and decodes it.
func promptJSONSchema[T any](
	ctx context.Context,
	client *http.Client,
	endpoint string,
	apiKey string,
	model string,
	prompt string,
	systemPrompt string,
) (*T, error) {
	ctx, span := tracer.Start(ctx, "request structured translation")
	defer span.End()

	recordError := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	reflector := jsonschema.Reflector{DoNotReference: true}
	outputType := reflect.TypeFor[T]()
	schema := reflector.ReflectFromType(outputType)

	reqBody := schemaRequestBody{
		Model:    model,
		Messages: toMessages(systemPrompt, prompt),
		ResponseFormat: &chatResponseFormat{
			Type: "json_schema",
			JSONSchema: &jsonSchema{
				Name:   outputType.Name(),
				Schema: *schema,
				Strict: true,
			},
		},
	}

	span.SetAttributes(attribute.String("request.model", model))

	requestBodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, recordError(fmt.Errorf("error marshalling JSON: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(requestBodyBytes))
	if err != nil {
		return nil, recordError(fmt.Errorf("error creating HTTP request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return nil, recordError(fmt.Errorf("error sending request: %w", err))
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("response.status_code", resp.StatusCode))
	respBodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, recordError(fmt.Errorf("error reading response body: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		span.SetAttributes(attribute.String("response.error", string(respBodyBytes)))
		return nil, recordError(&translation.StatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(respBodyBytes),
		})
	}

	var responseBody schemaResponseBody
	if err := json.Unmarshal(respBodyBytes, &responseBody); err != nil {
		return nil, recordError(fmt.Errorf("error unmarshalling response body: %w", err))
	}
	if len(responseBody.Choices) == 0 {
		return nil, recordError(fmt.Errorf("response has no choices"))
	}

	content := responseBody.Choices[0].Message.Content
	// Some models wrap the JSON in a fenced block despite the schema.
	if split := strings.Split(content, "```"); len(split) > 1 {
		content = strings.TrimPrefix(split[1], "json")
	}

	var output T
	if err := json.Unmarshal([]byte(content), &output); err != nil {
		return nil, recordError(fmt.Errorf("error unmarshalling response: %w", err))
	}
	return &output, nil
}

type schemaRequestBody struct {
	Model          string              `json:"model"`
	Messages       []message           `json:"messages"`
	ResponseFormat *chatResponseFormat `json:"response_format,omitempty"`
}

type chatResponseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *jsonSchema `json:"json_schema,omitempty"`
}

type jsonSchema struct {
	// Name identifies the schema in the response.
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Schema      jsonschema.Schema `json:"schema"`
	// Strict enforces the schema upon the generated content.
	Strict bool `json:"strict"`
}

type schemaResponseBody struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role,omitempty"`
			Content string `json:"content,omitempty"`
		} `json:"message"`
	} `json:"choices"`
}
