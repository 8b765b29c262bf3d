package openai

import (
	"encoding/json"
	"fmt"
	"strings"
)

type openAIMessage struct {
	Type    messageType `json:"type"`
	Role    messageRole `json:"role,omitempty"`
	Content string      `json:"content,omitempty"`
}

type messageRole string

const (
	messageRoleDeveloper messageRole = "developer"
	messageRoleUser      messageRole = "user"
)

type messageType string

const messageTypeMessage messageType = "message"

type requestBody struct {
	Model  string          `json:"model"`
	Input  []openAIMessage `json:"input"`
	Stream bool            `json:"stream"`
}

type responseBody struct {
	Output []json.RawMessage `json:"output"`
}

type responseOutputType struct {
	Type string `json:"type"`
}

type responseOutputMessage struct {
	Content []json.RawMessage `json:"content,omitempty"`
}

type responseContentText struct {
	Text string `json:"text"`
}

type responseContentRefusal struct {
	Refusal string `json:"refusal"`
}

// outputText collects the text of every message output item. A refusal is an
// error, the refused text is not a translation.
func outputText(body responseBody) (string, error) {
	var text strings.Builder
	for _, output := range body.Output {
		var outputType responseOutputType
		if err := json.Unmarshal(output, &outputType); err != nil {
			return "", fmt.Errorf("error unmarshalling output type: %w", err)
		}
		if outputType.Type != "message" {
			continue
		}

		var message responseOutputMessage
		if err := json.Unmarshal(output, &message); err != nil {
			return "", fmt.Errorf("error unmarshalling output message: %w", err)
		}
		for _, content := range message.Content {
			var contentType responseOutputType
			if err := json.Unmarshal(content, &contentType); err != nil {
				return "", fmt.Errorf("error unmarshalling output message content: %w", err)
			}
			switch contentType.Type {
			case "output_text":
				var outputText responseContentText
				if err := json.Unmarshal(content, &outputText); err != nil {
					return "", fmt.Errorf("error unmarshalling output text: %w", err)
				}
				text.WriteString(outputText.Text)
			case "refusal":
				var refusal responseContentRefusal
				if err := json.Unmarshal(content, &refusal); err != nil {
					return "", fmt.Errorf("error unmarshalling refusal: %w", err)
				}
				return "", fmt.Errorf("model refused: %s", refusal.Refusal)
			}
		}
	}
	return text.String(), nil
}
