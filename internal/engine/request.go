package engine

import (
	"strings"
)

// RequestContent is what the estimators need out of an OpenAI request body:
// the tokenizable text, the message count, and the completion-token
// reservation.
type RequestContent struct {
	Text         string
	MessageCount int
	MaxTokens    int
	HasMaxTokens bool
}

// ParseRequestContent extracts tokenizable content from a chat-completion,
// text-completion, or embedding request body. Message contents are joined
// with sep; multi-modal content arrays contribute their text parts only.
func ParseRequestContent(body map[string]any, sep string) RequestContent {
	var rc RequestContent
	if mt, ok := numberField(body, "max_tokens"); ok {
		rc.MaxTokens, rc.HasMaxTokens = mt, true
	} else if mt, ok := numberField(body, "max_completion_tokens"); ok {
		rc.MaxTokens, rc.HasMaxTokens = mt, true
	}

	var sb strings.Builder
	appendPart := func(s string) {
		if sb.Len() > 0 {
			sb.WriteString(sep)
		}
		sb.WriteString(s)
	}

	switch {
	case body["messages"] != nil:
		msgs, _ := body["messages"].([]any)
		for _, m := range msgs {
			msg, ok := m.(map[string]any)
			if !ok {
				continue
			}
			rc.MessageCount++
			switch content := msg["content"].(type) {
			case string:
				appendPart(content)
			case []any:
				for _, item := range content {
					part, ok := item.(map[string]any)
					if !ok || part["type"] != "text" {
						continue
					}
					if text, ok := part["text"].(string); ok {
						appendPart(text)
					}
				}
			}
		}
	case body["prompt"] != nil:
		switch p := body["prompt"].(type) {
		case string:
			appendPart(p)
		case []any:
			for _, item := range p {
				if s, ok := item.(string); ok {
					appendPart(s)
				}
			}
		}
	case body["input"] != nil:
		switch in := body["input"].(type) {
		case string:
			appendPart(in)
		case []any:
			for _, item := range in {
				if s, ok := item.(string); ok {
					appendPart(s)
				}
			}
		}
	}
	rc.Text = sb.String()
	return rc
}

// numberField reads an integer-valued JSON number, tolerating the types the
// different decoders produce.
func numberField(body map[string]any, key string) (int, bool) {
	switch v := body[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	}
	return 0, false
}
