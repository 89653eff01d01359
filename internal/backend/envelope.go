package backend

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"unicode/utf8"

	apperrors "github.com/ailways/study-relay/internal/errors"
)

const previewLimit = 160

type envelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   json.RawMessage `json:"error"`
}

// Preview shortens text to max runes, marking the cut with an ellipsis.
func Preview(text string, max int) string {
	if utf8.RuneCountInString(text) <= max {
		return text
	}
	runes := []rune(text)
	return string(runes[:max]) + "…"
}

// parseEnvelope unwraps a successful response body. A 204 yields no data.
func parseEnvelope(status int, raw []byte) (json.RawMessage, error) {
	if status == http.StatusNoContent {
		return nil, nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Success == nil {
		return nil, apperrors.InvalidEnvelope(status)
	}

	if !*env.Success {
		message, code := envelopeError(env.Error)
		return nil, apperrors.Backend(status, message, apperrors.ErrorCode(code))
	}
	return env.Data, nil
}

// envelopeError reads the error member, which is either a plain string or
// an object with optional code and message.
func envelopeError(raw json.RawMessage) (message, code string) {
	const fallback = "Request failed"

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if text == "" {
			return fallback, ""
		}
		return text, ""
	}

	var obj struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Message == "" {
			obj.Message = fallback
		}
		return obj.Message, obj.Code
	}
	return fallback, ""
}

// errorFromBody builds the error for a non-2xx response. Envelope bodies keep
// their code; other JSON bodies contribute the first recognizable message
// field; anything else is previewed as text.
func errorFromBody(status int, contentType string, raw []byte) error {
	trimmed := bytes.TrimSpace(raw)
	looksJSON := strings.Contains(contentType, "application/json") ||
		bytes.HasPrefix(trimmed, []byte("{")) ||
		bytes.HasPrefix(trimmed, []byte("["))

	if looksJSON {
		var env envelope
		if err := json.Unmarshal(trimmed, &env); err == nil && env.Success != nil {
			message, code := envelopeError(env.Error)
			return apperrors.Backend(status, message, apperrors.ErrorCode(code)).WithDetails(json.RawMessage(trimmed))
		}

		var payload any
		if len(trimmed) == 0 {
			payload = map[string]any{}
		} else if err := json.Unmarshal(trimmed, &payload); err != nil {
			payload = nil
		}
		if payload != nil {
			message := extractErrorMessage(payload)
			if message == "" {
				message = Preview(string(raw), previewLimit)
			}
			return apperrors.Backend(status, message, "")
		}
	}

	return apperrors.Backend(status, "Request failed - "+Preview(string(raw), previewLimit), "")
}

// extractErrorMessage looks for the message fields common to Spring and
// OAuth error bodies.
func extractErrorMessage(payload any) string {
	record, ok := payload.(map[string]any)
	if !ok {
		return ""
	}

	for _, key := range []string{"message", "error_description", "error", "detail"} {
		if s, ok := record[key].(string); ok {
			return s
		}
	}

	if errs, ok := record["errors"].([]any); ok && len(errs) > 0 {
		if first, ok := errs[0].(map[string]any); ok {
			if s, ok := first["defaultMessage"].(string); ok {
				return s
			}
		}
	}
	return ""
}
