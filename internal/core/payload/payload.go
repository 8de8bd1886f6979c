// Package payload converts between the serialized JSON text stored in the
// queue and the structured values the replay engine works with.
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"balagruha-offline-sync/internal/core/models"
)

// GeneratedIDField is the payload key carrying the locally generated id.
const GeneratedIDField = "generatedId"

// Fields is a decoded request body.
type Fields map[string]interface{}

// Encode normalizes v into JSON object text. Strings and byte slices must
// already hold JSON; nil and blank input become "{}".
func Encode(v interface{}) (string, error) {
	var raw []byte
	switch p := v.(type) {
	case nil:
		return models.EmptyPayload, nil
	case string:
		raw = []byte(p)
	case []byte:
		raw = p
	case json.RawMessage:
		raw = p
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return "", fmt.Errorf("marshal payload: %w", err)
		}
		raw = data
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return models.EmptyPayload, nil
	}
	if _, err := Decode(string(trimmed)); err != nil {
		return "", err
	}
	return string(trimmed), nil
}

// Decode parses stored payload text into Fields. Numbers are kept as
// json.Number so that re-encoding does not change them.
func Decode(s string) (Fields, error) {
	if strings.TrimSpace(s) == "" {
		return Fields{}, nil
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var fields Fields
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("payload has data after the JSON object")
	}
	if fields == nil {
		fields = Fields{}
	}
	return fields, nil
}

// Marshal serializes fields back to JSON text.
func (f Fields) Marshal() (string, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

// WithGeneratedID sets the generatedId field on s and returns the new text.
func WithGeneratedID(s, generatedID string) (string, error) {
	fields, err := Decode(s)
	if err != nil {
		return "", err
	}
	fields[GeneratedIDField] = generatedID
	return fields.Marshal()
}

// GeneratedID extracts a string generatedId from the payload, if present.
func GeneratedID(s string) string {
	fields, err := Decode(s)
	if err != nil {
		return ""
	}
	id, _ := fields[GeneratedIDField].(string)
	return id
}

// EncodeAttachments serializes attachment metadata, "[]" when empty.
func EncodeAttachments(atts []models.Attachment) (string, error) {
	if len(atts) == 0 {
		return models.EmptyAttachments, nil
	}
	data, err := json.Marshal(atts)
	if err != nil {
		return "", fmt.Errorf("marshal attachments: %w", err)
	}
	return string(data), nil
}

// DecodeAttachments parses the stored attachment string.
func DecodeAttachments(s string) ([]models.Attachment, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var atts []models.Attachment
	if err := json.Unmarshal([]byte(s), &atts); err != nil {
		return nil, fmt.Errorf("attachment string is not a JSON array: %w", err)
	}
	return atts, nil
}
