package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"balagruha-offline-sync/internal/core/models"
)

// AttachmentStrategy decides under which form keys a stored file is sent.
type AttachmentStrategy interface {
	Name() string
	Keys(index int, att models.Attachment) []string
}

// DualKeyAttachmentStrategy sends every file twice: under its position and
// under its original field name. Some receivers read one, some the other.
type DualKeyAttachmentStrategy struct{}

func (DualKeyAttachmentStrategy) Name() string { return "dual" }

func (DualKeyAttachmentStrategy) Keys(index int, att models.Attachment) []string {
	positional := strconv.Itoa(index)
	if att.FieldName == "" || att.FieldName == positional {
		return []string{positional}
	}
	return []string{positional, att.FieldName}
}

// SingleKeyAttachmentStrategy sends every file once under its field name.
type SingleKeyAttachmentStrategy struct{}

func (SingleKeyAttachmentStrategy) Name() string { return "single" }

func (SingleKeyAttachmentStrategy) Keys(index int, att models.Attachment) []string {
	if att.FieldName == "" {
		return []string{strconv.Itoa(index)}
	}
	return []string{att.FieldName}
}

// StrategyByName maps the configured name to a strategy; empty means dual.
func StrategyByName(name string) (AttachmentStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "dual":
		return DualKeyAttachmentStrategy{}, nil
	case "single":
		return SingleKeyAttachmentStrategy{}, nil
	}
	return nil, fmt.Errorf("unknown attachment strategy %q", name)
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// buildMultipart writes the flat payload fields and the attachments of r.
// Fields that hold file metadata are left out of the flat part.
func buildMultipart(r Request, strategy AttachmentStrategy, fileFields map[string]bool) (io.Reader, string, error) {
	excluded := make(map[string]bool, len(fileFields)+len(r.Attachments))
	for f := range fileFields {
		excluded[f] = true
	}
	for _, att := range r.Attachments {
		if att.FieldName != "" {
			excluded[att.FieldName] = true
		}
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	keys := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if excluded[key] {
			continue
		}
		value, ok, err := formValue(r.Fields[key])
		if err != nil {
			return nil, "", fmt.Errorf("field %s: %w", key, err)
		}
		if !ok {
			continue
		}
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", key, err)
		}
	}

	for i, att := range r.Attachments {
		data, err := os.ReadFile(att.Path)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read attachment %s: %w", att.Path, err)
		}
		for _, key := range strategy.Keys(i, att) {
			part, err := writer.CreatePart(fileHeader(key, att))
			if err != nil {
				return nil, "", fmt.Errorf("failed to create part %s: %w", key, err)
			}
			if _, err := part.Write(data); err != nil {
				return nil, "", fmt.Errorf("failed to write attachment %s: %w", att.Path, err)
			}
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return body, writer.FormDataContentType(), nil
}

// formValue flattens a payload value; strings are sent verbatim, everything
// else as JSON. nil values are dropped.
func formValue(v interface{}) (string, bool, error) {
	switch val := v.(type) {
	case nil:
		return "", false, nil
	case string:
		return val, true, nil
	case json.Number:
		return val.String(), true, nil
	case bool:
		return strconv.FormatBool(val), true, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

func fileHeader(key string, att models.Attachment) textproto.MIMEHeader {
	filename := att.OriginalName
	if filename == "" {
		filename = filepath.Base(att.Path)
	}
	contentType := att.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		quoteEscaper.Replace(key), quoteEscaper.Replace(filename)))
	h.Set("Content-Type", contentType)
	return h
}
