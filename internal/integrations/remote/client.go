// Package remote talks to the authoritative Balagruha server the offline
// queue is replayed against.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"balagruha-offline-sync/config"
	"balagruha-offline-sync/internal/core/apperror"
	"balagruha-offline-sync/internal/core/models"
	"balagruha-offline-sync/internal/core/payload"
	"balagruha-offline-sync/internal/utils"

	log "github.com/sirupsen/logrus"
)

// maxErrorBody caps how much of a failed response is kept in the record's error.
const maxErrorBody = 2048

// EntityKind selects the lookup endpoint of ResolveGeneratedID.
type EntityKind string

const (
	EntityUser    EntityKind = "user"
	EntityMachine EntityKind = "machine"
	EntityTask    EntityKind = "task"
)

// Valid reports whether k is one of the known entity kinds.
func (k EntityKind) Valid() bool {
	switch k {
	case EntityUser, EntityMachine, EntityTask:
		return true
	}
	return false
}

// Request is one replayed mutation.
type Request struct {
	Method      string
	Path        string
	Token       string
	Fields      payload.Fields
	Attachments []models.Attachment
}

// StatusError carries a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("remote returned status %d: %s", e.StatusCode, e.Body)
}

// Client sends queued requests to the remote server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	strategy   AttachmentStrategy
	fileFields map[string]bool
	resolvers  map[EntityKind]string
	retry      retryPolicy
	uploadDir  string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithAttachmentStrategy replaces the configured attachment strategy.
func WithAttachmentStrategy(s AttachmentStrategy) Option {
	return func(c *Client) { c.strategy = s }
}

// WithUploadDir restricts attachments to files inside dir.
func WithUploadDir(dir string) Option {
	return func(c *Client) { c.uploadDir = dir }
}

// WithRetryInterval sets the first retry delay, mainly for tests.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Client) { c.retry.initialInterval = d }
}

// NewClient creates a client from the remote configuration.
func NewClient(cfg config.RemoteConfig, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote base_url is not configured")
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid remote base_url %q: %w", cfg.BaseURL, err)
	}

	strategy, err := StrategyByName(cfg.AttachmentStrategy)
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		strategy:   strategy,
		fileFields: make(map[string]bool, len(cfg.FileFields)),
		resolvers:  make(map[EntityKind]string),
		retry:      newRetryPolicy(cfg.MaxRetries),
	}
	for _, f := range cfg.FileFields {
		c.fileFields[f] = true
	}
	for kind, tmpl := range cfg.ResolverEndpoints {
		k := EntityKind(strings.ToLower(kind))
		if !k.Valid() {
			return nil, fmt.Errorf("unknown resolver entity kind %q", kind)
		}
		c.resolvers[k] = tmpl
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SendJSON replays r with its fields as a JSON body.
func (c *Client) SendJSON(ctx context.Context, r Request) (json.RawMessage, error) {
	var body []byte
	if hasBody(r.Method) {
		fields := r.Fields
		if fields == nil {
			fields = payload.Fields{}
		}
		data, err := json.Marshal(fields)
		if err != nil {
			return nil, apperror.Wrap(apperror.CodeTransmission, "failed to encode JSON body", err)
		}
		body = data
	}

	return c.do(ctx, r.Method, r.Path, r.Token, func() (io.Reader, string, error) {
		if body == nil {
			return nil, "", nil
		}
		return bytes.NewReader(body), "application/json", nil
	})
}

// SendMultipart replays r as multipart/form-data, re-reading every attachment
// from its stored path.
func (c *Client) SendMultipart(ctx context.Context, r Request) (json.RawMessage, error) {
	if c.uploadDir != "" {
		for _, att := range r.Attachments {
			if !utils.WithinDir(c.uploadDir, att.Path) {
				return nil, apperror.New(apperror.CodeTransmission, fmt.Sprintf("attachment %s is outside the upload directory", att.Path))
			}
		}
	}
	return c.do(ctx, r.Method, r.Path, r.Token, func() (io.Reader, string, error) {
		return buildMultipart(r, c.strategy, c.fileFields)
	})
}

// ResolveGeneratedID looks up the server-assigned id of an entity created
// offline. The lookup endpoints answer in several shapes; data.id, data._id,
// id and _id are accepted.
func (c *Client) ResolveGeneratedID(ctx context.Context, kind EntityKind, generatedID, token string) (string, error) {
	if generatedID == "" {
		return "", apperror.New(apperror.CodeResolution, fmt.Sprintf("no generatedId to resolve for %s", kind))
	}
	tmpl, ok := c.resolvers[kind]
	if !ok {
		return "", apperror.New(apperror.CodeResolution, fmt.Sprintf("no resolver endpoint configured for %s", kind))
	}
	path := strings.ReplaceAll(tmpl, "{generatedId}", url.PathEscape(generatedID))

	body, err := c.do(ctx, http.MethodGet, path, token, func() (io.Reader, string, error) {
		return nil, "", nil
	})
	if err != nil {
		return "", apperror.Wrap(apperror.CodeResolution, fmt.Sprintf("failed to resolve %s %s", kind, generatedID), err)
	}

	id, err := extractID(body)
	if err != nil {
		return "", apperror.Wrap(apperror.CodeResolution, fmt.Sprintf("failed to resolve %s %s", kind, generatedID), err)
	}
	log.WithFields(log.Fields{
		"kind":        kind,
		"generatedId": generatedID,
		"resolvedId":  id,
	}).Debug("Resolved generated id")
	return id, nil
}

// bodyFunc builds a fresh request body for every attempt.
type bodyFunc func() (io.Reader, string, error)

func (c *Client) do(ctx context.Context, method, path, token string, newBody bodyFunc) (json.RawMessage, error) {
	if method == "" {
		method = models.DefaultMethod
	}
	target := c.baseURL + "/" + strings.TrimLeft(path, "/")

	var result json.RawMessage
	err := c.retry.run(ctx, method, func() error {
		body, contentType, err := newBody()
		if err != nil {
			return permanent(apperror.Wrap(apperror.CodeTransmission, "failed to build request body", err))
		}

		req, err := http.NewRequestWithContext(ctx, method, target, body)
		if err != nil {
			return permanent(apperror.Wrap(apperror.CodeTransmission, "failed to create request", err))
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		req.Header.Set("Accept", "application/json")
		if token != "" {
			req.Header.Set("Authorization", token)
		}

		log.Debugf("Replaying %s %s", method, target)
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return apperror.Wrap(apperror.CodeTransmission, fmt.Sprintf("%s %s failed", method, path), err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return apperror.Wrap(apperror.CodeTransmission, "failed to read response", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return apperror.Wrap(apperror.CodeTransmission, fmt.Sprintf("%s %s rejected", method, path), &StatusError{
				StatusCode: resp.StatusCode,
				Body:       truncate(strings.TrimSpace(string(data)), maxErrorBody),
			})
		}

		result = json.RawMessage(data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func extractID(body []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		return "", fmt.Errorf("lookup response is not a JSON object: %w", err)
	}

	if data, ok := doc["data"].(map[string]interface{}); ok {
		if id := idField(data); id != "" {
			return id, nil
		}
	}
	if id := idField(doc); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("lookup response carries no id")
}

func idField(m map[string]interface{}) string {
	for _, key := range []string{"id", "_id"} {
		switch v := m[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}

func hasBody(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead:
		return false
	}
	return true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
