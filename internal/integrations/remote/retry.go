package remote

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

// retryPolicy retries transient failures. Lookups (GET, HEAD) are retried on
// any network error and on 5xx or 429. Mutations are only retried when the
// server cannot have applied them: the connection was never established, or
// the server answered 429 or 503.
type retryPolicy struct {
	maxRetries      int
	initialInterval time.Duration
}

func newRetryPolicy(maxRetries int) retryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return retryPolicy{maxRetries: maxRetries, initialInterval: 500 * time.Millisecond}
}

func (p retryPolicy) run(ctx context.Context, method string, attempt func() error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.initialInterval
	exp.MaxInterval = 10 * time.Second
	exp.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.maxRetries)), ctx)
	idempotent := isIdempotent(method)

	return backoff.RetryNotify(func() error {
		err := attempt()
		if err == nil || isTransient(ctx, err, idempotent) {
			return err
		}
		return permanent(err)
	}, b, func(err error, wait time.Duration) {
		log.Warnf("Remote call failed, retrying in %s: %v", wait, err)
	})
}

func permanent(err error) error {
	var p *backoff.PermanentError
	if errors.As(err, &p) {
		return err
	}
	return backoff.Permanent(err)
}

func isIdempotent(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead:
		return true
	}
	return false
}

func isTransient(ctx context.Context, err error, idempotent bool) bool {
	if ctx.Err() != nil {
		return false
	}
	var p *backoff.PermanentError
	if errors.As(err, &p) {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		switch {
		case status.StatusCode == http.StatusTooManyRequests, status.StatusCode == http.StatusServiceUnavailable:
			return true
		case status.StatusCode >= http.StatusInternalServerError:
			return idempotent
		}
		return false
	}
	if idempotent {
		return true
	}
	return neverSent(err)
}

// neverSent reports whether err happened before a connection to the server
// existed, so no request bytes can have reached it.
func neverSent(err error) bool {
	var op *net.OpError
	return errors.As(err, &op) && op.Op == "dial"
}
