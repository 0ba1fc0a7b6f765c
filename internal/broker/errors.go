package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
)

// TransientError marks a broker failure worth retrying: timeouts, network
// blips, upstream 5xx, rate limits.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient broker error: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError marks a broker failure that a retry cannot fix: bad credentials,
// invalid arguments, permission problems.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: fatal broker error: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsFatal reports whether err is (or wraps) a FatalError.
func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}

var fatalMarkers = []string{"auth", "invalid", "unauthor", "forbidden", "permission"}

// classify wraps a raw broker error into the transient/fatal taxonomy.
// Already-classified errors pass through unchanged.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsTransient(err) || IsFatal(err) {
		return err
	}
	if isFatalError(err) {
		return &FatalError{Op: op, Err: err}
	}
	return &TransientError{Op: op, Err: err}
}

func isFatalError(err error) bool {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		// 4xx is permanent except 429, which is a rate limit.
		return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 && apiErr.StatusCode != 429
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range fatalMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
