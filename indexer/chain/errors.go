package chain

import (
	"context"
	"net"
	"strings"

	"github.com/pkg/errors"
)

// ErrTransient marks an RPC failure that may succeed on retry within the
// same pipeline attempt: timeouts, throttling, 5xx responses.
var ErrTransient = errors.New("transient rpc failure")

// ErrPermanent marks an RPC failure that will not succeed on retry with the
// same arguments: reverts, invalid parameters.
var ErrPermanent = errors.New("permanent rpc failure")

// ErrRoundUnavailable is the permanent failure returned when the contract
// reverts on rounds(epoch) because the epoch does not exist yet.
var ErrRoundUnavailable = errors.New("round metadata unavailable")

var transientMarkers = []string{
	"timeout",
	"timed out",
	"too many requests",
	"429",
	"502",
	"503",
	"rate limit",
	"connection reset",
	"connection refused",
	"EOF",
	"query returned more than",
}

// classify wraps an RPC error with its retry class. Context cancellation is
// passed through untouched so cancellation never looks like a chain fault.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(ErrTransient, err.Error())
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.Wrap(ErrTransient, err.Error())
	}
	msg := err.Error()
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return errors.Wrap(ErrTransient, msg)
		}
	}
	if strings.Contains(msg, "execution reverted") {
		return errors.Wrap(ErrPermanent, msg)
	}
	return errors.Wrap(ErrPermanent, msg)
}

// IsTransient reports whether err is retryable within the current attempt.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
