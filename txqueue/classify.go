package txqueue

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Class buckets a submission failure by the recovery it requires.
type Class int

const (
	// ClassTransient covers network timeouts, rate limiting, and stale
	// connections. Retried with increasing delay against a refreshed nonce.
	ClassTransient Class = iota
	// ClassNonceStale means the account nonce was already consumed. The
	// cached nonce is refreshed and the item retried immediately; these are
	// expected and do not count against the retry budget.
	ClassNonceStale
	// ClassReplacement means a competing or underpriced replacement exists.
	ClassReplacement
	// ClassSequence is a protocol-level signature or sequence mismatch that
	// usually settles once the external service catches up.
	ClassSequence
	// ClassTerminal is a semantic rejection by the external service's own
	// validation. Never retried.
	ClassTerminal
)

// String names the class for logs and metric labels.
func (c Class) String() string {
	switch c {
	case ClassNonceStale:
		return "nonce_stale"
	case ClassReplacement:
		return "replacement"
	case ClassSequence:
		return "sequence"
	case ClassTerminal:
		return "terminal"
	default:
		return "transient"
	}
}

var (
	nonceStaleMarkers = []string{
		"nonce too low",
		"nonce has already been used",
		"already known",
		"oldnonce",
	}
	replacementMarkers = []string{
		"replacement transaction underpriced",
		"transaction underpriced",
		"future transaction tries to replace pending",
	}
	sequenceMarkers = []string{
		"invalid sequence",
		"sequence mismatch",
		"invalid signature",
		"signature mismatch",
		"stale sequence",
	}
	terminalMarkers = []string{
		"execution reverted",
		"always failing transaction",
		"insufficient funds",
		"gas required exceeds allowance",
		"intrinsic gas too low",
		"exceeds block gas limit",
		"invalid argument",
	}
)

// Classify buckets an error from a submission attempt. Unknown errors are
// treated as transient so they stay inside the bounded retry budget.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range nonceStaleMarkers {
		if strings.Contains(msg, marker) {
			return ClassNonceStale
		}
	}
	for _, marker := range replacementMarkers {
		if strings.Contains(msg, marker) {
			return ClassReplacement
		}
	}
	for _, marker := range sequenceMarkers {
		if strings.Contains(msg, marker) {
			return ClassSequence
		}
	}
	for _, marker := range terminalMarkers {
		if strings.Contains(msg, marker) {
			return ClassTerminal
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	return ClassTransient
}
