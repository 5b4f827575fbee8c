package probe

import (
	"errors"
	"strings"
)

// fatalSymptoms are SSH-layer failure strings that mean the underlying
// connection is gone. Seeing one stops the probe immediately instead of
// waiting for the consecutive-error threshold, so failover can start.
var fatalSymptoms = []string{
	"not connected",
	"unable to exec",
	"connection closed",
	"connection reset",
	"econnreset",
	"etimedout",
	"broken pipe",
	"administratively prohibited", // channel open rejected
	"use of closed network connection",
	"handshake failed",
}

// IsFatal reports whether err matches a known fatal connection symptom.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var closed *streamClosedError
	if errors.As(err, &closed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, symptom := range fatalSymptoms {
		if strings.Contains(msg, symptom) {
			return true
		}
	}
	return false
}

// streamClosedError marks an unexpected end of the streaming agent's
// output. It is always fatal.
type streamClosedError struct {
	cause error
}

func (e *streamClosedError) Error() string {
	if e.cause != nil {
		return "monitoring stream closed: " + e.cause.Error()
	}
	return "monitoring stream closed"
}

func (e *streamClosedError) Unwrap() error { return e.cause }
