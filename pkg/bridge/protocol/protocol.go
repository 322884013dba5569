// Package protocol parses and serializes the two provider wire protocols the
// bridge terminates: the custom-LLM JSON turn protocol and the telephony
// media-stream envelopes (two structurally-equivalent dialects). Malformed
// frames decode to a *DecodeError so drivers can drop them without dying.
package protocol

import (
	"fmt"
	"strings"
)

// DecodeError describes a frame that could not be decoded.
type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badFrame(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_frame", Message: message, Param: param}
}

func unsupportedFrame(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}
