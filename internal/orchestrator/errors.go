package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/opentalon/apichain/internal/descriptor"
)

// Stage names the model call an invocation error came from.
type Stage string

const (
	StageRequest Stage = "request"
	StageRepair  Stage = "repair"
	StageAnswer  Stage = "answer"
)

// MethodNotAllowedError is returned when the synthesized method is not in
// the chain's allow-list. No HTTP call is made.
type MethodNotAllowedError struct {
	Method  string
	Allowed []string
}

func (e *MethodNotAllowedError) Error() string {
	return fmt.Sprintf("method %q not allowed (allowed: %s)", e.Method, strings.Join(e.Allowed, ", "))
}

type ModelInvocationError struct {
	Stage Stage
	Err   error
}

func (e *ModelInvocationError) Error() string {
	return fmt.Sprintf("%s model call: %v", e.Stage, e.Err)
}

func (e *ModelInvocationError) Unwrap() error { return e.Err }

// TransportError is a failure to send the API request or read its
// response. An HTTP error status is not a TransportError.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ConfigurationError reports an invalid or incomplete chain definition.
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid chain configuration: %s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid chain configuration: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// InputError is returned by Run when the input key is absent.
type InputError struct {
	Key string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("missing input %q", e.Key)
}

func IsMethodNotAllowed(err error) bool {
	var target *MethodNotAllowedError
	return errors.As(err, &target)
}

func IsParseError(err error) bool {
	var target *descriptor.ParseError
	return errors.As(err, &target)
}

func IsModelError(err error) bool {
	var target *ModelInvocationError
	return errors.As(err, &target)
}

func IsTransportError(err error) bool {
	var target *TransportError
	return errors.As(err, &target)
}

func IsConfigurationError(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

func IsInputError(err error) bool {
	var target *InputError
	return errors.As(err, &target)
}
