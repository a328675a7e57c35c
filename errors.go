// Copyright 2024 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package tether

import (
	"fmt"
)

// RequestError is the base error for REST responses outside [200,300).
// It carries the offending route and the raw response body.
type RequestError struct {
	Status int
	Route  Route
	Body   []byte
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%v: status %d", e.Route, e.Status)
}

// Forbidden is returned for 403 responses.
type Forbidden struct{ RequestError }

// NotFound is returned for 404 responses.
type NotFound struct{ RequestError }

// ServerError is returned for 5xx responses once the retry budget is spent.
type ServerError struct{ RequestError }

// RateLimitedError is returned when the retry budget is spent entirely on
// rate-limit responses. Scope is "bucket", "resource" or "global".
type RateLimitedError struct {
	Route Route
	Scope string
}

func (e *RateLimitedError) Error() string {
	if e.Scope == "" {
		return fmt.Sprintf("%v: rate limit retries exhausted", e.Route)
	}
	return fmt.Sprintf("%v: %s rate limit retries exhausted", e.Route, e.Scope)
}

// TransportError wraps a network failure that could not be retried away.
type TransportError struct {
	Route Route
	Err   error
}

func (e *TransportError) Error() string { return fmt.Sprintf("%v: %v", e.Route, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// LoginError is returned by Login when the token is rejected.
type LoginError struct {
	Err error
}

func (e *LoginError) Error() string { return "login failed: an improper token was passed" }
func (e *LoginError) Unwrap() error { return e.Err }

// GatewayNotFoundError is returned when the gateway URL cannot be fetched.
type GatewayNotFoundError struct {
	Err error
}

func (e *GatewayNotFoundError) Error() string { return "unable to find discord gateway" }
func (e *GatewayNotFoundError) Unwrap() error { return e.Err }

// CloseError reports the close code of a failed gateway session.
type CloseError struct {
	Code int
	Text string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("gateway closed with code %d: %s", e.Code, e.Text)
}

// Resumable reports whether the session may be resumed after this closure.
// Codes that indicate misconfiguration are fatal and must not be retried.
func (e *CloseError) Resumable() bool {
	switch e.Code {
	case CloseShardingRequired, CloseInvalidIntents, CloseDisallowedIntents:
		return false
	}
	return true
}

// ConfigError is a fatal gateway failure caused by client configuration:
// missing sharding or bad intents. It is never retried.
type ConfigError struct {
	Code   int
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("gateway rejected configuration (code %d): %s", e.Code, e.Reason)
}

func configErrorForClose(ce *CloseError, intents Intents) error {
	switch ce.Code {
	case CloseShardingRequired:
		return &ConfigError{Code: ce.Code, Reason: "this bot is too large, sharding is required"}
	case CloseInvalidIntents:
		return &ConfigError{Code: ce.Code, Reason: fmt.Sprintf("invalid intents have been passed: %d", intents)}
	case CloseDisallowedIntents:
		return &ConfigError{Code: ce.Code, Reason: "privileged intents requested that are not enabled or approved"}
	}
	return nil
}

// heartbeatTimeoutError is raised when a heartbeat ack does not arrive
// before the next heartbeat is due. It is fatal to the session but the
// session remains resumable.
type heartbeatTimeoutError struct{}

func (heartbeatTimeoutError) Error() string { return "heartbeat ack not received in time" }

// sessionClosedError signals a locally requested shutdown of a session.
type sessionClosedError struct{}

func (sessionClosedError) Error() string { return "gateway session closed" }
