package model

import "errors"

var (
	// ErrNotConnected is returned when a send is attempted without a live socket.
	ErrNotConnected = errors.New("not connected")

	// ErrConnectTimeout is returned when the socket does not open within the dial timeout.
	ErrConnectTimeout = errors.New("connect timeout")

	// ErrRetryBudgetExhausted is returned when the reconnect attempt budget runs out.
	ErrRetryBudgetExhausted = errors.New("reconnect attempts exhausted")

	// ErrSessionNotFound is returned when a session is not found.
	ErrSessionNotFound = errors.New("session not found")

	// ErrEndpointRequired is returned when a configuration is missing the endpoint URL.
	ErrEndpointRequired = errors.New("endpoint is required")
)
