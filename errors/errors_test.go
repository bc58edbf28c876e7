package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			if result := test.class.String(); result != test.expected {
				t.Errorf("expected %s, got %s", test.expected, result)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"request timeout", ErrRequestTimeout, true},
		{"not connected", ErrNotConnected, true},
		{"wrapped disconnected", fmt.Errorf("send: %w", ErrDisconnected), true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"network in message", fmt.Errorf("network unreachable"), true},
		{"invalid tunnel", ErrInvalidTunnel, false},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("x")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("x")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if result := IsTransient(test.err); result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"invalid tunnel", ErrInvalidTunnel, ErrorInvalid},
		{"parsing", fmt.Errorf("decode: %w", ErrParsingFailed), ErrorInvalid},
		{"invalid config", ErrInvalidConfig, ErrorFatal},
		{"unknown defaults to transient", errors.New("something odd"), ErrorTransient},
		{"wrap invalid", WrapInvalid(errors.New("bad"), "Codec", "Decode", "parse"), ErrorInvalid},
		{"wrap fatal", WrapFatal(errors.New("bad"), "Service", "Start", "load"), ErrorFatal},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if result := Classify(test.err); result != test.expected {
				t.Errorf("expected %v, got %v", test.expected, result)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "C", "M", "a") != nil {
		t.Fatal("wrapping nil should return nil")
	}

	err := Wrap(ErrTunnelNotFound, "Connector", "StopTunnel", "stop tunnel")
	if err.Error() != "Connector.StopTunnel: stop tunnel failed: tunnel not found" {
		t.Errorf("unexpected message: %s", err.Error())
	}
	if !errors.Is(err, ErrTunnelNotFound) {
		t.Error("wrapped error should match its cause")
	}

	classified := WrapTransient(ErrRequestTimeout, "Connector", "request", "await response")
	var ce *ClassifiedError
	if !errors.As(classified, &ce) {
		t.Fatal("expected ClassifiedError")
	}
	if ce.Component != "Connector" || ce.Operation != "request" {
		t.Errorf("unexpected context %s.%s", ce.Component, ce.Operation)
	}
	if !errors.Is(classified, ErrRequestTimeout) {
		t.Error("classified error should unwrap to its cause")
	}
}

func TestOperationError(t *testing.T) {
	err := Remote("start tunnel", "port in use")
	if err.Error() != "start tunnel failed: port in use" {
		t.Errorf("unexpected message: %s", err.Error())
	}
	if Reason(fmt.Errorf("outer: %w", err)) != "port in use" {
		t.Error("Reason should return the remote reason through wrapping")
	}
	if Reason(nil) != "" {
		t.Error("Reason of nil should be empty")
	}
	if Reason(ErrTunnelNotFound) != "tunnel not found" {
		t.Error("Reason of a local error should be its message")
	}
}
