package domain

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionClosed     = errors.New("session closed")
	ErrHandleReleased    = errors.New("media source handle released")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrTrackNotFound     = errors.New("track not found")
	ErrWrongRole         = errors.New("operation not valid for session role")
	ErrNoActiveSession   = errors.New("no active session")
	ErrSessionActive     = errors.New("a session is already active")
)

// DeviceEnumerationError means the platform refused to list devices.
type DeviceEnumerationError struct {
	Cause error
}

func (e *DeviceEnumerationError) Error() string {
	return fmt.Sprintf("device enumeration failed: %v", e.Cause)
}

func (e *DeviceEnumerationError) Unwrap() error { return e.Cause }

type AcquisitionReason string

const (
	AcquisitionPermissionDenied AcquisitionReason = "permission_denied"
	AcquisitionNotFound         AcquisitionReason = "not_found"
	AcquisitionHardwareBusy     AcquisitionReason = "hardware_busy"
)

// DeviceAcquisitionError is surfaced to the user with a retry affordance and
// never retried automatically.
type DeviceAcquisitionError struct {
	Reason AcquisitionReason
	Cause  error
}

func (e *DeviceAcquisitionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("device acquisition failed (%s): %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("device acquisition failed (%s)", e.Reason)
}

func (e *DeviceAcquisitionError) Unwrap() error { return e.Cause }

type SignalingReason string

const (
	SignalingInvalidState   SignalingReason = "invalid_state"
	SignalingTimeout        SignalingReason = "timeout"
	SignalingSendFailed     SignalingReason = "send_failed"
	SignalingRemoteRejected SignalingReason = "remote_rejected"
)

type SignalingError struct {
	Op     string
	Reason SignalingReason
	Cause  error
}

func (e *SignalingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("signaling %s failed (%s): %v", e.Op, e.Reason, e.Cause)
	}
	return fmt.Sprintf("signaling %s failed (%s)", e.Op, e.Reason)
}

func (e *SignalingError) Unwrap() error { return e.Cause }

type TransportErrorKind string

const (
	TransportICEFailed      TransportErrorKind = "ice_failed"
	TransportConnectionLost TransportErrorKind = "connection_lost"
)

// TransportError is terminal: it is only produced once the reconnection
// budget is spent.
type TransportError struct {
	Kind     TransportErrorKind
	Attempts int
	Cause    error
}

func (e *TransportError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("transport %s after %d reconnect attempts: %v", e.Kind, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("transport %s after %d reconnect attempts", e.Kind, e.Attempts)
}

func (e *TransportError) Unwrap() error { return e.Cause }

type PlaybackError struct {
	Kind  PlaybackErrorKind
	Cause error
}

func (e *PlaybackError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("playback error (%s): %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("playback error (%s)", e.Kind)
}

func (e *PlaybackError) Unwrap() error { return e.Cause }

// Platform errors. Media platforms wrap these so the device manager can map
// failures to an acquisition reason.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrDeviceNotFound   = errors.New("device not found")
	ErrDeviceBusy       = errors.New("device busy")
)
