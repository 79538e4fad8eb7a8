// Package models holds the shared wire types exchanged between gateway
// instances.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies how a delivery envelope is dispatched on the receiving
// instance. The set is closed; anything else is ErrUnknownKind.
type Kind string

const (
	// KindDevice targets a single (user, device) connection.
	KindDevice Kind = "DEVICE"
	// KindAllDevices targets every device of one user that the receiving
	// instance owns.
	KindAllDevices Kind = "ALL_DEVICES"
	// KindBroadcast targets every live connection on the receiving instance.
	KindBroadcast Kind = "BROADCAST"
)

var (
	ErrUnknownKind       = errors.New("unknown envelope kind")
	ErrMissingTarget     = errors.New("envelope has no target server id")
	ErrMissingUser       = errors.New("envelope has no user id")
	ErrMissingDevice     = errors.New("envelope has no device id")
	ErrEmptyEnvelope     = errors.New("empty envelope payload")
	ErrMalformedEnvelope = errors.New("malformed envelope")
)

// Valid reports whether k is a member of the closed kind set.
func (k Kind) Valid() bool {
	switch k {
	case KindDevice, KindAllDevices, KindBroadcast:
		return true
	default:
		return false
	}
}

// DeliveryEnvelope is the unit exchanged between instances. Payload is an
// opaque message body; the routing layer never interprets it.
type DeliveryEnvelope struct {
	Kind           Kind            `json:"kind"`
	TargetServerID string          `json:"target_server_id"`
	UserID         string          `json:"user_id,omitempty"`
	DeviceID       string          `json:"device_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Validate checks structural invariants per kind.
func (e *DeliveryEnvelope) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}

	if e.TargetServerID == "" {
		return ErrMissingTarget
	}

	switch e.Kind {
	case KindDevice:
		if e.UserID == "" {
			return ErrMissingUser
		}
		if e.DeviceID == "" {
			return ErrMissingDevice
		}
	case KindAllDevices:
		if e.UserID == "" {
			return ErrMissingUser
		}
	case KindBroadcast:
		// no per-user fields
	}

	return nil
}

// Encode serializes the envelope for publishing.
func (e *DeliveryEnvelope) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// DecodeEnvelope parses and validates an envelope received from the
// per-instance channel.
func DecodeEnvelope(data []byte) (*DeliveryEnvelope, error) {
	if len(data) == 0 {
		return nil, ErrEmptyEnvelope
	}

	env := &DeliveryEnvelope{}
	if err := json.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}

	if err := env.Validate(); err != nil {
		return nil, err
	}

	return env, nil
}
