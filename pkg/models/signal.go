package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// SignalVersion is the current wire version of the signal payload. Consumers
// reject any payload carrying a different version.
const SignalVersion = 1

// Signal is an opportunity prepared for dispatch. Immutable once emitted.
type Signal struct {
	Version         int         `json:"version"`
	ID              string      `json:"id"`
	Opportunity     Opportunity `json:"opportunity"`
	CreatedAt       time.Time   `json:"created_at"`
	ExpiresAt       time.Time   `json:"expires_at"`
	FlashProviderID string      `json:"flash_provider_id"`
	MEVPolicy       string      `json:"mev_policy"`
}

// Expired reports whether the signal is past its deadline at the given time.
func (s *Signal) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Marshal serializes the signal for the bus.
func (s *Signal) Marshal() ([]byte, error) {
	if s.Version != SignalVersion {
		return nil, fmt.Errorf("cannot marshal signal %s: unsupported version %d", s.ID, s.Version)
	}
	return json.Marshal(s)
}

// UnmarshalSignal deserializes a bus payload, rejecting unsupported versions.
func UnmarshalSignal(data []byte) (*Signal, error) {
	var probe struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to decode signal envelope: %w", err)
	}
	if probe.Version != SignalVersion {
		return nil, fmt.Errorf("unsupported signal version %d", probe.Version)
	}

	var s Signal
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode signal: %w", err)
	}
	if s.ID == "" {
		return nil, fmt.Errorf("signal has no id")
	}
	return &s, nil
}
