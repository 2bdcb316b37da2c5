package model

import "fmt"

// EcuSerial is an opaque 1..64 char ECU identifier.
type EcuSerial string

// HardwareIdentifier is an opaque 1..64 char hardware-platform identifier.
type HardwareIdentifier string

// UnknownEcuSerial / UnknownHardwareIdentifier are the distinct sentinel
// values used when an ECU or hardware id cannot be resolved.
const (
	UnknownEcuSerial         EcuSerial          = "unknown-ecu-serial"
	UnknownHardwareIdentifier HardwareIdentifier = "unknown-hardware-id"
)

// Validate enforces the 1..64 char bound on EcuSerial.
func (e EcuSerial) Validate() error {
	if len(e) < 1 || len(e) > 64 {
		return fmt.Errorf("model: ecu serial %q must be 1..64 chars", string(e))
	}
	return nil
}

// Validate enforces the 1..64 char bound on HardwareIdentifier.
func (h HardwareIdentifier) Validate() error {
	if len(h) < 1 || len(h) > 64 {
		return fmt.Errorf("model: hardware id %q must be 1..64 chars", string(h))
	}
	return nil
}
