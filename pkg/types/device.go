package types

import "time"

// DeviceKind identifies the class of monitoring device producing readings.
type DeviceKind string

const (
	KindHeartRate        DeviceKind = "heart_rate"
	KindBloodPressure    DeviceKind = "blood_pressure"
	KindGlucose          DeviceKind = "glucose"
	KindTemperature      DeviceKind = "temperature"
	KindWeight           DeviceKind = "weight"
	KindOxygenSaturation DeviceKind = "oxygen_saturation"
	KindECG              DeviceKind = "ecg"
	KindPulseOximeter    DeviceKind = "pulse_oximeter"
)

// Valid reports whether k is one of the known device kinds.
func (k DeviceKind) Valid() bool {
	switch k {
	case KindHeartRate, KindBloodPressure, KindGlucose, KindTemperature,
		KindWeight, KindOxygenSaturation, KindECG, KindPulseOximeter:
		return true
	}
	return false
}

// DeviceStatus is the connection state of a device. Devices are never
// hard-deleted; a removed device is marked disconnected.
type DeviceStatus string

const (
	StatusConnected    DeviceStatus = "connected"
	StatusDisconnected DeviceStatus = "disconnected"
	StatusError        DeviceStatus = "error"
	StatusCalibrating  DeviceStatus = "calibrating"
)

// Device describes a registered monitoring device and its last known
// telemetry. EntityID is the patient or subject the device belongs to.
type Device struct {
	ID                string       `json:"device_id"`
	Kind              DeviceKind   `json:"kind"`
	EntityID          string       `json:"entity_id"`
	Status            DeviceStatus `json:"status"`
	BatteryLevel      int          `json:"battery_level"`
	ConnectionQuality float64      `json:"connection_quality"`
	FirmwareVersion   string       `json:"firmware_version,omitempty"`
	Location          string       `json:"location,omitempty"`
	RegisteredAt      time.Time    `json:"registered_at"`
	LastReadingAt     *time.Time   `json:"last_reading_at,omitempty"`
}

// SessionState is the lifecycle state of a streaming session.
// Transitions: registered → streaming → stopped | errored.
type SessionState string

const (
	SessionRegistered SessionState = "registered"
	SessionStreaming  SessionState = "streaming"
	SessionStopped    SessionState = "stopped"
	SessionErrored    SessionState = "error"
)

// Terminal reports whether the session can no longer accept readings.
func (s SessionState) Terminal() bool {
	return s == SessionStopped || s == SessionErrored
}

// Session is the active binding between one device and the ingestion
// pipeline. A device has at most one non-terminal session at a time.
type Session struct {
	ID        string       `json:"session_id"`
	DeviceID  string       `json:"device_id"`
	State     SessionState `json:"state"`
	StartedAt time.Time    `json:"started_at"`
	StoppedAt *time.Time   `json:"stopped_at,omitempty"`
}
