package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Quality is the measurement quality tier reported by a device.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
)

// Score maps a quality tier onto [0,1] for fidelity weighting.
func (q Quality) Score() float64 {
	switch q {
	case QualityExcellent:
		return 1.0
	case QualityGood:
		return 0.85
	case QualityFair:
		return 0.6
	case QualityPoor:
		return 0.3
	default:
		return 0.5
	}
}

// Value is the measurement payload of a reading: either a single scalar or a
// small named composite (currently the systolic/diastolic pair). It is a
// closed sum type; new shapes require a new implementation here.
type Value interface {
	isValue()
	// String renders the value the way it appears in anomaly messages.
	String() string
}

// ScalarValue is a single-number measurement (bpm, °F, %, mg/dL, kg).
type ScalarValue float64

func (ScalarValue) isValue() {}

// String formats the scalar without trailing zeros ("135", "98.6").
func (v ScalarValue) String() string {
	return strconv.FormatFloat(float64(v), 'f', -1, 64)
}

// BloodPressureValue is the systolic/diastolic composite in mmHg.
type BloodPressureValue struct {
	Systolic  float64 `json:"systolic"`
	Diastolic float64 `json:"diastolic"`
}

func (BloodPressureValue) isValue() {}

// String renders the conventional "systolic/diastolic" form.
func (v BloodPressureValue) String() string {
	return strconv.FormatFloat(v.Systolic, 'f', -1, 64) + "/" +
		strconv.FormatFloat(v.Diastolic, 'f', -1, 64)
}

// ReadingMeta carries optional device-side context attached to a reading.
type ReadingMeta struct {
	SignalStrength float64 `json:"signal_strength,omitempty"`
	Movement       bool    `json:"movement,omitempty"`
	BatteryLevel   int     `json:"battery_level,omitempty"`
}

// Reading is one timestamped measurement from a device. Readings are
// ephemeral: they are consumed by the pipeline and optionally forwarded to
// the persistence collaborator, never retained in process memory.
type Reading struct {
	DeviceID  string       `json:"device_id"`
	Timestamp time.Time    `json:"timestamp"`
	Kind      DeviceKind   `json:"kind"`
	Value     Value        `json:"value"`
	Unit      string       `json:"unit"`
	Quality   Quality      `json:"quality"`
	Meta      *ReadingMeta `json:"metadata,omitempty"`
}

// readingJSON is the wire shape; Value is deferred so the union can be
// decoded by inspecting the raw token.
type readingJSON struct {
	DeviceID  string          `json:"device_id"`
	Timestamp time.Time       `json:"timestamp"`
	Kind      DeviceKind      `json:"kind"`
	Value     json.RawMessage `json:"value"`
	Unit      string          `json:"unit"`
	Quality   Quality         `json:"quality"`
	Meta      *ReadingMeta    `json:"metadata,omitempty"`
}

// MarshalJSON encodes the value union as a bare number or composite object.
func (r Reading) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(r.Value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(readingJSON{
		DeviceID:  r.DeviceID,
		Timestamp: r.Timestamp,
		Kind:      r.Kind,
		Value:     raw,
		Unit:      r.Unit,
		Quality:   r.Quality,
		Meta:      r.Meta,
	})
}

// UnmarshalJSON decodes the value union: a JSON number becomes a ScalarValue,
// an object becomes a BloodPressureValue.
func (r *Reading) UnmarshalJSON(data []byte) error {
	var w readingJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	r.DeviceID = w.DeviceID
	r.Timestamp = w.Timestamp
	r.Kind = w.Kind
	r.Unit = w.Unit
	r.Quality = w.Quality
	r.Meta = w.Meta

	if len(w.Value) == 0 || string(w.Value) == "null" {
		r.Value = nil
		return nil
	}
	switch w.Value[0] {
	case '{':
		var bp BloodPressureValue
		if err := json.Unmarshal(w.Value, &bp); err != nil {
			return fmt.Errorf("decode composite value: %w", err)
		}
		r.Value = bp
	default:
		var s float64
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return fmt.Errorf("decode scalar value: %w", err)
		}
		r.Value = ScalarValue(s)
	}
	return nil
}
