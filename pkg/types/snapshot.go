package types

import "time"

// Vitals is the aggregated multi-vital view of one entity at one point in
// time. Nil fields were not observed in the snapshot window.
type Vitals struct {
	HeartRate        *float64            `json:"heart_rate,omitempty"`
	BloodPressure    *BloodPressureValue `json:"blood_pressure,omitempty"`
	Temperature      *float64            `json:"temperature,omitempty"`
	OxygenSaturation *float64            `json:"oxygen_saturation,omitempty"`
	RespiratoryRate  *float64            `json:"respiratory_rate,omitempty"`
	BloodGlucose     *float64            `json:"blood_glucose,omitempty"`
}

// Count returns how many of the six tracked vitals are present.
func (v Vitals) Count() int {
	n := 0
	if v.HeartRate != nil {
		n++
	}
	if v.BloodPressure != nil {
		n++
	}
	if v.Temperature != nil {
		n++
	}
	if v.OxygenSaturation != nil {
		n++
	}
	if v.RespiratoryRate != nil {
		n++
	}
	if v.BloodGlucose != nil {
		n++
	}
	return n
}

// Vector projects the vitals onto the fixed six-slot layout used by the
// network model and the snapshot store, substituting population-typical
// defaults for absent vitals: [hr, systolic, diastolic, temp, spo2, rr].
func (v Vitals) Vector() [6]float64 {
	out := [6]float64{70, 120, 80, 37.0, 98, 16}
	if v.HeartRate != nil {
		out[0] = *v.HeartRate
	}
	if v.BloodPressure != nil {
		out[1] = v.BloodPressure.Systolic
		out[2] = v.BloodPressure.Diastolic
	}
	if v.Temperature != nil {
		out[3] = *v.Temperature
	}
	if v.OxygenSaturation != nil {
		out[4] = *v.OxygenSaturation
	}
	if v.RespiratoryRate != nil {
		out[5] = *v.RespiratoryRate
	}
	return out
}

// Snapshot is one aggregated-per-entity health sample derived from device
// readings. It feeds the anomaly detector, the trend generator, and
// (periodically) the network health model.
type Snapshot struct {
	EntityID  string    `json:"entity_id"`
	Timestamp time.Time `json:"timestamp"`
	Vitals    Vitals    `json:"vitals"`
	Quality   Quality   `json:"quality,omitempty"`
}

// Float64Ptr returns a pointer to v. Convenience for building Vitals.
func Float64Ptr(v float64) *float64 { return &v }
