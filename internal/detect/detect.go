// Package detect evaluates aggregated vitals against clinical thresholds and
// emits anomaly descriptors. The package is pure: no goroutines, no clocks,
// no I/O. Classification outcomes (message text, alert type, severity) are a
// stable contract consumed by downstream alert pipelines and dashboards and
// must not drift.
package detect

import (
	"strconv"

	"github.com/vitalmesh/vitalmesh/pkg/types"
)

// Kind identifies the anomaly category.
type Kind int

const (
	AbnormalHeartRate Kind = iota
	HighBloodPressure
	LowBloodPressure
	AbnormalTemperature
	LowOxygenSaturation
	AbnormalBloodGlucose
)

// Label returns the metric-friendly name for the anomaly kind.
func (k Kind) Label() string {
	switch k {
	case AbnormalHeartRate:
		return "heart_rate"
	case HighBloodPressure:
		return "blood_pressure_high"
	case LowBloodPressure:
		return "blood_pressure_low"
	case AbnormalTemperature:
		return "temperature"
	case LowOxygenSaturation:
		return "oxygen_saturation"
	case AbnormalBloodGlucose:
		return "blood_glucose"
	}
	return "unknown"
}

// Thresholds for each tracked vital. Blood pressure carries both a high and a
// low band, evaluated independently.
const (
	heartRateHigh = 120
	heartRateLow  = 50

	systolicHigh  = 140
	diastolicHigh = 90
	systolicLow   = 90
	diastolicLow  = 60

	temperatureHigh = 100.4
	temperatureLow  = 95

	oxygenLow = 95

	glucoseHigh = 180
	glucoseLow  = 70
)

// Descriptor is one detected anomaly, ready to be turned into an alert draft.
type Descriptor struct {
	Kind    Kind
	Message string
}

// Draft is the pre-dispatch shape of an alert: classification and message,
// without identity or timestamps.
type Draft struct {
	Type     types.AlertType
	Severity int
	Message  string
}

// Draft classifies the descriptor. Severity and type derive from the message
// family: critical conditions rank 5, low oxygen 4, high blood pressure 3,
// other abnormal readings 2, everything else 1. Low blood pressure grades as
// informational.
func (d Descriptor) Draft() Draft {
	return Draft{
		Type:     d.alertType(),
		Severity: d.severity(),
		Message:  d.Message,
	}
}

func (d Descriptor) severity() int {
	switch d.Kind {
	case LowOxygenSaturation:
		return 4
	case HighBloodPressure:
		return 3
	case AbnormalHeartRate, AbnormalTemperature, AbnormalBloodGlucose:
		return 2
	default:
		return 1
	}
}

func (d Descriptor) alertType() types.AlertType {
	switch d.Kind {
	case LowOxygenSaturation:
		return types.AlertCritical
	case HighBloodPressure, AbnormalHeartRate, AbnormalTemperature, AbnormalBloodGlucose:
		return types.AlertWarning
	default:
		return types.AlertInfo
	}
}

// fmtVital renders a vital without trailing zeros, matching device displays.
func fmtVital(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Detect evaluates every present vital in the snapshot and returns one
// descriptor per violated threshold. Absent vitals are skipped, never
// defaulted. A blood pressure sample violating both bands (one bound each)
// yields two descriptors.
func Detect(s types.Snapshot) []Descriptor {
	var out []Descriptor
	v := s.Vitals

	if v.HeartRate != nil {
		hr := *v.HeartRate
		if hr > heartRateHigh || hr < heartRateLow {
			out = append(out, Descriptor{
				Kind:    AbnormalHeartRate,
				Message: "Abnormal heart rate: " + fmtVital(hr) + " BPM",
			})
		}
	}

	if v.BloodPressure != nil {
		sys, dia := v.BloodPressure.Systolic, v.BloodPressure.Diastolic
		rendered := fmtVital(sys) + "/" + fmtVital(dia)
		if sys > systolicHigh || dia > diastolicHigh {
			out = append(out, Descriptor{
				Kind:    HighBloodPressure,
				Message: "High blood pressure: " + rendered + " mmHg",
			})
		}
		if sys < systolicLow || dia < diastolicLow {
			out = append(out, Descriptor{
				Kind:    LowBloodPressure,
				Message: "Low blood pressure: " + rendered + " mmHg",
			})
		}
	}

	if v.Temperature != nil {
		temp := *v.Temperature
		if temp > temperatureHigh || temp < temperatureLow {
			out = append(out, Descriptor{
				Kind:    AbnormalTemperature,
				Message: "Abnormal temperature: " + fmtVital(temp) + "°F",
			})
		}
	}

	if v.OxygenSaturation != nil {
		spo2 := *v.OxygenSaturation
		if spo2 < oxygenLow {
			out = append(out, Descriptor{
				Kind:    LowOxygenSaturation,
				Message: "Low oxygen saturation: " + fmtVital(spo2) + "%",
			})
		}
	}

	if v.BloodGlucose != nil {
		bg := *v.BloodGlucose
		if bg > glucoseHigh || bg < glucoseLow {
			out = append(out, Descriptor{
				Kind:    AbnormalBloodGlucose,
				Message: "Abnormal blood glucose: " + fmtVital(bg) + " mg/dL",
			})
		}
	}

	return out
}
