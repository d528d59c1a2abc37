package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalmesh/vitalmesh/pkg/types"
)

func snapshot(v types.Vitals) types.Snapshot {
	return types.Snapshot{EntityID: "p1", Vitals: v}
}

func TestDetectNormalVitalsProduceNothing(t *testing.T) {
	found := Detect(snapshot(types.Vitals{
		HeartRate:        types.Float64Ptr(72),
		BloodPressure:    &types.BloodPressureValue{Systolic: 118, Diastolic: 76},
		Temperature:      types.Float64Ptr(98.6),
		OxygenSaturation: types.Float64Ptr(98),
		BloodGlucose:     types.Float64Ptr(100),
	}))
	assert.Empty(t, found)
}

func TestDetectEmptySnapshot(t *testing.T) {
	assert.Empty(t, Detect(snapshot(types.Vitals{})))
}

func TestDetectHighHeartRate(t *testing.T) {
	found := Detect(snapshot(types.Vitals{HeartRate: types.Float64Ptr(135)}))
	require.Len(t, found, 1)

	draft := found[0].Draft()
	assert.Equal(t, types.AlertWarning, draft.Type)
	assert.Equal(t, 2, draft.Severity)
	assert.Equal(t, "Abnormal heart rate: 135 BPM", draft.Message)
}

func TestDetectLowHeartRate(t *testing.T) {
	found := Detect(snapshot(types.Vitals{HeartRate: types.Float64Ptr(42)}))
	require.Len(t, found, 1)
	assert.Equal(t, "Abnormal heart rate: 42 BPM", found[0].Message)
}

func TestDetectHeartRateBoundaries(t *testing.T) {
	// 120 and 50 are inside the normal band.
	assert.Empty(t, Detect(snapshot(types.Vitals{HeartRate: types.Float64Ptr(120)})))
	assert.Empty(t, Detect(snapshot(types.Vitals{HeartRate: types.Float64Ptr(50)})))
	assert.Len(t, Detect(snapshot(types.Vitals{HeartRate: types.Float64Ptr(121)})), 1)
	assert.Len(t, Detect(snapshot(types.Vitals{HeartRate: types.Float64Ptr(49)})), 1)
}

func TestDetectHighBloodPressure(t *testing.T) {
	found := Detect(snapshot(types.Vitals{
		BloodPressure: &types.BloodPressureValue{Systolic: 150, Diastolic: 95},
	}))
	require.Len(t, found, 1, "one descriptor per blood pressure sample")

	draft := found[0].Draft()
	assert.Equal(t, types.AlertWarning, draft.Type)
	assert.Equal(t, 3, draft.Severity)
	assert.Contains(t, draft.Message, "150/95")
	assert.Equal(t, "High blood pressure: 150/95 mmHg", draft.Message)
}

func TestDetectLowBloodPressureIsInformational(t *testing.T) {
	found := Detect(snapshot(types.Vitals{
		BloodPressure: &types.BloodPressureValue{Systolic: 85, Diastolic: 55},
	}))
	require.Len(t, found, 1)

	draft := found[0].Draft()
	assert.Equal(t, types.AlertInfo, draft.Type)
	assert.Equal(t, 1, draft.Severity)
	assert.Equal(t, "Low blood pressure: 85/55 mmHg", draft.Message)
}

func TestDetectBloodPressureDualBand(t *testing.T) {
	// Elevated diastolic with depressed systolic violates both bands, so
	// both descriptors fire over the same rendered pair.
	found := Detect(snapshot(types.Vitals{
		BloodPressure: &types.BloodPressureValue{Systolic: 85, Diastolic: 95},
	}))
	require.Len(t, found, 2)
	assert.Equal(t, HighBloodPressure, found[0].Kind)
	assert.Equal(t, "High blood pressure: 85/95 mmHg", found[0].Message)
	assert.Equal(t, LowBloodPressure, found[1].Kind)
	assert.Equal(t, "Low blood pressure: 85/95 mmHg", found[1].Message)

	high, low := found[0].Draft(), found[1].Draft()
	assert.Equal(t, types.AlertWarning, high.Type)
	assert.Equal(t, 3, high.Severity)
	assert.Equal(t, types.AlertInfo, low.Type)
	assert.Equal(t, 1, low.Severity)
}

func TestDetectAbnormalTemperature(t *testing.T) {
	found := Detect(snapshot(types.Vitals{Temperature: types.Float64Ptr(101.2)}))
	require.Len(t, found, 1)
	assert.Equal(t, "Abnormal temperature: 101.2°F", found[0].Message)

	draft := found[0].Draft()
	assert.Equal(t, types.AlertWarning, draft.Type)
	assert.Equal(t, 2, draft.Severity)

	found = Detect(snapshot(types.Vitals{Temperature: types.Float64Ptr(94.1)}))
	require.Len(t, found, 1)
}

func TestDetectLowOxygenIsCritical(t *testing.T) {
	found := Detect(snapshot(types.Vitals{OxygenSaturation: types.Float64Ptr(91)}))
	require.Len(t, found, 1)

	draft := found[0].Draft()
	assert.Equal(t, types.AlertCritical, draft.Type)
	assert.Equal(t, 4, draft.Severity)
	assert.Equal(t, "Low oxygen saturation: 91%", draft.Message)
}

func TestDetectAbnormalGlucose(t *testing.T) {
	found := Detect(snapshot(types.Vitals{BloodGlucose: types.Float64Ptr(210)}))
	require.Len(t, found, 1)
	assert.Equal(t, "Abnormal blood glucose: 210 mg/dL", found[0].Message)

	found = Detect(snapshot(types.Vitals{BloodGlucose: types.Float64Ptr(55)}))
	require.Len(t, found, 1)

	draft := found[0].Draft()
	assert.Equal(t, types.AlertWarning, draft.Type)
	assert.Equal(t, 2, draft.Severity)
}

func TestDetectMultipleAnomalies(t *testing.T) {
	found := Detect(snapshot(types.Vitals{
		HeartRate:        types.Float64Ptr(140),
		BloodPressure:    &types.BloodPressureValue{Systolic: 160, Diastolic: 100},
		OxygenSaturation: types.Float64Ptr(89),
	}))
	require.Len(t, found, 3)

	kinds := map[Kind]bool{}
	for _, d := range found {
		kinds[d.Kind] = true
	}
	assert.True(t, kinds[AbnormalHeartRate])
	assert.True(t, kinds[HighBloodPressure])
	assert.True(t, kinds[LowOxygenSaturation])
}

func TestKindLabels(t *testing.T) {
	assert.Equal(t, "heart_rate", AbnormalHeartRate.Label())
	assert.Equal(t, "blood_pressure_high", HighBloodPressure.Label())
	assert.Equal(t, "oxygen_saturation", LowOxygenSaturation.Label())
	assert.Equal(t, "unknown", Kind(99).Label())
}
