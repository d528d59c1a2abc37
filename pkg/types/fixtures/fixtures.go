// Package fixtures provides synthetic reading generators for tests and local
// demos. It must never be imported by production packages.
package fixtures

import (
	"math/rand"
	"time"

	"github.com/vitalmesh/vitalmesh/pkg/types"
)

// Generator produces plausible synthetic readings around population-typical
// baselines. The zero value is not usable; use NewGenerator.
type Generator struct {
	rng *rand.Rand
}

// NewGenerator returns a generator seeded for reproducible test runs.
func NewGenerator(seed int64) *Generator {
	return &Generator{rng: rand.New(rand.NewSource(seed))}
}

// Reading returns one synthetic reading for the given device and kind.
func (g *Generator) Reading(deviceID string, kind types.DeviceKind) types.Reading {
	r := types.Reading{
		DeviceID:  deviceID,
		Timestamp: time.Now(),
		Kind:      kind,
		Quality:   g.quality(),
	}

	switch kind {
	case types.KindHeartRate, types.KindECG:
		r.Value = types.ScalarValue(72 + g.rng.Float64()*20 - 10)
		r.Unit = "bpm"
	case types.KindBloodPressure:
		r.Value = types.BloodPressureValue{
			Systolic:  120 + g.rng.Float64()*20 - 10,
			Diastolic: 80 + g.rng.Float64()*15 - 7,
		}
		r.Unit = "mmHg"
	case types.KindGlucose:
		r.Value = types.ScalarValue(100 + g.rng.Float64()*40 - 20)
		r.Unit = "mg/dL"
	case types.KindTemperature:
		r.Value = types.ScalarValue(98.6 + g.rng.Float64()*2 - 1)
		r.Unit = "°F"
	case types.KindWeight:
		r.Value = types.ScalarValue(70 + g.rng.Float64()*10 - 5)
		r.Unit = "kg"
	case types.KindOxygenSaturation, types.KindPulseOximeter:
		r.Value = types.ScalarValue(98 + g.rng.Float64()*3 - 1)
		r.Unit = "%"
	default:
		r.Value = types.ScalarValue(g.rng.Float64() * 100)
		r.Unit = "units"
	}
	return r
}

// Snapshot returns a synthetic all-vitals snapshot for an entity.
func (g *Generator) Snapshot(entityID string) types.Snapshot {
	return types.Snapshot{
		EntityID:  entityID,
		Timestamp: time.Now(),
		Quality:   g.quality(),
		Vitals: types.Vitals{
			HeartRate:        types.Float64Ptr(72 + g.rng.Float64()*10),
			BloodPressure:    &types.BloodPressureValue{Systolic: 118 + g.rng.Float64()*8, Diastolic: 78 + g.rng.Float64()*6},
			Temperature:      types.Float64Ptr(98.2 + g.rng.Float64()),
			OxygenSaturation: types.Float64Ptr(96 + g.rng.Float64()*3),
			RespiratoryRate:  types.Float64Ptr(14 + g.rng.Float64()*4),
			BloodGlucose:     types.Float64Ptr(95 + g.rng.Float64()*20),
		},
	}
}

func (g *Generator) quality() types.Quality {
	tiers := []types.Quality{types.QualityExcellent, types.QualityGood, types.QualityFair}
	return tiers[g.rng.Intn(len(tiers))]
}
