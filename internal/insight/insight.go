// Package insight maintains rolling per-entity vital histories and derives
// trends, aggregate statistics, pattern alerts, and rate-limited predictive
// insights from them.
package insight

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/vitalmesh/vitalmesh/internal/detect"
	"github.com/vitalmesh/vitalmesh/internal/metric"
	"github.com/vitalmesh/vitalmesh/pkg/types"
)

// Vital series names tracked per entity.
const (
	VitalHeartRate        = "heart_rate"
	VitalSystolic         = "systolic"
	VitalDiastolic        = "diastolic"
	VitalTemperature      = "temperature"
	VitalOxygenSaturation = "oxygen_saturation"
	VitalRespiratoryRate  = "respiratory_rate"
	VitalBloodGlucose     = "blood_glucose"
)

// Direction classifies a trend slope.
type Direction string

const (
	TrendIncreasing Direction = "increasing"
	TrendDecreasing Direction = "decreasing"
	TrendStable     Direction = "stable"
)

// Slopes inside (-0.1, 0.1) per sample count as stable.
const stableSlopeBand = 0.1

// Trend is the least-squares fit over one vital's rolling window.
type Trend struct {
	Vital     string
	Direction Direction
	Slope     float64
	Samples   int
}

// Rule maps an observed trend onto a predictive insight.
type Rule struct {
	Vital           string
	Direction       Direction
	Prediction      string
	Confidence      float64
	Timeframe       string
	Urgency         types.Urgency
	RiskFactors     []string
	Recommendations []string
}

// DefaultRules returns the built-in prediction rules.
func DefaultRules() []Rule {
	return []Rule{
		{
			Vital:      VitalHeartRate,
			Direction:  TrendIncreasing,
			Prediction: "Potential cardiovascular stress detected based on heart rate trends",
			Confidence: 0.75,
			Timeframe:  "2-7 days",
			Urgency:    types.UrgencyMedium,
			RiskFactors: []string{
				"Elevated resting heart rate",
				"Sustained upward trend",
			},
			Recommendations: []string{
				"Schedule cardiovascular assessment",
				"Review recent activity and medication changes",
			},
		},
		{
			Vital:      VitalSystolic,
			Direction:  TrendIncreasing,
			Prediction: "Hypertension risk increasing based on blood pressure patterns",
			Confidence: 0.82,
			Timeframe:  "1-3 weeks",
			Urgency:    types.UrgencyHigh,
			RiskFactors: []string{
				"Rising systolic pressure",
				"Sustained upward trend",
			},
			Recommendations: []string{
				"Monitor blood pressure twice daily",
				"Review sodium intake and medication adherence",
			},
		},
	}
}

// Subscriber receives emitted insights.
type Subscriber func(insight types.PredictiveInsight)

type sample struct {
	at    time.Time
	value float64
}

type entityHistory struct {
	mu      sync.Mutex
	series  map[string][]sample
	limiter *rate.Limiter
}

// Options configures a Generator.
type Options struct {
	MinInterval time.Duration // per-entity insight floor, default 5m
	WindowSize  int           // samples kept per vital, default 50
	MaxEntities int           // LRU cap, default 4096
	Rules       []Rule        // default DefaultRules()
	Metrics     *metric.Metrics
}

// Generator tracks entity histories. Safe for concurrent use; entities are
// evicted least-recently-observed once MaxEntities is exceeded.
type Generator struct {
	log     *zap.Logger
	opts    Options
	cache   *lru.Cache[string, *entityHistory]
	metrics *metric.Metrics

	subMu       sync.RWMutex
	subscribers map[int]Subscriber
	nextSub     int
}

// New creates a Generator.
func New(log *zap.Logger, opts Options) (*Generator, error) {
	if opts.MinInterval <= 0 {
		opts.MinInterval = 5 * time.Minute
	}
	if opts.WindowSize <= 0 {
		opts.WindowSize = 50
	}
	if opts.MaxEntities <= 0 {
		opts.MaxEntities = 4096
	}
	if opts.Rules == nil {
		opts.Rules = DefaultRules()
	}
	cache, err := lru.New[string, *entityHistory](opts.MaxEntities)
	if err != nil {
		return nil, err
	}
	return &Generator{
		log:         log,
		opts:        opts,
		cache:       cache,
		metrics:     opts.Metrics,
		subscribers: make(map[int]Subscriber),
	}, nil
}

// Subscribe registers a subscriber for all future insights.
func (g *Generator) Subscribe(fn Subscriber) (cancel func()) {
	g.subMu.Lock()
	id := g.nextSub
	g.nextSub++
	g.subscribers[id] = fn
	g.subMu.Unlock()

	return func() {
		g.subMu.Lock()
		delete(g.subscribers, id)
		g.subMu.Unlock()
	}
}

func (g *Generator) history(entityID string) *entityHistory {
	if h, ok := g.cache.Get(entityID); ok {
		return h
	}
	h := &entityHistory{
		series:  make(map[string][]sample),
		limiter: rate.NewLimiter(rate.Every(g.opts.MinInterval), 1),
	}
	// Concurrent first-observe may race; keep whichever landed first.
	if prev, ok, _ := g.cache.PeekOrAdd(entityID, h); ok {
		return prev
	}
	return h
}

// Observe folds one snapshot into the entity's rolling windows.
func (g *Generator) Observe(s types.Snapshot) {
	h := g.history(s.EntityID)

	h.mu.Lock()
	defer h.mu.Unlock()

	at := s.Timestamp
	v := s.Vitals
	if v.HeartRate != nil {
		g.append(h, VitalHeartRate, at, *v.HeartRate)
	}
	if v.BloodPressure != nil {
		g.append(h, VitalSystolic, at, v.BloodPressure.Systolic)
		g.append(h, VitalDiastolic, at, v.BloodPressure.Diastolic)
	}
	if v.Temperature != nil {
		g.append(h, VitalTemperature, at, *v.Temperature)
	}
	if v.OxygenSaturation != nil {
		g.append(h, VitalOxygenSaturation, at, *v.OxygenSaturation)
	}
	if v.RespiratoryRate != nil {
		g.append(h, VitalRespiratoryRate, at, *v.RespiratoryRate)
	}
	if v.BloodGlucose != nil {
		g.append(h, VitalBloodGlucose, at, *v.BloodGlucose)
	}
}

func (g *Generator) append(h *entityHistory, vital string, at time.Time, value float64) {
	s := append(h.series[vital], sample{at: at, value: value})
	if len(s) > g.opts.WindowSize {
		s = s[len(s)-g.opts.WindowSize:]
	}
	h.series[vital] = s
}

// Trends computes the current trend per tracked vital. Vitals with fewer
// than three samples are omitted.
func (g *Generator) Trends(entityID string) map[string]Trend {
	h, ok := g.cache.Get(entityID)
	if !ok {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[string]Trend, len(h.series))
	for vital, s := range h.series {
		if len(s) < 3 {
			continue
		}
		slope := leastSquaresSlope(s)
		out[vital] = Trend{
			Vital:     vital,
			Direction: classifySlope(slope),
			Slope:     slope,
			Samples:   len(s),
		}
	}
	return out
}

func classifySlope(slope float64) Direction {
	switch {
	case slope > stableSlopeBand:
		return TrendIncreasing
	case slope < -stableSlopeBand:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

// leastSquaresSlope fits value against sample index. Index-based fitting
// keeps the slope in units-per-reading regardless of device cadence.
func leastSquaresSlope(s []sample) float64 {
	n := float64(len(s))
	var sumX, sumY, sumXY, sumXX float64
	for i, p := range s {
		x := float64(i)
		sumX += x
		sumY += p.value
		sumXY += x * p.value
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// MaybeInsight evaluates the prediction rules against current trends and
// emits at most one insight, subject to the per-entity rate limit. Returns
// nil when no rule fires or the limiter rejects.
func (g *Generator) MaybeInsight(entityID string) *types.PredictiveInsight {
	h, ok := g.cache.Get(entityID)
	if !ok {
		return nil
	}

	trends := g.Trends(entityID)
	if len(trends) == 0 {
		return nil
	}

	var matched *Rule
	for i := range g.opts.Rules {
		r := &g.opts.Rules[i]
		if t, ok := trends[r.Vital]; ok && t.Direction == r.Direction {
			matched = r
			break
		}
	}
	if matched == nil {
		return nil
	}

	if !h.limiter.Allow() {
		return nil
	}

	ins := types.PredictiveInsight{
		ID:              uuid.NewString(),
		EntityID:        entityID,
		Prediction:      matched.Prediction,
		Confidence:      matched.Confidence,
		Timeframe:       matched.Timeframe,
		RiskFactors:     append([]string(nil), matched.RiskFactors...),
		Recommendations: append([]string(nil), matched.Recommendations...),
		Urgency:         matched.Urgency,
		CreatedAt:       time.Now(),
	}

	g.subMu.RLock()
	subs := make([]Subscriber, 0, len(g.subscribers))
	for _, fn := range g.subscribers {
		subs = append(subs, fn)
	}
	g.subMu.RUnlock()

	for _, fn := range subs {
		fn(ins)
	}

	if g.metrics != nil {
		g.metrics.InsightsEmitted.Inc()
	}
	g.log.Info("insight emitted",
		zap.String("entity_id", entityID),
		zap.String("prediction", ins.Prediction),
		zap.String("urgency", string(ins.Urgency)),
	)
	return &ins
}

// Pattern thresholds over the rolling window.
const (
	heartRateSlopeAlert  = 2.0 // bpm per reading
	systolicVarianceHigh = 400
)

// PatternDrafts scans the rolling windows for sustained patterns that merit
// a warning even when no single reading crossed a clinical threshold.
func (g *Generator) PatternDrafts(entityID string) []detect.Draft {
	h, ok := g.cache.Get(entityID)
	if !ok {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var out []detect.Draft

	if s := h.series[VitalHeartRate]; len(s) >= 3 {
		if slope := leastSquaresSlope(s); slope > heartRateSlopeAlert {
			out = append(out, detect.Draft{
				Type:     types.AlertWarning,
				Severity: 2,
				Message:  "Rapidly rising heart rate pattern detected",
			})
		}
	}

	if s := h.series[VitalSystolic]; len(s) >= 3 {
		if variance(s) > systolicVarianceHigh {
			out = append(out, detect.Draft{
				Type:     types.AlertWarning,
				Severity: 2,
				Message:  "Unstable blood pressure pattern detected",
			})
		}
	}

	return out
}

// Stats are aggregate statistics over one vital's rolling window.
type Stats struct {
	Count  int
	Min    float64
	Max    float64
	Mean   float64
	StdDev float64
}

// Aggregate summarizes a vital's rolling window. Returns false when the
// entity or vital has no samples.
func (g *Generator) Aggregate(entityID, vital string) (Stats, bool) {
	h, ok := g.cache.Get(entityID)
	if !ok {
		return Stats{}, false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.series[vital]
	if len(s) == 0 {
		return Stats{}, false
	}

	st := Stats{Count: len(s), Min: s[0].value, Max: s[0].value}
	var sum float64
	for _, p := range s {
		sum += p.value
		if p.value < st.Min {
			st.Min = p.value
		}
		if p.value > st.Max {
			st.Max = p.value
		}
	}
	st.Mean = sum / float64(len(s))

	var sq float64
	for _, p := range s {
		d := p.value - st.Mean
		sq += d * d
	}
	st.StdDev = math.Sqrt(sq / float64(len(s)))
	return st, true
}

func variance(s []sample) float64 {
	if len(s) == 0 {
		return 0
	}
	var sum float64
	for _, p := range s {
		sum += p.value
	}
	mean := sum / float64(len(s))
	var sq float64
	for _, p := range s {
		d := p.value - mean
		sq += d * d
	}
	return sq / float64(len(s))
}
