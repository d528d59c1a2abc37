// Package netmodel maintains a heuristic cross-entity health model: one
// normalized complex-valued state vector per entity plus a symmetric
// correlation graph between entities. Scores produced here are heuristic
// rankings, not clinically validated diagnostics.
package netmodel

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/vitalmesh/vitalmesh/internal/metric"
	"github.com/vitalmesh/vitalmesh/pkg/types"
)

// ErrUnknownEntity is returned for operations on an entity with no state.
var ErrUnknownEntity = errors.New("netmodel: unknown entity")

// vectorSize is the fixed number of vital dimensions per state vector.
const vectorSize = 6

// State is the externally visible model state for one entity.
type State struct {
	EntityID           string
	Vector             [vectorSize]complex128
	Coherence          float64 // 0..1, self-similarity of recent snapshots
	PredictiveAccuracy float64 // 0.95..0.99, derived from coherence
	Fidelity           float64 // 0..1, data completeness and freshness
	Neighbors          []string
	UpdatedAt          time.Time
}

type entityState struct {
	mu        sync.Mutex
	vector    [vectorSize]complex128
	history   [][vectorSize]float64 // normalized amplitude vectors, oldest first
	coherence float64
	fidelity  float64
	updatedAt time.Time
}

// Options configures a Model.
type Options struct {
	HistorySize int // amplitude vectors kept per entity, default 20
	MaxEntities int // LRU cap on modeled entities, default 4096
	Metrics     *metric.Metrics
}

// Model is the network health model. Entity states carry their own locks so
// unrelated entities never serialize; the adjacency graph has a single
// read-mostly lock of its own.
type Model struct {
	log     *zap.Logger
	opts    Options
	metrics *metric.Metrics

	states *lru.Cache[string, *entityState]

	adjMu sync.RWMutex
	adj   map[string]map[string]float64 // entity -> neighbor -> strength
}

// New creates an empty model.
func New(log *zap.Logger, opts Options) (*Model, error) {
	if opts.HistorySize <= 0 {
		opts.HistorySize = 20
	}
	if opts.MaxEntities <= 0 {
		opts.MaxEntities = 4096
	}

	m := &Model{
		log:     log,
		opts:    opts,
		metrics: opts.Metrics,
		adj:     make(map[string]map[string]float64),
	}
	states, err := lru.NewWithEvict[string, *entityState](opts.MaxEntities, func(entityID string, _ *entityState) {
		m.dropEdges(entityID)
	})
	if err != nil {
		return nil, err
	}
	m.states = states
	return m, nil
}

// dropEdges removes all adjacency for an evicted entity.
func (m *Model) dropEdges(entityID string) {
	m.adjMu.Lock()
	for neighbor := range m.adj[entityID] {
		delete(m.adj[neighbor], entityID)
		if len(m.adj[neighbor]) == 0 {
			delete(m.adj, neighbor)
		}
	}
	delete(m.adj, entityID)
	m.adjMu.Unlock()
	m.publishEdgeGauge()
}

// UpdateState folds one aggregated snapshot into the entity's model state,
// creating it on first sight. Returns the refreshed state.
func (m *Model) UpdateState(snapshot types.Snapshot) State {
	es, ok := m.states.Get(snapshot.EntityID)
	if !ok {
		es = &entityState{}
		if prev, existed, _ := m.states.PeekOrAdd(snapshot.EntityID, es); existed {
			es = prev
		}
	}

	amplitudes := normalizeVitals(snapshot.Vitals)

	es.mu.Lock()
	es.vector = superpose(amplitudes)
	es.history = append(es.history, amplitudes)
	if len(es.history) > m.opts.HistorySize {
		es.history = es.history[len(es.history)-m.opts.HistorySize:]
	}
	es.coherence = coherenceOf(es.history)
	es.fidelity = fidelityOf(snapshot, time.Now())
	es.updatedAt = snapshot.Timestamp
	out := m.exportLocked(snapshot.EntityID, es)
	es.mu.Unlock()

	return out
}

// State returns the entity's current model state or ErrUnknownEntity.
func (m *Model) State(entityID string) (State, error) {
	es, ok := m.states.Get(entityID)
	if !ok {
		return State{}, fmt.Errorf("%w: %s", ErrUnknownEntity, entityID)
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	return m.exportLocked(entityID, es), nil
}

// exportLocked copies the state for external consumption. Caller holds es.mu.
func (m *Model) exportLocked(entityID string, es *entityState) State {
	return State{
		EntityID:           entityID,
		Vector:             es.vector,
		Coherence:          es.coherence,
		PredictiveAccuracy: 0.95 + es.coherence*0.04,
		Fidelity:           es.fidelity,
		Neighbors:          m.Neighbors(entityID),
		UpdatedAt:          es.updatedAt,
	}
}

// Entangle adds a symmetric correlation edge between two entities. Both
// entities must already have model state. Strength is clamped to [0,1];
// non-positive values default to 0.5.
func (m *Model) Entangle(idA, idB string, strength float64) error {
	if idA == idB {
		return fmt.Errorf("netmodel: cannot entangle %s with itself", idA)
	}
	if _, ok := m.states.Get(idA); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, idA)
	}
	if _, ok := m.states.Get(idB); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, idB)
	}

	if strength <= 0 {
		strength = 0.5
	}
	if strength > 1 {
		strength = 1
	}

	m.adjMu.Lock()
	if m.adj[idA] == nil {
		m.adj[idA] = make(map[string]float64)
	}
	if m.adj[idB] == nil {
		m.adj[idB] = make(map[string]float64)
	}
	m.adj[idA][idB] = strength
	m.adj[idB][idA] = strength
	m.adjMu.Unlock()

	m.publishEdgeGauge()
	m.log.Info("entities entangled",
		zap.String("entity_a", idA),
		zap.String("entity_b", idB),
		zap.Float64("strength", strength),
	)
	return nil
}

// Neighbors returns the entity's correlated neighbors, sorted for stable
// output. Empty for unknown entities.
func (m *Model) Neighbors(entityID string) []string {
	m.adjMu.RLock()
	defer m.adjMu.RUnlock()

	edges := m.adj[entityID]
	if len(edges) == 0 {
		return nil
	}
	out := make([]string, 0, len(edges))
	for id := range edges {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *Model) publishEdgeGauge() {
	if m.metrics == nil {
		return
	}
	m.adjMu.RLock()
	total := 0
	for _, edges := range m.adj {
		total += len(edges)
	}
	m.adjMu.RUnlock()
	// Each undirected edge appears twice in the adjacency map.
	m.metrics.EntangledEdges.Set(float64(total / 2))
}

// conditions is the fixed forecast taxonomy, matched positionally against
// the ranked interference values.
var conditions = [...]string{
	"Cardiovascular Event",
	"Diabetes Onset",
	"Hypertension Crisis",
	"Respiratory Distress",
	"Metabolic Syndrome",
	"Chronic Fatigue",
	"Autoimmune Response",
	"Neurological Changes",
}

// cascadingRisks is the fixed population-risk taxonomy, revealed one entry
// per ten correlated neighbors.
var cascadingRisks = [...]string{
	"Epidemic spread potential",
	"Resource utilization spike",
	"Healthcare system overload",
	"Community health degradation",
	"Emergency response activation",
}

// ConditionForecast is one ranked heuristic condition score.
type ConditionForecast struct {
	Condition    string    `json:"condition"`
	Probability  float64   `json:"probability"` // 0..0.95
	Confidence   float64   `json:"confidence"`
	Timeframe    string    `json:"timeframe"`
	Coherence    float64   `json:"coherence"`
	Interference []float64 `json:"interference_pattern"`
}

// NetworkEffects aggregates population-level context for one prediction.
type NetworkEffects struct {
	PopulationImpact float64  `json:"population_impact"`
	CascadingRisks   []string `json:"cascading_risks"`
	CollectiveHealth float64  `json:"collective_health"`
}

// Prediction is the full heuristic output for one entity.
type Prediction struct {
	EntityID    string              `json:"entity_id"`
	Forecasts   []ConditionForecast `json:"forecasts"`
	Effects     NetworkEffects      `json:"network_effects"`
	GeneratedAt time.Time           `json:"generated_at"`
}

// Predict computes pairwise interference across the entity's state vector,
// ranks condition scores, and derives population effects from the
// correlation graph. Returns ErrUnknownEntity without prior state.
func (m *Model) Predict(entityID string) (Prediction, error) {
	es, ok := m.states.Get(entityID)
	if !ok {
		return Prediction{}, fmt.Errorf("%w: %s", ErrUnknownEntity, entityID)
	}

	es.mu.Lock()
	vector := es.vector
	coherence := es.coherence
	es.mu.Unlock()

	accuracy := 0.95 + coherence*0.04
	patterns := interferencePatterns(vector)

	n := len(conditions)
	if len(patterns) < n {
		n = len(patterns)
	}
	forecasts := make([]ConditionForecast, 0, n)
	for i := 0; i < n; i++ {
		probability := math.Abs(patterns[i]) * coherence
		if probability > 0.95 {
			probability = 0.95
		}
		end := i + 3
		if end > len(patterns) {
			end = len(patterns)
		}
		forecasts = append(forecasts, ConditionForecast{
			Condition:    conditions[i],
			Probability:  probability,
			Confidence:   accuracy,
			Timeframe:    timeframeFor(probability),
			Coherence:    coherence,
			Interference: append([]float64(nil), patterns[i:end]...),
		})
	}
	sort.SliceStable(forecasts, func(i, j int) bool {
		return forecasts[i].Probability > forecasts[j].Probability
	})

	neighbors := m.Neighbors(entityID)

	return Prediction{
		EntityID:    entityID,
		Forecasts:   forecasts,
		Effects:     m.networkEffects(neighbors),
		GeneratedAt: time.Now(),
	}, nil
}

func (m *Model) networkEffects(neighbors []string) NetworkEffects {
	risks := cascadingRisks[:min(len(cascadingRisks), len(neighbors)/10+1)]

	var totalFidelity float64
	var counted int
	for _, id := range neighbors {
		if es, ok := m.states.Peek(id); ok {
			es.mu.Lock()
			totalFidelity += es.fidelity
			es.mu.Unlock()
			counted++
		}
	}
	collective := 0.5
	if counted > 0 {
		collective = totalFidelity / float64(counted)
	}

	return NetworkEffects{
		PopulationImpact: float64(len(neighbors)) * 0.001,
		CascadingRisks:   append([]string(nil), risks...),
		CollectiveHealth: collective,
	}
}

// NetworkSnapshot aggregates whole-network statistics.
type NetworkSnapshot struct {
	Entities               int       `json:"entities"`
	EntanglementDensity    float64   `json:"entanglement_density"` // mean neighbor count
	NetworkHealth          float64   `json:"network_health"`       // mean fidelity x coherence
	EmergentPatterns       []string  `json:"emergent_patterns"`
	CollectiveIntelligence float64   `json:"collective_intelligence"`
	MeasuredAt             time.Time `json:"measured_at"`
}

// MeasureNetwork aggregates over all modeled entities. Neutral defaults are
// returned for an empty network, never a division error.
func (m *Model) MeasureNetwork() NetworkSnapshot {
	keys := m.states.Keys()

	var healthSum, coherenceSum, fidelitySum float64
	var counted int
	for _, id := range keys {
		es, ok := m.states.Peek(id)
		if !ok {
			continue
		}
		es.mu.Lock()
		healthSum += es.fidelity * es.coherence
		coherenceSum += es.coherence
		fidelitySum += es.fidelity
		es.mu.Unlock()
		counted++
	}

	m.adjMu.RLock()
	totalDegree := 0
	for _, edges := range m.adj {
		totalDegree += len(edges)
	}
	m.adjMu.RUnlock()

	snap := NetworkSnapshot{
		Entities:      counted,
		NetworkHealth: 0.5,
		MeasuredAt:    time.Now(),
	}
	if counted == 0 {
		return snap
	}

	snap.EntanglementDensity = float64(totalDegree) / float64(counted)
	snap.NetworkHealth = healthSum / float64(counted)
	snap.CollectiveIntelligence = math.Min(snap.EntanglementDensity, 1)

	meanCoherence := coherenceSum / float64(counted)
	meanFidelity := fidelitySum / float64(counted)
	snap.EmergentPatterns = emergentPatterns(meanCoherence, meanFidelity, snap.EntanglementDensity, m.pairSynchrony())
	return snap
}

// pairSynchrony is the mean cosine similarity between the amplitude vectors
// of entangled pairs, 0 when no pair has state.
func (m *Model) pairSynchrony() float64 {
	m.adjMu.RLock()
	type pair struct{ a, b string }
	var pairs []pair
	for a, edges := range m.adj {
		for b := range edges {
			if a < b {
				pairs = append(pairs, pair{a, b})
			}
		}
	}
	m.adjMu.RUnlock()

	var sum float64
	var counted int
	for _, p := range pairs {
		ea, okA := m.states.Peek(p.a)
		eb, okB := m.states.Peek(p.b)
		if !okA || !okB {
			continue
		}
		ea.mu.Lock()
		va := latestAmplitudes(ea)
		ea.mu.Unlock()
		eb.mu.Lock()
		vb := latestAmplitudes(eb)
		eb.mu.Unlock()
		if va == nil || vb == nil {
			continue
		}
		sum += dot(*va, *vb)
		counted++
	}
	if counted == 0 {
		return 0
	}
	return sum / float64(counted)
}

func latestAmplitudes(es *entityState) *[vectorSize]float64 {
	if len(es.history) == 0 {
		return nil
	}
	v := es.history[len(es.history)-1]
	return &v
}

// emergentPatterns derives descriptive labels from computed statistics.
func emergentPatterns(meanCoherence, meanFidelity, density, synchrony float64) []string {
	var out []string
	if synchrony > 0.9 {
		out = append(out, "Synchronized vital rhythms across correlated entities")
	}
	if meanCoherence > 0.75 {
		out = append(out, "Stable collective health trajectories")
	}
	if density >= 2 {
		out = append(out, "Dense correlation clustering")
	}
	if meanFidelity > 0.8 {
		out = append(out, "High-fidelity population model")
	}
	return out
}

// normalizeVitals maps the six-slot vital vector onto unit amplitudes:
// each vital is scaled by 1/200 and capped at 1, then the whole vector is
// scaled so the squared magnitudes sum to 1.
func normalizeVitals(v types.Vitals) [vectorSize]float64 {
	raw := v.Vector()

	var amplitudes [vectorSize]float64
	var sumSq float64
	for i, value := range raw {
		a := 0.0
		if value > 0 {
			a = math.Min(value/200, 1)
		}
		amplitudes[i] = a
		sumSq += a * a
	}
	if sumSq == 0 {
		// Degenerate input; fall back to a uniform superposition.
		uniform := 1 / math.Sqrt(vectorSize)
		for i := range amplitudes {
			amplitudes[i] = uniform
		}
		return amplitudes
	}

	norm := math.Sqrt(sumSq)
	for i := range amplitudes {
		amplitudes[i] /= norm
	}
	return amplitudes
}

// superpose assigns each amplitude an evenly distributed phase offset.
func superpose(amplitudes [vectorSize]float64) [vectorSize]complex128 {
	var out [vectorSize]complex128
	for i, a := range amplitudes {
		phase := math.Pi * float64(i) / vectorSize
		out[i] = cmplx.Rect(a, phase)
	}
	return out
}

// interferencePatterns returns the real part of v[i] x conj(v[j]) for every
// component pair i < j.
func interferencePatterns(v [vectorSize]complex128) []float64 {
	out := make([]float64, 0, vectorSize*(vectorSize-1)/2)
	for i := 0; i < vectorSize; i++ {
		for j := i + 1; j < vectorSize; j++ {
			out = append(out, real(v[i]*cmplx.Conj(v[j])))
		}
	}
	return out
}

// coherenceOf averages the cosine similarity of consecutive amplitude
// vectors. Histories shorter than two samples score the neutral 0.5.
func coherenceOf(history [][vectorSize]float64) float64 {
	if len(history) < 2 {
		return 0.5
	}
	var sum float64
	for i := 1; i < len(history); i++ {
		sum += dot(history[i-1], history[i])
	}
	return clamp01(sum / float64(len(history)-1))
}

// fidelityOf scores data completeness, measurement quality, and freshness.
func fidelityOf(s types.Snapshot, now time.Time) float64 {
	completeness := float64(s.Vitals.Count()) / vectorSize
	quality := s.Quality.Score()

	recency := 1.0
	if !s.Timestamp.IsZero() {
		days := now.Sub(s.Timestamp).Hours() / 24
		recency = math.Max(0, 1-days/30)
	}

	return completeness*0.4 + quality*0.4 + recency*0.2
}

func timeframeFor(probability float64) string {
	switch {
	case probability > 0.8:
		return "1-7 days"
	case probability > 0.6:
		return "1-4 weeks"
	case probability > 0.4:
		return "1-6 months"
	default:
		return "6-24 months"
	}
}

func dot(a, b [vectorSize]float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
