package tier

import (
	"math"
	"time"
)

// sample is one (features, target) training pair. Targets are the
// normalized priority of a stored entry, the stand-in signal every
// model scores against.
type sample struct {
	features []float64
	target   float64
}

// model is a pluggable scoring strategy for the prediction tier. Each
// implementation is an explicit heuristic, not a learned model; accuracy
// is measured on the training set at fit time.
type model interface {
	name() string
	fit(samples []sample, now time.Time)
	predict(features []float64) float64
	accuracy() float64
	lastTrained() time.Time
	trainingSize() int
}

type modelState struct {
	acc     float64
	trained time.Time
	samples int
}

func (m *modelState) accuracy() float64      { return m.acc }
func (m *modelState) lastTrained() time.Time { return m.trained }
func (m *modelState) trainingSize() int      { return m.samples }

func (m *modelState) measure(predict func([]float64) float64, samples []sample, now time.Time) {
	m.trained = now
	m.samples = len(samples)
	if len(samples) == 0 {
		m.acc = 0.5
		return
	}
	var errSum float64
	for _, s := range samples {
		errSum += math.Abs(predict(s.features) - s.target)
	}
	m.acc = clamp01(1.0 - errSum/float64(len(samples)))
}

// linearModel fits weights by batch gradient descent.
type linearModel struct {
	modelState
	weights []float64
	bias    float64
}

func newLinearModel() *linearModel {
	return &linearModel{weights: make([]float64, featureCount)}
}

func (m *linearModel) name() string { return "linear" }

func (m *linearModel) fit(samples []sample, now time.Time) {
	const (
		epochs = 60
		lr     = 0.1
	)
	if len(samples) > 0 {
		for epoch := 0; epoch < epochs; epoch++ {
			for _, s := range samples {
				err := m.predict(s.features) - s.target
				for i, f := range s.features {
					m.weights[i] -= lr * err * f
				}
				m.bias -= lr * err
			}
		}
	}
	m.measure(m.predict, samples, now)
}

func (m *linearModel) predict(features []float64) float64 {
	out := m.bias
	for i, f := range features {
		if i < len(m.weights) {
			out += m.weights[i] * f
		}
	}
	return clamp01(out)
}

// networkModel is a toy single-hidden-layer network with simplified
// backprop: enough structure to behave differently from the linear
// model, nothing more.
type networkModel struct {
	modelState
	hidden     int
	w1         [][]float64 // input -> hidden
	b1         []float64
	w2         []float64 // hidden -> output
	b2         float64
}

func newNetworkModel() *networkModel {
	const hidden = 4
	m := &networkModel{
		hidden: hidden,
		w1:     make([][]float64, hidden),
		b1:     make([]float64, hidden),
		w2:     make([]float64, hidden),
	}
	// Small fixed asymmetric init keeps fitting deterministic.
	for h := 0; h < hidden; h++ {
		m.w1[h] = make([]float64, featureCount)
		for i := range m.w1[h] {
			m.w1[h][i] = 0.1 * float64((h+i)%3-1)
		}
		m.w2[h] = 0.1 * float64(h%2*2-1)
	}
	return m
}

func (m *networkModel) name() string { return "network" }

func sigmoid(x float64) float64 { return 1.0 / (1.0 + math.Exp(-x)) }

func (m *networkModel) forward(features []float64) ([]float64, float64) {
	hidden := make([]float64, m.hidden)
	for h := 0; h < m.hidden; h++ {
		sum := m.b1[h]
		for i, f := range features {
			sum += m.w1[h][i] * f
		}
		hidden[h] = sigmoid(sum)
	}
	out := m.b2
	for h, a := range hidden {
		out += m.w2[h] * a
	}
	return hidden, sigmoid(out)
}

func (m *networkModel) fit(samples []sample, now time.Time) {
	const (
		epochs = 80
		lr     = 0.5
	)
	if len(samples) > 0 {
		for epoch := 0; epoch < epochs; epoch++ {
			for _, s := range samples {
				hidden, out := m.forward(s.features)
				dOut := (out - s.target) * out * (1 - out)
				for h, a := range hidden {
					dHidden := dOut * m.w2[h] * a * (1 - a)
					m.w2[h] -= lr * dOut * a
					for i, f := range s.features {
						m.w1[h][i] -= lr * dHidden * f
					}
					m.b1[h] -= lr * dHidden
				}
				m.b2 -= lr * dOut
			}
		}
	}
	m.measure(m.predict, samples, now)
}

func (m *networkModel) predict(features []float64) float64 {
	_, out := m.forward(features)
	return out
}

// ensembleModel averages the numeric-output models it wraps.
type ensembleModel struct {
	modelState
	members []model
}

func newEnsembleModel(members ...model) *ensembleModel {
	return &ensembleModel{members: members}
}

func (m *ensembleModel) name() string { return "ensemble" }

func (m *ensembleModel) fit(samples []sample, now time.Time) {
	// Members are fit by the tier; the ensemble only re-measures.
	m.measure(m.predict, samples, now)
}

func (m *ensembleModel) predict(features []float64) float64 {
	if len(m.members) == 0 {
		return 0.5
	}
	var sum float64
	for _, member := range m.members {
		sum += member.predict(features)
	}
	return sum / float64(len(m.members))
}

// similarityModel is the markov / nearest-neighbor slot: it memorizes
// the training samples and answers with the target of the closest one.
type similarityModel struct {
	modelState
	memory []sample
}

func newSimilarityModel() *similarityModel { return &similarityModel{} }

func (m *similarityModel) name() string { return "similarity" }

func (m *similarityModel) fit(samples []sample, now time.Time) {
	m.memory = append([]sample(nil), samples...)
	m.measure(m.predictExcludingSelf, samples, now)
}

func (m *similarityModel) predict(features []float64) float64 {
	target, ok := m.nearest(features, -1)
	if !ok {
		return 0.5
	}
	return target
}

// predictExcludingSelf measures accuracy leave-one-out so a memorized
// sample cannot trivially match itself.
func (m *similarityModel) predictExcludingSelf(features []float64) float64 {
	self := -1
	for i, s := range m.memory {
		if featureDistance(s.features, features) == 0 {
			self = i
			break
		}
	}
	target, ok := m.nearest(features, self)
	if !ok {
		return 0.5
	}
	return target
}

func (m *similarityModel) nearest(features []float64, exclude int) (float64, bool) {
	best := math.MaxFloat64
	var target float64
	found := false
	for i, s := range m.memory {
		if i == exclude {
			continue
		}
		if d := featureDistance(s.features, features); d < best {
			best = d
			target = s.target
			found = true
		}
	}
	return target, found
}
