package predictive

import "cnsd/internal/memory"

// sequentialLocked matches the longest suffix of the current context's
// sequence inside every learned sequence and predicts the keys that
// followed, with decaying probability the further ahead they are.
func (e *Engine) sequentialLocked(actx AccessContext) []Prediction {
	current, ok := e.patterns[actx.signature()]
	if !ok || len(current.Sequence) == 0 {
		return nil
	}
	acc := e.accuracy[ModelSequential]

	var out []Prediction
	for _, p := range e.patterns {
		matchLen, matchEnd := longestSuffixMatch(current.Sequence, p.Sequence)
		if matchLen == 0 {
			continue
		}
		base := acc * float64(matchLen) / float64(matchLen+1)
		for ahead := 1; ahead <= 3 && matchEnd+ahead < len(p.Sequence); ahead++ {
			key := p.Sequence[matchEnd+ahead]
			out = append(out, Prediction{
				Key:         key,
				Layer:       e.layerFor(key),
				Probability: base * decay(ahead),
				Model:       ModelSequential,
			})
		}
	}
	return out
}

func decay(ahead int) float64 {
	d := 1.0
	for i := 1; i < ahead; i++ {
		d *= 0.7
	}
	return d
}

// longestSuffixMatch finds the longest suffix of current that appears
// in candidate, returning its length and the index where the match
// ends inside candidate.
func longestSuffixMatch(current, candidate []string) (int, int) {
	maxLen := len(current)
	if maxLen > 5 {
		maxLen = 5
	}
	for length := maxLen; length >= 1; length-- {
		suffix := current[len(current)-length:]
		for start := len(candidate) - length; start >= 0; start-- {
			if equalSeq(candidate[start:start+length], suffix) {
				return length, start + length - 1
			}
		}
	}
	return 0, 0
}

func equalSeq(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// frequencyLocked ranks keys by global access frequency.
func (e *Engine) frequencyLocked() []Prediction {
	maxFreq := 0
	for _, freq := range e.keyFrequency {
		if freq > maxFreq {
			maxFreq = freq
		}
	}
	if maxFreq == 0 {
		return nil
	}
	acc := e.accuracy[ModelFrequency]

	out := make([]Prediction, 0, len(e.keyFrequency))
	for key, freq := range e.keyFrequency {
		out = append(out, Prediction{
			Key:         key,
			Layer:       e.layerFor(key),
			Probability: acc * float64(freq) / float64(maxFreq),
			Model:       ModelFrequency,
		})
	}
	return out
}

// contextualLocked scores stored contexts by field-overlap ratio with
// the query context and predicts their most recent keys.
func (e *Engine) contextualLocked(actx AccessContext) []Prediction {
	queryWords := actx.words()
	if len(queryWords) == 0 {
		return nil
	}
	acc := e.accuracy[ModelContextual]
	querySig := actx.signature()

	var out []Prediction
	for sig, p := range e.patterns {
		if sig == querySig || len(p.Sequence) == 0 {
			continue
		}
		overlap := overlapRatio(queryWords, p.Context.words())
		if overlap == 0 {
			continue
		}
		out = append(out, Prediction{
			Key:         p.Sequence[len(p.Sequence)-1],
			Layer:       e.layerFor(p.Sequence[len(p.Sequence)-1]),
			Probability: acc * overlap,
			Model:       ModelContextual,
		})
	}
	return out
}

func overlapRatio(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, w := range a {
		set[w] = struct{}{}
	}
	matches := 0
	for _, w := range b {
		if _, ok := set[w]; ok {
			matches++
		}
	}
	if matches == 0 {
		return 0
	}
	denom := len(a)
	if len(b) > denom {
		denom = len(b)
	}
	return float64(matches) / float64(denom)
}

// temporalLocked predicts keys whose historical accesses correlate with
// the current hour of day and day of week.
func (e *Engine) temporalLocked() []Prediction {
	now := e.clock.Now()
	hour := now.Hour()
	day := int(now.Weekday())
	acc := e.accuracy[ModelTemporal]

	var out []Prediction
	for key, hourCounts := range e.hourCounts {
		total := 0
		for _, n := range hourCounts {
			total += n
		}
		if total == 0 {
			continue
		}
		hourShare := float64(hourCounts[hour]) / float64(total)

		dayShare := 0.0
		if dayCounts, ok := e.dayCounts[key]; ok {
			dayTotal := 0
			for _, n := range dayCounts {
				dayTotal += n
			}
			if dayTotal > 0 {
				dayShare = float64(dayCounts[day]) / float64(dayTotal)
			}
		}

		score := acc * (0.6*hourShare + 0.4*dayShare)
		if score == 0 {
			continue
		}
		out = append(out, Prediction{
			Key:         key,
			Layer:       e.layerFor(key),
			Probability: score,
			Model:       ModelTemporal,
		})
	}
	return out
}

func (e *Engine) layerFor(key string) memory.LayerID {
	if layer, ok := e.keyLayers[key]; ok {
		return layer
	}
	return memory.LayerSession
}
