package validation

import (
	"context"
	"math"
	"time"

	"cnsd/internal/memory"
)

const (
	sizeTolerance     = 0.1
	accuracyThreshold = 0.7
	reconstructTag    = "reconstructable"
	compressedTag     = "compressed"
)

func allLayers(memory.LayerID) bool { return true }

func onlyLayer(id memory.LayerID) func(memory.LayerID) bool {
	return func(l memory.LayerID) bool { return l == id }
}

// standardRules builds the fixed rule table: generic integrity checks
// plus the two tier-specific ones.
func standardRules() []rule {
	return []rule{
		{
			name:    "checksum",
			weight:  1.0,
			applies: allLayers,
			check: func(e *memory.Entry, _ time.Time) *Issue {
				sum, err := memory.Checksum(e.Value)
				if err != nil {
					return &Issue{Rule: "checksum", Message: "value not serializable", Confidence: 0.9}
				}
				if sum != e.Metadata.Checksum {
					return &Issue{Rule: "checksum", Message: "checksum mismatch", Confidence: 0.95}
				}
				return nil
			},
			heal:    healChecksum,
			suggest: "recompute the checksum from the stored value",
		},
		{
			name:    "expired",
			weight:  0.9,
			applies: allLayers,
			check: func(e *memory.Entry, now time.Time) *Issue {
				if e.Expired(now) {
					return &Issue{Rule: "expired", Message: "ttl elapsed", Confidence: 1.0}
				}
				return nil
			},
			heal:    healExpired,
			suggest: "delete the expired entry",
		},
		{
			name:    "size",
			weight:  0.5,
			applies: allLayers,
			check: func(e *memory.Entry, _ time.Time) *Issue {
				actual := memory.ValueSize(e.Value)
				if e.Metrics.Size == 0 && actual == 0 {
					return nil
				}
				recorded := float64(e.Metrics.Size)
				if recorded == 0 || math.Abs(float64(actual)-recorded)/recorded > sizeTolerance {
					return &Issue{Rule: "size", Message: "recorded size drifted beyond tolerance", Confidence: 0.7}
				}
				return nil
			},
			heal:    healReconstruct,
			suggest: "reconstruct the entry metrics from the stored value",
		},
		{
			name:    "metadata",
			weight:  0.6,
			applies: allLayers,
			check: func(e *memory.Entry, now time.Time) *Issue {
				md := e.Metadata
				switch {
				case md.Version < 1:
					return &Issue{Rule: "metadata", Message: "version below 1", Confidence: 0.8}
				case md.Created.IsZero() || md.Updated.IsZero():
					return &Issue{Rule: "metadata", Message: "missing timestamps", Confidence: 0.8}
				case md.Updated.Before(md.Created):
					return &Issue{Rule: "metadata", Message: "updated precedes created", Confidence: 0.8}
				case md.Created.After(now.Add(time.Minute)):
					return &Issue{Rule: "metadata", Message: "created in the future", Confidence: 0.8}
				}
				return nil
			},
			heal:    healMetadata,
			suggest: "normalize metadata timestamps and version",
		},
		{
			name:    "compression",
			weight:  0.7,
			applies: onlyLayer(memory.LayerContext),
			check: func(e *memory.Entry, _ time.Time) *Issue {
				if !e.HasTag(compressedTag) {
					return &Issue{Rule: "compression", Message: "missing compressed tag", Confidence: 0.75}
				}
				if r := e.Metrics.CompressionRatio; r <= 0 || r > 1 {
					return &Issue{Rule: "compression", Message: "compression ratio out of range", Confidence: 0.75}
				}
				return nil
			},
			heal:    healMetadata,
			suggest: "recompress the entry on the context tier",
		},
		{
			name:    "accuracy",
			weight:  0.7,
			applies: onlyLayer(memory.LayerPredictions),
			check: func(e *memory.Entry, _ time.Time) *Issue {
				if e.Metrics.Accuracy < accuracyThreshold {
					return &Issue{Rule: "accuracy", Message: "prediction accuracy below threshold", Confidence: 0.6}
				}
				return nil
			},
			heal:    nil, // repaired by refitting models, not per entry
			suggest: "refit the prediction models",
		},
	}
}

func healChecksum(_ context.Context, _ memory.Layer, e *memory.Entry, now time.Time) (bool, error) {
	sum, err := memory.Checksum(e.Value)
	if err != nil {
		return false, err
	}
	e.Metadata.Checksum = sum
	e.Metadata.Updated = now
	e.Metadata.Version++
	return true, nil
}

func healExpired(ctx context.Context, layer memory.Layer, e *memory.Entry, _ time.Time) (bool, error) {
	return layer.Delete(ctx, e.Key)
}

// healReconstruct rebuilds derived fields from the stored value, but
// only for entries explicitly tagged reconstructable; anything else
// gets the generic metadata bump.
func healReconstruct(ctx context.Context, layer memory.Layer, e *memory.Entry, now time.Time) (bool, error) {
	if !e.HasTag(reconstructTag) {
		return healMetadata(ctx, layer, e, now)
	}
	e.Metrics.Size = memory.ValueSize(e.Value)
	sum, err := memory.Checksum(e.Value)
	if err != nil {
		return false, err
	}
	e.Metadata.Checksum = sum
	e.Metadata.Updated = now
	e.Metadata.Version++
	return true, nil
}

func healMetadata(_ context.Context, _ memory.Layer, e *memory.Entry, now time.Time) (bool, error) {
	if e.Metadata.Created.IsZero() {
		e.Metadata.Created = now
	}
	if e.Metadata.Version < 1 {
		e.Metadata.Version = 1
	}
	e.Metadata.Updated = now
	e.Metadata.Version++
	return true, nil
}
