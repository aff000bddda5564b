package retrieval

import (
	"math"
	"sort"
	"time"

	"github.com/orneryd/helixgraph/pkg/storage"
)

// BoostConfig selects which relevance signals scale fused scores.
// Disabled signals contribute a factor of exactly 1.0.
type BoostConfig struct {
	Salience   bool
	Confidence bool
	Recency    bool

	// HalfLifeDays controls the recency decay: a document this many days
	// old keeps half its score.
	HalfLifeDays float64

	// Now anchors age computation. Zero means time.Now at call time.
	Now time.Time
}

// DefaultBoostConfig enables every signal with a 30-day recency half-life.
func DefaultBoostConfig() BoostConfig {
	return BoostConfig{
		Salience:     true,
		Confidence:   true,
		Recency:      true,
		HalfLifeDays: 30,
	}
}

// Signals carries the per-document relevance signals. The Has* flags mark
// which fields were actually present; absent signals default to a neutral
// factor.
type Signals struct {
	Salience      float64
	HasSalience   bool
	Confidence    float64
	HasConfidence bool
	CreatedAt     time.Time
	HasCreatedAt  bool
}

// SignalSource resolves the signals of one document, typically by reading
// its node properties. Returning the zero value means no signals.
type SignalSource func(id storage.ID) Signals

// ApplySignalBoosts rescales hits by salience, confidence, and recency
// decay, then re-sorts descending:
//
//	final = score * salience * confidence * 0.5^(age_days / half_life)
//
// Ages are computed at millisecond resolution; a document from the future
// decays nothing.
func ApplySignalBoosts(hits []Hit, cfg BoostConfig, source SignalSource) []Hit {
	if source == nil || !cfg.Salience && !cfg.Confidence && !cfg.Recency {
		return hits
	}
	now := cfg.Now
	if now.IsZero() {
		now = time.Now()
	}
	halfLife := cfg.HalfLifeDays
	if halfLife <= 0 {
		halfLife = DefaultBoostConfig().HalfLifeDays
	}

	boosted := make([]Hit, len(hits))
	for i, h := range hits {
		sig := source(h.ID)
		factor := 1.0
		if cfg.Salience && sig.HasSalience {
			factor *= sig.Salience
		}
		if cfg.Confidence && sig.HasConfidence {
			factor *= sig.Confidence
		}
		if cfg.Recency && sig.HasCreatedAt {
			ageDays := float64(now.Sub(sig.CreatedAt).Milliseconds()) / float64(24*time.Hour/time.Millisecond)
			if ageDays > 0 {
				factor *= math.Pow(0.5, ageDays/halfLife)
			}
		}
		boosted[i] = Hit{ID: h.ID, Score: h.Score * factor}
	}
	sortHits(boosted)
	return boosted
}

func sortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID.Less(hits[j].ID)
	})
}
