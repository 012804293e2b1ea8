// Package memory turns conversation turns into durable memory and
// relationship state.
package memory

import (
	"strings"
)

// Signal is the outcome of evaluating one turn for long-term retention.
type Signal struct {
	Significant  bool
	Importance   float64
	EmotionalTag string
	// Cues are the matched vocabulary entries, for logging.
	Cues []string
	// Sentiment is -1, 0, or +1 and drives relationship consolidation.
	Sentiment int
}

// SignificancePolicy decides whether a (user, assistant) turn is worth
// keeping as long-term memory. Implementations must be deterministic; a
// learned classifier can be swapped in behind this interface.
type SignificancePolicy interface {
	Evaluate(userContent, assistantContent string) Signal
}

// KeywordPolicy is the built-in policy: a turn is significant when the
// user message contains at least one entry of a fixed vocabulary.
// Importance is seeded at 0.5 plus 0.1 per matched cue, capped at 1.0.
type KeywordPolicy struct {
	vocabulary []string
	emotions   map[string]string
	negative   map[string]bool
}

// NewKeywordPolicy creates the default keyword policy.
func NewKeywordPolicy() *KeywordPolicy {
	return &KeywordPolicy{
		vocabulary: []string{
			"love", "hate", "important", "remember", "never forget",
			"always", "promise", "secret", "confession", "truth",
		},
		emotions: map[string]string{
			"love":       "affection",
			"hate":       "anger",
			"promise":    "commitment",
			"secret":     "trust",
			"confession": "trust",
		},
		negative: map[string]bool{
			"hate": true,
		},
	}
}

// Evaluate scores the user side of a turn against the vocabulary.
func (p *KeywordPolicy) Evaluate(userContent, _ string) Signal {
	lower := strings.ToLower(userContent)

	var sig Signal
	for _, cue := range p.vocabulary {
		if !strings.Contains(lower, cue) {
			continue
		}
		sig.Cues = append(sig.Cues, cue)
		if sig.EmotionalTag == "" {
			sig.EmotionalTag = p.emotions[cue]
		}
		if p.negative[cue] {
			sig.Sentiment = -1
		} else if sig.Sentiment == 0 {
			sig.Sentiment = 1
		}
	}

	if len(sig.Cues) == 0 {
		return Signal{}
	}

	sig.Significant = true
	sig.Importance = 0.5 + 0.1*float64(len(sig.Cues))
	if sig.Importance > 1.0 {
		sig.Importance = 1.0
	}
	return sig
}
