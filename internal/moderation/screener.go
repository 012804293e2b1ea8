// Package moderation screens user content before it reaches generation.
package moderation

import (
	"context"
	"strings"
)

// Verdict is the outcome of screening a piece of content.
type Verdict string

const (
	// VerdictAllow lets the message through unchanged.
	VerdictAllow Verdict = "allow"
	// VerdictFlag lets the message through but marks it for review.
	VerdictFlag Verdict = "flag"
	// VerdictBlock stops the message from reaching generation.
	VerdictBlock Verdict = "block"
)

// Result carries the verdict and the matched category, if any.
type Result struct {
	Verdict  Verdict
	Category string
}

// Screener evaluates user content.
type Screener interface {
	Screen(ctx context.Context, content string) (Result, error)
}

// KeywordScreener is a substring-based screener. It is the built-in
// default; deployments with an external moderation service swap in a
// client implementing Screener.
type KeywordScreener struct {
	blocked map[string]string
	flagged map[string]string
}

// NewKeywordScreener creates a screener with the default term lists.
func NewKeywordScreener() *KeywordScreener {
	return &KeywordScreener{
		blocked: map[string]string{
			"how to make a bomb": "violence",
			"kill myself":        "self_harm",
			"hurt myself":        "self_harm",
		},
		flagged: map[string]string{
			"suicide":   "self_harm",
			"self harm": "self_harm",
			"violence":  "violence",
		},
	}
}

// Screen evaluates content against the term lists. Block terms win over
// flag terms.
func (s *KeywordScreener) Screen(_ context.Context, content string) (Result, error) {
	lower := strings.ToLower(content)

	for term, category := range s.blocked {
		if strings.Contains(lower, term) {
			return Result{Verdict: VerdictBlock, Category: category}, nil
		}
	}
	for term, category := range s.flagged {
		if strings.Contains(lower, term) {
			return Result{Verdict: VerdictFlag, Category: category}, nil
		}
	}
	return Result{Verdict: VerdictAllow}, nil
}

// AllowAllScreener approves everything. Used when screening is disabled.
type AllowAllScreener struct{}

// Screen always allows.
func (AllowAllScreener) Screen(_ context.Context, _ string) (Result, error) {
	return Result{Verdict: VerdictAllow}, nil
}
