// Package moderation implements the two-stage content-safety pipeline: a
// local lexical check followed by a remote toxicity score. The pipeline is
// pure with respect to session state; callers apply its verdict.
package moderation

import (
	"context"
	"errors"
	"fmt"
)

// ReasonProfanity is the user-facing reason for a lexical match.
const ReasonProfanity = "Profanity detected"

// NoteUnavailable annotates a fail-open verdict. It is logged server-side,
// never sent to the peer.
const NoteUnavailable = "classifier unavailable"

// Verdict is the outcome of a safety check.
type Verdict struct {
	Safe   bool
	Reason string // user-facing reason when unsafe
	Note   string // diagnostic annotation, e.g. NoteUnavailable
}

// Lexical reports whether text matches the local bad-word vocabulary.
type Lexical interface {
	ContainsProfanity(text string) bool
}

// Pipeline orders the two checks and short-circuits on the first failure.
type Pipeline struct {
	lexical   Lexical
	toxicity  Toxicity
	threshold float64
}

// NewPipeline wires the two classifiers. Scores strictly above threshold are
// unsafe.
func NewPipeline(lexical Lexical, toxicity Toxicity, threshold float64) *Pipeline {
	return &Pipeline{
		lexical:   lexical,
		toxicity:  toxicity,
		threshold: threshold,
	}
}

// CheckSafe classifies text. The lexical stage runs first; on a match the
// remote classifier is never called, so flagged text stays local. When the
// remote classifier is unavailable the verdict is Safe with a note: chat
// availability wins over strict enforcement when the dependency is down.
func (p *Pipeline) CheckSafe(ctx context.Context, text string) Verdict {
	if p.lexical.ContainsProfanity(text) {
		return Verdict{Safe: false, Reason: ReasonProfanity}
	}

	score, err := p.toxicity.Score(ctx, text)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return Verdict{Safe: true, Note: NoteUnavailable}
		}
		// Unknown failures get the same fail-open treatment.
		return Verdict{Safe: true, Note: NoteUnavailable}
	}

	if score > p.threshold {
		return Verdict{Safe: false, Reason: fmt.Sprintf("Toxicity flagged | score=%.2f", score)}
	}
	return Verdict{Safe: true}
}
