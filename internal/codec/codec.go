// Package codec implements the incremental line decoders driven by the NNTP
// receive loop: article headers, yEnc and uuencode payloads, XOVER overview
// records and LIST ACTIVE group lines.
package codec

import (
	"github.com/newsreap/newsreap/internal/content"
)

type StepKind int

const (
	// StepContinue means the decoder needs more input and stays active.
	StepContinue StepKind = iota
	// StepDone means the decoder finished and produced a result.
	StepDone
	// StepSkip means the decoder finished without producing anything.
	StepSkip
	// StepFailed means the decoder gave up; any produced content has its
	// validity flag cleared.
	StepFailed
)

// Step is the outcome of feeding one line to an active decoder.
type Step struct {
	Kind    StepKind
	Content *content.Content
	Header  Header
}

func Continue() Step          { return Step{Kind: StepContinue} }
func Skip() Step              { return Step{Kind: StepSkip} }
func Failed() Step            { return Step{Kind: StepFailed} }
func Done(c *content.Content) Step { return Step{Kind: StepDone, Content: c} }

// Decoder consumes lines from a multi-line NNTP response body. The receive
// loop offers each unclaimed line to the decoders in order; the first whose
// Detect returns true becomes active and is fed subsequent lines until its
// Decode returns something other than StepContinue.
type Decoder interface {
	// Detect reports whether line begins (or belongs to) this decoder's
	// framing. Called only while the decoder is inactive.
	Detect(line []byte) bool
	// Decode consumes one line while active.
	Decode(line []byte) Step
	// Reset returns the decoder to its initial state so it can be reused
	// across commands and retries.
	Reset()
}
