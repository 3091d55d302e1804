// Package collaborator holds the contracts of the external AI services the
// note engine calls: the chart-prep summarizer and the note synthesizer.
// Neither is trusted to answer, to answer quickly, or to answer well-formed.
package collaborator

import (
	"context"
	"errors"
	"fmt"

	"github.com/drfirst/visitnote/internal/domain/note"
)

// ErrMalformedResponse is returned when a collaborator answers with a body
// that does not decode into the expected shape
var ErrMalformedResponse = errors.New("malformed collaborator response")

// PatientContext identifies whose chart a request is about
type PatientContext struct {
	PatientID string `json:"patientId"`
	VisitID   string `json:"visitId,omitempty"`
}

// SummarizeRequest carries every prep note dictated so far
type SummarizeRequest struct {
	PrepNotes          []note.PrepNote `json:"prepNotes"`
	PatientContext     PatientContext  `json:"patientContext"`
	CurrentNoteContext note.Fields     `json:"currentNoteContext"`
}

// SynthesizeRequest carries the full multi-source bundle
type SynthesizeRequest struct {
	PatientContext PatientContext   `json:"patientContext"`
	Bundle         note.Bundle      `json:"bundle"`
	Preferences    note.Preferences `json:"preferences"`
}

// Summarizer turns prep notes into chart-prep suggestions
type Summarizer interface {
	Summarize(ctx context.Context, req SummarizeRequest) (*note.ChartPrepOutput, error)
}

// Synthesizer produces replacement content keyed by section id. Values are
// untyped; callers validate each one.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesizeRequest) (map[string]any, error)
}

// StatusError is a non-2xx answer from a collaborator
type StatusError struct {
	Service string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Service, e.Code, e.Body)
}

// SummarizerFunc adapts a function to Summarizer
type SummarizerFunc func(ctx context.Context, req SummarizeRequest) (*note.ChartPrepOutput, error)

// Summarize calls f
func (f SummarizerFunc) Summarize(ctx context.Context, req SummarizeRequest) (*note.ChartPrepOutput, error) {
	return f(ctx, req)
}

// SynthesizerFunc adapts a function to Synthesizer
type SynthesizerFunc func(ctx context.Context, req SynthesizeRequest) (map[string]any, error)

// Synthesize calls f
func (f SynthesizerFunc) Synthesize(ctx context.Context, req SynthesizeRequest) (map[string]any, error) {
	return f(ctx, req)
}
