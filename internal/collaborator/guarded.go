package collaborator

import (
	"context"

	"github.com/drfirst/visitnote/internal/domain/note"
	"github.com/drfirst/visitnote/pkg/circuitbreaker"
)

// GuardedSummarizer routes calls through a circuit breaker
type GuardedSummarizer struct {
	next    Summarizer
	breaker *circuitbreaker.CircuitBreaker
}

// NewGuardedSummarizer wraps next with breaker
func NewGuardedSummarizer(next Summarizer, breaker *circuitbreaker.CircuitBreaker) *GuardedSummarizer {
	return &GuardedSummarizer{next: next, breaker: breaker}
}

// Summarize implements Summarizer
func (g *GuardedSummarizer) Summarize(ctx context.Context, req SummarizeRequest) (*note.ChartPrepOutput, error) {
	out, err := g.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return g.next.Summarize(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return out.(*note.ChartPrepOutput), nil
}

// GuardedSynthesizer routes calls through a circuit breaker
type GuardedSynthesizer struct {
	next    Synthesizer
	breaker *circuitbreaker.CircuitBreaker
}

// NewGuardedSynthesizer wraps next with breaker
func NewGuardedSynthesizer(next Synthesizer, breaker *circuitbreaker.CircuitBreaker) *GuardedSynthesizer {
	return &GuardedSynthesizer{next: next, breaker: breaker}
}

// Synthesize implements Synthesizer
func (g *GuardedSynthesizer) Synthesize(ctx context.Context, req SynthesizeRequest) (map[string]any, error) {
	out, err := g.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return g.next.Synthesize(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}
