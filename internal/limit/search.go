package limit

import (
	"context"
	"fmt"
	"time"
)

// Searcher narrows the maximum accepted prompt length with two phases: a
// linear coarse descent that brackets the limit, then an integer bisection
// that refines the bracket down to Config.PrecisionStep characters.
//
// Exactly one probe is outstanding at any time, and a fixed delay follows
// every probe to stay clear of upstream rate limiting.
type Searcher struct {
	Prober Prober
	Config SearchConfig

	// Sleep is the inter-probe delay hook. Nil means a context-aware
	// time.Sleep; tests substitute an instant fake.
	Sleep func(ctx context.Context, d time.Duration) error

	// OnProbe observes each classified result. Observational only: it must
	// never influence the search decisions.
	OnProbe func(ProbeResult)

	// OnEvent observes phase transitions and bound updates.
	OnEvent func(stage, message string, data map[string]any)
}

// Run executes both phases. The returned error is non-nil only when ctx is
// cancelled mid-search; an exhausted range is reported through the outcome,
// not as an error.
func (s *Searcher) Run(ctx context.Context) (SearchReport, error) {
	cfg := s.Config
	cfg.normalize()

	start := time.Now()
	report := SearchReport{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Model:       cfg.Model,
	}
	defer func() {
		report.DurationMS = time.Since(start).Milliseconds()
	}()

	bounds, outcome, err := s.coarseDescent(ctx, cfg, &report)
	report.Bounds = bounds
	report.Phase1Outcome = outcome
	if err != nil {
		return report, err
	}

	switch outcome {
	case OutcomeExhausted:
		s.event("phase1", "no working length found in configured range", map[string]any{
			"min_length": cfg.MinLength,
		})
		return report, nil
	case OutcomeImmediate:
		// Starting length worked on the first probe: there is no failing
		// upper bound to bisect against.
		report.FinalLimit = bounds.KnownGood
		return report, nil
	}

	bounds, err = s.bisect(ctx, cfg, bounds, &report)
	report.Bounds = bounds
	report.FinalLimit = bounds.KnownGood
	return report, err
}

func (s *Searcher) coarseDescent(ctx context.Context, cfg SearchConfig, report *SearchReport) (SearchBounds, Phase1Outcome, error) {
	s.event("phase1", "coarse descent started", map[string]any{
		"starting_length": cfg.StartingLength,
		"step_size":       cfg.StepSize,
		"min_length":      cfg.MinLength,
	})

	bounds := SearchBounds{}
	current := cfg.StartingLength
	first := true
	for current >= cfg.MinLength {
		result := s.probe(ctx, current, report)
		report.Phase1Probes++
		if err := ctx.Err(); err != nil {
			return bounds, "", err
		}
		if err := s.delay(ctx, cfg.Delay); err != nil {
			return bounds, "", err
		}
		if result.Succeeded {
			bounds.KnownGood = current
			s.event("phase1", "found working length", map[string]any{
				"length": current,
			})
			if first {
				return bounds, OutcomeImmediate, nil
			}
			return bounds, OutcomeFoundBoundary, nil
		}
		bounds.KnownBad = current
		current -= cfg.StepSize
		first = false
	}
	return bounds, OutcomeExhausted, nil
}

func (s *Searcher) bisect(ctx context.Context, cfg SearchConfig, bounds SearchBounds, report *SearchReport) (SearchBounds, error) {
	s.event("phase2", "bisection started", map[string]any{
		"known_good": bounds.KnownGood,
		"known_bad":  bounds.KnownBad,
		"precision":  cfg.PrecisionStep,
	})

	for bounds.KnownBad-bounds.KnownGood > cfg.PrecisionStep {
		mid := (bounds.KnownGood + bounds.KnownBad) / 2
		result := s.probe(ctx, mid, report)
		report.Phase2Probes++
		if err := ctx.Err(); err != nil {
			return bounds, err
		}
		if result.Succeeded {
			bounds.KnownGood = mid
		} else {
			bounds.KnownBad = mid
		}
		s.event("phase2", "interval narrowed", map[string]any{
			"known_good": bounds.KnownGood,
			"known_bad":  bounds.KnownBad,
		})
		if err := s.delay(ctx, cfg.Delay); err != nil {
			return bounds, err
		}
	}
	return bounds, nil
}

func (s *Searcher) probe(ctx context.Context, length int, report *SearchReport) ProbeResult {
	result := s.Prober.Probe(ctx, length)
	report.Probes = append(report.Probes, result)
	if result.Succeeded {
		report.Findings = append(report.Findings, fmt.Sprintf("length=%d accepted (%d response chars)", length, result.ResponseChars))
	} else {
		report.Findings = append(report.Findings, fmt.Sprintf("length=%d failed: %s", length, result.ErrorDetail))
	}
	if s.OnProbe != nil {
		s.OnProbe(result)
	}
	return result
}

func (s *Searcher) delay(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if s.Sleep != nil {
		return s.Sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}

func (s *Searcher) event(stage, message string, data map[string]any) {
	if s.OnEvent != nil {
		s.OnEvent(stage, message, data)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
