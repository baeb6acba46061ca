package limit

import (
	"context"
	"testing"
	"time"
)

// thresholdProber accepts any length up to MaxAccepted and records the probed
// sequence.
type thresholdProber struct {
	MaxAccepted int
	Lengths     []int
}

func (p *thresholdProber) Probe(_ context.Context, length int) ProbeResult {
	p.Lengths = append(p.Lengths, length)
	if length <= p.MaxAccepted {
		return ProbeResult{Length: length, Succeeded: true, ResponseChars: 12}
	}
	return ProbeResult{
		Length:      length,
		Kind:        FailureHTTPStatus,
		HTTPStatus:  413,
		ErrorDetail: "status 413: payload too large",
	}
}

func newTestSearcher(prober Prober, cfg SearchConfig) *Searcher {
	return &Searcher{
		Prober: prober,
		Config: cfg,
		Sleep: func(context.Context, time.Duration) error {
			return nil
		},
	}
}

func TestCoarseDescentStrictlyDecreasing(t *testing.T) {
	prober := &thresholdProber{MaxAccepted: 462000}
	searcher := newTestSearcher(prober, SearchConfig{
		StartingLength: 500000,
		StepSize:       10000,
		MinLength:      1000,
		PrecisionStep:  500,
	})
	report, err := searcher.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	phase1 := prober.Lengths[:report.Phase1Probes]
	for i := 1; i < len(phase1); i++ {
		if phase1[i] != phase1[i-1]-10000 {
			t.Fatalf("phase1 length %d followed %d; want exact step of 10000", phase1[i], phase1[i-1])
		}
	}
	if phase1[0] != 500000 {
		t.Fatalf("first probed length = %d, want 500000", phase1[0])
	}
}

func TestBoundaryThenBisection(t *testing.T) {
	prober := &thresholdProber{MaxAccepted: 493210}
	searcher := newTestSearcher(prober, SearchConfig{
		StartingLength: 500000,
		StepSize:       10000,
		MinLength:      1000,
		PrecisionStep:  500,
	})
	report, err := searcher.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if report.Phase1Outcome != OutcomeFoundBoundary {
		t.Fatalf("phase1 outcome = %s, want %s", report.Phase1Outcome, OutcomeFoundBoundary)
	}
	if report.Phase1Probes != 2 {
		t.Fatalf("phase1 probes = %d, want 2 (500000 fail, 490000 ok)", report.Phase1Probes)
	}
	if report.Bounds.KnownBad-report.Bounds.KnownGood > 500 {
		t.Fatalf("final interval width %d exceeds precision", report.Bounds.KnownBad-report.Bounds.KnownGood)
	}
	if report.FinalLimit > prober.MaxAccepted {
		t.Fatalf("final limit %d above true limit %d", report.FinalLimit, prober.MaxAccepted)
	}
	if prober.MaxAccepted-report.FinalLimit > 500 {
		t.Fatalf("final limit %d more than precision below true limit %d", report.FinalLimit, prober.MaxAccepted)
	}
	// All phase2 probes stay inside the phase1 bracket.
	for _, length := range prober.Lengths[report.Phase1Probes:] {
		if length <= 490000 || length >= 500000 {
			t.Fatalf("bisection probed %d outside (490000, 500000)", length)
		}
	}
}

func TestBisectionInvariantHolds(t *testing.T) {
	prober := &thresholdProber{MaxAccepted: 495000}
	searcher := newTestSearcher(prober, SearchConfig{
		StartingLength: 500000,
		StepSize:       10000,
		MinLength:      1000,
		PrecisionStep:  100,
	})
	entered := false
	searcher.OnEvent = func(stage, message string, data map[string]any) {
		if stage != "phase2" {
			return
		}
		if message == "bisection started" {
			entered = true
			return
		}
		good := data["known_good"].(int)
		bad := data["known_bad"].(int)
		if good >= bad {
			t.Fatalf("invariant violated: known_good=%d >= known_bad=%d", good, bad)
		}
		if good < 490000 || bad > 500000 {
			t.Fatalf("bounds %d/%d escaped the entry interval", good, bad)
		}
	}
	report, err := searcher.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !entered {
		t.Fatal("bisection never started")
	}
	if report.FinalLimit != report.Bounds.KnownGood {
		t.Fatalf("final limit %d != known good %d", report.FinalLimit, report.Bounds.KnownGood)
	}
}

func TestImmediateSuccessSkipsBisection(t *testing.T) {
	prober := &thresholdProber{MaxAccepted: 600000}
	searcher := newTestSearcher(prober, SearchConfig{
		StartingLength: 500000,
		StepSize:       10000,
		MinLength:      1000,
		PrecisionStep:  500,
	})
	report, err := searcher.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if report.Phase1Outcome != OutcomeImmediate {
		t.Fatalf("phase1 outcome = %s, want %s", report.Phase1Outcome, OutcomeImmediate)
	}
	if report.FinalLimit != 500000 {
		t.Fatalf("final limit = %d, want 500000", report.FinalLimit)
	}
	if report.Phase2Probes != 0 {
		t.Fatalf("phase2 ran %d probes after immediate success", report.Phase2Probes)
	}
}

func TestExhaustedRange(t *testing.T) {
	prober := &thresholdProber{MaxAccepted: 0}
	searcher := newTestSearcher(prober, SearchConfig{
		StartingLength: 5000,
		StepSize:       1000,
		MinLength:      1000,
		PrecisionStep:  500,
	})
	report, err := searcher.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if report.Phase1Outcome != OutcomeExhausted {
		t.Fatalf("phase1 outcome = %s, want %s", report.Phase1Outcome, OutcomeExhausted)
	}
	if report.Resolved() {
		t.Fatal("exhausted search reported as resolved")
	}
	if report.Phase1Probes != 5 {
		t.Fatalf("phase1 probes = %d, want 5 (5000 down to 1000)", report.Phase1Probes)
	}
	last := prober.Lengths[len(prober.Lengths)-1]
	if last != 1000 {
		t.Fatalf("last probed length = %d, want minimum 1000", last)
	}
}

func TestDelayAfterEveryProbe(t *testing.T) {
	prober := &thresholdProber{MaxAccepted: 493210}
	sleeps := 0
	searcher := &Searcher{
		Prober: prober,
		Config: SearchConfig{
			StartingLength: 500000,
			StepSize:       10000,
			MinLength:      1000,
			PrecisionStep:  500,
			Delay:          time.Millisecond,
		},
		Sleep: func(context.Context, time.Duration) error {
			sleeps++
			return nil
		},
	}
	report, err := searcher.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	total := report.Phase1Probes + report.Phase2Probes
	if sleeps != total {
		t.Fatalf("sleeps = %d, want one per probe (%d)", sleeps, total)
	}
}

func TestTimeoutFailureTreatedLikeHTTPFailure(t *testing.T) {
	// Identical search shape whether failures are timeouts or HTTP 413.
	run := func(kind FailureKind) SearchReport {
		prober := &kindProber{MaxAccepted: 493210, FailKind: kind}
		searcher := newTestSearcher(prober, SearchConfig{
			StartingLength: 500000,
			StepSize:       10000,
			MinLength:      1000,
			PrecisionStep:  500,
		})
		report, err := searcher.Run(context.Background())
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
		return report
	}
	byTimeout := run(FailureTimeout)
	byStatus := run(FailureHTTPStatus)
	if byTimeout.FinalLimit != byStatus.FinalLimit {
		t.Fatalf("timeout failures resolved %d, http failures resolved %d", byTimeout.FinalLimit, byStatus.FinalLimit)
	}
	if byTimeout.Phase1Probes != byStatus.Phase1Probes || byTimeout.Phase2Probes != byStatus.Phase2Probes {
		t.Fatal("failure kind changed the probe sequence")
	}
}

func TestCancellationStopsSearch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	prober := &cancelAfterProber{cancel: cancel, after: 3}
	searcher := newTestSearcher(prober, SearchConfig{
		StartingLength: 500000,
		StepSize:       10000,
		MinLength:      1000,
		PrecisionStep:  500,
	})
	_, err := searcher.Run(ctx)
	if err == nil {
		t.Fatal("expected context error after cancellation")
	}
	if prober.count > 3 {
		t.Fatalf("search continued for %d probes after cancellation", prober.count)
	}
}

type kindProber struct {
	MaxAccepted int
	FailKind    FailureKind
}

func (p *kindProber) Probe(_ context.Context, length int) ProbeResult {
	if length <= p.MaxAccepted {
		return ProbeResult{Length: length, Succeeded: true}
	}
	result := ProbeResult{Length: length, Kind: p.FailKind}
	switch p.FailKind {
	case FailureHTTPStatus:
		result.HTTPStatus = 413
		result.ErrorDetail = "status 413: payload too large"
	case FailureTimeout:
		result.ErrorDetail = "request timed out after 1m0s"
	default:
		result.ErrorDetail = "connection reset"
	}
	return result
}

type cancelAfterProber struct {
	cancel context.CancelFunc
	after  int
	count  int
}

func (p *cancelAfterProber) Probe(context.Context, int) ProbeResult {
	p.count++
	if p.count == p.after {
		p.cancel()
	}
	return ProbeResult{Kind: FailureHTTPStatus, HTTPStatus: 413, ErrorDetail: "status 413: too large"}
}
