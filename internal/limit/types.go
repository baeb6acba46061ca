package limit

import "time"

// FailureKind tags why a probe failed. The search treats every kind as the same
// "this length failed" signal; the kind survives only for diagnostics.
type FailureKind string

const (
	FailureNone       FailureKind = ""
	FailureHTTPStatus FailureKind = "http_status"
	FailureTimeout    FailureKind = "timeout"
	FailureTransport  FailureKind = "transport"
)

// ProbeResult is the outcome of one request/response cycle at a given length.
type ProbeResult struct {
	Length        int           `json:"length"`
	Succeeded     bool          `json:"succeeded"`
	Kind          FailureKind   `json:"kind,omitempty"`
	HTTPStatus    int           `json:"http_status,omitempty"`
	ErrorDetail   string        `json:"error_detail,omitempty"`
	ResponseChars int           `json:"response_chars,omitempty"`
	Duration      time.Duration `json:"-"`
	DurationMS    int64         `json:"duration_ms"`
}

// SearchBounds brackets the true limit. A zero value means the bound is not
// yet known. Whenever both are set, KnownGood <= true limit < KnownBad.
type SearchBounds struct {
	KnownGood int `json:"known_good"`
	KnownBad  int `json:"known_bad,omitempty"`
}

// Phase1Outcome names how the coarse descent ended.
type Phase1Outcome string

const (
	OutcomeFoundBoundary Phase1Outcome = "found_boundary"
	OutcomeImmediate     Phase1Outcome = "immediate_success"
	OutcomeExhausted     Phase1Outcome = "exhausted"
)

type SearchConfig struct {
	Model          string
	StartingLength int
	StepSize       int
	MinLength      int
	PrecisionStep  int
	Delay          time.Duration
	ProbeTimeout   time.Duration
}

func (c *SearchConfig) normalize() {
	if c.StartingLength <= 0 {
		c.StartingLength = 500000
	}
	if c.StepSize <= 0 {
		c.StepSize = 10000
	}
	if c.MinLength <= 0 {
		c.MinLength = 1000
	}
	// A precision below one character can never resolve; the bisection loop
	// relies on this floor to shrink the interval every iteration.
	if c.PrecisionStep < 1 {
		c.PrecisionStep = 500
	}
	if c.Delay < 0 {
		c.Delay = 0
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 60 * time.Second
	}
}

type SearchReport struct {
	GeneratedAt   string        `json:"generated_at"`
	Endpoint      string        `json:"endpoint,omitempty"`
	Model         string        `json:"model"`
	Phase1Outcome Phase1Outcome `json:"phase1_outcome"`
	Bounds        SearchBounds  `json:"bounds"`
	FinalLimit    int           `json:"final_limit"`
	Phase1Probes  int           `json:"phase1_probes"`
	Phase2Probes  int           `json:"phase2_probes"`
	Probes        []ProbeResult `json:"probes,omitempty"`
	Findings      []string      `json:"findings,omitempty"`
	DurationMS    int64         `json:"duration_ms"`
}

// Resolved reports whether the search produced a usable answer.
func (r SearchReport) Resolved() bool {
	return r.Phase1Outcome != OutcomeExhausted && r.FinalLimit > 0
}
