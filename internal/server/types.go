package server

import (
	"time"

	"llm-charlimit/internal/limit"
)

type Principal struct {
	Subject  string `json:"subject"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

type RunRequest struct {
	Endpoint      string `json:"endpoint"`
	Model         string `json:"model"`
	StartLength   int    `json:"start_length,omitempty"`
	StepSize      int    `json:"step_size,omitempty"`
	MinLength     int    `json:"min_length,omitempty"`
	PrecisionStep int    `json:"precision_step,omitempty"`
	DelayMS       int    `json:"delay_ms,omitempty"`
	TimeoutSec    int    `json:"timeout_sec,omitempty"`
	MaxProbes     int    `json:"max_probes,omitempty"`
	DryRun        bool   `json:"dry_run,omitempty"`
}

type QuickScanRequest struct {
	ScenarioID  string `json:"scenario_id"`
	TargetModel string `json:"target_model"`
	Depth       string `json:"depth,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
}

type RunMeta struct {
	RunID        string              `json:"run_id"`
	Status       string              `json:"status"`
	CreatorType  string              `json:"creator_type"`
	CreatorSub   string              `json:"creator_sub,omitempty"`
	Source       string              `json:"source"`
	Request      RunRequest          `json:"request"`
	StartedAt    string              `json:"started_at,omitempty"`
	FinishedAt   string              `json:"finished_at,omitempty"`
	CreatedAt    string              `json:"created_at"`
	Error        string              `json:"error,omitempty"`
	Report       *limit.SearchReport `json:"report,omitempty"`
	Limit        LimitSnapshot       `json:"limit"`
	KeyUsage     KeyUsageRecord      `json:"key_usage"`
	ProbesIssued int                 `json:"probes_issued"`
}

// LimitSnapshot is the flattened answer of a finished run, denormalized out of
// the report for listing and overview queries.
type LimitSnapshot struct {
	FinalLimit    int    `json:"final_limit"`
	KnownGood     int    `json:"known_good"`
	KnownBad      int    `json:"known_bad,omitempty"`
	Phase1Outcome string `json:"phase1_outcome,omitempty"`
	Phase1Probes  int    `json:"phase1_probes"`
	Phase2Probes  int    `json:"phase2_probes"`
}

type KeyUsageRecord struct {
	RunID         string `json:"run_id"`
	KeyLabel      string `json:"key_label"`
	Probes        int    `json:"probes"`
	CharsSent     int64  `json:"chars_sent"`
	BlockedReason string `json:"blocked_reason,omitempty"`
}

type AuditEvent struct {
	Timestamp string `json:"timestamp"`
	RunID     string `json:"run_id,omitempty"`
	ActorType string `json:"actor_type"`
	ActorSub  string `json:"actor_sub,omitempty"`
	Action    string `json:"action"`
	Result    string `json:"result"`
	IPHash    string `json:"ip_hash,omitempty"`
	UAHash    string `json:"ua_hash,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

type RunEvent struct {
	Seq       int64          `json:"seq"`
	Timestamp string         `json:"timestamp"`
	Stage     string         `json:"stage"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

type MetricsOverview struct {
	GeneratedAt     string  `json:"generated_at"`
	TotalRuns       int     `json:"total_runs"`
	RunningRuns     int     `json:"running_runs"`
	ResolvedRuns    int     `json:"resolved_runs"`
	UnresolvedRuns  int     `json:"unresolved_runs"`
	FailRuns        int     `json:"fail_runs"`
	TotalProbes     int     `json:"total_probes"`
	TotalCharsSent  int64   `json:"total_chars_sent"`
	AverageLimit    float64 `json:"average_limit"`
	AverageDuration int64   `json:"average_duration_ms"`
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
