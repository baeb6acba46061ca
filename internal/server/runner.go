package server

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"llm-charlimit/internal/chatapi"
	"llm-charlimit/internal/limit"
)

type RunManager struct {
	cfg        ServerConfig
	store      Store
	budget     *BudgetManager
	obs        *Observability
	queue      chan queuedRun
	wg         sync.WaitGroup
	quickLimit *ipRateLimiter
}

type RunnerService interface {
	CreateAdminRun(request RunRequest, principal Principal, source string) (RunMeta, error)
	CreateQuickScan(request QuickScanRequest, ipHash, uaHash string) (RunMeta, error)
}

type queuedRun struct {
	RunID       string
	Request     RunRequest
	Creator     Principal
	CreatorType string
	Source      string
}

func NewRunManager(cfg ServerConfig, store Store, budget *BudgetManager, obs *Observability) *RunManager {
	maxParallel := cfg.Budget.MaxParallelRuns
	if maxParallel <= 0 {
		maxParallel = 2
	}
	manager := &RunManager{
		cfg:        cfg,
		store:      store,
		budget:     budget,
		obs:        obs,
		queue:      make(chan queuedRun, maxParallel*8),
		quickLimit: newIPRateLimiter(cfg.Limits.QuickScanRPM),
	}
	for i := 0; i < maxParallel; i++ {
		manager.wg.Add(1)
		go func() {
			defer manager.wg.Done()
			manager.worker()
		}()
	}
	return manager
}

func (m *RunManager) Shutdown() {
	close(m.queue)
	m.wg.Wait()
}

func (m *RunManager) CreateAdminRun(request RunRequest, principal Principal, source string) (RunMeta, error) {
	if strings.TrimSpace(request.Endpoint) == "" {
		request.Endpoint = "http://localhost:8000/api"
	}
	if strings.TrimSpace(request.Model) == "" {
		return RunMeta{}, errors.New("model is required")
	}
	applySearchDefaults(&request, m.cfg)
	runID, err := randomID("run")
	if err != nil {
		return RunMeta{}, err
	}
	meta := RunMeta{
		RunID:       runID,
		Status:      "queued",
		Source:      source,
		CreatorType: "admin",
		CreatorSub:  principal.Subject,
		Request:     request,
		CreatedAt:   nowRFC3339(),
	}
	if err := m.store.CreateRun(meta); err != nil {
		return RunMeta{}, err
	}
	_, _ = m.store.AppendRunEvent(runID, "queue", "run queued", map[string]any{
		"source": source,
	})
	_ = m.store.AppendAudit(AuditEvent{
		Timestamp: nowRFC3339(),
		RunID:     runID,
		ActorType: "admin",
		ActorSub:  principal.Subject,
		Action:    "run.create",
		Result:    "queued",
	})
	m.queue <- queuedRun{
		RunID:       runID,
		Request:     request,
		Creator:     principal,
		CreatorType: "admin",
		Source:      source,
	}
	return meta, nil
}

func (m *RunManager) CreateQuickScan(request QuickScanRequest, ipHash, uaHash string) (RunMeta, error) {
	if !m.quickLimit.Allow(ipHash) {
		if m.obs != nil {
			m.obs.MarkBudgetBlocked(context.Background(), "quick_scan_rate_limit")
		}
		_ = m.store.AppendAudit(AuditEvent{
			Timestamp: nowRFC3339(),
			ActorType: "user",
			Action:    "quick_scan.reject",
			Result:    "rate_limited",
			IPHash:    ipHash,
			UAHash:    uaHash,
		})
		return RunMeta{}, errors.New("quick scan rate limit reached")
	}
	runRequest, err := scenarioToRunRequest(request, m.cfg)
	if err != nil {
		return RunMeta{}, err
	}
	runID, err := randomID("run")
	if err != nil {
		return RunMeta{}, err
	}
	meta := RunMeta{
		RunID:       runID,
		Status:      "queued",
		Source:      "user.quick_scan",
		CreatorType: "user",
		Request:     runRequest,
		CreatedAt:   nowRFC3339(),
	}
	if err := m.store.CreateRun(meta); err != nil {
		return RunMeta{}, err
	}
	_, _ = m.store.AppendRunEvent(runID, "queue", "quick scan queued", map[string]any{
		"scenario_id": request.ScenarioID,
	})
	_ = m.store.AppendAudit(AuditEvent{
		Timestamp: nowRFC3339(),
		RunID:     runID,
		ActorType: "user",
		Action:    "quick_scan.create",
		Result:    "queued",
		IPHash:    ipHash,
		UAHash:    uaHash,
		Detail:    request.ScenarioID,
	})
	m.queue <- queuedRun{
		RunID:       runID,
		Request:     runRequest,
		CreatorType: "user",
		Source:      "user.quick_scan",
	}
	return meta, nil
}

func (m *RunManager) worker() {
	for queued := range m.queue {
		m.executeRun(queued)
	}
}

func (m *RunManager) executeRun(queued queuedRun) {
	startedAt := nowRFC3339()
	_, _ = m.store.UpdateRun(queued.RunID, func(meta *RunMeta) {
		meta.Status = "running"
		meta.StartedAt = startedAt
	})
	_, _ = m.store.AppendRunEvent(queued.RunID, "start", "run started", nil)

	if queued.Request.DryRun {
		report := buildDryRunReport(queued.Request)
		snapshot := snapshotFromReport(report)
		usage := KeyUsageRecord{
			RunID:    queued.RunID,
			KeyLabel: "dry-run",
		}
		_, _ = m.store.UpdateRun(queued.RunID, func(meta *RunMeta) {
			meta.Status = "resolved"
			meta.FinishedAt = nowRFC3339()
			meta.Report = &report
			meta.Limit = snapshot
			meta.KeyUsage = usage
		})
		_, _ = m.store.AppendRunEvent(queued.RunID, "completed", "dry-run completed", map[string]any{
			"final_limit": snapshot.FinalLimit,
		})
		if m.obs != nil {
			m.obs.MarkRun(context.Background(), "resolved")
		}
		return
	}

	lease, err := m.budget.Acquire(queued.Request.MaxProbes)
	if err != nil {
		_, _ = m.store.UpdateRun(queued.RunID, func(meta *RunMeta) {
			meta.Status = "fail"
			meta.Error = "probe key unavailable: " + err.Error()
			meta.FinishedAt = nowRFC3339()
			meta.KeyUsage = KeyUsageRecord{
				RunID:         queued.RunID,
				BlockedReason: "probe_key_unavailable",
			}
		})
		_, _ = m.store.AppendRunEvent(queued.RunID, "error", "probe key unavailable", map[string]any{"error": err.Error()})
		if m.obs != nil {
			m.obs.MarkRun(context.Background(), "fail")
			m.obs.MarkBudgetBlocked(context.Background(), "key_unavailable")
		}
		return
	}

	timeout := time.Duration(queued.Request.TimeoutSec) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client := chatapi.NewClient(chatapi.Config{
		BaseURL: queued.Request.Endpoint,
		APIKey:  lease.APIKey,
	})
	prober := &limit.EndpointProber{
		Client:  client,
		Model:   queued.Request.Model,
		Timeout: time.Duration(minInt(queued.Request.TimeoutSec, 120)) * time.Second,
	}

	maxProbes := queued.Request.MaxProbes
	if maxProbes <= 0 {
		maxProbes = m.cfg.Budget.DefaultRunMaxProbes
	}
	var probesIssued int
	var charsSent int64
	var probeCapHit bool

	searcher := &limit.Searcher{
		Prober: prober,
		Config: limit.SearchConfig{
			Model:          queued.Request.Model,
			StartingLength: queued.Request.StartLength,
			StepSize:       queued.Request.StepSize,
			MinLength:      queued.Request.MinLength,
			PrecisionStep:  queued.Request.PrecisionStep,
			Delay:          time.Duration(queued.Request.DelayMS) * time.Millisecond,
		},
		OnProbe: func(result limit.ProbeResult) {
			probesIssued++
			charsSent += int64(result.Length)
			_, _ = m.store.AppendRunEvent(queued.RunID, "probe", "probe finished", map[string]any{
				"length":      result.Length,
				"succeeded":   result.Succeeded,
				"kind":        string(result.Kind),
				"duration_ms": result.DurationMS,
			})
			if m.obs != nil {
				m.obs.MarkProbe(ctx, result.Succeeded, result.DurationMS)
			}
			if probesIssued >= maxProbes {
				probeCapHit = true
				cancel()
			}
		},
		OnEvent: func(stage, message string, data map[string]any) {
			_, _ = m.store.AppendRunEvent(queued.RunID, stage, message, data)
		},
	}

	report, runErr := searcher.Run(ctx)
	report.Endpoint = queued.Request.Endpoint

	usage := KeyUsageRecord{
		RunID:     queued.RunID,
		KeyLabel:  lease.Label,
		Probes:    probesIssued,
		CharsSent: charsSent,
	}
	m.budget.Commit(lease, usage)

	snapshot := snapshotFromReport(report)
	status := "resolved"
	errText := ""
	switch {
	case runErr != nil && probeCapHit:
		status = "unresolved"
		errText = fmt.Sprintf("probe cap of %d reached before the limit was pinned down", maxProbes)
	case runErr != nil:
		status = "fail"
		errText = "search aborted: " + runErr.Error()
	case !report.Resolved():
		status = "unresolved"
	}
	_, _ = m.store.UpdateRun(queued.RunID, func(meta *RunMeta) {
		meta.Status = status
		meta.FinishedAt = nowRFC3339()
		meta.Report = &report
		meta.Limit = snapshot
		meta.KeyUsage = usage
		meta.ProbesIssued = probesIssued
		meta.Error = errText
	})
	_, _ = m.store.AppendRunEvent(queued.RunID, "completed", "run completed", map[string]any{
		"status":      status,
		"final_limit": snapshot.FinalLimit,
		"probes":      probesIssued,
	})
	_ = m.store.AppendAudit(AuditEvent{
		Timestamp: nowRFC3339(),
		RunID:     queued.RunID,
		ActorType: queued.CreatorType,
		ActorSub:  queued.Creator.Subject,
		Action:    "run.completed",
		Result:    status,
		Detail:    fmt.Sprintf("probes=%d key=%s", probesIssued, lease.Label),
	})
	if m.obs != nil {
		m.obs.MarkRun(context.Background(), status)
		if status == "resolved" {
			m.obs.MarkResolvedLimit(context.Background(), queued.Request.Model, snapshot.FinalLimit)
		}
	}
}

func applySearchDefaults(request *RunRequest, cfg ServerConfig) {
	if request.StartLength <= 0 {
		request.StartLength = cfg.Search.StartLength
	}
	if request.StepSize <= 0 {
		request.StepSize = cfg.Search.StepSize
	}
	if request.MinLength <= 0 {
		request.MinLength = cfg.Search.MinLength
	}
	if request.PrecisionStep <= 0 {
		request.PrecisionStep = cfg.Search.PrecisionStep
	}
	if request.DelayMS <= 0 {
		request.DelayMS = cfg.Search.DelayMS
	}
	if request.TimeoutSec <= 0 {
		request.TimeoutSec = cfg.Budget.DefaultTimeoutSec
	}
	if request.MaxProbes <= 0 {
		request.MaxProbes = cfg.Budget.DefaultRunMaxProbes
	}
}

func snapshotFromReport(report limit.SearchReport) LimitSnapshot {
	return LimitSnapshot{
		FinalLimit:    report.FinalLimit,
		KnownGood:     report.Bounds.KnownGood,
		KnownBad:      report.Bounds.KnownBad,
		Phase1Outcome: string(report.Phase1Outcome),
		Phase1Probes:  report.Phase1Probes,
		Phase2Probes:  report.Phase2Probes,
	}
}

func scenarioToRunRequest(input QuickScanRequest, cfg ServerConfig) (RunRequest, error) {
	scenario := strings.ToLower(strings.TrimSpace(input.ScenarioID))
	model := strings.TrimSpace(input.TargetModel)
	if model == "" {
		return RunRequest{}, errors.New("target_model is required")
	}
	endpoint := strings.TrimSpace(input.Endpoint)
	if endpoint == "" {
		endpoint = "http://localhost:8000/api"
	}
	base := RunRequest{
		Endpoint:      endpoint,
		Model:         model,
		StartLength:   cfg.Search.StartLength,
		StepSize:      cfg.Search.StepSize,
		MinLength:     cfg.Search.MinLength,
		PrecisionStep: cfg.Search.PrecisionStep,
		DelayMS:       cfg.Search.DelayMS,
		TimeoutSec:    cfg.Budget.DefaultTimeoutSec,
		MaxProbes:     cfg.Budget.DefaultRunMaxProbes,
	}
	switch scenario {
	case "quick-scan":
		// cheap ballpark: start lower, coarse precision, fewer probes
		base.StartLength = minInt(base.StartLength, 100000)
		base.PrecisionStep = base.StepSize / 2
		base.MaxProbes = minInt(base.MaxProbes, 30)
	case "standard-scan":
		// config defaults as-is
	case "deep-scan":
		base.PrecisionStep = maxInt(base.PrecisionStep/5, 50)
	default:
		return RunRequest{}, errors.New("unsupported scenario_id")
	}
	switch strings.ToLower(strings.TrimSpace(input.Depth)) {
	case "fine", "high":
		base.PrecisionStep = maxInt(base.PrecisionStep/2, 10)
	case "coarse", "fast":
		base.PrecisionStep *= 4
	}
	return base, nil
}

// buildDryRunReport fabricates the report a run would produce without sending
// any traffic, so operators can check wiring and event flow.
func buildDryRunReport(request RunRequest) limit.SearchReport {
	good := request.MinLength
	if good <= 0 {
		good = 1000
	}
	bad := good + request.PrecisionStep
	if bad <= good {
		bad = good + 1
	}
	return limit.SearchReport{
		GeneratedAt:   nowRFC3339(),
		Endpoint:      request.Endpoint,
		Model:         request.Model,
		Phase1Outcome: limit.OutcomeFoundBoundary,
		Bounds:        limit.SearchBounds{KnownGood: good, KnownBad: bad},
		FinalLimit:    good,
		Findings:      []string{"dry-run: no probes sent"},
	}
}

func randomID(prefix string) (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return prefix + "_" + hex.EncodeToString(b), nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

type ipRateLimiter struct {
	mu      sync.Mutex
	rpm     int
	records map[string][]time.Time
}

func newIPRateLimiter(rpm int) *ipRateLimiter {
	if rpm <= 0 {
		rpm = 4
	}
	return &ipRateLimiter{
		rpm:     rpm,
		records: map[string][]time.Time{},
	}
}

func (l *ipRateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if strings.TrimSpace(key) == "" {
		key = "unknown"
	}
	now := time.Now()
	cutoff := now.Add(-1 * time.Minute)
	items := l.records[key]
	items = filterRecentTime(items, cutoff)
	if len(items) >= l.rpm {
		l.records[key] = items
		return false
	}
	items = append(items, now)
	l.records[key] = items
	return true
}

func hashString(input string) string {
	sum := sha256Sum(input)
	return sum[:16]
}

func sha256Sum(input string) string {
	hash := sha256.New()
	_, _ = hash.Write([]byte(input))
	return hex.EncodeToString(hash.Sum(nil))
}
