package server

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type KeyLease struct {
	Label  string
	APIKey string
	keyRef *probeKeyState
}

// BudgetManager leases probe keys to runs. A limit search issues dozens of
// large requests, so keys budget daily probe counts and total characters
// sent, plus a per-minute request cap.
type BudgetManager struct {
	mu               sync.Mutex
	keys             []*probeKeyState
	defaultMaxProbes int
}

type probeKeyState struct {
	Config          ProbeKeyConfig
	DayKey          string
	ProbesToday     int
	CharsToday      int64
	RequestsLastMin []time.Time
	ActiveRuns      int
}

func NewBudgetManager(cfg ServerConfig) *BudgetManager {
	manager := &BudgetManager{
		keys:             []*probeKeyState{},
		defaultMaxProbes: cfg.Budget.DefaultRunMaxProbes,
	}
	for _, key := range cfg.Keys.ProbeKeys {
		item := key
		if strings.TrimSpace(item.APIKey) == "" {
			continue
		}
		if strings.TrimSpace(item.Label) == "" {
			item.Label = fmt.Sprintf("key-%d", len(manager.keys)+1)
		}
		if item.DailyProbeLimit <= 0 {
			item.DailyProbeLimit = 500
		}
		if item.DailyCharLimit <= 0 {
			item.DailyCharLimit = 50_000_000
		}
		if item.RPM <= 0 {
			item.RPM = 30
		}
		manager.keys = append(manager.keys, &probeKeyState{Config: item})
	}
	return manager
}

// Acquire leases the key with the most remaining daily probes that can still
// cover maxProbes. The run-level rate pacing happens in the searcher; the RPM
// check here only guards against leasing a key that is already saturated.
func (m *BudgetManager) Acquire(maxProbes int) (KeyLease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.keys) == 0 {
		return KeyLease{}, errors.New("no probe keys configured")
	}
	needed := maxProbes
	if needed <= 0 {
		needed = m.defaultMaxProbes
	}
	now := time.Now()
	dayKey := now.UTC().Format("2006-01-02")
	candidates := make([]*probeKeyState, 0, len(m.keys))
	for _, key := range m.keys {
		m.rollWindow(key, now, dayKey)
		remaining := key.Config.DailyProbeLimit - key.ProbesToday
		if remaining < needed {
			continue
		}
		if key.CharsToday >= key.Config.DailyCharLimit {
			continue
		}
		if len(key.RequestsLastMin) >= key.Config.RPM {
			continue
		}
		candidates = append(candidates, key)
	}
	if len(candidates) == 0 {
		return KeyLease{}, errors.New("all probe keys are budget or rate limited")
	}
	sort.Slice(candidates, func(i, j int) bool {
		leftRemain := candidates[i].Config.DailyProbeLimit - candidates[i].ProbesToday
		rightRemain := candidates[j].Config.DailyProbeLimit - candidates[j].ProbesToday
		if leftRemain == rightRemain {
			return candidates[i].ActiveRuns < candidates[j].ActiveRuns
		}
		return leftRemain > rightRemain
	})
	selected := candidates[0]
	selected.ActiveRuns++
	selected.RequestsLastMin = append(selected.RequestsLastMin, now)
	return KeyLease{
		Label:  selected.Config.Label,
		APIKey: selected.Config.APIKey,
		keyRef: selected,
	}, nil
}

func (m *BudgetManager) Commit(lease KeyLease, usage KeyUsageRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lease.keyRef == nil {
		return
	}
	now := time.Now()
	dayKey := now.UTC().Format("2006-01-02")
	m.rollWindow(lease.keyRef, now, dayKey)
	if usage.Probes > 0 {
		lease.keyRef.ProbesToday += usage.Probes
	}
	if usage.CharsSent > 0 {
		lease.keyRef.CharsToday += usage.CharsSent
	}
	if lease.keyRef.ActiveRuns > 0 {
		lease.keyRef.ActiveRuns--
	}
}

func (m *BudgetManager) Reject(lease KeyLease) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lease.keyRef == nil {
		return
	}
	if lease.keyRef.ActiveRuns > 0 {
		lease.keyRef.ActiveRuns--
	}
}

func (m *BudgetManager) rollWindow(state *probeKeyState, now time.Time, dayKey string) {
	if state.DayKey != dayKey {
		state.DayKey = dayKey
		state.ProbesToday = 0
		state.CharsToday = 0
		state.RequestsLastMin = nil
	}
	cutoff := now.Add(-1 * time.Minute)
	state.RequestsLastMin = filterRecentTime(state.RequestsLastMin, cutoff)
}

func filterRecentTime(items []time.Time, cutoff time.Time) []time.Time {
	if len(items) == 0 {
		return items
	}
	out := items[:0]
	for _, item := range items {
		if item.After(cutoff) {
			out = append(out, item)
		}
	}
	return out
}
