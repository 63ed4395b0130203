package goplan_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mihaimyh/goplan/pkg/goplan"
)

var errStoreDown = errors.New("store down")

type recordingMetrics struct {
	mu            sync.Mutex
	decisions     map[string]int
	planChanges   map[string]int
	claims        map[goplan.ClaimOutcome]int
	cacheHits     int
	cacheMisses   int
	storageErrors map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		decisions:     make(map[string]int),
		planChanges:   make(map[string]int),
		claims:        make(map[goplan.ClaimOutcome]int),
		storageErrors: make(map[string]int),
	}
}

func (m *recordingMetrics) RecordDecision(eventType string, decision goplan.Decision) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions[eventType+"/"+decision.String()]++
}

func (m *recordingMetrics) RecordPlanChange(from, to goplan.Plan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.planChanges[string(from)+"->"+string(to)]++
}

func (m *recordingMetrics) RecordClaim(outcome goplan.ClaimOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claims[outcome]++
}

func (m *recordingMetrics) RecordCacheHit(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheHits++
}

func (m *recordingMetrics) RecordCacheMiss(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheMisses++
}

func (m *recordingMetrics) RecordStorageOperation(operation string, _ time.Duration, err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storageErrors[operation]++
}

type logEntry struct {
	level string
	msg   string
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLogger) add(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level, msg})
}

func (l *recordingLogger) Debug(msg string, _ ...goplan.Field) { l.add("debug", msg) }
func (l *recordingLogger) Info(msg string, _ ...goplan.Field)  { l.add("info", msg) }
func (l *recordingLogger) Warn(msg string, _ ...goplan.Field)  { l.add("warn", msg) }
func (l *recordingLogger) Error(msg string, _ ...goplan.Field) { l.add("error", msg) }

func (l *recordingLogger) count(level string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.level == level {
			n++
		}
	}
	return n
}

// failingStore fails every call.
type failingStore struct{}

func (failingStore) GetEntitlement(context.Context, string) (*goplan.PlanEntitlement, error) {
	return nil, errStoreDown
}

func (failingStore) UpsertPlan(context.Context, *goplan.UpsertRequest) (*goplan.UpsertResult, error) {
	return nil, errStoreDown
}

func (failingStore) ClaimEntitlement(context.Context, *goplan.ClaimRequest) (*goplan.ClaimResult, error) {
	return nil, errStoreDown
}

// fixedClock returns a controllable clock starting at t.
type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
