package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/triage-ai/bastion/internal/event"
	"github.com/triage-ai/bastion/internal/grant"
	"github.com/triage-ai/bastion/internal/integrity"
	"github.com/triage-ai/bastion/internal/pipeline"
	"github.com/triage-ai/bastion/internal/probe"
	"github.com/triage-ai/bastion/internal/ratelimit"
	"go.uber.org/zap"
)

const sourceName = "orchestrator"

// ThreatLevel is the derived overall threat estimate. It is computed on
// demand from the current alert set, never stored.
type ThreatLevel int

const (
	ThreatLow ThreatLevel = iota
	ThreatMedium
	ThreatHigh
	ThreatCritical
)

// String returns the lowercase level name.
func (t ThreatLevel) String() string {
	switch t {
	case ThreatCritical:
		return "critical"
	case ThreatHigh:
		return "high"
	case ThreatMedium:
		return "medium"
	default:
		return "low"
	}
}

// Alert is a user-facing wrapper around a qualifying security event. It
// is mutated only by acknowledgement (manual or time-based) and pruned
// after the retention window.
type Alert struct {
	Event        event.Event
	Acknowledged bool
	Escalated    bool
	CreatedAt    time.Time
}

// Policy configures escalation and alert housekeeping.
type Policy struct {
	BlockOnCritical bool
	WarnOnMedium    bool

	// TypeThresholds maps an event type to the count that, reached within
	// ThresholdWindow, forces an escalation (e.g. repeated devtools hits).
	TypeThresholds  map[event.Type]int
	ThresholdWindow time.Duration // default 1m

	AutoAckLowAfter time.Duration // quiescent period before low alerts self-acknowledge (default 1m)
	Retention       time.Duration // acknowledged alerts pruned after this (default 10m)
	CheckInterval   time.Duration // performSecurityCheck cadence (default 5s)
}

func (p *Policy) defaults() {
	if p.ThresholdWindow <= 0 {
		p.ThresholdWindow = time.Minute
	}
	if p.AutoAckLowAfter <= 0 {
		p.AutoAckLowAfter = time.Minute
	}
	if p.Retention <= 0 {
		p.Retention = 10 * time.Minute
	}
	if p.CheckInterval <= 0 {
		p.CheckInterval = 5 * time.Second
	}
}

// Components are the lifecycles the orchestrator owns. Any field may be
// nil; missing components are simply not started.
type Components struct {
	Pipeline   *pipeline.Pipeline
	Grants     *grant.Service
	Limiter    *ratelimit.Limiter
	Monitor    *integrity.Monitor
	Heuristics *probe.Heuristics
}

// Orchestrator is the composition root: it drives component lifecycles,
// turns qualifying events into alerts, computes the threat level and
// executes the response policy.
type Orchestrator struct {
	mu      sync.Mutex
	alerts  []*Alert
	recent  map[event.Type][]time.Time // observation times, pruned to ThresholdWindow
	lastEsc map[event.Type]time.Time   // last window-threshold escalation per type
	blocked bool

	comps     Components
	policy    Policy
	responder Responder
	metrics   *Metrics
	logger    *zap.Logger
	now       func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates an orchestrator. responder may be nil (log-only default);
// metrics may be nil.
func New(comps Components, policy Policy, responder Responder, metrics *Metrics, logger *zap.Logger) *Orchestrator {
	policy.defaults()
	if responder == nil {
		responder = &LogResponder{Logger: logger}
	}
	return &Orchestrator{
		recent:    make(map[event.Type][]time.Time),
		lastEsc:   make(map[event.Type]time.Time),
		comps:     comps,
		policy:    policy,
		responder: responder,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
		stop:      make(chan struct{}),
	}
}

// Start brings up all owned components and the periodic security check.
func (o *Orchestrator) Start(ctx context.Context) {
	if o.comps.Pipeline != nil {
		o.comps.Pipeline.Start()
	}
	if o.comps.Grants != nil {
		o.comps.Grants.Start()
	}
	if o.comps.Limiter != nil {
		o.comps.Limiter.Start()
	}
	if o.comps.Monitor != nil {
		o.comps.Monitor.Start(ctx)
	}
	if o.comps.Heuristics != nil {
		o.comps.Heuristics.Start(ctx)
	}
	go func() {
		ticker := time.NewTicker(o.policy.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				o.PerformSecurityCheck()
			case <-o.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	o.logger.Info("security orchestrator started")
}

// Stop tears down components in reverse order. The pipeline closes last
// so shutdown events from other components still reach it.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stop) })
	if o.comps.Heuristics != nil {
		o.comps.Heuristics.Stop()
	}
	if o.comps.Monitor != nil {
		o.comps.Monitor.Stop()
	}
	if o.comps.Limiter != nil {
		o.comps.Limiter.Stop()
	}
	if o.comps.Grants != nil {
		o.comps.Grants.Stop()
	}
	if o.comps.Pipeline != nil {
		o.comps.Pipeline.Close()
	}
	o.logger.Info("security orchestrator stopped")
}

// Observe consumes one event from the pipeline. Every event becomes an
// alert; critical events escalate immediately, low ones self-acknowledge
// after a quiescent period. The orchestrator's own meta-events are
// counted but never re-alerted.
func (o *Orchestrator) Observe(e event.Event) {
	if o.metrics != nil {
		o.metrics.EventsTotal.WithLabelValues(string(e.Type), string(e.Severity)).Inc()
	}
	if e.Source == sourceName {
		return
	}

	now := o.now()

	o.mu.Lock()
	o.recent[e.Type] = append(o.recent[e.Type], now)
	alert := &Alert{Event: e, CreatedAt: now}
	o.alerts = append(o.alerts, alert)
	o.mu.Unlock()

	if e.Severity == event.SeverityCritical {
		o.escalate(alert, "critical event: "+string(e.Type))
	}
	o.updateGauges()
}

// PerformSecurityCheck is the periodic tick: it scans rolling per-type
// thresholds, auto-acknowledges quiescent low alerts and prunes
// acknowledged alerts past retention.
func (o *Orchestrator) PerformSecurityCheck() {
	now := o.now()

	o.mu.Lock()
	// Rolling window maintenance.
	cutoff := now.Add(-o.policy.ThresholdWindow)
	type breach struct {
		t     event.Type
		count int
	}
	var breaches []breach
	for t, times := range o.recent {
		kept := times[:0]
		for _, ts := range times {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		o.recent[t] = kept
		if limit, ok := o.policy.TypeThresholds[t]; ok && len(kept) >= limit {
			if o.lastEsc[t].Before(cutoff) {
				o.lastEsc[t] = now
				breaches = append(breaches, breach{t: t, count: len(kept)})
			}
		}
	}

	// Time-based auto-acknowledgement for low alerts.
	for _, a := range o.alerts {
		if !a.Acknowledged && a.Event.Severity == event.SeverityLow &&
			now.Sub(a.CreatedAt) >= o.policy.AutoAckLowAfter {
			a.Acknowledged = true
		}
	}

	// Retention pruning of acknowledged alerts.
	kept := o.alerts[:0]
	for _, a := range o.alerts {
		if a.Acknowledged && now.Sub(a.CreatedAt) >= o.policy.Retention {
			continue
		}
		kept = append(kept, a)
	}
	o.alerts = kept
	o.mu.Unlock()

	for _, b := range breaches {
		o.respond(event.SeverityHigh, "threshold breach: "+string(b.t))
	}
	o.updateGauges()
}

// Acknowledge marks the alert carrying eventID as acknowledged.
func (o *Orchestrator) Acknowledge(eventID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, a := range o.alerts {
		if a.Event.ID == eventID {
			a.Acknowledged = true
			return true
		}
	}
	return false
}

// Alerts returns a snapshot of the retained alerts.
func (o *Orchestrator) Alerts() []Alert {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Alert, len(o.alerts))
	for i, a := range o.alerts {
		out[i] = *a
	}
	return out
}

// Blocked reports whether a block escalation has fired this session.
// Blocking is irreversible within the session.
func (o *Orchestrator) Blocked() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.blocked
}

// ThreatLevel derives the overall level from the current alert set:
// critical if any critical alert, high if more than two high alerts,
// medium if more than ten alerts total, else low.
func (o *Orchestrator) ThreatLevel() ThreatLevel {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.threatLevelLocked()
}

func (o *Orchestrator) threatLevelLocked() ThreatLevel {
	highs := 0
	for _, a := range o.alerts {
		switch a.Event.Severity {
		case event.SeverityCritical:
			return ThreatCritical
		case event.SeverityHigh:
			highs++
		}
	}
	if highs > 2 {
		return ThreatHigh
	}
	if len(o.alerts) > 10 {
		return ThreatMedium
	}
	return ThreatLow
}

// escalate executes the response policy for one alert, at most once per
// alert, and logs a meta-event describing the escalation itself.
func (o *Orchestrator) escalate(a *Alert, reason string) {
	o.mu.Lock()
	if a.Escalated {
		o.mu.Unlock()
		return
	}
	a.Escalated = true
	o.mu.Unlock()

	o.respond(a.Event.Severity, reason)
}

func (o *Orchestrator) respond(sev event.Severity, reason string) {
	if o.metrics != nil {
		o.metrics.EscalationsTotal.Inc()
	}

	action := "log"
	switch {
	case sev == event.SeverityCritical && o.policy.BlockOnCritical:
		o.mu.Lock()
		o.blocked = true
		o.mu.Unlock()
		o.responder.Block(reason)
		action = "block"
	case o.policy.WarnOnMedium:
		o.responder.Warn(reason)
		action = "warn"
	default:
		o.logger.Warn("alert escalated", zap.String("reason", reason))
	}

	if o.comps.Pipeline != nil {
		o.comps.Pipeline.Log(event.TypeSuspiciousActivity, event.SeverityMedium, sourceName, map[string]string{
			"escalation": reason,
			"action":     action,
		})
	}
}

func (o *Orchestrator) updateGauges() {
	if o.metrics == nil {
		return
	}
	o.mu.Lock()
	alerts := len(o.alerts)
	level := o.threatLevelLocked()
	o.mu.Unlock()
	o.metrics.AlertsActive.Set(float64(alerts))
	o.metrics.ThreatLevel.Set(float64(level))
}
