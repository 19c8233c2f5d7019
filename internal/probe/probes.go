package probe

import (
	"context"
	"time"
)

// WindowGeometryProvider abstracts the host window dimensions. In a
// browser-embedded deployment this is backed by the real window object;
// tests and headless agents inject fakes.
type WindowGeometryProvider interface {
	OuterSize() (width, height int)
	InnerSize() (width, height int)
}

// ConsoleAccessProbe abstracts console instrumentation: it reports
// whether a substituted console method was invoked during a synthetic
// log call, which only happens when an inspector is rendering output.
type ConsoleAccessProbe interface {
	Triggered() bool
}

// Sampler measures the wall-clock duration of one cheap instrumented
// operation (a property accessor or formatted console call).
type Sampler interface {
	Sample() time.Duration
}

// PauseHook executes a breakpoint-trapping statement and returns the
// elapsed wall-clock time. Large elapsed time means a debugger held the
// statement at a breakpoint.
type PauseHook func() time.Duration

const (
	timingThreshold   = 10 * time.Millisecond
	geometryThreshold = 160 // px gap between outer and inner dimensions
	pauseThreshold    = 100 * time.Millisecond
	maxConfidence     = 0.95
)

// TimingProbe flags interception overhead on a cheap instrumented
// operation. Confidence scales with how far past the threshold the
// duration lands, up to a cap.
type TimingProbe struct {
	Sampler Sampler
}

func (p *TimingProbe) Name() string { return "timing" }

func (p *TimingProbe) Run(_ context.Context) (*Result, error) {
	elapsed := p.Sampler.Sample()
	if elapsed <= timingThreshold {
		return &Result{Method: p.Name()}, nil
	}
	conf := 0.5 + float64(elapsed-timingThreshold)/float64(200*time.Millisecond)
	return &Result{Method: p.Name(), Detected: true, Confidence: capConf(conf)}, nil
}

// GeometryProbe flags a persistent gap between outer and inner window
// dimensions, which suggests a docked inspector panel.
type GeometryProbe struct {
	Geometry WindowGeometryProvider
}

func (p *GeometryProbe) Name() string { return "geometry" }

func (p *GeometryProbe) Run(_ context.Context) (*Result, error) {
	ow, oh := p.Geometry.OuterSize()
	iw, ih := p.Geometry.InnerSize()
	gap := ow - iw
	if vgap := oh - ih; vgap > gap {
		gap = vgap
	}
	if gap <= geometryThreshold {
		return &Result{Method: p.Name()}, nil
	}
	conf := 0.6 + float64(gap-geometryThreshold)/800.0
	return &Result{Method: p.Name(), Detected: true, Confidence: capConf(conf)}, nil
}

// ConsoleProbe reports a fixed medium confidence when the substituted
// console method fired.
type ConsoleProbe struct {
	Console ConsoleAccessProbe
}

func (p *ConsoleProbe) Name() string { return "console" }

func (p *ConsoleProbe) Run(_ context.Context) (*Result, error) {
	if !p.Console.Triggered() {
		return &Result{Method: p.Name()}, nil
	}
	return &Result{Method: p.Name(), Detected: true, Confidence: 0.7}, nil
}

// DebuggerPauseProbe measures how long a breakpoint-trapping statement
// takes to execute. Confidence scales with the measured pause.
type DebuggerPauseProbe struct {
	Pause PauseHook
}

func (p *DebuggerPauseProbe) Name() string { return "debugger_pause" }

func (p *DebuggerPauseProbe) Run(_ context.Context) (*Result, error) {
	elapsed := p.Pause()
	if elapsed <= pauseThreshold {
		return &Result{Method: p.Name()}, nil
	}
	conf := 0.7 + float64(elapsed-pauseThreshold)/float64(2*time.Second)
	return &Result{Method: p.Name(), Detected: true, Confidence: capConf(conf)}, nil
}

func capConf(c float64) float64 {
	if c > maxConfidence {
		return maxConfidence
	}
	return c
}
