package probe

import (
	"context"
	"os"
	"strings"

	"github.com/shirou/gopsutil/process"
)

// TracerProbe checks whether a debugger or tracer is attached to this
// process. It is the agent-side analogue of the in-page heuristics and
// is inherently best-effort: a privileged inspector can always hide.
type TracerProbe struct{}

func (p *TracerProbe) Name() string { return "tracer" }

func (p *TracerProbe) Run(_ context.Context) (*Result, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	status, err := proc.Status()
	if err != nil {
		return nil, err
	}
	// "T"/"t" is the traced/stopped state reported by the kernel.
	if strings.EqualFold(status, "t") || strings.EqualFold(status, "tracing stop") {
		return &Result{Method: p.Name(), Detected: true, Confidence: 0.9}, nil
	}
	return &Result{Method: p.Name()}, nil
}
