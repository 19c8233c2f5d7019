package orchestrator

import "go.uber.org/zap"

// Responder executes the configured escalation action. A warning is a
// transient, auto-dismissing notification; a block halts further
// interaction for the rest of the session.
type Responder interface {
	Warn(reason string)
	Block(reason string)
}

// LogResponder is the default response policy: log only.
type LogResponder struct {
	Logger *zap.Logger
}

func (r *LogResponder) Warn(reason string) {
	r.Logger.Warn("security warning", zap.String("reason", reason))
}

func (r *LogResponder) Block(reason string) {
	r.Logger.Error("security block", zap.String("reason", reason))
}
