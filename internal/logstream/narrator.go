package logstream

import (
	"fmt"

	"go.uber.org/zap"
)

// Narrator writes run narration to both the structured logger and the broker.
type Narrator struct {
	runID  string
	broker *Broker
	logger *zap.Logger
}

// NewNarrator binds a narrator to runID. A nil broker only logs; a nil
// logger only publishes.
func NewNarrator(runID string, broker *Broker, logger *zap.Logger) *Narrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Narrator{
		runID:  runID,
		broker: broker,
		logger: logger.With(zap.String("run_id", runID)),
	}
}

// Logf formats a line and emits it.
func (n *Narrator) Logf(format string, args ...any) {
	n.Log(fmt.Sprintf(format, args...))
}

// Log emits a preformatted line.
func (n *Narrator) Log(line string) {
	n.logger.Info(line)
	n.broker.Publish(n.runID, line)
}
