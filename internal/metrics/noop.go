package metrics

import "time"

// NoopMetrics discards everything; it is used when metrics are disabled.
type NoopMetrics struct{}

var _ Recorder = (*NoopMetrics)(nil)

// NewNoopMetrics creates a new no-operation metrics recorder.
func NewNoopMetrics() Recorder {
	return &NoopMetrics{}
}

func (n *NoopMetrics) RecordAuth(outcome string, duration time.Duration)   {}
func (n *NoopMetrics) RecordLookup(outcome string, duration time.Duration) {}
func (n *NoopMetrics) RecordDirectoryOp(op, result string)                 {}
func (n *NoopMetrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
}
