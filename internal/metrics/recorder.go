package metrics

import "time"

// Recorder records gateway metrics. Metrics (Prometheus) and NoopMetrics
// implement it.
type Recorder interface {
	// RecordAuth records one Authenticate call by outcome.
	RecordAuth(outcome string, duration time.Duration)

	// RecordLookup records one LookupUser call by outcome.
	RecordLookup(outcome string, duration time.Duration)

	// RecordDirectoryOp records a single directory round trip: op is "bind"
	// or "find_user", result is "success" or an error category.
	RecordDirectoryOp(op, result string)

	// RecordHTTPRequest records a served request against its route pattern.
	RecordHTTPRequest(method, route string, status int, duration time.Duration)
}
