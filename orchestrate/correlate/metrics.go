package correlate

import "sync/atomic"

type MetricsSnapshot struct {
	Opened     int64
	Resolved   int64
	TimedOut   int64
	Cancelled  int64
	Duplicates int64
	Pending    int
}

type metrics struct {
	opened     atomic.Int64
	resolved   atomic.Int64
	timedOut   atomic.Int64
	cancelled  atomic.Int64
	duplicates atomic.Int64
}
