package hub

import "sync/atomic"

type MetricsSnapshot struct {
	Subscriptions int64
	Published     int64
	Delivered     int64
	Acked         int64
	Dropped       int64
	Expired       int64
	HandlerErrors int64
	Retries       int64
	Failures      int64
}

type Metrics struct {
	subscriptions atomic.Int64
	published     atomic.Int64
	delivered     atomic.Int64
	acked         atomic.Int64
	dropped       atomic.Int64
	expired       atomic.Int64
	handlerErrors atomic.Int64
	retries       atomic.Int64
	failures      atomic.Int64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) RecordSubscription(delta int) {
	m.subscriptions.Add(int64(delta))
}

func (m *Metrics) RecordPublished(delta int) {
	m.published.Add(int64(delta))
}

func (m *Metrics) RecordDelivered(delta int) {
	m.delivered.Add(int64(delta))
}

func (m *Metrics) RecordAcked(delta int) {
	m.acked.Add(int64(delta))
}

func (m *Metrics) RecordDropped(delta int) {
	m.dropped.Add(int64(delta))
}

func (m *Metrics) RecordExpired(delta int) {
	m.expired.Add(int64(delta))
}

func (m *Metrics) RecordHandlerError(delta int) {
	m.handlerErrors.Add(int64(delta))
}

func (m *Metrics) RecordRetry(delta int) {
	m.retries.Add(int64(delta))
}

func (m *Metrics) RecordFailure(delta int) {
	m.failures.Add(int64(delta))
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Subscriptions: m.subscriptions.Load(),
		Published:     m.published.Load(),
		Delivered:     m.delivered.Load(),
		Acked:         m.acked.Load(),
		Dropped:       m.dropped.Load(),
		Expired:       m.expired.Load(),
		HandlerErrors: m.handlerErrors.Load(),
		Retries:       m.retries.Load(),
		Failures:      m.failures.Load(),
	}
}
