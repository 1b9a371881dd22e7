package service

// Metrics receives scheduler events. The metrics package provides the
// Prometheus implementation.
type Metrics interface {
	JobTransition(kind, state string)
	QueueDepth(n int)
	ActiveJobs(n int)
	JobRetry(reason string)
}

// NoopMetrics discards every event.
type NoopMetrics struct{}

func (NoopMetrics) JobTransition(kind, state string) {}
func (NoopMetrics) QueueDepth(n int)                 {}
func (NoopMetrics) ActiveJobs(n int)                 {}
func (NoopMetrics) JobRetry(reason string)           {}
