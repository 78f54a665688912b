package pubsub

// Metrics is the observability seam the PostOffice reports into,
// mirroring the teacher's MetricsInterface split between an interface
// owned by the consuming package and a Prometheus-backed implementation
// in internal/metrics. A nil Metrics is replaced with noopMetrics.
type Metrics interface {
	ChannelsGauge(collection string, n int)
	SubscribeTotal()
	UnsubscribeTotal()
	PublishTotal(filterMode bool)
	DeliverTotal()
	DeferTotal()
	QueueDepth(depth, capacity int)
	QueueOverflowTotal()
}

type noopMetrics struct{}

func (noopMetrics) ChannelsGauge(string, int)  {}
func (noopMetrics) SubscribeTotal()            {}
func (noopMetrics) UnsubscribeTotal()          {}
func (noopMetrics) PublishTotal(bool)          {}
func (noopMetrics) DeliverTotal()              {}
func (noopMetrics) DeferTotal()                {}
func (noopMetrics) QueueDepth(int, int)        {}
func (noopMetrics) QueueOverflowTotal()        {}
