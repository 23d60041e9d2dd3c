package mesh

// MetricsReporter receives manager-level events for export. The concrete
// implementation lives in internal/metrics; a no-op reporter is used when
// none is attached.
type MetricsReporter interface {
	IncPacketsSent(transport string)
	IncPacketsReceived(transport string)
	IncPacketsDropped(transport string)
	IncPacketsRelayed(transport string)
	IncDedupHits()
	SetPendingPackets(n int)
}

// noopMetrics is the default MetricsReporter.
type noopMetrics struct{}

func (noopMetrics) IncPacketsSent(string)     {}
func (noopMetrics) IncPacketsReceived(string) {}
func (noopMetrics) IncPacketsDropped(string)  {}
func (noopMetrics) IncPacketsRelayed(string)  {}
func (noopMetrics) IncDedupHits()             {}
func (noopMetrics) SetPendingPackets(int)     {}
