package metrics

var latencyBuckets = []float64{0.5, 1, 2, 5, 10, 30, 60, 120}

var (
	HandlerFailures  = Collector.Counter("bus_handler_failures_total", "Subscriber errors and panics", "")
	OffersAccepted   = Collector.Counter("offers_accepted_total", "Offers accepted by the quota gate", "")
	OffersDeclined   = Collector.Counter("offers_declined_total", "Offers declined for exhausted quota", "")
	NewAccounts      = Collector.Counter("accounts_created_total", "Accounts created on first contact", "")
	QuotaResets      = Collector.Counter("quota_resets_total", "Daily quota resets performed", "")
	InboundThrottled = Collector.Counter("inbound_throttled_total", "Inbound messages rejected by the rate limiter", "")
	CatalogReloads   = Collector.Counter("catalog_reloads_total", "Proxy catalogue reloads", "")

	ProbeDuration = Collector.Histogram("probe_cycle_seconds", "Duration of a full liveness probe cycle", "", latencyBuckets)
)

// EventsTotal counts events delivered by the bus per kind.
func EventsTotal(kind string) *Counter {
	return Collector.Counter("events_total", "Events delivered by the bus", Label("kind", kind))
}

// Predictions counts generate calls per proxy and outcome ("ok" or "failed").
func Predictions(proxy, outcome string) *Counter {
	return Collector.Counter("predictions_total", "Generate calls by proxy and outcome",
		Label("proxy", proxy)+","+Label("outcome", outcome))
}

func PredictLatency(proxy string) *Histogram {
	return Collector.Histogram("predict_latency_seconds", "Generate latency in seconds", Label("proxy", proxy), latencyBuckets)
}

// ProxyReady is 1 while the proxy is marked ready.
func ProxyReady(proxy string) *Gauge {
	return Collector.Gauge("proxy_ready", "Proxy readiness (1 ready, 0 down)", Label("proxy", proxy))
}
