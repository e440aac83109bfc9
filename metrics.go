package activation

// Metric names, all of them are labelled with "name".
const (
	MetricHit     = "activation_hit"
	MetricMiss    = "activation_miss"
	MetricCreate  = "activation_create"
	MetricWait    = "activation_wait"
	MetricBusy    = "activation_busy"
	MetricTimeout = "activation_timeout"

	MetricPassivate = "bean_passivate"
	MetricDestroy   = "bean_destroy"
	MetricDiscard   = "bean_discard"

	MetricEvict         = "store_evict"
	MetricReaperTimeout = "reaper_timeout"
	MetricItems         = "store_items"
)
