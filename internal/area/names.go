package area

// Bases holds the configurable base names that per-area broker resources are
// composed from. The slug is appended to each base with a "." separator.
type Bases struct {
	Queue      string // telemetry main queue base, e.g. "queue"
	RetryQueue string // telemetry retry queue base
	DLQ        string // telemetry dead-letter queue base
	AlertQueue string // alert main queue base
	AlertRetry string // alert retry queue base
	AlertDLQ   string // alert dead-letter queue base

	RoutingPrefix string // telemetry routing-key prefix, e.g. "telemetry"
}

// DefaultBases mirrors the queue naming the collector fleet already uses.
func DefaultBases() Bases {
	return Bases{
		Queue:         "queue",
		RetryQueue:    "retryQueue",
		DLQ:           "dlq",
		AlertQueue:    "alertQueue",
		AlertRetry:    "retry.alerts",
		AlertDLQ:      "dlq.alerts",
		RoutingPrefix: "telemetry",
	}
}

// AlertRoutingPrefix is fixed: alert envelopes always travel under "alerts.".
const AlertRoutingPrefix = "alerts"

// Names is the full set of broker resource names owned by one area, for both
// the telemetry and the alert stream.
type Names struct {
	// Telemetry stream.
	Queue           string // queue.<slug>
	RetryQueue      string // retryQueue.<slug>
	DLQ             string // dlq.<slug>
	DLX             string // dlx.<slug>
	BindingKey      string // <prefix>.<slug>.#
	RetryRoutingKey string // <prefix>.<slug>.retry
	DLQRoutingKey   string // <slug>.dead

	// Alert stream.
	AlertQueue           string // alertQueue.<slug>
	AlertRetryQueue      string // retry.alerts.<slug>
	AlertDLQ             string // dlq.alerts.<slug>
	AlertDLX             string // alerts.dlx.<slug>
	AlertBindingKey      string // alerts.<slug>.#
	AlertRetryRoutingKey string // alerts.<slug>.retry
	AlertDLQRoutingKey   string // <slug>.alert.dead
}

// Derive composes every broker resource name for the area that owns site.
// Pure string composition; no I/O.
func Derive(site string, b Bases) Names {
	slug := Slugify(site)
	return Names{
		Queue:           b.Queue + "." + slug,
		RetryQueue:      b.RetryQueue + "." + slug,
		DLQ:             b.DLQ + "." + slug,
		DLX:             "dlx." + slug,
		BindingKey:      b.RoutingPrefix + "." + slug + ".#",
		RetryRoutingKey: b.RoutingPrefix + "." + slug + ".retry",
		DLQRoutingKey:   slug + ".dead",

		AlertQueue:           b.AlertQueue + "." + slug,
		AlertRetryQueue:      b.AlertRetry + "." + slug,
		AlertDLQ:             b.AlertDLQ + "." + slug,
		AlertDLX:             AlertRoutingPrefix + ".dlx." + slug,
		AlertBindingKey:      AlertRoutingPrefix + "." + slug + ".#",
		AlertRetryRoutingKey: AlertRoutingPrefix + "." + slug + ".retry",
		AlertDLQRoutingKey:   slug + ".alert.dead",
	}
}

// TelemetryRoutingKey is the publish key for one client's telemetry stream.
func TelemetryRoutingKey(prefix, slug, clientID string) string {
	return prefix + "." + slug + "." + clientID
}

// AlertRoutingKey is the publish key for one client's alert stream.
func AlertRoutingKey(slug, clientID string) string {
	return AlertRoutingPrefix + "." + slug + "." + clientID
}
