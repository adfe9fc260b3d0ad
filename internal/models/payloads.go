package models

// FeedbackSubmission is the payload produced by the feedback screen.
type FeedbackSubmission struct {
	Rating      int               `json:"rating"`
	Category    string            `json:"category,omitempty"`
	Comment     string            `json:"comment,omitempty"`
	NetworkType string            `json:"network_type,omitempty"`
	Operator    string            `json:"operator,omitempty"`
	Location    *GeoPoint         `json:"location,omitempty"`
	Device      map[string]string `json:"device,omitempty"`
	CapturedAt  int64             `json:"captured_at"`
}

// GeoPoint is an optional coarse location attached by the host app.
type GeoPoint struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
	Accuracy  float64 `json:"accuracy,omitempty"`
}

// SignalSample is one reading from the native signal reader.
type SignalSample struct {
	Timestamp   int64   `json:"ts"`
	SignalDBM   int     `json:"signal_dbm"`
	NetworkType string  `json:"network_type,omitempty"`
	Operator    string  `json:"operator,omitempty"`
	LatencyMS   float64 `json:"latency_ms,omitempty"`
}

// LatencySummary carries quantiles over the latency readings of a batch.
type LatencySummary struct {
	Count int64   `json:"count"`
	P50   float64 `json:"p50"`
	P90   float64 `json:"p90"`
	P99   float64 `json:"p99"`
}

// MetricsBatch is the periodically collected telemetry payload.
type MetricsBatch struct {
	WindowStart int64           `json:"window_start"`
	WindowEnd   int64           `json:"window_end"`
	Samples     []SignalSample  `json:"samples"`
	Latency     *LatencySummary `json:"latency,omitempty"`
}
