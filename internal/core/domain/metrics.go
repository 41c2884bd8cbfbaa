package domain

// MetricsSnapshot is a point-in-time view of relay performance.
type MetricsSnapshot struct {
	Frames  int64   `json:"frames"`
	FPS     float64 `json:"fps"`
	Latency float64 `json:"latency"` // ms
	Bitrate float64 `json:"bitrate"` // kbps
	Uptime  float64 `json:"uptime"`  // seconds
}

// RelayStatus is the aggregated view served on /stats.
type RelayStatus struct {
	MetricsSnapshot
	ProducerConnections int     `json:"producer_connections"`
	ConsumerConnections int     `json:"consumer_connections"`
	VideoAvailable      bool    `json:"video_available"`
	WaitingConsumers    int     `json:"waiting_consumers"`
	UpstreamURL         string  `json:"upstream_url,omitempty"`
	UpstreamConnected   bool    `json:"upstream_connected"`
	Timestamp           float64 `json:"timestamp"`
}
