package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ReconnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_reconnect_attempts_total",
		Help: "Reconnect attempts per hub.",
	}, []string{"hub"})

	MessagesMerged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_messages_merged_total",
		Help: "Messages merged into conversation stores.",
	})

	DuplicatesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_duplicate_messages_total",
		Help: "Push messages ignored as duplicates.",
	})

	SendsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_sends_failed_total",
		Help: "Optimistic sends that ended in failed status.",
	})

	OpenWindows = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_open_windows",
		Help: "Non-minimized conversation windows.",
	})
)

// Handler returns an http.Handler for Prometheus scraping
func Handler() http.Handler {
	return promhttp.Handler()
}
