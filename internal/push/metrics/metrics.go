package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "livecache_push_active_sessions",
		Help: "Currently connected push clients",
	})
	deliveredTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livecache_push_delivered_tokens_total",
		Help: "Dirty tokens handed to clients",
	})
	pollTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livecache_push_poll_timeouts_total",
		Help: "Long polls that returned empty on timeout",
	})
	expiredSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livecache_push_expired_sessions_total",
		Help: "Sessions dropped by the idle janitor",
	})
)

func IncActiveSessions()       { activeSessions.Inc() }
func DecActiveSessions()       { activeSessions.Dec() }
func AddDeliveredTokens(n int) { deliveredTokens.Add(float64(n)) }
func IncPollTimeouts()         { pollTimeouts.Inc() }
func IncExpiredSessions()      { expiredSessions.Inc() }
