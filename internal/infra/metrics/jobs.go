package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(chatJobsSubmittedTotal, chatJobsFinishedTotal, tokenRedemptionsTotal, chatJobsReapedTotal, reaperSweepErrorsTotal)
}

var (
	chatJobsSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_jobs_submitted_total",
			Help: "Total number of chat jobs created.",
		},
	)

	chatJobsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_jobs_finished_total",
			Help: "Total number of chat jobs that reached a terminal status, labeled by status.",
		},
		[]string{"status"}, // 'completed', 'failed'
	)

	tokenRedemptionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_token_redemptions_total",
			Help: "Session token redemption attempts by outcome.",
		},
		[]string{"outcome"}, // 'redeemed', 'not_found', 'expired', 'already_used', 'error'
	)

	chatJobsReapedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_jobs_reaped_total",
			Help: "Jobs removed by the reaper, labeled by reason.",
		},
		[]string{"reason"}, // 'expired', 'retention'
	)

	reaperSweepErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reaper_sweep_errors_total",
			Help: "Reaper sweeps that failed and will be retried on the next cycle.",
		},
	)
)

func IncChatJobSubmitted() { chatJobsSubmittedTotal.Inc() }

func IncChatJobFinished(status string) {
	chatJobsFinishedTotal.WithLabelValues(norm(status)).Inc()
}

func IncTokenRedemption(outcome string) {
	tokenRedemptionsTotal.WithLabelValues(norm(outcome)).Inc()
}

func AddChatJobsReaped(reason string, n int) {
	if n <= 0 {
		return
	}
	chatJobsReapedTotal.WithLabelValues(norm(reason)).Add(float64(n))
}

func IncReaperSweepError() { reaperSweepErrorsTotal.Inc() }
