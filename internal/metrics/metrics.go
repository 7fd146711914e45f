// Package metrics exposes Prometheus counters and histograms for the mail
// pipeline (spec §4.8 "metrics emission on every retry/DLQ transition",
// §6 stats surface). bborn/workflow has no metrics package of its own;
// grounded on C360Studio-semspec's prometheus/client_golang dependency and
// on bborn/workflow's package-per-concern layout (a small struct of
// pre-registered collectors, constructed once and passed down by reference).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every collector the pipeline touches.
type Registry struct {
	EmailsPolled        prometheus.Counter
	EmailsClassified    *prometheus.CounterVec // label: classification
	EmailsPrioritized   prometheus.Counter
	ProposalsSent       prometheus.Counter
	DraftsSent          prometheus.Counter
	ApprovalsTotal      *prometheus.CounterVec // label: action_type, approved
	ResponsesSent       prometheus.Counter
	RetriesTotal        *prometheus.CounterVec // label: op
	DLQTotal            *prometheus.CounterVec // label: op, error_type
	ManualNotifications prometheus.Counter
	WorkflowDuration    *prometheus.HistogramVec // label: step
	ContextRetrieval    prometheus.Histogram
	ResponseGeneration  prometheus.Histogram
	IndexingBatches     *prometheus.CounterVec // label: status
}

// New constructs and registers every collector against reg.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		EmailsPolled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailassist_emails_polled_total",
			Help: "Total emails discovered by the poller.",
		}),
		EmailsClassified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailassist_emails_classified_total",
			Help: "Total emails classified, by classification.",
		}, []string{"classification"}),
		EmailsPrioritized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailassist_emails_prioritized_total",
			Help: "Total emails flagged as priority.",
		}),
		ProposalsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailassist_proposals_sent_total",
			Help: "Total sort proposals sent to chat.",
		}),
		DraftsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailassist_drafts_sent_total",
			Help: "Total draft notifications sent to chat.",
		}),
		ApprovalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailassist_approvals_total",
			Help: "Total approval decisions, by action type and outcome.",
		}, []string{"action_type", "approved"}),
		ResponsesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailassist_responses_sent_total",
			Help: "Total email replies sent.",
		}),
		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailassist_retries_total",
			Help: "Total retry attempts, by operation.",
		}, []string{"op"}),
		DLQTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailassist_dlq_total",
			Help: "Total entries written to the dead letter queue.",
		}, []string{"op", "error_type"}),
		ManualNotifications: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailassist_manual_notifications_total",
			Help: "Total notifications queued for out-of-band delivery.",
		}),
		WorkflowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mailassist_workflow_node_duration_seconds",
			Help:    "Workflow node execution duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"step"}),
		ContextRetrieval: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailassist_context_retrieval_seconds",
			Help:    "RAG context assembly duration.",
			Buckets: prometheus.DefBuckets,
		}),
		ResponseGeneration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailassist_response_generation_seconds",
			Help:    "Draft response generation duration.",
			Buckets: prometheus.DefBuckets,
		}),
		IndexingBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailassist_indexing_batches_total",
			Help: "Total indexing batches processed, by outcome status.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		m.EmailsPolled, m.EmailsClassified, m.EmailsPrioritized, m.ProposalsSent,
		m.DraftsSent, m.ApprovalsTotal, m.ResponsesSent, m.RetriesTotal, m.DLQTotal,
		m.ManualNotifications, m.WorkflowDuration, m.ContextRetrieval,
		m.ResponseGeneration, m.IndexingBatches,
	)
	return m
}
