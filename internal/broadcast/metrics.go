package broadcast

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"rotarydesk/internal/notifications/dispatch"
	"rotarydesk/internal/types"
)

// RunKind names the job a summary belongs to.
type RunKind string

const (
	RunKindNewsletter RunKind = "newsletter"
	RunKindPersonal   RunKind = "personal"
	RunKindWhatsApp   RunKind = "whatsapp"
)

// RunSummary is what metrics backends see of a finished run.
type RunSummary struct {
	RunID    string
	Kind     RunKind
	Mode     string
	Day      types.Day
	Success  int
	Failure  int
	Skipped  int
	Duration time.Duration
}

// RunMetrics records finished runs. Implementations must not fail the run.
type RunMetrics interface {
	RecordRun(ctx context.Context, sum RunSummary)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) RecordRun(context.Context, RunSummary) {}

// MultiMetrics fans a summary out to several backends.
type MultiMetrics []RunMetrics

func (m MultiMetrics) RecordRun(ctx context.Context, sum RunSummary) {
	for _, r := range m {
		r.RecordRun(ctx, sum)
	}
}

// ---------------------------------------------------------------------------
// CloudWatch
// ---------------------------------------------------------------------------

// CloudWatchClient abstracts the PutMetricData call for tests.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

const (
	metricSent     = "NotificationsSent"
	metricFailed   = "NotificationsFailed"
	metricSkipped  = "NotificationsSkipped"
	metricDuration = "RunDuration"
	dimKind        = "Kind"
	dimMode        = "Mode"
)

// CloudWatchRunMetrics publishes run counters to CloudWatch, one
// PutMetricData call per run.
type CloudWatchRunMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

var _ RunMetrics = (*CloudWatchRunMetrics)(nil)

// NewCloudWatchRunMetrics creates a publisher for namespace.
func NewCloudWatchRunMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchRunMetrics {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchRunMetrics{client: client, namespace: namespace, logger: logger}
}

func (m *CloudWatchRunMetrics) RecordRun(ctx context.Context, sum RunSummary) {
	dims := []cwtypes.Dimension{{Name: aws.String(dimKind), Value: aws.String(string(sum.Kind))}}
	if sum.Mode != "" {
		dims = append(dims, cwtypes.Dimension{Name: aws.String(dimMode), Value: aws.String(sum.Mode)})
	}
	datum := func(name string, v float64, unit cwtypes.StandardUnit) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{
			MetricName: aws.String(name),
			Value:      aws.Float64(v),
			Unit:       unit,
			Dimensions: dims,
		}
	}

	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			datum(metricSent, float64(sum.Success), cwtypes.StandardUnitCount),
			datum(metricFailed, float64(sum.Failure), cwtypes.StandardUnitCount),
			datum(metricSkipped, float64(sum.Skipped), cwtypes.StandardUnitCount),
			datum(metricDuration, float64(sum.Duration.Milliseconds()), cwtypes.StandardUnitMilliseconds),
		},
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.ErrorContext(ctx, "failed to publish run metrics",
			"run_id", sum.RunID,
			"kind", string(sum.Kind),
			"error", err,
		)
	}
}

// ---------------------------------------------------------------------------
// Prometheus
// ---------------------------------------------------------------------------

// PrometheusMetrics exposes run and chunk counters to the API's /metrics
// endpoint. It also observes dispatcher chunks.
type PrometheusMetrics struct {
	sent          *prometheus.CounterVec
	failed        *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	chunks        *prometheus.CounterVec
	chunkDuration prometheus.Histogram
}

var (
	_ RunMetrics             = (*PrometheusMetrics)(nil)
	_ dispatch.ChunkObserver = (*PrometheusMetrics)(nil)
)

// NewPrometheusMetrics registers the collectors on reg.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	f := promauto.With(reg)
	return &PrometheusMetrics{
		sent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rotarydesk",
			Name:      "notifications_sent_total",
			Help:      "Notifications delivered, by run kind.",
		}, []string{"kind"}),
		failed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rotarydesk",
			Name:      "notifications_failed_total",
			Help:      "Notifications that could not be delivered, by run kind.",
		}, []string{"kind"}),
		runDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rotarydesk",
			Name:      "notification_run_duration_seconds",
			Help:      "Wall time of notification runs.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"kind"}),
		chunks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rotarydesk",
			Name:      "dispatch_chunks_total",
			Help:      "Batch transport calls, by outcome.",
		}, []string{"result"}),
		chunkDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rotarydesk",
			Name:      "dispatch_chunk_duration_seconds",
			Help:      "Duration of one batch transport call.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *PrometheusMetrics) RecordRun(_ context.Context, sum RunSummary) {
	kind := string(sum.Kind)
	m.sent.WithLabelValues(kind).Add(float64(sum.Success))
	m.failed.WithLabelValues(kind).Add(float64(sum.Failure))
	m.runDuration.WithLabelValues(kind).Observe(sum.Duration.Seconds())
}

func (m *PrometheusMetrics) ObserveChunk(_ int, ok bool, elapsed time.Duration) {
	result := "success"
	if !ok {
		result = "failure"
	}
	m.chunks.WithLabelValues(result).Inc()
	m.chunkDuration.Observe(elapsed.Seconds())
}
