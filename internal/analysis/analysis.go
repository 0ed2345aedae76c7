// Package analysis runs the imaging side of the console. For every uploaded
// scan it resets the viewer, asks the inference server for a diagnosis, and
// then fetches the explainability heatmap and a short clinical summary
// concurrently. The diagnosis is handed to the voice assistant as chat
// context.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/voxray-ai/console/internal/observe"
	"github.com/voxray-ai/console/pkg/backend"
	"github.com/voxray-ai/console/pkg/viewport"
)

// ErrEmptyImage is returned when an upload carries no data.
var ErrEmptyImage = errors.New("analysis: image is empty")

// Viewer is the part of the viewport engine the service drives.
type Viewer interface {
	LoadImage() viewport.ViewState
}

// DiagnosisSink receives the current diagnosis, or nil when it is cleared.
type DiagnosisSink interface {
	SetDiagnosis(d *backend.Diagnosis)
}

// Result is the outcome of one analysis.
type Result struct {
	ID        string            `json:"id"`
	ImageName string            `json:"image_name"`
	Diagnosis backend.Diagnosis `json:"diagnosis"`

	// Summary is the clinical summary, or the offline text when SummaryOffline.
	Summary        string `json:"summary"`
	SummaryOffline bool   `json:"summary_offline"`

	// HeatmapB64 is the explainability overlay as base64 PNG. Empty when it
	// was not requested or could not be produced; HeatmapError says why.
	HeatmapB64   string `json:"heatmap_b64,omitempty"`
	HeatmapError string `json:"heatmap_error,omitempty"`

	CompletedAt time.Time `json:"completed_at"`
}

// Service coordinates prediction, explanation and summary.
type Service struct {
	predictor  backend.Predictor
	explainer  backend.Explainer
	summariser *Summariser
	viewer     Viewer
	sink       DiagnosisSink

	logger      *slog.Logger
	metrics     *observe.Metrics
	backendName string
	timeout     time.Duration

	mu   sync.Mutex
	last *Result
}

// Option is a functional option for [New].
type Option func(*Service)

// WithExplainer enables heatmaps.
func WithExplainer(e backend.Explainer) Option {
	return func(s *Service) { s.explainer = e }
}

// WithViewer resets v whenever a new image is analysed.
func WithViewer(v Viewer) Option {
	return func(s *Service) { s.viewer = v }
}

// WithDiagnosisSink forwards diagnoses to sink.
func WithDiagnosisSink(sink DiagnosisSink) Option {
	return func(s *Service) { s.sink = sink }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics sets the metrics instance. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithBackendName labels backend metrics. Default: "voxray".
func WithBackendName(name string) Option {
	return func(s *Service) { s.backendName = name }
}

// WithTimeout bounds each backend call. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

// New creates a Service. The chatter produces clinical summaries.
func New(predictor backend.Predictor, chat backend.Chatter, opts ...Option) (*Service, error) {
	if predictor == nil {
		return nil, errors.New("analysis: predictor must not be nil")
	}
	if chat == nil {
		return nil, errors.New("analysis: chatter must not be nil")
	}
	s := &Service{
		predictor:   predictor,
		summariser:  NewSummariser(chat),
		backendName: "voxray",
		timeout:     30 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "analysis")
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s, nil
}

// Analyze classifies img. On success the heatmap (when explain is set and an
// explainer is configured) and the summary are fetched in parallel; neither
// can fail the analysis. A failed prediction leaves no diagnosis behind.
func (s *Service) Analyze(ctx context.Context, img backend.Image, explain bool) (*Result, error) {
	if len(img.Data) == 0 {
		return nil, ErrEmptyImage
	}
	ctx, span := observe.StartSpan(ctx, "analysis.analyze")
	defer span.End()
	log := observe.LoggerFrom(ctx, s.logger)

	s.mu.Lock()
	s.last = nil
	s.mu.Unlock()
	if s.viewer != nil {
		s.viewer.LoadImage()
	}
	if s.sink != nil {
		s.sink.SetDiagnosis(nil)
	}

	var d backend.Diagnosis
	err := s.stage(ctx, "predict", s.metrics.PredictDuration, func(ctx context.Context) error {
		var err error
		d, err = s.predictor.Predict(ctx, img)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "prediction failed")
		log.Warn("prediction failed", "image", img.Name, "err", err)
		return nil, fmt.Errorf("analysis: predict: %w", err)
	}
	log.Info("scan classified", "image", img.Name, "diagnosis", d.Diagnosis, "confidence", d.Confidence)
	if s.sink != nil {
		s.sink.SetDiagnosis(&d)
	}

	res := &Result{ID: uuid.NewString(), ImageName: img.Name, Diagnosis: d}

	var eg errgroup.Group
	eg.Go(func() error {
		res.Summary, res.SummaryOffline = s.summarise(ctx, d)
		return nil
	})
	if explain && s.explainer != nil {
		eg.Go(func() error {
			h, err := s.Explain(ctx, img)
			if err != nil {
				res.HeatmapError = FailureText(err)
				return nil
			}
			res.HeatmapB64 = h.Base64
			return nil
		})
	}
	_ = eg.Wait()

	res.CompletedAt = time.Now()
	s.mu.Lock()
	s.last = res
	s.mu.Unlock()
	return res, nil
}

// Explain fetches the explainability heatmap for img.
func (s *Service) Explain(ctx context.Context, img backend.Image) (backend.Heatmap, error) {
	if s.explainer == nil {
		return backend.Heatmap{}, errors.New("analysis: no explainer configured")
	}
	if len(img.Data) == 0 {
		return backend.Heatmap{}, ErrEmptyImage
	}
	var h backend.Heatmap
	err := s.stage(ctx, "explain", s.metrics.ExplainDuration, func(ctx context.Context) error {
		var err error
		h, err = s.explainer.Explain(ctx, img)
		return err
	})
	if err != nil {
		s.logger.Warn("heatmap unavailable", "image", img.Name, "err", err)
		return backend.Heatmap{}, fmt.Errorf("analysis: explain: %w", err)
	}
	return h, nil
}

// summarise returns the clinical summary, or the offline text and true when
// the chat backend fails.
func (s *Service) summarise(ctx context.Context, d backend.Diagnosis) (string, bool) {
	var text string
	err := s.stage(ctx, "summary", s.metrics.ChatDuration, func(ctx context.Context) error {
		var err error
		text, err = s.summariser.Summarise(ctx, d)
		return err
	})
	if err != nil {
		s.logger.Warn("clinical summary unavailable", "err", err)
		return OfflineSummary(d), true
	}
	return text, false
}

// Last returns the most recent successful analysis.
func (s *Service) Last() (*Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil, false
	}
	cp := *s.last
	return &cp, true
}

// Clear forgets the current scan: the diagnosis is withdrawn and the viewer
// reset.
func (s *Service) Clear() {
	s.mu.Lock()
	s.last = nil
	s.mu.Unlock()
	if s.viewer != nil {
		s.viewer.LoadImage()
	}
	if s.sink != nil {
		s.sink.SetDiagnosis(nil)
	}
}

func (s *Service) stage(ctx context.Context, kind string, hist metric.Float64Histogram, fn func(context.Context) error) error {
	return s.metrics.RunStage(ctx, observe.Stage{
		Span:    "analysis." + kind,
		Kind:    kind,
		Backend: s.backendName,
		Timeout: s.timeout,
		Latency: hist,
	}, fn)
}

// FailureText renders an analysis error for display.
func FailureText(err error) string {
	if errors.Is(err, ErrEmptyImage) {
		return "Please choose an image to analyse."
	}
	if code, ok := backend.StatusCode(err); ok {
		switch code {
		case http.StatusUnauthorized:
			return "Authentication required. Please log in."
		case http.StatusServiceUnavailable:
			return "AI Engine is warming up. Please try again in 30 seconds."
		}
	}
	if errors.Is(err, backend.ErrNetwork) {
		return "Cannot connect to server. Please check if the backend is running."
	}
	return "Analysis failed. Please try again."
}
