package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/voxray-ai/console/pkg/backend"
	"github.com/voxray-ai/console/pkg/backend/mock"
	"github.com/voxray-ai/console/pkg/viewport"
)

type fakeViewer struct {
	mu    sync.Mutex
	loads int
}

func (v *fakeViewer) LoadImage() viewport.ViewState {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.loads++
	return viewport.ViewState{Zoom: 1}
}

type fakeSink struct {
	mu  sync.Mutex
	got []*backend.Diagnosis
}

func (s *fakeSink) SetDiagnosis(d *backend.Diagnosis) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, d)
}

func (s *fakeSink) history() []*backend.Diagnosis {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*backend.Diagnosis(nil), s.got...)
}

var scan = backend.Image{Name: "chest.png", Data: []byte("png"), MIMEType: "image/png"}

func newService(t *testing.T, pred *mock.Predictor, chat *mock.Chatter, opts ...Option) (*Service, *fakeViewer, *fakeSink) {
	t.Helper()
	v, sink := &fakeViewer{}, &fakeSink{}
	opts = append([]Option{
		WithViewer(v),
		WithDiagnosisSink(sink),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	s, err := New(pred, chat, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, v, sink
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(nil, &mock.Chatter{}); err == nil {
		t.Error("nil predictor accepted")
	}
	if _, err := New(&mock.Predictor{}, nil); err == nil {
		t.Error("nil chatter accepted")
	}
}

func TestAnalyze_Success(t *testing.T) {
	pred := &mock.Predictor{Result: backend.Diagnosis{Diagnosis: "Pneumonia", Confidence: 0.87}}
	chat := &mock.Chatter{Reply: "  Consolidation consistent with pneumonia.  "}
	expl := &mock.Explainer{Result: backend.Heatmap{Base64: "aGVhdA=="}}
	s, viewer, sink := newService(t, pred, chat, WithExplainer(expl))

	res, err := s.Analyze(context.Background(), scan, true)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.Diagnosis.Diagnosis != "Pneumonia" || res.ImageName != "chest.png" || res.ID == "" {
		t.Errorf("result = %+v", res)
	}
	if res.Summary != "Consolidation consistent with pneumonia." || res.SummaryOffline {
		t.Errorf("summary = %q offline=%v", res.Summary, res.SummaryOffline)
	}
	if res.HeatmapB64 != "aGVhdA==" || res.HeatmapError != "" {
		t.Errorf("heatmap = %q err=%q", res.HeatmapB64, res.HeatmapError)
	}

	req := chat.Calls()[0]
	if !strings.Contains(req.Message, "shows Pneumonia with 87.0% confidence") {
		t.Errorf("summary prompt = %q", req.Message)
	}
	if req.Context != "Diagnosis: Pneumonia" || len(req.History) != 0 {
		t.Errorf("summary request = %+v", req)
	}

	if viewer.loads != 1 {
		t.Errorf("viewer loads = %d, want 1", viewer.loads)
	}
	got := sink.history()
	if len(got) != 2 || got[0] != nil || got[1] == nil || got[1].Confidence != 0.87 {
		t.Errorf("diagnosis updates = %v, want [nil, Pneumonia]", got)
	}
	if last, ok := s.Last(); !ok || last.ID != res.ID {
		t.Errorf("Last = %+v, %v", last, ok)
	}
}

func TestAnalyze_SummaryFallsBackOffline(t *testing.T) {
	pred := &mock.Predictor{Result: backend.Diagnosis{Diagnosis: "3_Pleural_Effusion", Confidence: 0.912}}
	chat := &mock.Chatter{Err: &backend.StatusError{Op: "chat", Code: http.StatusServiceUnavailable}}
	s, _, _ := newService(t, pred, chat)

	res, err := s.Analyze(context.Background(), scan, false)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	want := "Analysis complete: Pleural Effusion detected with 91.2% confidence. " +
		"AI Voice Assistant is temporarily offline. Please consult a medical professional for detailed interpretation."
	if res.Summary != want || !res.SummaryOffline {
		t.Errorf("summary = %q offline=%v", res.Summary, res.SummaryOffline)
	}
}

func TestAnalyze_PredictionFailure(t *testing.T) {
	pred := &mock.Predictor{Err: &backend.StatusError{Op: "predict", Code: http.StatusUnauthorized}}
	chat := &mock.Chatter{}
	s, _, sink := newService(t, pred, chat)

	_, err := s.Analyze(context.Background(), scan, true)
	if code, _ := backend.StatusCode(err); code != http.StatusUnauthorized {
		t.Fatalf("err = %v, want 401", err)
	}
	if len(chat.Calls()) != 0 {
		t.Error("summary requested after failed prediction")
	}
	if got := sink.history(); len(got) != 1 || got[0] != nil {
		t.Errorf("diagnosis updates = %v, want only the clear", got)
	}
	if _, ok := s.Last(); ok {
		t.Error("Last reports a result after failure")
	}
}

func TestAnalyze_HeatmapFailureIsNotFatal(t *testing.T) {
	pred := &mock.Predictor{Result: backend.Diagnosis{Diagnosis: "Normal", Confidence: 0.99}}
	expl := &mock.Explainer{Err: fmt.Errorf("explain: %w: refused", backend.ErrNetwork)}
	s, _, _ := newService(t, pred, &mock.Chatter{Reply: "ok"}, WithExplainer(expl))

	res, err := s.Analyze(context.Background(), scan, true)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.HeatmapB64 != "" || res.HeatmapError != "Cannot connect to server. Please check if the backend is running." {
		t.Errorf("heatmap = %q err=%q", res.HeatmapB64, res.HeatmapError)
	}
	if expl.CallCount() != 1 {
		t.Errorf("explain calls = %d", expl.CallCount())
	}

	if _, err := s.Analyze(context.Background(), scan, false); err != nil {
		t.Fatalf("Analyze without heatmap: %v", err)
	}
	if expl.CallCount() != 1 {
		t.Error("heatmap requested although explain was off")
	}
}

func TestAnalyze_EmptyImage(t *testing.T) {
	s, viewer, _ := newService(t, &mock.Predictor{}, &mock.Chatter{})
	if _, err := s.Analyze(context.Background(), backend.Image{}, false); !errors.Is(err, ErrEmptyImage) {
		t.Errorf("err = %v, want ErrEmptyImage", err)
	}
	if viewer.loads != 0 {
		t.Error("viewer reset for an empty upload")
	}
}

func TestClear(t *testing.T) {
	pred := &mock.Predictor{Result: backend.Diagnosis{Diagnosis: "Normal", Confidence: 0.5}}
	s, viewer, sink := newService(t, pred, &mock.Chatter{Reply: "ok"})
	if _, err := s.Analyze(context.Background(), scan, false); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	s.Clear()
	if _, ok := s.Last(); ok {
		t.Error("result survived Clear")
	}
	if viewer.loads != 2 {
		t.Errorf("viewer loads = %d, want 2", viewer.loads)
	}
	if got := sink.history(); got[len(got)-1] != nil {
		t.Error("diagnosis not withdrawn")
	}
}

func TestDisplayName(t *testing.T) {
	tests := map[string]string{
		"3_Pleural_Effusion": "Pleural Effusion",
		"Pneumonia":          "Pneumonia",
		"12_No_Finding":      "No Finding",
		"":                   "Unknown",
	}
	for in, want := range tests {
		if got := DisplayName(in); got != want {
			t.Errorf("DisplayName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFailureText(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&backend.StatusError{Code: http.StatusUnauthorized}, "Authentication required. Please log in."},
		{fmt.Errorf("analysis: predict: %w", &backend.StatusError{Code: http.StatusServiceUnavailable}), "AI Engine is warming up. Please try again in 30 seconds."},
		{backend.ErrNetwork, "Cannot connect to server. Please check if the backend is running."},
		{ErrEmptyImage, "Please choose an image to analyse."},
		{errors.New("boom"), "Analysis failed. Please try again."},
	}
	for _, tt := range tests {
		if got := FailureText(tt.err); got != tt.want {
			t.Errorf("FailureText(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
