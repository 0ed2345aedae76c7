package voice

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxray-ai/console/pkg/audio"
)

// StopReason says why a recording ended.
type StopReason string

const (
	StopManual    StopReason = "manual"
	StopLimit     StopReason = "limit"
	StopSilence   StopReason = "silence"
	StopStreamEnd StopReason = "stream_end"
	StopClosed    StopReason = "closed"
)

// TimerLevel grades the recording timer for display.
type TimerLevel string

const (
	TimerNormal   TimerLevel = "normal"
	TimerWarning  TimerLevel = "warning"
	TimerCritical TimerLevel = "critical"
)

func timerLevel(elapsed time.Duration, cfg Config) TimerLevel {
	switch {
	case elapsed >= cfg.CriticalAfter:
		return TimerCritical
	case elapsed >= cfg.WarningAfter:
		return TimerWarning
	default:
		return TimerNormal
	}
}

// RecordingStatus is the live view of the current recording.
type RecordingStatus struct {
	StartedAt        time.Time  `json:"started_at"`
	ElapsedSeconds   int        `json:"elapsed_seconds"`
	RemainingSeconds int        `json:"remaining_seconds"`
	TimerLevel       TimerLevel `json:"timer_level"`
	RMS              float64    `json:"rms"`
	SilenceDetection bool       `json:"silence_detection"`
}

// silenceDetector decides when a recording has gone quiet. Silence only
// counts once floor has elapsed since the recording started, and must then
// persist for hold.
type silenceDetector struct {
	threshold float64
	hold      time.Duration
	floor     time.Duration

	quiet      bool
	quietSince time.Duration
}

// Observe feeds one RMS sample taken elapsed after start. It reports true
// once the recording should stop.
func (d *silenceDetector) Observe(elapsed time.Duration, rms float64) bool {
	if elapsed < d.floor || rms >= d.threshold {
		d.quiet = false
		return false
	}
	if !d.quiet {
		d.quiet = true
		d.quietSince = elapsed
	}
	return elapsed-d.quietSince >= d.hold
}

// recordingSession owns everything acquired for one LISTENING period: the
// capture stream, the analyser, and the pump, limit and silence tasks. It is
// released exactly once.
type recordingSession struct {
	startedAt time.Time
	stream    audio.Stream
	analyser  *audio.Analyser
	norm      *audio.Normalizer
	vad       bool
	cfg       Config

	ctx      context.Context
	cancel   context.CancelFunc
	stopCh   chan StopReason
	wg       sync.WaitGroup
	finished atomic.Bool

	mu      sync.Mutex
	pcm     []byte
	elapsed time.Duration
}

func newRecordingSession(parent context.Context, stream audio.Stream, cfg Config, vad bool) *recordingSession {
	ctx, cancel := context.WithCancel(parent)
	return &recordingSession{
		startedAt: time.Now(),
		stream:    stream,
		analyser:  audio.NewAnalyser(cfg.AnalyserSize),
		norm:      &audio.Normalizer{Target: audio.RecordingFormat},
		vad:       vad,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		stopCh:    make(chan StopReason, 1),
	}
}

// start launches the session tasks. onTick runs after every timer tick.
func (s *recordingSession) start(onTick func()) {
	s.wg.Add(2)
	go s.pump()
	go s.limit(onTick)
	if s.vad {
		s.wg.Add(1)
		go s.detectSilence()
	}
}

// requestStop asks the supervisor to end the session. Only the first request
// is kept.
func (s *recordingSession) requestStop(r StopReason) {
	select {
	case s.stopCh <- r:
	default:
	}
}

// claim marks the session as finishing. Only the first caller gets true.
func (s *recordingSession) claim() bool {
	return s.finished.CompareAndSwap(false, true)
}

// release closes the stream, cancels the tasks and waits for them. It
// returns the captured PCM and the stream's close error.
func (s *recordingSession) release() ([]byte, error) {
	err := s.stream.Close()
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	pcm := s.pcm
	s.pcm = nil
	return pcm, err
}

func (s *recordingSession) pump() {
	defer s.wg.Done()
	frames := s.stream.Frames()
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				s.requestStop(StopStreamEnd)
				return
			}
			s.write(f)
		case <-s.ctx.Done():
			// Keep what was already buffered when the user stopped.
			for {
				select {
				case f, ok := <-frames:
					if !ok {
						return
					}
					s.write(f)
				default:
					return
				}
			}
		}
	}
}

func (s *recordingSession) write(f audio.Frame) {
	f = s.norm.Normalize(f)
	if len(f.Data) == 0 {
		return
	}
	s.analyser.Write(f.Data)
	s.mu.Lock()
	s.pcm = append(s.pcm, f.Data...)
	s.mu.Unlock()
}

func (s *recordingSession) limit(onTick func()) {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			elapsed := time.Since(s.startedAt)
			s.mu.Lock()
			s.elapsed = elapsed
			s.mu.Unlock()
			if elapsed >= s.cfg.RecordingLimit {
				s.requestStop(StopLimit)
				return
			}
			if onTick != nil {
				onTick()
			}
		}
	}
}

func (s *recordingSession) detectSilence() {
	defer s.wg.Done()
	det := silenceDetector{
		threshold: s.cfg.SilenceThreshold,
		hold:      s.cfg.SilenceDuration,
		floor:     s.cfg.MinSpeechDuration,
	}
	t := time.NewTicker(s.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			if det.Observe(time.Since(s.startedAt), s.analyser.RMS()) {
				s.requestStop(StopSilence)
				return
			}
		}
	}
}

func (s *recordingSession) status() RecordingStatus {
	s.mu.Lock()
	elapsed := s.elapsed
	s.mu.Unlock()

	secs := int(elapsed / time.Second)
	remaining := int((s.cfg.RecordingLimit - elapsed + time.Second - 1) / time.Second)
	return RecordingStatus{
		StartedAt:        s.startedAt,
		ElapsedSeconds:   secs,
		RemainingSeconds: max(remaining, 0),
		TimerLevel:       timerLevel(elapsed, s.cfg),
		RMS:              s.analyser.RMS(),
		SilenceDetection: s.vad,
	}
}
