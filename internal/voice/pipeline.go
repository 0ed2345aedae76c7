package voice

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/voxray-ai/console/internal/observe"
	"github.com/voxray-ai/console/pkg/audio"
	"github.com/voxray-ai/console/pkg/backend"
	"github.com/voxray-ai/console/pkg/conversation"
)

// runAudio handles a finished recording: transcribe, then continue as a text
// turn. The machine is in PROCESSING on entry.
func (c *Controller) runAudio(pcm []byte) {
	start := time.Now()
	ctx, span := observe.StartSpan(c.ctx, "voice.turn",
		trace.WithAttributes(attribute.String("voice.input", "audio")))
	defer span.End()

	if len(pcm) == 0 {
		c.logger.Debug("recording captured no audio")
		c.endTurn()
		return
	}

	clip := audio.WAVClip(pcm, audio.RecordingFormat)
	var text string
	err := c.stage(ctx, "transcribe", c.metrics.TranscribeDuration, func(ctx context.Context) error {
		var err error
		text, err = c.stt.Transcribe(ctx, clip)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transcription failed")
		c.fail(ctx, FailureFor(KindTranscriptionFailed), "", err)
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		c.fail(ctx, Classify(ErrEmptyTranscription), "", ErrEmptyTranscription)
		return
	}
	c.converse(ctx, text, start)
}

// runText handles typed, quick-action, hands-free and retried input. The
// machine is in PROCESSING on entry.
func (c *Controller) runText(text string) {
	ctx, span := observe.StartSpan(c.ctx, "voice.turn",
		trace.WithAttributes(attribute.String("voice.input", "text")))
	defer span.End()
	c.converse(ctx, text, time.Now())
}

// converse runs chat then speech synthesis for one user turn and starts
// playback. History is taken before the user message is appended, so it
// holds only earlier turns.
func (c *Controller) converse(ctx context.Context, text string, start time.Time) {
	log := observe.LoggerFrom(ctx, c.logger)

	history := c.store.History(c.cfg.HistoryLimit, c.cfg.MaxMessageLength)
	if _, appended := c.store.AppendUser(text); !appended {
		log.Debug("duplicate user message not re-appended", "text", text)
	}

	req := backend.ChatRequest{
		Message: text,
		Context: c.DiagnosisContext(),
		History: history,
	}
	var reply string
	err := c.stage(ctx, "chat", c.metrics.ChatDuration, func(ctx context.Context) error {
		var err error
		reply, err = c.chat.Chat(ctx, req)
		return err
	})
	if err != nil {
		c.fail(ctx, Classify(err), text, err)
		return
	}

	var clip audio.Clip
	err = c.stage(ctx, "speech", c.metrics.SpeechDuration, func(ctx context.Context) error {
		var err error
		clip, err = c.tts.Synthesize(ctx, reply)
		return err
	})
	if err != nil {
		c.fail(ctx, Classify(err), text, err)
		return
	}

	c.store.Append(conversation.RoleAssistant, reply, conversation.Fresh())

	track, err := c.player.Load(ctx, clip)
	if err != nil {
		c.fail(ctx, FailureFor(KindPlaybackFailed), "", err)
		return
	}
	c.metrics.TurnDuration.Record(ctx, time.Since(start).Seconds())
	c.speak(track)
}

// stage runs one backend call under the request timeout.
func (c *Controller) stage(ctx context.Context, kind string, hist metric.Float64Histogram, fn func(context.Context) error) error {
	return c.metrics.RunStage(ctx, observe.Stage{
		Span:    "voice." + kind,
		Kind:    kind,
		Backend: c.backendName,
		Timeout: c.cfg.RequestTimeout,
		Latency: hist,
	}, fn)
}

// speak moves PROCESSING → SPEAKING and plays track in the background. The
// previous reply's track is released.
func (c *Controller) speak(track audio.Track) {
	playCtx, cancel := context.WithCancel(c.ctx)
	done := make(chan struct{})

	c.mu.Lock()
	prev := c.track
	c.track = track
	c.playCancel = cancel
	c.playDone = done
	c.mu.Unlock()

	if prev != nil {
		if err := prev.Release(); err != nil {
			c.logger.Warn("releasing previous reply", "err", err)
		}
	}

	c.setRetrying(false)
	if err := c.machine.Transition(StateProcessing, StateSpeaking); err != nil {
		cancel()
		close(done)
		c.logger.Error("entering SPEAKING", "err", err)
		return
	}

	if !c.goTracked(func() { c.play(playCtx, cancel, track, done) }) {
		cancel()
		close(done)
		_ = c.machine.Transition(StateSpeaking, StateIdle)
	}
}

// play blocks on the track and returns the machine to IDLE when it ends.
// It is the only path out of SPEAKING.
func (c *Controller) play(ctx context.Context, cancel context.CancelFunc, track audio.Track, done chan struct{}) {
	defer close(done)
	defer cancel()

	err := track.Play(ctx)
	if err != nil && ctx.Err() == nil {
		c.logger.Warn("playback failed", "err", err)
		c.appendFailure(context.Background(), FailureFor(KindPlaybackFailed), "")
	}

	c.mu.Lock()
	if c.playDone == done {
		c.playCancel, c.playDone = nil, nil
	}
	c.mu.Unlock()

	if err := c.machine.Transition(StateSpeaking, StateIdle); err != nil {
		c.logger.Error("leaving SPEAKING", "err", err)
	}
}

// fail records f and returns PROCESSING → IDLE. Nothing is appended once the
// controller is closing.
func (c *Controller) fail(ctx context.Context, f Failure, input string, err error) {
	if c.ctx.Err() != nil {
		c.logger.Debug("turn abandoned on close", "err", err)
	} else {
		observe.LoggerFrom(ctx, c.logger).Warn("voice turn failed",
			"kind", string(f.Kind), "retryable", f.Retryable, "err", err)
		c.appendFailure(ctx, f, input)
	}
	c.setRetrying(false)
	c.endTurn()
}

// endTurn returns PROCESSING → IDLE.
func (c *Controller) endTurn() {
	if err := c.machine.Transition(StateProcessing, StateIdle); err != nil {
		c.logger.Error("leaving PROCESSING", "err", err)
	}
}

func (c *Controller) appendFailure(ctx context.Context, f Failure, input string) {
	var opts []conversation.MessageOption
	switch {
	case f.Retryable && input != "":
		opts = append(opts, conversation.Retryable(input))
	case input != "":
		opts = append(opts, conversation.OriginalInput(input))
	}
	c.store.Append(conversation.RoleError, f.Text, opts...)
	c.metrics.RecordFailure(ctx, string(f.Kind))
}
