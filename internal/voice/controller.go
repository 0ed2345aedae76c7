// Package voice implements the console's voice assistant: a guarded state
// machine (IDLE → LISTENING → PROCESSING → SPEAKING → IDLE) driving
// microphone recording with silence auto-stop, the transcribe → chat → speech
// pipeline, failure classification with retry, and hands-free scheduling.
//
// A [Controller] owns one conversation turn at a time. Triggers that arrive
// in the wrong state are rejected with [ErrBusy] (or a more specific error),
// never queued.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/voxray-ai/console/internal/observe"
	"github.com/voxray-ai/console/pkg/audio"
	"github.com/voxray-ai/console/pkg/backend"
	"github.com/voxray-ai/console/pkg/conversation"
)

// EventKind distinguishes controller notifications.
type EventKind string

const (
	// EventState follows every state transition.
	EventState EventKind = "state"

	// EventTick follows every recording timer tick.
	EventTick EventKind = "tick"

	// EventSettings follows hands-free, diagnosis and retry indicator changes.
	EventSettings EventKind = "settings"
)

// Event is delivered to subscribers with a snapshot taken after the change.
type Event struct {
	Kind     EventKind `json:"kind"`
	Change   *Change   `json:"change,omitempty"`
	Snapshot Snapshot  `json:"snapshot"`
}

// Snapshot is the controller's observable state.
type Snapshot struct {
	State     State              `json:"state"`
	HandsFree bool               `json:"hands_free"`
	Retrying  bool               `json:"retrying"`
	Diagnosis *backend.Diagnosis `json:"diagnosis,omitempty"`
	Recording *RecordingStatus   `json:"recording,omitempty"`
}

// Controller is the voice interaction controller. It is safe for concurrent
// use.
type Controller struct {
	mic    audio.Microphone
	player audio.Player
	stt    backend.Transcriber
	chat   backend.Chatter
	tts    backend.Synthesizer
	store  *conversation.Store

	cfg         Config
	logger      *slog.Logger
	metrics     *observe.Metrics
	backendName string
	machine     *Machine
	auto        *scheduler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu guards the fields below. It is never held across a machine
	// transition, since transition listeners read them.
	mu         sync.Mutex
	closed     bool
	opening    bool
	session    *recordingSession
	track      audio.Track
	playCancel context.CancelFunc
	playDone   chan struct{}
	diagnosis  *backend.Diagnosis
	handsFree  bool
	retrying   bool

	subMu  sync.Mutex
	subs   map[int]func(Event)
	nextID int

	unsubscribe []func()
}

// New creates a Controller. All collaborators are required.
func New(mic audio.Microphone, player audio.Player, stt backend.Transcriber, chat backend.Chatter, tts backend.Synthesizer, store *conversation.Store, opts ...Option) (*Controller, error) {
	switch {
	case mic == nil:
		return nil, errors.New("voice: microphone must not be nil")
	case player == nil:
		return nil, errors.New("voice: player must not be nil")
	case stt == nil, chat == nil, tts == nil:
		return nil, errors.New("voice: transcriber, chatter and synthesizer must not be nil")
	case store == nil:
		return nil, errors.New("voice: conversation store must not be nil")
	}

	c := &Controller{
		mic:         mic,
		player:      player,
		stt:         stt,
		chat:        chat,
		tts:         tts,
		store:       store,
		cfg:         DefaultConfig(),
		backendName: "voxray",
		machine:     NewMachine(),
		subs:        make(map[int]func(Event)),
	}
	for _, o := range opts {
		o(c)
	}
	c.cfg = c.cfg.withDefaults()
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "voice")
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	c.handsFree = c.cfg.HandsFree
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.auto = newScheduler(c)

	c.unsubscribe = append(c.unsubscribe,
		c.machine.Subscribe(c.onTransition),
		store.Subscribe(func(conversation.Event) { c.auto.evaluate() }),
	)
	return c, nil
}

// State returns the current state.
func (c *Controller) State() State { return c.machine.State() }

// Machine exposes the state machine for observers.
func (c *Controller) Machine() *Machine { return c.machine }

// Snapshot returns the controller's observable state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:     c.machine.State(),
		HandsFree: c.handsFree,
		Retrying:  c.retrying,
	}
	if c.diagnosis != nil {
		d := *c.diagnosis
		snap.Diagnosis = &d
	}
	if c.session != nil {
		st := c.session.status()
		snap.Recording = &st
	}
	return snap
}

// Retrying reports whether a retry is in flight.
func (c *Controller) Retrying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retrying
}

// Subscribe registers fn for controller events. fn runs synchronously and
// must not call back into the controller's trigger methods.
func (c *Controller) Subscribe(fn func(Event)) (cancel func()) {
	c.subMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.subMu.Unlock()
	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *Controller) publish(ev Event) {
	c.subMu.Lock()
	ids := make([]int, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.subs[id])
	}
	c.subMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (c *Controller) onTransition(ch Change) {
	c.metrics.RecordTransition(context.Background(), ch.From.String(), ch.To.String())
	c.logger.Debug("state changed", "from", ch.From.String(), "to", ch.To.String())
	c.publish(Event{Kind: EventState, Change: &ch, Snapshot: c.Snapshot()})
	c.auto.evaluate()
}

func (c *Controller) publishSettings() {
	c.publish(Event{Kind: EventSettings, Snapshot: c.Snapshot()})
}

// goTracked runs fn on a goroutine that Close waits for. It reports false
// after Close.
func (c *Controller) goTracked(fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
	return true
}

// ---- triggers ---------------------------------------------------------------

// Click is the single-button interaction: start recording when idle, stop it
// while listening, stop playback while speaking. It does nothing while
// processing.
func (c *Controller) Click(ctx context.Context) error {
	switch c.State() {
	case StateIdle:
		return c.StartRecording(ctx)
	case StateListening:
		return c.StopRecording()
	case StateSpeaking:
		return c.StopPlayback()
	default:
		return nil
	}
}

// StartRecording acquires the microphone and enters LISTENING. ctx bounds
// the acquisition only. A refused microphone appends one error message and
// leaves the controller idle.
func (c *Controller) StartRecording(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.opening || c.machine.State() != StateIdle {
		c.mu.Unlock()
		return ErrBusy
	}
	c.opening = true
	vad := c.handsFree || c.cfg.SilenceDetection
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.opening = false
		c.mu.Unlock()
	}()

	stream, err := c.mic.Open(ctx)
	if err != nil {
		if ctx.Err() != nil || c.ctx.Err() != nil {
			return fmt.Errorf("voice: open microphone: %w", err)
		}
		c.logger.Warn("microphone unavailable", "err", err)
		c.appendFailure(context.Background(), Classify(err), "")
		return fmt.Errorf("voice: open microphone: %w", err)
	}

	s := newRecordingSession(c.ctx, stream, c.cfg, vad)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		s.cancel()
		_ = stream.Close()
		return ErrClosed
	}
	c.session = s
	c.wg.Add(1)
	c.mu.Unlock()

	if err := c.machine.Transition(StateIdle, StateListening); err != nil {
		c.mu.Lock()
		c.session = nil
		c.mu.Unlock()
		s.cancel()
		_ = stream.Close()
		c.wg.Done()
		return ErrBusy
	}

	c.metrics.ActiveRecordings.Add(context.Background(), 1)
	c.logger.Info("recording started", "silence_detection", vad)
	s.start(func() { c.publish(Event{Kind: EventTick, Snapshot: c.Snapshot()}) })
	go c.supervise(s)
	return nil
}

// supervise waits for the session to ask for a stop or for the controller
// to close. It holds one count on c.wg.
func (c *Controller) supervise(s *recordingSession) {
	defer c.wg.Done()
	select {
	case r := <-s.stopCh:
		c.finishRecording(s, r)
	case <-s.ctx.Done():
		c.finishRecording(s, StopClosed)
	}
}

// StopRecording ends the current recording and starts processing it.
func (c *Controller) StopRecording() error {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil || c.State() != StateListening {
		return ErrNotListening
	}
	if !c.finishRecording(s, StopManual) {
		return ErrNotListening
	}
	return nil
}

// finishRecording releases s and leaves LISTENING. Only the first call per
// session does anything; it reports whether this call was that one.
func (c *Controller) finishRecording(s *recordingSession, reason StopReason) bool {
	if !s.claim() {
		return false
	}
	pcm, err := s.release()
	if err != nil {
		c.logger.Warn("closing capture stream", "err", err)
	}
	c.metrics.ActiveRecordings.Add(context.Background(), -1)
	switch reason {
	case StopLimit, StopSilence, StopStreamEnd:
		c.metrics.RecordAutoStop(context.Background(), string(reason))
	}
	c.logger.Info("recording stopped", "reason", string(reason), "bytes", len(pcm))

	c.mu.Lock()
	if c.session == s {
		c.session = nil
	}
	c.mu.Unlock()

	if reason == StopClosed || c.ctx.Err() != nil {
		_ = c.machine.Transition(StateListening, StateIdle)
		return true
	}
	if err := c.machine.Transition(StateListening, StateProcessing); err != nil {
		c.logger.Error("leaving LISTENING", "err", err)
		return true
	}
	if !c.goTracked(func() { c.runAudio(pcm) }) {
		_ = c.machine.Transition(StateProcessing, StateIdle)
	}
	return true
}

// ProcessText submits typed or quick-action text. It returns [ErrBusy]
// unless the controller is idle; the pipeline runs in the background.
func (c *Controller) ProcessText(_ context.Context, text string) error {
	return c.submit(text, false)
}

// Retry resubmits the input of a retryable error message.
func (c *Controller) Retry(_ context.Context, messageID string) error {
	m, ok := c.store.Get(messageID)
	if !ok {
		return ErrUnknownMessage
	}
	if !m.Retryable || m.OriginalInput == "" {
		return ErrNotRetryable
	}
	return c.submit(m.OriginalInput, true)
}

func (c *Controller) submit(text string, retry bool) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyText
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.opening {
		c.mu.Unlock()
		return ErrBusy
	}
	c.mu.Unlock()

	if err := c.machine.Transition(StateIdle, StateProcessing); err != nil {
		return ErrBusy
	}
	if retry {
		c.setRetrying(true)
	}
	if !c.goTracked(func() { c.runText(text) }) {
		c.setRetrying(false)
		_ = c.machine.Transition(StateProcessing, StateIdle)
		return ErrClosed
	}
	return nil
}

func (c *Controller) setRetrying(v bool) {
	c.mu.Lock()
	changed := c.retrying != v
	c.retrying = v
	c.mu.Unlock()
	if changed {
		c.publishSettings()
	}
}

// StopPlayback interrupts the reply, rewinds it and returns to IDLE.
func (c *Controller) StopPlayback() error {
	c.mu.Lock()
	track, cancel, done := c.track, c.playCancel, c.playDone
	c.mu.Unlock()
	if c.State() != StateSpeaking || done == nil {
		return ErrNotSpeaking
	}
	if err := track.Stop(); err != nil {
		c.logger.Warn("stopping playback", "err", err)
	}
	cancel()
	<-done
	return nil
}

// SetHandsFree toggles hands-free mode.
func (c *Controller) SetHandsFree(on bool) {
	c.mu.Lock()
	changed := c.handsFree != on
	c.handsFree = on
	c.mu.Unlock()
	if changed {
		c.logger.Info("hands-free mode changed", "enabled", on)
		c.publishSettings()
	}
	c.auto.evaluate()
}

// HandsFree reports whether hands-free mode is on.
func (c *Controller) HandsFree() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handsFree
}

// SetDiagnosis sets the scan result sent as chat context. nil clears it.
func (c *Controller) SetDiagnosis(d *backend.Diagnosis) {
	c.mu.Lock()
	if d != nil {
		cp := *d
		d = &cp
	}
	c.diagnosis = d
	c.mu.Unlock()
	c.publishSettings()
	c.auto.evaluate()
}

// DiagnosisContext renders the current diagnosis as chat context, or "" when
// there is none.
func (c *Controller) DiagnosisContext() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.diagnosis == nil {
		return ""
	}
	return FormatContext(*c.diagnosis)
}

// FormatContext renders a diagnosis for the chat backend.
func FormatContext(d backend.Diagnosis) string {
	return fmt.Sprintf("Diagnosis: %s, Confidence: %.1f%%", d.Diagnosis, d.Confidence*100)
}

// Close stops any recording, playback and pipeline, waits for them and
// releases the last reply's audio. It is safe to call more than once.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.auto.stop()
	c.cancel()
	c.wg.Wait()

	for _, unsub := range c.unsubscribe {
		unsub()
	}

	c.mu.Lock()
	track := c.track
	c.track = nil
	c.mu.Unlock()
	if track != nil {
		if err := track.Release(); err != nil {
			return fmt.Errorf("voice: release track: %w", err)
		}
	}
	return nil
}
