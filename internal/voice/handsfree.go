package voice

import (
	"sync"
	"time"

	"github.com/voxray-ai/console/pkg/conversation"
)

type autoAction int

const (
	autoNone autoAction = iota
	autoListen
	autoPrompt
)

func (a autoAction) String() string {
	switch a {
	case autoListen:
		return "listen"
	case autoPrompt:
		return "prompt"
	default:
		return "none"
	}
}

// scheduler keeps at most one hands-free timer armed. Every evaluation
// re-derives the wanted action; a timer whose condition no longer holds is
// cancelled, and a firing timer checks its generation and condition again.
type scheduler struct {
	c *Controller

	mu      sync.Mutex
	pending autoAction
	timer   *time.Timer
	gen     uint64
	stopped bool
}

func newScheduler(c *Controller) *scheduler {
	return &scheduler{c: c}
}

func (s *scheduler) evaluate() {
	want, delay := s.c.autoAction()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || want == s.pending {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	s.pending = want
	if want == autoNone {
		return
	}
	gen := s.gen
	s.timer = time.AfterFunc(delay, func() { s.fire(gen, want) })
}

func (s *scheduler) fire(gen uint64, a autoAction) {
	s.mu.Lock()
	if s.stopped || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.pending = autoNone
	s.timer = nil
	s.mu.Unlock()

	if want, _ := s.c.autoAction(); want != a {
		s.evaluate()
		return
	}
	s.c.goTracked(func() { s.c.runAuto(a) })
}

func (s *scheduler) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// autoAction returns the hands-free action the current state calls for.
func (c *Controller) autoAction() (autoAction, time.Duration) {
	c.mu.Lock()
	on := c.handsFree && !c.closed && !c.opening
	hasDiagnosis := c.diagnosis != nil
	c.mu.Unlock()

	if !on || c.machine.State() != StateIdle {
		return autoNone, 0
	}
	if hasDiagnosis && c.store.Len() == 0 {
		return autoPrompt, c.cfg.AutoPromptDelay
	}
	if last, ok := c.store.Last(); ok && last.Role == conversation.RoleAssistant {
		return autoListen, c.cfg.AutoListenDelay
	}
	return autoNone, 0
}

func (c *Controller) runAuto(a autoAction) {
	c.logger.Info("hands-free trigger", "action", a.String())
	var err error
	switch a {
	case autoListen:
		err = c.StartRecording(c.ctx)
	case autoPrompt:
		err = c.ProcessText(c.ctx, c.cfg.AutoPrompt)
	}
	if err != nil {
		c.logger.Debug("hands-free trigger skipped", "action", a.String(), "err", err)
	}
}
