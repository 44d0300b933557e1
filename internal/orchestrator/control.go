package orchestrator

import (
	"sync"

	"github.com/google/uuid"
)

// Controller is the external control surface for live runs: pause,
// resume, cancel. Every operation is idempotent; controls addressed
// to unknown or already-terminal runs are no-ops, not errors.
type Controller struct {
	mu   sync.Mutex
	runs map[uuid.UUID]*runControl
}

func NewController() *Controller {
	return &Controller{runs: make(map[uuid.UUID]*runControl)}
}

func (c *Controller) register(runID uuid.UUID) *runControl {
	rc := newRunControl()

	c.mu.Lock()
	c.runs[runID] = rc
	c.mu.Unlock()

	return rc
}

func (c *Controller) drop(runID uuid.UUID) {
	c.mu.Lock()
	delete(c.runs, runID)
	c.mu.Unlock()
}

func (c *Controller) lookup(runID uuid.UUID) *runControl {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs[runID]
}

// Pause requests that the run block before its next step. Pauses are
// honored only between steps, never mid-step.
func (c *Controller) Pause(runID uuid.UUID) {
	if rc := c.lookup(runID); rc != nil {
		rc.pause()
	}
}

// Resume unblocks a paused run.
func (c *Controller) Resume(runID uuid.UUID) {
	if rc := c.lookup(runID); rc != nil {
		rc.resume()
	}
}

// Cancel requests cancellation. The signal is advisory: it is checked
// at yield points rather than interrupting an in-flight hardware
// call, which could leave instrument state undefined.
func (c *Controller) Cancel(runID uuid.UUID) {
	if rc := c.lookup(runID); rc != nil {
		rc.cancel()
	}
}

// runControl carries the pause/cancel state for one run. Cancellation
// can always unblock a pause wait.
type runControl struct {
	mu        sync.Mutex
	cond      *sync.Cond
	paused    bool
	cancelled bool
}

func newRunControl() *runControl {
	rc := &runControl{}
	rc.cond = sync.NewCond(&rc.mu)
	return rc
}

func (rc *runControl) pause() {
	rc.mu.Lock()
	rc.paused = true
	rc.mu.Unlock()
}

func (rc *runControl) resume() {
	rc.mu.Lock()
	rc.paused = false
	rc.mu.Unlock()
	rc.cond.Broadcast()
}

func (rc *runControl) cancel() {
	rc.mu.Lock()
	rc.cancelled = true
	rc.mu.Unlock()
	rc.cond.Broadcast()
}

// yield is the between-steps checkpoint. It blocks while the run is
// paused, with no timeout, and reports whether the run has been
// cancelled. onPause and onResume fire exactly once per pause
// episode.
func (rc *runControl) yield(onPause, onResume func()) (cancelled bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.cancelled {
		return true
	}
	if !rc.paused {
		return false
	}

	if onPause != nil {
		onPause()
	}

	for rc.paused && !rc.cancelled {
		rc.cond.Wait()
	}

	if rc.cancelled {
		return true
	}

	if onResume != nil {
		onResume()
	}

	return false
}
