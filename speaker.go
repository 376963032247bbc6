package callsdk

import (
	"sync"

	"github.com/benbjohnson/clock"
)

// AudioLevelSource reports a participant's instantaneous audio energy in
// the range 0.0 to 1.0, higher meaning louder. Implementations decide
// how the level is measured; the estimator only compares values.
type AudioLevelSource interface {
	Level() float32
}

// AudioLevelFunc adapts a plain function to an AudioLevelSource.
type AudioLevelFunc func() float32

func (f AudioLevelFunc) Level() float32 { return f() }

// SpeakerEstimator periodically samples the registered level sources of
// one group call and keeps a single dominant-speaker value. It is purely
// advisory and never blocks call setup or teardown.
type SpeakerEstimator struct {
	clock    clock.Clock
	onChange func(participantID string)

	lock    sync.Mutex
	sources map[string]AudioLevelSource
	current string
	stop    chan struct{}
}

func NewSpeakerEstimator(clk clock.Clock, onChange func(participantID string)) *SpeakerEstimator {
	if onChange == nil {
		onChange = func(string) {}
	}
	return &SpeakerEstimator{
		clock:    clk,
		onChange: onChange,
		sources:  make(map[string]AudioLevelSource),
	}
}

func (e *SpeakerEstimator) SetSource(participantID string, src AudioLevelSource) {
	e.lock.Lock()
	e.sources[participantID] = src
	e.lock.Unlock()
}

func (e *SpeakerEstimator) RemoveSource(participantID string) {
	e.lock.Lock()
	delete(e.sources, participantID)
	if e.current == participantID {
		e.current = ""
	}
	e.lock.Unlock()
}

// Start begins sampling. Starting an already-running estimator is a
// no-op.
func (e *SpeakerEstimator) Start() {
	e.lock.Lock()
	if e.stop != nil {
		e.lock.Unlock()
		return
	}
	stop := make(chan struct{})
	e.stop = stop
	e.lock.Unlock()

	ticker := e.clock.Ticker(SpeakerInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.sample()
			case <-stop:
				return
			}
		}
	}()
}

// Stop clears the sampling timer. Idempotent.
func (e *SpeakerEstimator) Stop() {
	e.lock.Lock()
	if e.stop != nil {
		close(e.stop)
		e.stop = nil
	}
	e.lock.Unlock()
}

func (e *SpeakerEstimator) DominantSpeaker() string {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.current
}

func (e *SpeakerEstimator) sample() {
	e.lock.Lock()
	var (
		loudest string
		max     float32
	)
	for id, src := range e.sources {
		if level := src.Level(); level > max {
			max = level
			loudest = id
		}
	}

	if max <= SpeakerNoiseFloor || loudest == e.current {
		e.lock.Unlock()
		return
	}
	e.current = loudest
	e.lock.Unlock()

	e.onChange(loudest)
}
