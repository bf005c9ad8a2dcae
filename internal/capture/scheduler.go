package capture

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/omgasolutions/omrcam/internal/camera"
	"github.com/omgasolutions/omrcam/internal/model"
	"github.com/omgasolutions/omrcam/internal/quality"
)

// DefaultSampleInterval is the cadence of quality checks.
const DefaultSampleInterval = time.Second

// ErrSchedulerRunning is returned by Start while a previous run is active.
var ErrSchedulerRunning = errors.New("scheduler already running")

// Scheduler samples and scores frames at a fixed interval until one is
// acceptable. Ticks run on a single goroutine and never overlap.
type Scheduler struct {
	Interval time.Duration
	Sampler  *quality.Sampler
	Analyzer *quality.Analyzer
	// OnError receives sampling failures other than quality.ErrSourceNotReady.
	// The run stops before it is called.
	OnError func(error)

	mu      sync.Mutex
	running bool
	quit    chan struct{}
	done    chan struct{}
}

// NewScheduler creates a scheduler; a non-positive interval means DefaultSampleInterval.
func NewScheduler(interval time.Duration, s *quality.Sampler, a *quality.Analyzer) *Scheduler {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	return &Scheduler{Interval: interval, Sampler: s, Analyzer: a}
}

// Start begins sampling src. onVerdict runs on every scored tick; onAccept
// runs once, for the first acceptable verdict, after the run has stopped.
func (s *Scheduler) Start(src camera.FrameSource, onVerdict func(model.Verdict), onAccept func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrSchedulerRunning
	}
	s.running = true
	s.quit = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(src, s.quit, s.done, onVerdict, onAccept)
	return nil
}

// Stop ends the current run. It is a no-op when nothing is running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		close(s.quit)
		s.running = false
	}
}

// Running reports whether a run is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Done is closed when the latest run's goroutine has returned.
func (s *Scheduler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		c := make(chan struct{})
		close(c)
		return c
	}
	return s.done
}

// halt stops the run owning quit. Only the caller that actually stops it
// gets true, so the accept and error paths fire at most once.
func (s *Scheduler) halt(quit chan struct{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.quit != quit {
		return false
	}
	close(quit)
	s.running = false
	return true
}

func (s *Scheduler) loop(src camera.FrameSource, quit, done chan struct{}, onVerdict func(model.Verdict), onAccept func()) {
	defer close(done)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for tick := 1; ; tick++ {
		select {
		case <-quit:
			return
		case <-ticker.C:
		}

		sample, err := s.Sampler.Sample(src)
		if errors.Is(err, quality.ErrSourceNotReady) {
			slog.Debug("frame source not ready, skipping tick", "tick", tick)
			continue
		}
		if err != nil {
			if s.halt(quit) && s.OnError != nil {
				s.OnError(err)
			}
			return
		}

		v := s.Analyzer.Score(sample)
		if stopped(quit) {
			return
		}
		if onVerdict != nil {
			onVerdict(v)
		}
		if !v.Acceptable {
			continue
		}
		if s.halt(quit) {
			slog.Debug("frame accepted", "tick", tick, "brightness", v.BrightnessMean)
			if onAccept != nil {
				onAccept()
			}
		}
		return
	}
}

func stopped(quit chan struct{}) bool {
	select {
	case <-quit:
		return true
	default:
		return false
	}
}
