package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Replayer führt einen Replay-Durchlauf aus
type Replayer interface {
	ReplayPending(ctx context.Context) (*Summary, error)
}

// Scheduler startet Replay-Durchläufe periodisch und auf Anforderung (z.B. wenn
// die Verbindung zurückkehrt)
type Scheduler struct {
	replayer  Replayer
	interval  time.Duration
	onStartup bool
	triggerCh chan string
	stopCh    chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	mutex     sync.Mutex
}

// NewScheduler erstellt einen neuen Scheduler; interval <= 0 deaktiviert den Timer
func NewScheduler(replayer Replayer, interval time.Duration, onStartup bool) *Scheduler {
	return &Scheduler{
		replayer:  replayer,
		interval:  interval,
		onStartup: onStartup,
		triggerCh: make(chan string, 1),
	}
}

// Start startet den Scheduler
func (s *Scheduler) Start() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.loop(ctx)

	log.Infof("Replay scheduler started (interval %s, on startup %t)", s.interval, s.onStartup)
}

// Stop stoppt den Scheduler und bricht einen laufenden Durchlauf ab
func (s *Scheduler) Stop() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.running {
		return
	}

	close(s.stopCh)
	s.cancel()
	s.wg.Wait()
	s.running = false

	log.Info("Replay scheduler stopped")
}

// Trigger fordert einen Durchlauf an, ohne zu blockieren. Liegt bereits eine
// Anforderung vor, wird die neue verworfen.
func (s *Scheduler) Trigger(reason string) bool {
	select {
	case s.triggerCh <- reason:
		return true
	default:
		return false
	}
}

// loop ist die Hauptschleife des Schedulers
func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	var tick <-chan time.Time
	if s.interval > 0 {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	// Beim Start einmal sofort ausführen
	if s.onStartup {
		s.runOnce(ctx, "startup")
	}

	for {
		select {
		case <-tick:
			s.runOnce(ctx, "interval")
		case reason := <-s.triggerCh:
			s.runOnce(ctx, reason)
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, reason string) {
	summary, err := s.replayer.ReplayPending(ctx)
	if err != nil {
		if errors.Is(err, ErrReplayRunning) {
			log.Debugf("Replay (%s) skipped, another pass is running", reason)
			return
		}
		log.WithError(err).Errorf("Replay (%s) failed", reason)
		return
	}
	log.Infof("Replay (%s): %s", reason, summary.Message)
}
