package manager

import (
	"context"
	"time"

	"github.com/loykin/aiengine/internal/channel"
	"github.com/loykin/aiengine/internal/errs"
	"github.com/loykin/aiengine/internal/health"
	"github.com/loykin/aiengine/internal/metrics"
	"github.com/loykin/aiengine/internal/rpc"
)

const msgMaxRestarts = "max restart attempts exceeded"

func (s *Supervisor) startLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	s.loopCancel, s.loopDone = cancel, done
	s.mu.Unlock()
	go s.superviseLoop(ctx, done)
}

// haltLoop cancels the restart loop and waits for it to return.
func (s *Supervisor) haltLoop() {
	s.mu.Lock()
	cancel, done := s.loopCancel, s.loopDone
	s.loopCancel, s.loopDone = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// superviseLoop detects a dead worker on every poll tick, or as soon as its
// channel is torn down, and drives the restart policy.
func (s *Supervisor) superviseLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(s.cfg.RestartPollInterval)
	defer t.Stop()

	var watched *channel.Channel
	for {
		s.mu.Lock()
		ch := s.ch
		s.mu.Unlock()
		var chDone <-chan struct{}
		if ch != nil && ch != watched {
			chDone = ch.Done()
		}

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		case <-chDone:
			watched = ch
		}
		if ctx.Err() != nil {
			return
		}
		if ch != nil && ch.IsProcessRunning() {
			if !isClosed(ch.Done()) || s.killStranded(ch) {
				continue
			}
		}
		if !s.recoverCrash(ctx) {
			return
		}
	}
}

// killStranded kills a worker whose channel is gone but whose process is
// still alive, and reports whether it survived the kill.
func (s *Supervisor) killStranded(ch *channel.Channel) bool {
	s.mu.Lock()
	p := s.proc
	current := s.ch == ch
	s.mu.Unlock()
	if !current || p == nil {
		return false
	}
	s.log.Warn("worker output closed while the process is alive, killing worker",
		"pid", p.PID(), "err", ch.Err())
	_ = p.Kill()
	return !p.Wait(killWait)
}

func isClosed(c <-chan struct{}) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}

// recoverCrash handles one detected crash and reports whether supervision
// should continue.
func (s *Supervisor) recoverCrash(ctx context.Context) bool {
	s.mu.Lock()
	ch, p := s.ch, s.proc
	s.mu.Unlock()

	reason := "worker not running"
	if p != nil {
		reason = p.Describe()
	}

	s.mu.Lock()
	n := s.attempts + 1
	s.attempts = n
	s.unhealthy = 0
	s.setLocked(ProcessCrashed, "", reason, n)
	s.ch, s.proc = nil, nil
	s.mu.Unlock()
	releaseCycle(ch, p)

	if n > s.cfg.MaxRestartAttempts {
		s.mu.Lock()
		s.setLocked(Error, msgMaxRestarts, msgMaxRestarts, n)
		s.mu.Unlock()
		s.monitor.Stop()
		return false
	}

	delay := s.cfg.Backoff(n)
	s.mu.Lock()
	s.setLocked(Restarting, "", "restarting engine in "+delay.String(), n)
	s.mu.Unlock()
	metrics.IncRestart()

	t := time.NewTimer(delay)
	select {
	case <-ctx.Done():
		t.Stop()
		return false
	case <-t.C:
	}

	if err := s.spawn(ctx); err != nil {
		if ctx.Err() != nil {
			return false
		}
		s.mu.Lock()
		s.setLocked(Error, err.Error(), "restart failed", n)
		s.mu.Unlock()
		return errs.KindOf(err) != errs.KindConfiguration
	}
	s.mu.Lock()
	s.setLocked(Ready, "", "engine restarted", n)
	s.mu.Unlock()
	return true
}

// OnHealthResult turns monitor verdicts into status changes. A dead worker
// is left to the restart loop so a crash is only ever counted once.
func (s *Supervisor) OnHealthResult(r health.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status.State
	if st != Ready && st != HealthCheckFailed {
		return
	}
	if r.Healthy {
		s.unhealthy = 0
		if st == HealthCheckFailed {
			s.setLocked(Ready, "", "health restored", 0)
		}
		return
	}
	if r.Error == health.MsgNotRunning {
		return
	}
	s.unhealthy++
	if st == Ready {
		s.setLocked(HealthCheckFailed, "", r.Error, 0)
	}
	if th := s.cfg.HealthFailureThreshold; th > 0 && s.unhealthy >= th && s.proc != nil {
		s.log.Warn("worker unresponsive, killing", "failures", s.unhealthy, "pid", s.proc.PID())
		s.unhealthy = 0
		if err := s.proc.Kill(); err != nil {
			s.log.Warn("kill failed", "error", err)
		}
	}
}

// probe points the health monitor at whichever channel is current.
type probe struct{ s *Supervisor }

func (p probe) current() *channel.Channel {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	return p.s.ch
}

func (p probe) IsProcessRunning() bool {
	ch := p.current()
	return ch != nil && ch.IsProcessRunning()
}

func (p probe) SendRequest(ctx context.Context, method string, params any, timeout time.Duration) (*rpc.Response, error) {
	ch := p.current()
	if ch == nil {
		return nil, errs.Newf(errs.KindCommunication, "health probe", "no worker")
	}
	return ch.SendRequest(ctx, method, params, timeout)
}
