package manager

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/tidwall/gjson"

	"github.com/loykin/aiengine/internal/channel"
	"github.com/loykin/aiengine/internal/env"
	"github.com/loykin/aiengine/internal/errs"
	"github.com/loykin/aiengine/internal/metrics"
	"github.com/loykin/aiengine/internal/process"
	"github.com/loykin/aiengine/internal/rpc"
)

// readyProbeTimeout caps a single status request during startup.
const readyProbeTimeout = time.Second

// spawn runs one cycle: validate, start the worker, bind a channel and wait
// for readiness. On failure nothing of the cycle is left behind.
func (s *Supervisor) spawn(ctx context.Context) error {
	const op = "spawn"
	if err := s.cfg.Validate(); err != nil {
		return errs.New(errs.KindConfiguration, op, err)
	}

	base := env.New()
	base.FromOS()
	spec := process.Spec{
		Name:    workerName,
		Argv:    s.cfg.Command(),
		WorkDir: s.cfg.WorkingDirectory,
		Env:     base.Merge(s.cfg.Environment, s.log),
	}
	if s.stderr != nil {
		spec.StderrLog = s.stderr
	}

	begin := time.Now()
	p, err := process.Start(spec, s.log)
	metrics.IncSpawn(err == nil)
	if err != nil {
		return errs.New(errs.KindProcessSpawn, op, err)
	}
	ch := channel.New(p.Stdin(), p.Stdout(), p,
		channel.WithLogger(s.log),
		channel.WithTracer(s.tracer),
		channel.WithNotificationHandler(s.handleNotification))

	s.mu.Lock()
	s.proc, s.ch = p, ch
	s.mu.Unlock()

	if err := s.waitReady(ctx, ch, p); err != nil {
		s.mu.Lock()
		if s.ch == ch {
			s.ch, s.proc = nil, nil
		}
		s.mu.Unlock()
		releaseCycle(ch, p)
		return err
	}
	metrics.ObserveStartup(time.Since(begin).Seconds())
	s.log.Info("worker ready", "pid", p.PID(), "elapsed", time.Since(begin))
	return nil
}

// waitReady polls the status method until the worker reports ready, the
// startup timeout elapses or the worker goes away.
func (s *Supervisor) waitReady(ctx context.Context, ch *channel.Channel, p *process.Process) error {
	const op = "wait ready"
	deadline := time.Now().Add(s.cfg.StartupTimeout)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return errs.Newf(errs.KindStartupFailed, op, "worker not ready after %s", s.cfg.StartupTimeout)
		}
		resp, err := ch.SendRequest(ctx, rpc.MethodStatus, nil, min(left, max(readyProbeTimeout, s.cfg.ReadyPollInterval)))
		switch {
		case err == nil && resp.Error == nil && isReady(resp.Result):
			return nil
		case err != nil && isStartupAbort(err):
			return err
		case errors.Is(err, errs.ErrCommunication):
			// stdout closes slightly before the worker is reaped
			p.Wait(200 * time.Millisecond)
			return errs.Newf(errs.KindStartupFailed, op, "%s", p.Describe())
		case err == nil && resp.Error != nil:
			s.log.Debug("status probe returned an error", "error", resp.Error)
		}

		t := time.NewTimer(min(s.cfg.ReadyPollInterval, max(time.Until(deadline), 0)))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// isReady accepts both the bare "ready" string and {"status":"ready"}.
func isReady(result json.RawMessage) bool {
	r := gjson.ParseBytes(result)
	switch {
	case r.Type == gjson.String:
		return r.String() == "ready"
	case r.IsObject():
		return r.Get("status").String() == "ready"
	}
	return false
}
