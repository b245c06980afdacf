package conditions

import (
	"context"
	"net"
	"strings"
	"time"

	logx "bgwork/pkg/logx"
)

// ProbeConfig configures the connectivity probe.
type ProbeConfig struct {
	// Addr is a host:port dialed over TCP. Empty disables probing.
	Addr     string
	Interval time.Duration
	Timeout  time.Duration
}

func (c ProbeConfig) withDefaults() ProbeConfig {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	return c
}

// Dialer is the subset of net.Dialer the probe uses.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Probe drives Monitor.SetConnected from periodic TCP dials.
type Probe struct {
	cfg    ProbeConfig
	mon    *Monitor
	dialer Dialer
	log    logx.Logger
}

func NewProbe(cfg ProbeConfig, mon *Monitor, log logx.Logger) *Probe {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Probe{cfg: cfg.withDefaults(), mon: mon, dialer: &net.Dialer{}, log: log}
}

// Enabled reports whether an address is configured.
func (p *Probe) Enabled() bool { return strings.TrimSpace(p.cfg.Addr) != "" }

// Check dials once and updates the monitor.
func (p *Probe) Check(ctx context.Context) bool {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	conn, err := p.dialer.DialContext(cctx, "tcp", strings.TrimSpace(p.cfg.Addr))
	ok := err == nil
	if conn != nil {
		_ = conn.Close()
	}
	if !ok && ctx.Err() == nil {
		p.log.Debug("connectivity probe failed", logx.String("addr", p.cfg.Addr), logx.Err(err))
	}
	if ctx.Err() == nil {
		p.mon.SetConnected(ok)
	}
	return ok
}

// Run checks immediately and then every Interval until ctx is done.
func (p *Probe) Run(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	p.log.Info("connectivity probe started", logx.String("addr", p.cfg.Addr), logx.Duration("every", p.cfg.Interval))
	t := time.NewTicker(p.cfg.Interval)
	defer t.Stop()
	for {
		p.Check(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
