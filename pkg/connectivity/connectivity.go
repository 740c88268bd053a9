// Package connectivity provides the coarse online/offline signal used by the agent.
//
// The signal only tells whether the network looks usable at all. It does not
// tell whether a particular origin is reachable, so a request made while
// "online" may still fail.
package connectivity

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Signal reports whether the network is believed to be available.
type Signal interface {
	Online() bool
}

// Flag is a manually set Signal.
type Flag struct {
	online atomic.Bool
}

func NewFlag(online bool) *Flag {
	f := &Flag{}
	f.online.Store(online)
	return f
}

func (f *Flag) Online() bool {
	return f.online.Load()
}

// Set stores the new state and returns the previous one.
func (f *Flag) Set(online bool) bool {
	return f.online.Swap(online)
}

// Probe periodically dials a TCP address and records the result in a Flag.
// Set forces the signal until Auto is called; probing goes on but is not recorded meanwhile.
type Probe struct {
	*Flag

	// Address to dial, host:port.
	Address string
	// Time between probes.
	Interval time.Duration
	// Dial timeout. Defaults to the interval.
	Timeout time.Duration
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger

	dial     func(ctx context.Context, network, address string) (net.Conn, error)
	override atomic.Pointer[bool]
}

// NewProbe creates a probe for the address. The probe starts out online.
func NewProbe(address string, interval time.Duration) *Probe {
	return &Probe{
		Flag:     NewFlag(true),
		Address:  address,
		Interval: interval,
		dial:     (&net.Dialer{}).DialContext,
	}
}

// Set forces the signal to the given state and returns the previous one.
func (p *Probe) Set(online bool) bool {
	p.override.Store(&online)
	return p.Flag.Set(online)
}

// Auto drops a state forced with Set. The next Check records the dial result again.
func (p *Probe) Auto() {
	p.override.Store(nil)
}

// Forced reports whether the state was forced with Set.
func (p *Probe) Forced() bool {
	return p.override.Load() != nil
}

// Check dials the address once and reports whether it was reachable.
// The result updates the flag unless the state is forced.
func (p *Probe) Check(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout == 0 {
		timeout = p.Interval
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	online := false
	conn, err := p.dial(ctx, "tcp", p.Address)
	if err == nil {
		online = true
		conn.Close()
	}
	if p.Forced() {
		return online
	}
	if was := p.Flag.Set(online); was != online {
		logger := p.logger()
		if online {
			logger.Info().Str("address", p.Address).Msg("Network is back online")
		} else {
			logger.Warn().Err(err).Str("address", p.Address).Msg("Network is offline")
		}
	}
	return online
}

// Run checks the address every interval until the context is done.
func (p *Probe) Run(ctx context.Context) {
	p.logger().Info().Str("address", p.Address).Msgf("Starting connectivity probe with interval %s", p.Interval)
	t := time.NewTicker(p.Interval)
	defer t.Stop()
	p.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.Check(ctx)
		}
	}
}

func (p *Probe) logger() *zerolog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return &log.Logger
}
