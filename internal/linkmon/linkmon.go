// Package linkmon watches kernel link-state transitions for the front-panel
// ports of the switch and feeds them to the forwarding core.
package linkmon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gobwas/glob"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/fibrelane/asicd/internal/hal"
)

// Event is one link-state transition of a mapped port.
type Event struct {
	// Port is the front-panel port the link belongs to.
	Port hal.PortID
	// Up reports whether the link carrier came up or went down.
	Up bool
}

// Option is a function that configures the monitor.
type Option func(*options)

// WithLog configures the monitor with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithLinkPatterns restricts the monitor to interfaces whose names match any
// of the given glob patterns.
func WithLinkPatterns(patterns []string) Option {
	return func(o *options) {
		o.Patterns = patterns
	}
}

type options struct {
	Log      *zap.SugaredLogger
	Patterns []string
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// Monitor subscribes to kernel link updates and publishes carrier transitions
// of mapped ports into the event channel.
//
// Consumption order is preserved: the agent's run loop drains the channel on
// the same thread that applies forwarding state.
type Monitor struct {
	log       *zap.SugaredLogger
	ports     map[string]hal.PortID
	filters   []glob.Glob
	events    chan<- Event
	lastState map[string]bool
}

// NewMonitor creates a link monitor over the interface-to-port mapping.
func NewMonitor(ports map[string]hal.PortID, events chan<- Event, options ...Option) (*Monitor, error) {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	filters := make([]glob.Glob, 0, len(opts.Patterns))
	for _, pattern := range opts.Patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("failed to compile link pattern %q: %w", pattern, err)
		}
		filters = append(filters, g)
	}

	return &Monitor{
		log:       opts.Log,
		ports:     ports,
		filters:   filters,
		events:    events,
		lastState: map[string]bool{},
	}, nil
}

// Run runs the monitor until the specified context is canceled, resubscribing
// with exponential backoff if the kernel closes the update channel.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Debugf("starting link monitor")
	defer m.log.Debugf("stopped link monitor")

	bo := backoff.ExponentialBackOff{
		InitialInterval:     backoff.DefaultInitialInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         time.Minute,
	}
	bo.Reset()

	for {
		err := m.subscribe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := bo.NextBackOff()
		m.log.Warnw("link subscription lost, resubscribing",
			zap.Error(err),
			zap.Duration("backoff", wait),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (m *Monitor) subscribe(ctx context.Context) error {
	updates := make(chan netlink.LinkUpdate, 16)
	done := make(chan struct{})
	defer close(done)

	if err := netlink.LinkSubscribe(updates, done); err != nil {
		return fmt.Errorf("failed to subscribe to link updates: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return errors.New("link update channel closed")
			}
			m.processUpdate(ctx, update)
		}
	}
}

func (m *Monitor) processUpdate(ctx context.Context, update netlink.LinkUpdate) {
	attrs := update.Link.Attrs()
	name := attrs.Name
	if !m.match(name) {
		return
	}

	port, ok := m.ports[name]
	if !ok {
		m.log.Debugw("link has no port mapping", zap.String("link", name))
		return
	}

	up := update.IfInfomsg.Flags&unix.IFF_RUNNING != 0
	if last, seen := m.lastState[name]; seen && last == up {
		return
	}
	m.lastState[name] = up

	m.log.Infow("link state changed",
		zap.String("link", name),
		zap.Int32("port", int32(port)),
		zap.Bool("up", up),
	)
	select {
	case m.events <- Event{Port: port, Up: up}:
	case <-ctx.Done():
	}
}

func (m *Monitor) match(name string) bool {
	if len(m.filters) == 0 {
		return true
	}
	for _, g := range m.filters {
		if g.Match(name) {
			return true
		}
	}
	return false
}
