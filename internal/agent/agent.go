// Package agent wires the forwarding core to its collaborators: the hardware
// backend, the warm boot cache, the link-state monitor and snapshot
// persistence.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fibrelane/asicd/internal/forward"
	"github.com/fibrelane/asicd/internal/hal"
	"github.com/fibrelane/asicd/internal/linkmon"
	"github.com/fibrelane/asicd/internal/warmboot"
)

// Agent owns one ASIC unit's host table and serializes everything that
// mutates it: link events and snapshot writes are handled on a single run
// loop, so the table itself needs no locking.
type Agent struct {
	cfg      *Config
	log      *zap.SugaredLogger
	h        hal.HAL
	table    *forward.Table
	warmBoot *warmboot.Cache
	monitor  *linkmon.Monitor
	events   chan linkmon.Event
}

// New creates an agent over the given hardware backend, loading the warm boot
// snapshot of the previous run if one exists.
func New(cfg *Config, h hal.HAL, log *zap.SugaredLogger) (*Agent, error) {
	wb, err := warmboot.LoadFile(cfg.Snapshot.Path, cfg.Snapshot.MaxSize, warmboot.WithLog(log))
	if err != nil {
		return nil, fmt.Errorf("failed to load warm boot state: %w", err)
	}

	table := forward.NewTable(h,
		forward.WithLog(log),
		forward.WithWarmBootCache(wb),
	)

	events := make(chan linkmon.Event, 64)
	monitor, err := linkmon.NewMonitor(cfg.LinkMonitor.PortMap, events,
		linkmon.WithLog(log),
		linkmon.WithLinkPatterns(cfg.LinkMonitor.Links),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize link monitor: %w", err)
	}

	return &Agent{
		cfg:      cfg,
		log:      log,
		h:        h,
		table:    table,
		warmBoot: wb,
		monitor:  monitor,
		events:   events,
	}, nil
}

// Table returns the host table. Callers must drive it from the agent's
// serialization domain only.
func (m *Agent) Table() *forward.Table {
	return m.table
}

// FinishWarmBoot scrubs from hardware whatever the reapplied state did not
// claim. Run invokes it once on startup; callers that apply state before Run
// have their claims honored by then.
func (m *Agent) FinishWarmBoot() error {
	leftovers := m.warmBoot.Len()
	if err := m.warmBoot.Clear(m.h); err != nil {
		return err
	}
	if leftovers > 0 {
		m.log.Infow("scrubbed unclaimed warm boot entries", zap.Int("count", leftovers))
	}
	return nil
}

// Run runs the agent until the specified context is canceled, then writes a
// final snapshot so the next process can warm boot. Previous-run state still
// unclaimed at this point is scrubbed before any event is handled.
func (m *Agent) Run(ctx context.Context) error {
	if err := m.FinishWarmBoot(); err != nil {
		return err
	}

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return m.monitor.Run(ctx)
	})
	wg.Go(func() error {
		return m.run(ctx)
	})

	err := wg.Wait()
	if snapErr := m.writeSnapshot(); snapErr != nil {
		m.log.Errorw("failed to write final snapshot", zap.Error(snapErr))
	}
	return err
}

func (m *Agent) run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Snapshot.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-m.events:
			if err := m.table.OnLinkStateChange(event.Port, event.Up); err != nil {
				if forward.IsInvariant(err) {
					return err
				}
				m.log.Errorw("failed to apply link state change",
					zap.Int32("port", int32(event.Port)),
					zap.Bool("up", event.Up),
					zap.Error(err),
				)
			}
		case <-ticker.C:
			if err := m.writeSnapshot(); err != nil {
				m.log.Errorw("failed to write snapshot", zap.Error(err))
			}
		}
	}
}

// writeSnapshot dumps the table state and replaces the snapshot file
// atomically, so a crash mid-write never truncates the previous snapshot.
func (m *Agent) writeSnapshot() error {
	snap := m.table.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	path := m.cfg.Snapshot.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}

	stats := m.table.Stats()
	m.log.Debugw("wrote snapshot",
		zap.String("path", path),
		zap.Int("hosts", stats.Hosts),
		zap.Int("ecmp_hosts", stats.EcmpHosts),
		zap.Int("egress_objects", stats.Egress),
	)
	return nil
}
