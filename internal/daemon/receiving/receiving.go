// Package receiving implements the single-worker receiving daemon: it polls
// the catalog for this agent's processed cases, downloads and unpacks the
// result archive, invokes the application's receive plug-in, and commits
// the case to "received" (spec §4.F).
package receiving

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gridagent/agent/internal/blobstore"
	"github.com/gridagent/agent/internal/catalog"
	"github.com/gridagent/agent/internal/events"
	"github.com/gridagent/agent/internal/gridagent/apperr"
	"github.com/gridagent/agent/internal/platform/logger"
	"github.com/gridagent/agent/internal/plugin"
)

// Identity is this agent's (user_group, instance, user, machine) tuple.
// user_group/instance scope every catalog query to this agent's configured
// grid; user/machine further narrow it to cases this agent originated.
type Identity struct {
	UserGroup string
	Instance  string
	User      string
	Machine   string
}

func (id Identity) scope() catalog.Scope {
	return catalog.Scope{UserGroup: id.UserGroup, Instance: id.Instance}
}

// Config carries the receiving daemon's tunables — defaults match spec §6's
// timing constants.
type Config struct {
	IdlePause    time.Duration // subdivides the idle sleep so shutdown is observed promptly (default daemon_pause, 2s)
	IdleInterval time.Duration // how long to sleep when no processed case is found (default 30s)
}

func DefaultConfig() Config {
	return Config{IdlePause: 2 * time.Second, IdleInterval: 30 * time.Second}
}

// Daemon is one agent's receiving loop.
type Daemon struct {
	cfg        Config
	identity   Identity
	cat        catalog.Catalog
	store      *blobstore.Store
	trampoline *plugin.Trampoline
	bus        events.Bus
	log        *logger.Logger

	// ReceivableApplications returns the set of applications with a local
	// `receive` entry point; queried fresh every tick so capability
	// live-reload takes effect without a restart.
	ReceivableApplications func() []string
}

func New(cfg Config, identity Identity, cat catalog.Catalog, store *blobstore.Store, trampoline *plugin.Trampoline, bus events.Bus, log *logger.Logger, receivable func() []string) *Daemon {
	if log != nil {
		log = log.With("component", "ReceivingDaemon")
	}
	return &Daemon{
		cfg:                    cfg,
		identity:               identity,
		cat:                    cat,
		store:                  store,
		trampoline:             trampoline,
		bus:                    bus,
		log:                    log,
		ReceivableApplications: receivable,
	}
}

// Run blocks until ctx is done or receive reports a fatal condition. When
// no processed case is found it sleeps cfg.IdleInterval, checking ctx every
// cfg.IdlePause.
func (d *Daemon) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		apps := d.ReceivableApplications()
		if len(apps) == 0 {
			if !d.sleepInterruptible(ctx, d.cfg.IdleInterval) {
				return
			}
			continue
		}

		c, ok, err := d.cat.FindMyProcessed(ctx, d.identity.scope(), apps, d.identity.User, d.identity.Machine)
		if err != nil {
			d.warn("find my processed failed", "error", err)
			if !d.sleepInterruptible(ctx, d.cfg.IdleInterval) {
				return
			}
			continue
		}
		if !ok {
			if !d.sleepInterruptible(ctx, d.cfg.IdleInterval) {
				return
			}
			continue
		}

		if fatal := d.receive(ctx, c); fatal {
			return
		}
	}
}

func (d *Daemon) warn(msg string, keysAndValues ...interface{}) {
	if d.log != nil {
		d.log.Warn(msg, keysAndValues...)
	}
}

func (d *Daemon) sleepInterruptible(ctx context.Context, total time.Duration) bool {
	elapsed := time.Duration(0)
	for elapsed < total {
		step := d.cfg.IdlePause
		if remaining := total - elapsed; remaining < step {
			step = remaining
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(step):
			elapsed += step
		}
	}
	return true
}

// receive processes one case and reports whether the daemon must now
// terminate: the blob store root disappearing (step 5) and a plug-in
// contract violation in receive (step 6) are both fatal to this daemon,
// while other failures continue the loop.
func (d *Daemon) receive(ctx context.Context, c *catalog.Case) (fatal bool) {
	if err := d.store.CheckReachable(); err != nil {
		d.bus.Publish(ctx, events.Event{Kind: events.KindCritical, Message: "blob store root unreachable", CaseID: c.ID})
		return true
	}

	exists, err := d.store.Exists(c.Path)
	if err != nil {
		d.warn("stat result archive failed", "error", err, "case_id", c.ID)
		return false
	}
	if !exists {
		if err := d.cat.MarkTerminal(ctx, c.ID, catalog.NewErrorStatus(apperr.ErrFileOutputNotFound.Error())); err != nil {
			d.warn("mark file output not found failed", "error", err, "case_id", c.ID)
		}
		return false
	}

	scratch, err := os.MkdirTemp("", "gridagent-receive-*")
	if err != nil {
		d.warn("create scratch directory failed", "error", err, "case_id", c.ID)
		return false
	}
	defer os.RemoveAll(scratch)

	archiveCopy := filepath.Join(scratch, "archive.zip")
	if err := d.copyArchiveLocally(ctx, c.Path, archiveCopy); err != nil {
		d.warn("copy result archive failed", "error", err, "case_id", c.ID)
		return false
	}

	outputs, err := blobstore.Unpack(archiveCopy, scratch)
	if err != nil {
		d.warn("unpack result archive failed", "error", err, "case_id", c.ID)
		return false
	}
	// The plug-in must see only the unpacked payload, matching §4.B's
	// "the archive is deleted before the plug-in is invoked".
	_ = os.Remove(archiveCopy)

	if err := d.trampoline.Receive(ctx, c.Application, outputs); err != nil {
		d.bus.Publish(ctx, events.Event{Kind: events.KindError, Message: err.Error(), CaseID: c.ID})
		return true
	}

	if err := d.cat.CommitReceived(ctx, c.ID); err != nil {
		d.warn("commit received failed", "error", err, "case_id", c.ID)
		return false
	}
	if err := d.store.Remove(c.Path); err != nil {
		d.warn("remove result archive failed", "error", err, "case_id", c.ID)
	}
	d.bus.Publish(ctx, events.Event{Kind: events.KindMyProcessRemoved, CaseID: c.ID})
	return false
}

func (d *Daemon) copyArchiveLocally(ctx context.Context, relPath, destPath string) error {
	src, err := d.store.Open(relPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(destPath)
	if err != nil {
		return apperr.New(apperr.ClassTransientIO, "create local archive copy", err)
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}
