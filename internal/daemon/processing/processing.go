// Package processing implements the processing daemon: the supervisory
// loop that reconciles a local worker pool against a shared
// desired-concurrency knob, keeps the catalog apprised of liveness, and
// acquires cases to feed idle workers (spec §4.G). It is the heart of the
// agent.
package processing

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gridagent/agent/internal/blobstore"
	"github.com/gridagent/agent/internal/catalog"
	"github.com/gridagent/agent/internal/events"
	"github.com/gridagent/agent/internal/gridagent/apperr"
	"github.com/gridagent/agent/internal/platform/logger"
	"github.com/gridagent/agent/internal/plugin"
)

// Identity is this agent's (user_group, instance, user, machine) tuple.
// user/machine are attached to every attempt this agent records;
// user_group/instance scope every catalog query this daemon makes so two
// agents pointed at the same catalog but configured with a different
// group or instance never claim, heartbeat, or recover each other's cases
// (spec §3: "all queries are scoped by this pair").
type Identity struct {
	UserGroup string
	Instance  string
	User      string
	Machine   string
}

func (id Identity) scope() catalog.Scope {
	return catalog.Scope{UserGroup: id.UserGroup, Instance: id.Instance}
}

// Config carries the processing daemon's tunables, matching spec §6's
// default timing constants.
type Config struct {
	DaemonPause        time.Duration // tick interval (default 2s)
	HeartbeatFrequency time.Duration // db_heartbeat_frequency: how often alive workers get a fresh heartbeat (default 60s)
	DeadThreshold      time.Duration // how stale a peer's heartbeat must be before claim_stalled reclaims it (default heartbeat_frequency + 60s)
	NoCaseCooldown     time.Duration // how long to wait after an empty catalog before acquiring again (default 30s)
}

func DefaultConfig() Config {
	return Config{
		DaemonPause:        2 * time.Second,
		HeartbeatFrequency: 60 * time.Second,
		DeadThreshold:      120 * time.Second,
		NoCaseCooldown:     30 * time.Second,
	}
}

// workerHandle tracks one in-flight case's worker process. worker is
// non-nil only while the process plug-in invocation is actually running
// (step 3 of the single-case pipeline); it is nil during unpack/pack, so
// Pause/Resume on a handle mid-unpack is a harmless no-op.
type workerHandle struct {
	caseID  string
	app     string
	started time.Time
	cancel  context.CancelFunc
	done    chan struct{}

	mu                sync.Mutex
	worker            *plugin.Worker
	lastHeartbeatSent time.Time
}

func (h *workerHandle) pause() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.worker == nil {
		return nil
	}
	return h.worker.Pause()
}

func (h *workerHandle) resume() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.worker == nil {
		return nil
	}
	return h.worker.Resume()
}

func (h *workerHandle) terminate() {
	h.mu.Lock()
	w := h.worker
	h.mu.Unlock()
	if w != nil {
		_ = w.Terminate()
	}
	h.cancel()
}

func (h *workerHandle) setWorker(w *plugin.Worker) {
	h.mu.Lock()
	h.worker = w
	h.mu.Unlock()
}

func (h *workerHandle) heartbeatDue(now time.Time, freq time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return now.Sub(h.lastHeartbeatSent) > freq
}

func (h *workerHandle) markHeartbeatSent(now time.Time) {
	h.mu.Lock()
	h.lastHeartbeatSent = now
	h.mu.Unlock()
}

// Daemon is one agent's processing supervisor.
type Daemon struct {
	cfg        Config
	identity   Identity
	cat        catalog.Catalog
	store      *blobstore.Store
	trampoline *plugin.Trampoline
	bus        events.Bus
	log        *logger.Logger
	desired    *Concurrency

	// ProcessableApplications returns the set of applications with a local
	// `process` entry point; queried fresh every acquisition pass so
	// capability live-reload takes effect without a restart.
	ProcessableApplications func() []string

	mu               sync.Mutex
	order            []string // case ids in spawn order, oldest first
	alive            map[string]*workerHandle
	paused           map[string]*workerHandle
	lastAccessNoCase time.Time

	fatalOnce sync.Once
	fatalCh   chan struct{}
}

func New(cfg Config, identity Identity, cat catalog.Catalog, store *blobstore.Store, trampoline *plugin.Trampoline, bus events.Bus, desired *Concurrency, log *logger.Logger, processable func() []string) *Daemon {
	if log != nil {
		log = log.With("component", "ProcessingDaemon")
	}
	return &Daemon{
		cfg:                     cfg,
		identity:                identity,
		cat:                     cat,
		store:                   store,
		trampoline:              trampoline,
		bus:                     bus,
		log:                     log,
		desired:                 desired,
		ProcessableApplications: processable,
		alive:                   make(map[string]*workerHandle),
		paused:                  make(map[string]*workerHandle),
		fatalCh:                 make(chan struct{}),
	}
}

func (d *Daemon) warn(msg string, keysAndValues ...interface{}) {
	if d.log != nil {
		d.log.Warn(msg, keysAndValues...)
	}
}

func (d *Daemon) signalFatal() {
	d.fatalOnce.Do(func() { close(d.fatalCh) })
}

// Run blocks until ctx is done or a fatal condition (blob store root
// unreachable) terminates the daemon, ticking every cfg.DaemonPause.
func (d *Daemon) Run(ctx context.Context) {
	if open, err := d.cat.FindMyOpenCases(ctx, d.identity.scope(), d.identity.User, d.identity.Machine); err == nil && len(open) > 0 {
		d.warn("cases submitted from this agent are currently processing",
			"count", len(open))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.fatalCh:
			return
		default:
		}

		d.reconcilePool(ctx)
		d.heartbeatPhase(ctx)
		d.acquirePhase(ctx)

		if !d.sleepInterruptible(ctx, d.cfg.DaemonPause) {
			return
		}
	}
}

func (d *Daemon) sleepInterruptible(ctx context.Context, total time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-d.fatalCh:
		return false
	case <-time.After(total):
		return true
	}
}

// reconcilePool is Phase 1: resize the worker pool toward desired
// concurrency, or negotiate a full shutdown when desired drops to zero.
func (d *Daemon) reconcilePool(ctx context.Context) {
	d.mu.Lock()
	running := len(d.alive)
	pausedCount := len(d.paused)
	desired := d.desired.Get()

	if desired == 0 && running+pausedCount > 0 {
		d.mu.Unlock()
		q := events.NewConfirmTerminate("desired concurrency dropped to zero while workers are running; terminate them?")
		d.bus.Publish(ctx, q)
		if !q.Answer(ctx.Done()) {
			d.desired.Set(1)
			return
		}
		d.mu.Lock()
		handles := d.allHandlesLocked()
		d.alive = make(map[string]*workerHandle)
		d.paused = make(map[string]*workerHandle)
		d.order = nil
		d.mu.Unlock()
		for _, h := range handles {
			h.terminate()
		}
		for _, h := range handles {
			<-h.done
		}
		return
	}

	if desired < running {
		n := running - desired
		ids := d.pickOldestLocked(d.alive, n)
		toPause := make([]*workerHandle, 0, len(ids))
		for _, id := range ids {
			h := d.alive[id]
			delete(d.alive, id)
			d.paused[id] = h
			toPause = append(toPause, h)
		}
		d.mu.Unlock()
		for _, h := range toPause {
			if err := h.pause(); err != nil {
				d.warn("pause worker failed", "error", err, "case_id", h.caseID)
			}
			d.bus.Publish(ctx, events.Event{Kind: events.KindMyProcessStatusChanged, CaseID: h.caseID, Status: "paused"})
		}
		return
	}

	if desired > running && pausedCount > 0 {
		n := desired - running
		if n > pausedCount {
			n = pausedCount
		}
		ids := d.pickOldestLocked(d.paused, n)
		toResume := make([]*workerHandle, 0, len(ids))
		for _, id := range ids {
			h := d.paused[id]
			delete(d.paused, id)
			d.alive[id] = h
			toResume = append(toResume, h)
		}
		d.mu.Unlock()
		for _, h := range toResume {
			if err := h.resume(); err != nil {
				d.warn("resume worker failed", "error", err, "case_id", h.caseID)
			}
			d.bus.Publish(ctx, events.Event{Kind: events.KindMyProcessStatusChanged, CaseID: h.caseID, Status: "processing"})
		}
		return
	}

	d.mu.Unlock()
}

func (d *Daemon) pickOldestLocked(m map[string]*workerHandle, n int) []string {
	if n <= 0 {
		return nil
	}
	out := make([]string, 0, n)
	for _, id := range d.order {
		if _, ok := m[id]; !ok {
			continue
		}
		out = append(out, id)
		if len(out) == n {
			break
		}
	}
	return out
}

func (d *Daemon) allHandlesLocked() []*workerHandle {
	out := make([]*workerHandle, 0, len(d.alive)+len(d.paused))
	for _, h := range d.alive {
		out = append(out, h)
	}
	for _, h := range d.paused {
		out = append(out, h)
	}
	return out
}

func (d *Daemon) removeFromOrderLocked(id string) {
	for i, oid := range d.order {
		if oid == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			return
		}
	}
}

// heartbeatPhase is Phase 2: refresh the catalog heartbeat for every
// running (not paused) worker whose local timestamp has gone stale.
// Exited workers remove themselves from alive synchronously (see
// finishWorker), so this phase never observes one.
func (d *Daemon) heartbeatPhase(ctx context.Context) {
	now := time.Now()
	d.mu.Lock()
	due := make([]*workerHandle, 0, len(d.alive))
	for _, h := range d.alive {
		if h.heartbeatDue(now, d.cfg.HeartbeatFrequency) {
			due = append(due, h)
		}
	}
	d.mu.Unlock()

	for _, h := range due {
		if err := d.cat.Heartbeat(ctx, h.caseID); err != nil {
			d.warn("heartbeat failed", "error", err, "case_id", h.caseID)
			continue
		}
		h.markHeartbeatSent(time.Now())
	}
}

// acquirePhase is Phase 3: claim work until the pool reaches parity with
// desired concurrency, or the catalog (restricted to this agent's
// currently-processable applications) has nothing left to offer.
func (d *Daemon) acquirePhase(ctx context.Context) {
	d.mu.Lock()
	running := len(d.alive) + len(d.paused)
	desired := d.desired.Get()
	onCooldown := time.Since(d.lastAccessNoCase) < d.cfg.NoCaseCooldown
	d.mu.Unlock()

	if desired <= running || onCooldown {
		return
	}

	apps := d.ProcessableApplications()
	if len(apps) == 0 {
		return
	}

	for {
		d.mu.Lock()
		running = len(d.alive) + len(d.paused)
		desired = d.desired.Get()
		d.mu.Unlock()
		if running >= desired {
			return
		}

		c, acquired, err := d.acquireOne(ctx, apps)
		if err != nil {
			d.warn("acquire case failed", "error", err)
			return
		}
		if !acquired {
			d.mu.Lock()
			d.lastAccessNoCase = time.Now()
			d.mu.Unlock()
			return
		}
		if c != nil {
			d.spawnWorker(ctx, c)
		}
		// c == nil && acquired means the claim was aborted for hitting the
		// 3-attempt ceiling; loop again without spawning a worker.
	}
}

// acquireOne performs one claim_stalled-then-claim_new attempt (spec
// §4.G Phase 3 steps 1-4). acquired=false means the catalog had nothing
// eligible; acquired=true with c==nil means a case was claimed and
// immediately aborted for exceeding the attempt ceiling.
func (d *Daemon) acquireOne(ctx context.Context, apps []string) (c *catalog.Case, acquired bool, err error) {
	before, ok, err := d.cat.ClaimStalled(ctx, d.identity.scope(), apps, d.cfg.DeadThreshold, d.identity.User, d.identity.Machine)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		before, ok, err = d.cat.ClaimNew(ctx, d.identity.scope(), apps, d.identity.User, d.identity.Machine)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, nil
		}
	}

	if before.AttemptCount() >= 3 {
		if err := d.cat.AbortAttempt(ctx, before.ID, catalog.NewErrorStatus(apperr.ErrTooManyAttempts.Error())); err != nil {
			d.warn("abort attempt failed", "error", err, "case_id", before.ID)
		}
		d.bus.Publish(ctx, events.Event{Kind: events.KindWarning, Message: apperr.ErrTooManyAttempts.Error(), CaseID: before.ID})
		return nil, true, nil
	}

	return before, true, nil
}

func (d *Daemon) spawnWorker(ctx context.Context, c *catalog.Case) {
	wctx, cancel := context.WithCancel(ctx)
	h := &workerHandle{
		caseID:            c.ID,
		app:               c.Application,
		started:           time.Now(),
		cancel:            cancel,
		done:              make(chan struct{}),
		lastHeartbeatSent: time.Now(),
	}

	d.mu.Lock()
	d.order = append(d.order, c.ID)
	d.alive[c.ID] = h
	d.mu.Unlock()

	d.bus.Publish(ctx, events.Event{Kind: events.KindMyProcessAdded, CaseID: c.ID})
	go d.runWorkerPipeline(wctx, h, c)
}

func (d *Daemon) finishWorker(caseID string) {
	d.mu.Lock()
	delete(d.alive, caseID)
	delete(d.paused, caseID)
	d.removeFromOrderLocked(caseID)
	d.mu.Unlock()
}

// runWorkerPipeline implements the single-case pipeline, spec §4.G.1.
func (d *Daemon) runWorkerPipeline(ctx context.Context, h *workerHandle, c *catalog.Case) {
	defer close(h.done)
	defer d.finishWorker(c.ID)
	defer d.bus.Publish(ctx, events.Event{Kind: events.KindMyProcessRemoved, CaseID: c.ID})

	exists, err := d.store.Exists(c.Path)
	if err != nil {
		d.warn("stat input archive failed", "error", err, "case_id", c.ID)
		return
	}
	if !exists {
		if err := d.store.CheckReachable(); err != nil {
			d.bus.Publish(ctx, events.Event{Kind: events.KindCritical, Message: "blob store root unreachable", CaseID: c.ID})
			d.signalFatal()
			return
		}
		if err := d.cat.MarkTerminal(ctx, c.ID, catalog.NewErrorStatus(apperr.ErrFileInputNotFound.Error())); err != nil {
			d.warn("mark file input not found failed", "error", err, "case_id", c.ID)
		}
		return
	}

	scratch, err := os.MkdirTemp("", "gridagent-process-*")
	if err != nil {
		d.warn("create scratch directory failed", "error", err, "case_id", c.ID)
		return
	}
	defer os.RemoveAll(scratch)

	archiveCopy := filepath.Join(scratch, "archive.zip")
	if err := d.copyArchiveLocally(c.Path, archiveCopy); err != nil {
		d.warn("copy input archive failed", "error", err, "case_id", c.ID)
		return
	}

	inputs, err := blobstore.Unpack(archiveCopy, scratch)
	if err != nil {
		d.warn("unpack input archive failed", "error", err, "case_id", c.ID)
		return
	}
	// The plug-in must see only the unpacked payload (spec §4.B).
	_ = os.Remove(archiveCopy)

	worker, err := d.trampoline.StartProcess(ctx, c.Application, inputs)
	if err != nil {
		d.bus.Publish(ctx, events.Event{Kind: events.KindError, Message: err.Error(), CaseID: c.ID})
		return
	}
	h.setWorker(worker)

	outputs, err := worker.Wait(c.Application)
	h.setWorker(nil)
	if err != nil {
		// An exception inside process_case is caught here, not propagated:
		// the case stays "processing" and is reclaimed by a peer (or this
		// agent) once its heartbeat goes stale, bounded by the 3-attempt
		// ceiling.
		d.bus.Publish(ctx, events.Event{Kind: events.KindWarning, Message: err.Error(), CaseID: c.ID})
		return
	}

	outArchive := filepath.Join(scratch, "outputs.zip")
	if err := d.packOutputs(outArchive, outputs); err != nil {
		d.warn("pack output archive failed", "error", err, "case_id", c.ID)
		return
	}

	resultsRel := filepath.Join(blobstore.ResultsDir(c.Origin.User, c.Origin.Machine), filepath.Base(c.Path))
	if err := d.putArchive(ctx, resultsRel, outArchive); err != nil {
		d.warn("store output archive failed", "error", err, "case_id", c.ID)
		return
	}

	if err := d.cat.CommitProcessed(ctx, c.ID, resultsRel); err != nil {
		d.warn("commit processed failed", "error", err, "case_id", c.ID)
		return
	}
	if err := d.store.Remove(c.Path); err != nil {
		d.warn("remove input archive failed", "error", err, "case_id", c.ID)
	}
}

func (d *Daemon) copyArchiveLocally(relPath, destPath string) error {
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

func (d *Daemon) packOutputs(archivePath string, outputs []string) error {
	f, err := os.Create(archivePath)
	if err != nil {
		return apperr.New(apperr.ClassTransientIO, "create output archive", err)
	}
	defer f.Close()
	return blobstore.Pack(f, outputs)
}

func (d *Daemon) putArchive(ctx context.Context, relPath, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return apperr.New(apperr.ClassTransientIO, "open output archive", err)
	}
	defer f.Close()
	return d.store.Put(ctx, relPath, f)
}
