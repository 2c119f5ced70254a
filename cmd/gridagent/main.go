// Command gridagent is the peer agent described in spec.md: it submits
// cases, runs the processing and receiving daemons, and exports the
// process report, all scoped to the bootstrap configuration found in the
// current working directory's server.txt.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"

	"github.com/gridagent/agent/internal/blobstore"
	"github.com/gridagent/agent/internal/bootstrap"
	"github.com/gridagent/agent/internal/capability"
	"github.com/gridagent/agent/internal/catalog"
	"github.com/gridagent/agent/internal/daemon/processing"
	"github.com/gridagent/agent/internal/daemon/receiving"
	"github.com/gridagent/agent/internal/events"
	"github.com/gridagent/agent/internal/gridagent/apperr"
	"github.com/gridagent/agent/internal/pidfile"
	"github.com/gridagent/agent/internal/platform/envutil"
	"github.com/gridagent/agent/internal/platform/logger"
	"github.com/gridagent/agent/internal/plugin"
	"github.com/gridagent/agent/internal/report"
	"github.com/gridagent/agent/internal/submission"
)

// agentVersion is checked against the catalog's version_policy document at
// the start of every run (spec §4.A, §7.1 scenario S6).
const agentVersion = "0.3"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gridagent",
		Short: "Peer agent for a distributed compute grid",
	}
	root.AddCommand(newRunCmd(), newSubmitCmd(), newReportCmd())
	return root
}

// agent bundles every long-lived collaborator the three subcommands share,
// all assembled from bootstrap.Config the same way regardless of which
// subcommand runs.
type agent struct {
	cfg        *bootstrap.Config
	log        *logger.Logger
	cat        catalog.Catalog
	store      *blobstore.Store
	trampoline *plugin.Trampoline
	caps       *capability.Local
	bus        events.Bus
	identity   processing.Identity
	mongoClose func(context.Context) error
}

func newAgent(ctx context.Context) (*agent, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, apperr.New(apperr.ClassConfig, "resolve working directory", err)
	}
	cfg, err := bootstrap.Load(wd)
	if err != nil {
		return nil, err
	}

	log, err := logger.New(envutil.String("GRIDAGENT_LOG_MODE", "production"))
	if err != nil {
		return nil, apperr.New(apperr.ClassConfig, "build logger", err)
	}

	clientOpts := options.Client().
		ApplyURI(cfg.MongoServer).
		SetAuth(options.Credential{Username: cfg.UserGroup, Password: cfg.Password})
	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, apperr.New(apperr.ClassConfig, "connect to catalog", err)
	}
	db := client.Database(envutil.String("GRIDAGENT_CATALOG_DB", "gridcompute"))
	cat := catalog.NewMongoCatalog(db)

	store := blobstore.New(cfg.BlobStoreRoot)
	trampoline := plugin.New(cfg.ApplicationsDir())
	caps := capability.NewLocal(cfg.ApplicationsDir(), log)
	if err := caps.Watch(); err != nil {
		log.Warn("capability live-reload disabled", "error", err)
	}

	var bus events.Bus
	if addr := envutil.String("GRIDAGENT_REDIS_ADDR", ""); addr != "" {
		channel := envutil.String("GRIDAGENT_REDIS_CHANNEL", "gridagent-events")
		redisBus, err := events.NewRedisBus(ctx, addr, channel, envutil.Int("GRIDAGENT_EVENT_QUEUE", 256), log)
		if err != nil {
			return nil, err
		}
		bus = redisBus
	} else {
		bus = events.NewLocalBus(envutil.Int("GRIDAGENT_EVENT_QUEUE", 256), log)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}
	identity := processing.Identity{
		UserGroup: cfg.UserGroup,
		Instance:  cfg.Instance,
		User:      envutil.String("USER", "unknown-user"),
		Machine:   hostname,
	}

	return &agent{
		cfg:        cfg,
		log:        log,
		cat:        cat,
		store:      store,
		trampoline: trampoline,
		caps:       caps,
		bus:        bus,
		identity:   identity,
		mongoClose: client.Disconnect,
	}, nil
}

// processableApplications intersects the applications this host can locally
// import with the ones Software_Per_Machine.csv permits for this hostname
// (spec §4.C); an application missing from either side never runs here.
func (a *agent) processableApplications() []string {
	return capability.Intersect(a.caps.ProcessableApplications(), a.cfg.PermissionTable[a.identity.Machine])
}

func (a *agent) receivableApplications() []string {
	return capability.Intersect(a.caps.ReceivableApplications(), a.cfg.PermissionTable[a.identity.Machine])
}

// checkVersionPolicy enforces the catalog's version_policy document for
// agentVersion: a refused version is fatal before any daemon starts
// (scenario S6), a warning is published but does not block startup.
func (a *agent) checkVersionPolicy(ctx context.Context) error {
	vp, err := a.cat.VersionPolicy(ctx, agentVersion)
	if err != nil {
		return err
	}
	switch vp.Version {
	case catalog.VersionRefused:
		a.bus.Publish(ctx, events.Event{Kind: events.KindCritical, Message: vp.Message})
		return apperr.New(apperr.ClassConfig, fmt.Sprintf("agent version %s refused: %s", agentVersion, vp.Message), nil)
	case catalog.VersionWarning:
		a.bus.Publish(ctx, events.Event{Kind: events.KindWarning, Message: vp.Message})
	}
	return nil
}

func (a *agent) Close(ctx context.Context) {
	_ = a.caps.Close()
	_ = a.bus.Close()
	_ = a.mongoClose(ctx)
	a.log.Sync()
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the processing and receiving daemons until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			pidPath := envutil.String("GRIDAGENT_PID_FILE", "/tmp/gridagent.pid")
			if err := pidfile.Acquire(pidPath); err != nil {
				return err
			}
			defer func() { _ = pidfile.Release(pidPath) }()

			a, err := newAgent(ctx)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			if err := a.bus.Subscribe(ctx, func(e events.Event) {
				a.log.Info("event", "kind", e.Kind, "message", e.Message, "case_id", e.CaseID, "status", e.Status)
				if e.Kind == events.KindConfirmTerminate {
					e.Reply(true)
				}
			}); err != nil {
				return apperr.New(apperr.ClassConfig, "subscribe to event bus", err)
			}

			if err := a.checkVersionPolicy(ctx); err != nil {
				return err
			}

			desired := processing.NewConcurrency(envutil.Int("GRIDAGENT_DESIRED_CONCURRENCY", 1))

			procDaemon := processing.New(
				processing.DefaultConfig(),
				a.identity, a.cat, a.store, a.trampoline, a.bus, desired, a.log,
				a.processableApplications,
			)
			recvDaemon := receiving.New(
				receiving.DefaultConfig(),
				receiving.Identity{
					UserGroup: a.identity.UserGroup,
					Instance:  a.identity.Instance,
					User:      a.identity.User,
					Machine:   a.identity.Machine,
				},
				a.cat, a.store, a.trampoline, a.bus, a.log,
				a.receivableApplications,
			)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { procDaemon.Run(gctx); return nil })
			g.Go(func() error { recvDaemon.Run(gctx); return nil })
			return g.Wait()
		},
	}
}

func newSubmitCmd() *cobra.Command {
	var app string
	cmd := &cobra.Command{
		Use:   "submit [selection path]",
		Short: "Submit a file selection as one or more cases for an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newAgent(ctx)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			identity := submission.Identity{User: a.identity.User, Machine: a.identity.Machine}
			pipeline := submission.New(identity, a.cfg.UserGroup, a.cfg.Instance, a.cat, a.store, a.trampoline)

			cancelled := make(chan struct{})
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt)
			defer signal.Stop(sigCh)
			go func() {
				select {
				case <-sigCh:
					close(cancelled)
				case <-ctx.Done():
				}
			}()

			result, err := pipeline.Submit(ctx, app, args[0], cancelled)
			if err != nil {
				return err
			}
			if result.Cancelled {
				fmt.Fprintln(cmd.OutOrStdout(), "submission cancelled")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "submitted %d case(s)\n", len(result.CaseIDs))
			for _, id := range result.CaseIDs {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&app, "app", "", "application name")
	_ = cmd.MarkFlagRequired("app")
	return cmd
}

func newReportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Export the process report as tab-separated values",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newAgent(ctx)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			cases, err := a.cat.ScanAll(ctx, catalog.Scope{UserGroup: a.cfg.UserGroup, Instance: a.cfg.Instance})
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return apperr.New(apperr.ClassTransientIO, "create report file", err)
				}
				defer f.Close()
				w = f
			}
			return report.WriteTSV(w, cases)
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "write to this path instead of stdout")
	return cmd
}
