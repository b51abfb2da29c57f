package cmd

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/xpress/internal/api"
	"github.com/xpress/internal/completion"
	"github.com/xpress/internal/config"
	"github.com/xpress/internal/database"
	"github.com/xpress/internal/jobqueue"
	"github.com/xpress/internal/localcache"
	"github.com/xpress/internal/logging"
	"github.com/xpress/internal/sessions"
	"github.com/xpress/internal/settings"
)

// runtime is everything a command needs to drive workspaces.
type runtime struct {
	cfg      *config.Config
	db       *sql.DB
	store    sessions.Store
	resolver *settings.Resolver
	client   completion.Client
	catalog  *completion.Catalog
	local    *localcache.Cache
	errors   *logging.ErrorLog
	jobs     *jobqueue.JobQueue
}

// loadConfig reads and validates the file named by the global --config flag
// and configures logging from it.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Pretty)
	return cfg, nil
}

// newRuntime wires stores, settings and the completion client. With memory
// set, sessions and settings live only for the life of the process and the
// reconciliation queue is disabled.
func newRuntime(ctx context.Context, cfg *config.Config, memory bool) (*runtime, error) {
	rt := &runtime{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			rt.Close(context.Background())
		}
	}()

	if memory {
		rt.store = sessions.NewInMemoryStore()
	} else {
		db, err := database.NewDB(ctx, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		rt.db = db
		rt.store = sessions.NewPostgresStore(db)
	}

	if cfg.Local.Path != "" {
		local, err := localcache.Open(cfg.Local.Path)
		if err != nil {
			return nil, err
		}
		rt.local = local
	}

	errLog, err := logging.OpenErrorLog(cfg.Logging.ErrorLogPath)
	if err != nil {
		return nil, err
	}
	logging.SetCurrent(errLog)
	rt.errors = errLog

	var kv settings.Store = settings.NewInMemoryStore()
	if rt.db != nil {
		kv = settings.NewPostgresStore(rt.db, settings.NewSealer(cfg.Settings.SecretKey))
	}
	resolverOpts := []settings.Option{settings.WithTTL(cfg.Settings.CacheTTL)}
	if rt.local != nil {
		resolverOpts = append(resolverOpts, settings.WithSnapshots(rt.local))
	}
	rt.resolver = settings.NewResolver(kv, settings.DefaultsFromConfig(cfg), resolverOpts...)

	router, err := completion.NewRouter(cfg.Models.Aliases, cfg.Models.Providers)
	if err != nil {
		return nil, fmt.Errorf("invalid model routing: %w", err)
	}
	rt.client = completion.NewLangchainClient(router, completion.WithOllamaURL(cfg.Credentials.OllamaURL))
	rt.catalog = completion.NewCatalog("", cfg.Models.Known)

	if cfg.Jobs.Enabled && !memory {
		url, err := database.ResolveURL(cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		jobs, err := jobqueue.NewJobQueue(ctx, url, rt.store, jobqueue.QueueConfigFrom(cfg))
		if err != nil {
			return nil, err
		}
		if err := jobs.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start job queue: %w", err)
		}
		rt.jobs = jobs
		log.Info().Int("workers", cfg.Jobs.MaxWorkers).Msg("Reconciliation queue started")
	}

	ok = true
	return rt, nil
}

// deps exposes the runtime to the API layer.
func (rt *runtime) deps() api.Deps {
	d := api.Deps{
		Sessions:    rt.store,
		Settings:    rt.resolver,
		Client:      rt.client,
		Catalog:     rt.catalog,
		FetchTokens: rt.cfg.Credentials.FetchTokens,
		Local:       rt.local,
		Errors:      rt.errors,
		MaxDuration: rt.cfg.Stream.MaxDuration,
	}
	if rt.jobs != nil {
		d.Reconciler = rt.jobs
	}
	return d
}

// patchMirrors routes messages stored by reconciliation jobs into hub's
// loaded workspaces.
func (rt *runtime) patchMirrors(hub *api.Hub) {
	if rt.jobs != nil {
		rt.jobs.OnReconciled(hub.Reconciled)
	}
}

func (rt *runtime) Close(ctx context.Context) {
	if rt.jobs != nil {
		if err := rt.jobs.Stop(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to stop job queue")
		}
	}
	if rt.local != nil {
		if err := rt.local.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close local cache")
		}
	}
	if rt.db != nil {
		rt.db.Close()
	}
}
