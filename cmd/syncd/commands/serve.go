package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/syncular/syncd/internal/api"
	"github.com/syncular/syncd/internal/auth"
	"github.com/syncular/syncd/internal/registry"
	"github.com/syncular/syncd/internal/rowtable"
	"github.com/syncular/syncd/internal/scope"
	"github.com/syncular/syncd/internal/syncdb"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync server",
	RunE:  runServe,
}

var serveTables []string

func init() {
	flags := serveCmd.Flags()
	flags.String("listen", "", "listen address (overrides SYNCD_LISTEN_ADDR)")
	flags.String("db", "", "database path (overrides SYNCD_DB_PATH)")
	flags.String("log-format", "", "log format: json or text")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.StringSliceVar(&serveTables, "table", nil,
		"generic table to serve, as name[:scopeField[,scopeField...]][@dep[,dep...]] (repeatable)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := api.LoadConfig()
	flags := cmd.Flags()
	cfg.ListenAddr = stringFlag(flags, "listen", cfg.ListenAddr)
	cfg.DBPath = stringFlag(flags, "db", cfg.DBPath)
	cfg.LogFormat = stringFlag(flags, "log-format", cfg.LogFormat)
	cfg.LogLevel = stringFlag(flags, "log-level", cfg.LogLevel)
	setupLogging(cfg.LogFormat, cfg.LogLevel)

	db, err := api.OpenDatabase(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer syncdb.Close(db)

	reg, err := buildRegistry(serveTables)
	if err != nil {
		return err
	}

	tokens := &auth.Store{DB: db}
	srv := api.NewServer(cfg, db, reg, api.AuthenticatorFunc(func(token string) (string, error) {
		id, err := tokens.VerifyToken(token)
		if err != nil {
			return "", err
		}
		return id.ActorID, nil
	}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	slog.Info("server started", "addr", srv.Addr())

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildRegistry turns --table specs into generic rowtable handlers. Each
// spec is name[:scopeField,...][@dep,...], e.g. "tasks:user_id@projects".
func buildRegistry(specs []string) (*registry.Registry, error) {
	reg := registry.New()
	for _, spec := range specs {
		name := spec
		var deps []string
		if i := strings.IndexByte(name, '@'); i >= 0 {
			deps = splitNonEmpty(name[i+1:])
			name = name[:i]
		}
		var scopeFields []string
		if i := strings.IndexByte(name, ':'); i >= 0 {
			scopeFields = splitNonEmpty(name[i+1:])
			name = name[:i]
		}
		if name == "" {
			return nil, fmt.Errorf("invalid table spec %q", spec)
		}
		h := rowtable.New(rowtable.Config{
			Table:       name,
			ScopeFields: scopeFields,
			DependsOn:   deps,
			ResolveScopes: func(ctx *registry.Ctx) (scope.Map, error) {
				// The default deployment grants every authenticated actor
				// their own user_id dimension and wildcard elsewhere. Relay
				// service actors replicate all scopes.
				m := scope.Map{}
				for _, f := range scopeFields {
					if f == "user_id" && !strings.HasPrefix(ctx.ActorID, "relay:") {
						m[f] = scope.Single(ctx.ActorID)
					} else {
						m[f] = scope.Any()
					}
				}
				return m, nil
			},
		})
		if err := reg.Register(h); err != nil {
			return nil, fmt.Errorf("register table %s: %w", name, err)
		}
	}
	return reg, nil
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
