package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/syncular/syncd/internal/api"
	"github.com/syncular/syncd/internal/auth"
	"github.com/syncular/syncd/internal/relay"
	"github.com/syncular/syncd/internal/scope"
	"github.com/syncular/syncd/internal/syncclient"
	"github.com/syncular/syncd/internal/syncdb"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run an edge relay against an upstream sync server",
	RunE:  runRelay,
}

var (
	relayID       string
	relayUpstream string
	relayToken    string
	relayDB       string
	relayTables   []string
	relayOnReject string
)

func init() {
	flags := relayCmd.Flags()
	flags.StringVar(&relayID, "id", "", "relay id (required)")
	flags.StringVar(&relayUpstream, "upstream", "", "upstream server base URL (required)")
	flags.StringVar(&relayToken, "token", "", "upstream bearer token")
	flags.StringVar(&relayDB, "db", "./data/relay.db", "relay database path")
	flags.StringSliceVar(&relayTables, "table", nil,
		"table to mirror from upstream, as name[:scopeField,...] (repeatable)")
	flags.StringVar(&relayOnReject, "on-pull-reject", string(relay.PullRejectHalt),
		"policy when an upstream commit is rejected locally: halt or skip")
	flags.String("listen", ":8090", "listen address for local clients")
	flags.String("log-format", "", "log format: json or text")
	flags.String("log-level", "", "log level: debug, info, warn, error")
}

func runRelay(cmd *cobra.Command, args []string) error {
	if relayID == "" || relayUpstream == "" {
		return errors.New("--id and --upstream are required")
	}
	policy := relay.PullRejectPolicy(relayOnReject)
	if policy != relay.PullRejectHalt && policy != relay.PullRejectSkip {
		return fmt.Errorf("invalid --on-pull-reject %q", relayOnReject)
	}
	setupLogging(
		stringFlag(cmd.Flags(), "log-format", "json"),
		stringFlag(cmd.Flags(), "log-level", "info"),
	)

	db, err := relay.OpenDatabase(relayDB)
	if err != nil {
		return fmt.Errorf("open relay database: %w", err)
	}
	defer syncdb.Close(db)

	reg, err := buildRegistry(relayTables)
	if err != nil {
		return err
	}

	var subs []relay.UpstreamSubscription
	for _, table := range reg.Tables() {
		subs = append(subs, relay.UpstreamSubscription{
			Table:  table,
			Scopes: scope.Map{},
		})
	}

	upstream := syncclient.New(relayUpstream, relayToken, "relay:"+relayID)
	r := relay.New(relay.Config{
		RelayID:       relayID,
		Subscriptions: subs,
		OnPullReject:  policy,
		OnForwardConflict: func(c relay.ConflictEntry) {
			slog.Warn("forward conflict", "commit", c.ClientCommitID)
		},
	}, db, reg, upstream)

	// Serve local clients over the standard HTTP surface, with pushes routed
	// through the relay's atomic-enqueue pipeline.
	srvCfg := api.LoadConfig()
	srvCfg.ListenAddr = stringFlag(cmd.Flags(), "listen", ":8090")
	tokens := &auth.Store{DB: db}
	srv := api.NewServer(srvCfg, db, reg, api.AuthenticatorFunc(func(token string) (string, error) {
		id, err := tokens.VerifyToken(token)
		if err != nil {
			return "", err
		}
		return id.ActorID, nil
	}))
	srv.UsePusher(r)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(); err != nil {
		return fmt.Errorf("start local server: %w", err)
	}
	slog.Info("relay started", "id", relayID, "upstream", relayUpstream, "listen", srv.Addr())

	err = r.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), srvCfg.ShutdownTimeout)
	defer cancel()
	srv.Shutdown(shutdownCtx)

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
