package app

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	// Registers the "sqlserver" driver endpoint pools connect with.
	_ "github.com/microsoft/go-mssqldb"
	"github.com/spf13/cobra"

	"github.com/datagate-io/datagate/pkg/api"
	"github.com/datagate-io/datagate/pkg/config"
	"github.com/datagate-io/datagate/pkg/database"
	"github.com/datagate-io/datagate/pkg/endpoints"
	"github.com/datagate-io/datagate/pkg/environments"
	"github.com/datagate-io/datagate/pkg/logger"
	"github.com/datagate-io/datagate/pkg/secrets"
	"github.com/datagate-io/datagate/pkg/tokens"
)

// poolStatusInterval paces the periodic connection pool status log line.
const poolStatusInterval = 60 * time.Second

var serveFlags struct {
	host            string
	port            int
	settingsPath    string
	endpointsDir    string
	environmentsDir string
	tokenDB         string
	dbDriver        string
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the datagate gateway",
		Long: `Start the gateway: load endpoint definitions, open the token store
and serve the environment-scoped API until interrupted.`,
		RunE: runServe,
	}

	cmd.Flags().StringVar(&serveFlags.host, "host", "0.0.0.0", "Host address to bind the server to")
	cmd.Flags().IntVar(&serveFlags.port, "port", 8080, "Port to bind the server to")
	cmd.Flags().StringVar(&serveFlags.settingsPath, "settings", "appsettings.json", "Path to the settings file")
	cmd.Flags().StringVar(&serveFlags.endpointsDir, "endpoints", "endpoints", "Directory holding endpoint definitions")
	cmd.Flags().StringVar(&serveFlags.environmentsDir, "environments", "environments", "Directory holding environment connection files")
	cmd.Flags().StringVar(&serveFlags.tokenDB, "token-db", "tokens.db", "Path to the token database")
	cmd.Flags().StringVar(&serveFlags.dbDriver, "db-driver", database.DefaultDriver, "database/sql driver for endpoint connections")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	// Ensure the gateway is shut down gracefully on Ctrl+C and SIGTERM.
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	settings, err := config.Load(serveFlags.settingsPath)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	if err := logger.InitializeWithFileOutput(settings.Logging.Directory, os.Getenv); err != nil {
		return fmt.Errorf("failed to set up log files: %w", err)
	}

	registry := endpoints.NewRegistry(serveFlags.endpointsDir)
	if err := registry.Load(); err != nil {
		return fmt.Errorf("failed to load endpoint definitions: %w", err)
	}
	for kind, n := range registry.Counts() {
		logger.Infof("Loaded %d %s endpoint(s)", n, kind)
	}
	go func() {
		if err := endpoints.NewWatcher(registry).Run(ctx); err != nil {
			logger.Errorf("Endpoint watcher stopped: %v", err)
		}
	}()

	// A nil *StoreClient must not end up in the interface, or the resolver
	// would treat the store as configured.
	var store secrets.Provider
	client, err := secrets.FromEnvironment(os.Getenv)
	if err != nil {
		return fmt.Errorf("failed to configure secret store: %w", err)
	}
	if client != nil {
		store = client
		logger.Info("Secret store configured; local connection files are the fallback")
	}

	resolver, err := environments.NewResolver(serveFlags.environmentsDir, store)
	if err != nil {
		return fmt.Errorf("failed to create environment resolver: %w", err)
	}

	tokenStore, err := tokens.Open(ctx, serveFlags.tokenDB)
	if err != nil {
		return fmt.Errorf("failed to open token store: %w", err)
	}
	defer tokenStore.Close()
	verifier := tokens.NewVerifier(tokenStore, []byte(os.Getenv(tokens.IndexKeyEnv)), nil)

	pools := database.NewManager(serveFlags.dbDriver)
	defer pools.Close()
	go pools.LogStatusPeriodically(ctx, poolStatusInterval)

	srv, err := api.New(
		&api.Config{Host: serveFlags.host, Port: serveFlags.port},
		settings, registry, resolver, verifier, pools,
	)
	if err != nil {
		return fmt.Errorf("failed to assemble gateway: %w", err)
	}
	return srv.Serve(ctx)
}
