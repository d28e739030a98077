package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/veloqueue/durastore/internal/models"
	"github.com/veloqueue/durastore/internal/recovery"
	"github.com/veloqueue/durastore/internal/store"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for durastore state data
	DefaultStateDir = "/var/lib/durastore"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "durastore.db"
	// DefaultServiceName identifies this application in the cluster tables
	DefaultServiceName = "durastore"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := run(flags); err != nil {
		slog.Error("durastore failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("durastore exited successfully")
}

// Config holds environment configuration
type Config struct {
	DbDriver    string
	DatabaseURL string
	StateDir    string
	ServiceName string
	ControlURI  string
}

// Flags holds command line flag values
type Flags struct {
	dbDriver    *string
	dbDSN       *string
	stateDir    *string
	serviceName *string
	controlURI  *string
	durability  *time.Duration
	health      *time.Duration
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DbDriver:    os.Getenv("DURASTORE_DB_DRIVER"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StateDir:    os.Getenv("DURASTORE_STATE_DIR"),
		ServiceName: os.Getenv("DURASTORE_SERVICE_NAME"),
		ControlURI:  os.Getenv("DURASTORE_CONTROL_URI"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No DURASTORE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		config.DbDriver = "sqlite3"
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.DbDriver == "" {
		config.DbDriver = "postgres"
	}

	slog.Debug("environment variables loaded",
		"DURASTORE_DB_DRIVER", config.DbDriver,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"DURASTORE_STATE_DIR", config.StateDir,
		"DURASTORE_SERVICE_NAME", config.ServiceName)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		dbDriver:    flag.String("db-driver", config.DbDriver, "database driver: postgres or sqlite3 (overrides $DURASTORE_DB_DRIVER)"),
		dbDSN:       flag.String("db-dsn", config.DatabaseURL, "database DSN (overrides $DATABASE_URL)"),
		stateDir:    flag.String("state-dir", config.StateDir, "state directory for durastore data (overrides $DURASTORE_STATE_DIR)"),
		serviceName: flag.String("service-name", config.ServiceName, "service name recorded in the cluster tables (overrides $DURASTORE_SERVICE_NAME)"),
		controlURI:  flag.String("control-uri", config.ControlURI, "control address other nodes can reach this node at (overrides $DURASTORE_CONTROL_URI)"),
		durability:  flag.Duration("durability-interval", recovery.DefaultDurabilityInterval, "base period of the message recovery loop"),
		health:      flag.Duration("health-interval", recovery.DefaultHealthInterval, "base period of the health and leadership loop"),
	}
	flag.Parse()

	slog.Debug("flags parsed",
		"dbDriver", *flags.dbDriver,
		"dbDSN_set", *flags.dbDSN != "",
		"stateDir", *flags.stateDir,
		"serviceName", *flags.serviceName)
	return flags
}

func run(flags Flags) error {
	nodeID := uuid.New()

	var (
		messageStore store.MessageStore
		err          error
	)
	switch *flags.dbDriver {
	case "sqlite3":
		messageStore, err = store.NewSQLiteStore(
			store.WithSQLiteDSN(*flags.dbDSN),
			store.WithDatabaseLock(nodeID, *flags.serviceName),
		)
	default:
		messageStore, err = store.NewPostgresStore(
			store.WithPostgresDSN(*flags.dbDSN),
			store.WithDatabaseLock(nodeID, *flags.serviceName),
		)
	}
	if err != nil {
		return err
	}
	defer messageStore.Close()

	hostname, _ := os.Hostname()
	now := time.Now().UTC()
	node := &models.Node{
		ID:              nodeID,
		Description:     hostname,
		ControlURI:      *flags.controlURI,
		Version:         "dev",
		Started:         now,
		LastHealthCheck: now,
	}
	nodeNumber, err := messageStore.PersistNode(node)
	if err != nil {
		return err
	}
	slog.Info("Registered cluster node", "nodeID", nodeID, "nodeNumber", nodeNumber)
	if err := messageStore.LogRecords(models.NewNodeRecord(nodeNumber, models.RecordNodeJoined, *flags.serviceName, hostname)); err != nil {
		slog.Warn("Failed to log node-joined record", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agent := recovery.NewAgent(messageStore, node, *flags.serviceName, nil, recovery.Config{
		DurabilityInterval: *flags.durability,
		HealthInterval:     *flags.health,
	})
	if err := agent.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	slog.Info("Shutdown signal received, stopping durability agent")
	agent.Stop()

	// Orderly departure: give up everything this node owns so the rest of
	// the cluster recovers it immediately instead of waiting out a lease.
	if err := messageStore.LogRecords(models.NewNodeRecord(nodeNumber, models.RecordNodeStopped, *flags.serviceName, hostname)); err != nil {
		slog.Warn("Failed to log node-stopped record", "error", err)
	}
	if err := messageStore.ReleaseLeadershipLock(); err != nil {
		slog.Warn("Failed to release leadership lock", "error", err)
	}
	if err := messageStore.ReleaseOwnership(nodeNumber); err != nil {
		slog.Warn("Failed to release message ownership", "error", err)
	}
	if err := messageStore.DeleteNode(nodeID); err != nil {
		slog.Warn("Failed to delete node registration", "error", err)
	}
	return nil
}
