// File: cmd/monitor/main.go
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/smartdevs17/channel-monitor/internal/chainsync"
	"github.com/smartdevs17/channel-monitor/internal/config"
	"github.com/smartdevs17/channel-monitor/internal/connection"
	"github.com/smartdevs17/channel-monitor/internal/metrics"
	"github.com/smartdevs17/channel-monitor/internal/models"
	"github.com/smartdevs17/channel-monitor/internal/requests"
	"github.com/smartdevs17/channel-monitor/internal/scheduler"
	"github.com/smartdevs17/channel-monitor/internal/server"
	"github.com/smartdevs17/channel-monitor/internal/storage"
	"github.com/smartdevs17/channel-monitor/internal/submitter"
	"github.com/smartdevs17/channel-monitor/pkg/utils"
)

// AppVersion contains the application version
const AppVersion = "1.0.0"

// Application wires the channel monitor components together
type Application struct {
	config       *config.Config
	logger       *logrus.Logger
	metrics      *metrics.Manager
	connection   *connection.ConnectionManager
	storage      storage.Storage
	submitter    *submitter.ContractSubmitter
	requests     *requests.Store
	engine       *scheduler.Engine
	synchronizer *chainsync.Synchronizer
	server       *server.HTTPServer
	ctx          context.Context
	cancel       context.CancelFunc
}

// NewApplication creates a new application instance
func NewApplication(cfg *config.Config) (*Application, error) {
	ctx, cancel := context.WithCancel(context.Background())

	app := &Application{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := app.initialize(); err != nil {
		cancel()
		return nil, err
	}
	return app, nil
}

func (app *Application) initialize() error {
	logCfg := app.config.Logging
	if err := utils.InitLogger(logCfg.Level, logCfg.Format, logCfg.Output, logCfg.File); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	app.logger = utils.GetLogger()
	app.metrics = metrics.NewManager()

	registry := common.HexToAddress(app.config.Contracts.TokenNetworkRegistry)
	monitoringContract := common.HexToAddress(app.config.Contracts.MonitoringService)

	// Connection
	app.connection = connection.NewConnectionManager(&app.config.Chain)
	if err := app.connection.HealthCheck(app.ctx); err != nil {
		return fmt.Errorf("failed to connect to node: %w", err)
	}

	// Submitter, which also fixes our receiver identity
	var err error
	app.submitter, err = submitter.NewContractSubmitter(app.connection, &app.config.Chain, monitoringContract)
	if err != nil {
		return fmt.Errorf("failed to create submitter: %w", err)
	}

	// Storage
	app.storage, err = storage.NewStorage(&app.config.Storage)
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}
	if err := app.storage.Connect(); err != nil {
		return fmt.Errorf("failed to connect to storage: %w", err)
	}
	if err := app.storage.Migrate(); err != nil {
		return fmt.Errorf("failed to run storage migrations: %w", err)
	}
	if err := app.storage.InitChainState(app.ctx, &models.BlockchainState{
		ChainID:              app.config.Chain.ChainID,
		Receiver:             app.submitter.Address(),
		TokenNetworkRegistry: registry,
		MonitoringContract:   monitoringContract,
		LatestCommittedBlock: app.config.Sync.StartBlock,
	}); err != nil {
		return fmt.Errorf("failed to initialize chain state: %w", err)
	}

	// Request store and scheduled action engine
	app.requests = requests.NewStore(
		app.storage, app.config.Chain.ChainID, monitoringContract,
		&app.config.Monitoring, app.metrics)
	app.engine = scheduler.NewEngine(
		app.storage, app.connection, app.submitter,
		&app.config.Monitoring, app.metrics)

	// Chain synchronizer
	parser, err := chainsync.NewEventParser(registry, monitoringContract)
	if err != nil {
		return fmt.Errorf("failed to create event parser: %w", err)
	}
	fetcher := chainsync.NewFetcher(app.connection, parser, registry, monitoringContract, &app.config.Sync)
	reconciler := chainsync.NewReconciler(
		app.storage, app.submitter.Address(),
		app.config.Monitoring.TriggerFraction, app.metrics)
	app.synchronizer = chainsync.NewSynchronizer(
		&app.config.Sync, app.connection, app.storage,
		fetcher, reconciler, app.engine, app.requests, app.metrics)

	// HTTP server
	app.server = server.NewHTTPServer(
		&app.config.Server, app.storage, app.requests,
		app.synchronizer, app.connection, app.metrics)

	return nil
}

// Start starts the application
func (app *Application) Start() error {
	app.logger.WithFields(logrus.Fields{
		"version":  AppVersion,
		"chain_id": app.config.Chain.ChainID,
		"receiver": app.submitter.Address().Hex(),
	}).Info("Starting channel monitor")

	app.server.Start()
	if err := app.synchronizer.Start(app.ctx); err != nil {
		return fmt.Errorf("failed to start synchronizer: %w", err)
	}
	return nil
}

// Stop stops the application gracefully
func (app *Application) Stop() {
	app.logger.Info("Stopping channel monitor")
	app.cancel()

	app.synchronizer.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.server.Stop(shutdownCtx); err != nil {
		app.logger.WithError(err).Error("Failed to stop HTTP server")
	}

	if err := app.storage.Close(); err != nil {
		app.logger.WithError(err).Error("Failed to close storage")
	}
	if err := app.connection.Close(); err != nil {
		app.logger.WithError(err).Error("Failed to close connection")
	}

	app.logger.Info("Channel monitor stopped")
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "channel-monitor",
	Short:   "Payment channel monitoring service",
	Long:    `A third-party monitoring service that watches payment channels on-chain and submits balance proofs on behalf of offline participants in exchange for a reward.`,
	Version: AppVersion,
	RunE:    runMonitor,
}

func runMonitor(cmd *cobra.Command, args []string) error {
	configPath := viper.GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	app, err := NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	if err := app.Start(); err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}

	<-signalChan
	fmt.Println("\nReceived shutdown signal, stopping...")
	app.Stop()
	return nil
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("channel-monitor %s\n", AppVersion)
	},
}

// validateConfigCmd validates the configuration
var validateConfigCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := viper.GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}

		fmt.Println("Configuration is valid!")
		fmt.Printf("Environment: %s\n", cfg.App.Environment)
		fmt.Printf("Node: %s\n", cfg.Chain.NodeURL)
		fmt.Printf("Chain ID: %d\n", cfg.Chain.ChainID)
		fmt.Printf("Database: %s\n", cfg.Storage.Type)
		fmt.Printf("Registry: %s\n", cfg.Contracts.TokenNetworkRegistry)
		fmt.Printf("Monitoring contract: %s\n", cfg.Contracts.MonitoringService)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(validateConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
