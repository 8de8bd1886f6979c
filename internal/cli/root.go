// Package cli implements offlinectl, the admin command line for the offline
// request queue of a node.
package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"balagruha-offline-sync/config"
	"balagruha-offline-sync/internal/db"
	"balagruha-offline-sync/internal/db/repository"
	"balagruha-offline-sync/internal/integrations/remote"
	"balagruha-offline-sync/internal/lock"
	"balagruha-offline-sync/internal/services/queue"
	offsync "balagruha-offline-sync/internal/services/sync"
	"balagruha-offline-sync/internal/util/timezone"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

// cmdContext holds common resources for CLI commands
type cmdContext struct {
	Config *config.Config
	DB     *gorm.DB
	Queue  *queue.Service
	Engine *offsync.Engine

	closers []func() error
}

// Close releases resources held by cmdContext
func (c *cmdContext) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			log.Debugf("close: %v", err)
		}
	}
}

var (
	configPath string
	verbose    bool
)

// initContext loads the config and opens the queue store
func initContext() *cmdContext {
	if !verbose {
		log.SetLevel(log.WarnLevel)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		exitError("%v", err)
	}
	timezone.Initialize(cfg.Server.Timezone)

	database, err := db.Open(cfg.DB)
	if err != nil {
		exitError("failed to open queue store: %v", err)
	}

	c := &cmdContext{Config: cfg, DB: database}
	c.closers = append(c.closers, func() error { return db.Close(database) })
	c.Queue = queue.NewService(repository.NewSQLiteRepository(database),
		queue.WithCreateOperations(offsync.DefaultRegistry()),
		queue.WithUploadDir(cfg.Server.UploadDir))
	return c
}

// initFullContext additionally builds the replay engine
func initFullContext(ctx context.Context) *cmdContext {
	c := initContext()

	client, err := remote.NewClient(c.Config.Remote, remote.WithUploadDir(c.Config.Server.UploadDir))
	if err != nil {
		c.Close()
		exitError("failed to create remote client: %v", err)
	}

	locker, closeLocker, err := lock.New(ctx, c.Config)
	if err != nil {
		c.Close()
		exitError("failed to create replay lock: %v", err)
	}
	c.closers = append(c.closers, closeLocker)

	c.Engine = offsync.NewEngine(c.Queue, offsync.DefaultRegistry(), client, locker, offsync.Options{
		UnknownOperationMaxSkips: c.Config.Sync.UnknownOperationMaxSkips,
		StaleClaimAfter:          time.Duration(c.Config.Sync.StaleClaimMinutes) * time.Minute,
	})
	return c
}

var rootCmd = &cobra.Command{
	Use:   "offlinectl",
	Short: "Inspect and replay the offline request queue",
	Long: `offlinectl works directly on the offline request queue of a Balagruha node.
It lists and inspects queued requests, requeues failed ones and runs a
replay pass against the central server.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	defaultConfig := os.Getenv("BALAGRUHA_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "/config/config.yaml"
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfig, "Path to the config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show service logs")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(requeueCmd)
	rootCmd.AddCommand(deleteCmd)
}

// exitError prints an error and exits
func exitError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// parseIDs converts record id arguments
func parseIDs(args []string) ([]uint, error) {
	ids := make([]uint, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseUint(arg, 10, 64)
		if err != nil || id == 0 {
			return nil, fmt.Errorf("invalid id %q", arg)
		}
		ids = append(ids, uint(id))
	}
	return ids, nil
}
