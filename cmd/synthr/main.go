package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/synthr/internal/profile"
	"github.com/hrygo/synthr/internal/version"
	"github.com/hrygo/synthr/server"
	"github.com/hrygo/synthr/server/chain"
	"github.com/hrygo/synthr/server/ipfs"
	"github.com/hrygo/synthr/server/runner/training"
	"github.com/hrygo/synthr/store"
	"github.com/hrygo/synthr/store/cache"
	"github.com/hrygo/synthr/store/db"
)

var (
	rootCmd = &cobra.Command{
		Use:   "synthr",
		Short: `An AI agent marketplace: train agents, list them as NFTs and sell them.`,
		Run: func(_ *cobra.Command, _ []string) {
			instanceProfile := &profile.Profile{
				Mode:        viper.GetString("mode"),
				Addr:        viper.GetString("addr"),
				Port:        viper.GetInt("port"),
				Data:        viper.GetString("data"),
				Driver:      viper.GetString("driver"),
				DSN:         viper.GetString("dsn"),
				InstanceURL: viper.GetString("instance-url"),
				RedisURL:    viper.GetString("redis-url"),
				RPCURL:      viper.GetString("rpc-url"),
				TrainerURL:  viper.GetString("trainer-url"),
			}
			setupLogger(instanceProfile.Mode)
			instanceProfile.FromEnv()
			instanceProfile.Version = version.GetCurrentVersion(instanceProfile.Mode)
			if err := instanceProfile.Validate(); err != nil {
				slog.Error("failed to validate profile", "error", err)
				os.Exit(1)
			}
			if instanceProfile.Secret == "" {
				instanceProfile.Secret = "synthr-dev-secret"
				slog.Warn("SYNTHR_SECRET is not set, using the development secret")
			}

			if err := run(instanceProfile); err != nil {
				slog.Error("server exited", "error", err)
				os.Exit(1)
			}
		},
	}
)

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("driver", "sqlite")
	viper.SetDefault("port", 8081)

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod" or "dev" or "demo"`)
	rootCmd.PersistentFlags().String("addr", "", "address of server")
	rootCmd.PersistentFlags().Int("port", 8081, "port of server")
	rootCmd.PersistentFlags().String("data", "", "data directory")
	rootCmd.PersistentFlags().String("driver", "sqlite", "database driver")
	rootCmd.PersistentFlags().String("dsn", "", "database source name(aka. DSN)")
	rootCmd.PersistentFlags().String("instance-url", "", "the url of your synthr instance")
	rootCmd.PersistentFlags().String("redis-url", "", "redis url of the shared cache")
	rootCmd.PersistentFlags().String("rpc-url", "", "blockchain json-rpc endpoint")
	rootCmd.PersistentFlags().String("trainer-url", "", "training worker url, simulated training when empty")

	for _, name := range []string{"mode", "addr", "port", "data", "driver", "dsn", "instance-url", "redis-url", "rpc-url", "trainer-url"} {
		if err := viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("synthr")
	viper.AutomaticEnv()
	if err := viper.BindEnv("instance-url", "SYNTHR_INSTANCE_URL"); err != nil {
		panic(err)
	}
}

func run(p *profile.Profile) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	requests := cache.NewRequestsCounter()
	storeCache, err := newCache(ctx, p)
	if err != nil {
		return err
	}

	dbDriver, err := db.NewDBDriver(p)
	if err != nil {
		return errors.Wrap(err, "failed to create db driver")
	}
	storeInstance := store.New(dbDriver, p, cache.WithMetrics(storeCache, requests))
	if err := storeInstance.Migrate(ctx); err != nil {
		return errors.Wrap(err, "failed to migrate")
	}

	opts := server.Options{Collectors: []prometheus.Collector{requests}}
	if p.TrainerURL != "" {
		opts.Trainer = training.NewRemoteTrainer(p.TrainerURL, p.Secret, 5*time.Second)
	} else {
		opts.Trainer = training.NewEpochTrainer(2 * time.Second)
	}
	if p.IsIPFSEnabled() {
		opts.Pinner = ipfs.NewClient(ipfs.Config{
			APIKey:     p.PinataAPIKey,
			SecretKey:  p.PinataSecretKey,
			GatewayURL: p.PinataGatewayURL,
		})
	}
	if p.IsChainEnabled() {
		client, err := chain.Dial(ctx, p.RPCURL)
		if err != nil {
			return errors.Wrap(err, "failed to connect to chain")
		}
		defer client.Close()
		opts.Chain = client
	}

	s, err := server.NewServer(ctx, p, storeInstance, opts)
	if err != nil {
		return errors.Wrap(err, "failed to create server")
	}

	c := make(chan os.Signal, 1)
	// Trigger graceful shutdown on SIGINT or SIGTERM.
	// The default signal sent by the `kill` command is SIGTERM,
	// which is taken as the graceful shutdown signal for many systems, eg., Kubernetes, Gunicorn.
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	if err := s.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start server")
	}
	printGreetings(p)

	<-c
	s.Shutdown(ctx)
	return nil
}

// newCache picks the cache tiers from the profile: nothing when disabled,
// Redis behind an in-process L1 when a Redis url is set, memory otherwise.
func newCache(ctx context.Context, p *profile.Profile) (cache.Store, error) {
	if p.CacheDisabled {
		return cache.Nop{}, nil
	}
	if p.RedisURL == "" {
		cfg := cache.DefaultMemoryConfig()
		if p.CacheMaxItems > 0 {
			cfg.Capacity = p.CacheMaxItems
		}
		return cache.NewMemory(cfg), nil
	}
	redisCache, err := cache.NewRedis(ctx, cache.RedisConfig{URL: p.RedisURL, KeyPrefix: "synthr:"})
	if err != nil {
		return nil, err
	}
	return cache.NewTiered(cache.TieredConfig{L1MaxItems: p.CacheMaxItems, L1TTL: p.CacheL1TTL}, redisCache), nil
}

func setupLogger(mode string) {
	var handler slog.Handler
	if mode == "prod" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	slog.SetDefault(slog.New(handler))
}

func printGreetings(p *profile.Profile) {
	fmt.Printf("Synthr %s started successfully!\n", p.Version)
	fmt.Printf("Data directory: %s\n", p.Data)
	fmt.Printf("Database driver: %s\n", p.Driver)
	fmt.Printf("Mode: %s\n", p.Mode)
	if len(p.Addr) == 0 {
		fmt.Printf("Server running on port %d\n", p.Port)
		fmt.Printf("Access your synthr at: http://localhost:%d\n", p.Port)
	} else {
		fmt.Printf("Server running on %s:%d\n", p.Addr, p.Port)
	}
	fmt.Printf("Chain sync: %t, IPFS: %t, remote trainer: %t\n", p.IsChainEnabled(), p.IsIPFSEnabled(), p.TrainerURL != "")
	fmt.Println()
	fmt.Printf("Press Ctrl+C to stop the server\n")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
