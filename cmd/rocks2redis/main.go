package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rocks2redis/rocks2redis/checkpoint"
	"github.com/rocks2redis/rocks2redis/config"
	"github.com/rocks2redis/rocks2redis/decoder"
	"github.com/rocks2redis/rocks2redis/logutil"
	"github.com/rocks2redis/rocks2redis/storage/rocks"
	"github.com/rocks2redis/rocks2redis/syncer"
	"github.com/rocks2redis/rocks2redis/writer"
)

var (
	configPath      string
	pidfileOverride string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "rocks2redis",
		Short:         "Replicate a RocksDB-backed keyspace into a Redis server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "rocks2redis.toml", "config file path")
	rootCmd.PersistentFlags().StringVarP(&pidfileOverride, "pidfile", "p", "", "pid file path, overrides the config file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Tail the source change log and replay it continuously",
		RunE:  runSync,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "fullsync",
		Short: "Copy the source's current state into the target, then write a checkpoint",
		RunE:  runFullSync,
	})

	if err := rootCmd.Execute(); err != nil {
		log.Error("exiting on fatal error", zap.Error(err))
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.NewDefaultConfig()
	if err := cfg.Load(configPath); err != nil {
		return nil, err
	}
	if pidfileOverride != "" {
		cfg.Pidfile = pidfileOverride
	}
	if err := logutil.Init(cfg.LogLevel, cfg.LogFile); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Annotate(err, "invalid config")
	}
	return cfg, nil
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cleanup, err := createPidFile(cfg.Pidfile)
	if err != nil {
		return err
	}
	defer cleanup()

	eng, err := rocks.Open(cfg.DataDir, cfg.PollInterval())
	if err != nil {
		return err
	}
	defer eng.Close()

	dec := decoder.New(cfg.Namespace, eng)
	w := writer.New(writerConfig(cfg))
	ckpt := checkpoint.NewStore(cfg.OutputDir)
	policy, err := syncer.ParseDecodePolicy(cfg.DecodePolicy)
	if err != nil {
		return err
	}
	s := syncer.New(eng, dec, w, ckpt, policy)

	serveStatus(cfg.StatusAddr, s)
	handleSignals(func(sig os.Signal) {
		if !s.IsStopped() {
			log.Info("got signal, stopping", zap.String("signal", sig.String()))
			s.Stop()
		}
	})
	return s.Start()
}

func runFullSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cleanup, err := createPidFile(cfg.Pidfile)
	if err != nil {
		return err
	}
	defer cleanup()

	eng, err := rocks.Open(cfg.DataDir, cfg.PollInterval())
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handleSignals(func(sig os.Signal) {
		log.Info("got signal, aborting full sync", zap.String("signal", sig.String()))
		cancel()
	})

	dec := decoder.New(cfg.Namespace, eng)
	w := writer.New(writerConfig(cfg))
	ckpt := checkpoint.NewStore(cfg.OutputDir)
	return syncer.FullSync(ctx, eng, dec, w, ckpt)
}

func writerConfig(cfg *config.Config) writer.Config {
	return writer.Config{
		Addr:             cfg.Redis.Addr,
		Password:         cfg.Redis.Password,
		DB:               cfg.Redis.DB,
		DialTimeout:      cfg.Redis.DialTimeout(),
		MaxRetryInterval: cfg.Redis.MaxRetryInterval(),
		PipelineSize:     cfg.PipelineSize,
	}
}

func handleSignals(handle func(os.Signal)) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range sigCh {
			handle(sig)
		}
	}()
}

// createPidFile writes the process id with O_EXCL so two bridges never race
// on one checkpoint directory. Returns a no-op cleanup when no pidfile is
// configured.
func createPidFile(path string) (func(), error) {
	if path == "" {
		return func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, errors.Annotatef(err, "create pid file %s", path)
	}
	_, werr := f.WriteString(strconv.Itoa(os.Getpid()))
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(path)
		return nil, errors.Annotatef(werr, "write pid file %s", path)
	}
	return func() { os.Remove(path) }, nil
}

// serveStatus exposes liveness and prometheus metrics when status-addr is
// configured. Failures here never take the pipeline down.
func serveStatus(addr string, s *syncer.Syncer) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(s.State().String() + "\n"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Info("status server listening", zap.String("addr", addr))
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error("status server failed", zap.Error(err))
		}
	}()
}
