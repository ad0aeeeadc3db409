package main

import (
	"fmt"
	"net/http"
	"net/http/pprof"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quillfs/quillfs/pkg/metrics"
	"github.com/quillfs/quillfs/pkg/objstore/device"
	"github.com/quillfs/quillfs/pkg/objstore/filesystem"
	"github.com/quillfs/quillfs/pkg/util/grace"
	httputil "github.com/quillfs/quillfs/pkg/util/http"
	"github.com/quillfs/quillfs/pkg/util/logger"
)

var vConfig string

var serveCMD = &cobra.Command{
	Use:   "serve",
	Short: "Keep a volume mounted",
	Long: `Keep a volume mounted so background flushing and space reclamation run,
optionally exposing prometheus metrics and pprof endpoints.`,
	Args: cobra.NoArgs,
	RunE: serveVolume,
}

func init() {
	serveCMD.Flags().StringVar(&vConfig, "config", "", "Config file")
}

func serveVolume(_ *cobra.Command, _ []string) error {
	cfg, err := newConfig(vConfig)
	if err != nil {
		return err
	}
	lvl, err := logLevel(cfg)
	if err != nil {
		return err
	}
	log := logger.New(lvl)

	path := cfg.GetString("volume.path")
	if path == "" {
		return fmt.Errorf("volume.path is not configured")
	}
	blockSize, err := parseSize(cfg.GetString("volume.block_size"))
	if err != nil {
		return err
	}

	dev, err := device.OpenFileDevice(path, blockSize)
	if err != nil {
		return err
	}

	opts := filesystem.Options{
		FlushInterval:  cfg.GetDuration("volume.flush_interval"),
		ReaperInterval: cfg.GetDuration("volume.reaper_interval"),
		ReaperWorkers:  cfg.GetInt("volume.reaper_workers"),
		Logger:         log,
	}
	if cfg.GetBool("metrics.enabled") {
		opts.Metrics = metrics.NewVolumeMetrics()
	}

	ctx := grace.NewGracefulContext(log)

	fs, err := filesystem.Open(ctx, dev, opts)
	if err != nil {
		dev.Close()
		return err
	}

	servers := sidecarServers(cfg)
	for i := range servers {
		srv := servers[i]
		go func() {
			if err := srv.Serve(); err != nil {
				log.Error("http server failed", logger.FieldError(err))
			}
		}()
	}

	log.Info("volume served", logger.FieldString("guid", fs.GUID()))
	<-ctx.Done()

	for i := range servers {
		if err := servers[i].Shutdown(); err != nil {
			log.Error("http server shutdown failed", logger.FieldError(err))
		}
	}

	return fs.Close(ctx)
}

func sidecarServers(cfg *viper.Viper) []*httputil.Server {
	var servers []*httputil.Server

	if cfg.GetBool("metrics.enabled") {
		servers = append(servers, httputil.New(
			cfg.GetString("metrics.address"),
			promhttp.Handler(),
			httputil.WithShutdownTimeout(cfg.GetDuration("metrics.shutdown_ttl")),
		))
	}
	if cfg.GetBool("pprof.enabled") {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		servers = append(servers, httputil.New(
			cfg.GetString("pprof.address"),
			mux,
			httputil.WithShutdownTimeout(cfg.GetDuration("pprof.shutdown_ttl")),
		))
	}

	return servers
}
