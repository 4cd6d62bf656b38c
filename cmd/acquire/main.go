// Command acquire runs one frame acquisition session: capture, exposure loop,
// hand-off queue and persistence workers, until interrupted or the stream
// ends.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	acquisition "github.com/e7canasta/frame-acquisition"
	"github.com/e7canasta/frame-acquisition/internal/config"
)

const version = "v0.1.0"

func main() {
	configPath := flag.String("config", "", "YAML configuration file (defaults apply when empty)")
	sourceKind := flag.String("source", "", "Override source.kind: synthetic, gstreamer or v4l2")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("acquire", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	if *sourceKind != "" {
		cfg.Source.Kind = *sourceKind
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}
	}

	logger := cfg.NewLogger(os.Stdout, *debug)

	printBanner(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("acquire: shutdown signal received, stopping gracefully")
		cancel()
	}()

	sys, err := acquisition.Build(ctx, cfg, acquisition.WithLogger(logger))
	if err != nil {
		logger.Error("acquire: setup failed", "error", err)
		os.Exit(1)
	}

	err = sys.Run(ctx)
	if cerr := sys.Close(); cerr != nil {
		logger.Warn("acquire: close failed", "error", cerr)
	}
	if err != nil {
		logger.Error("acquire: run failed", "error", err)
		fmt.Fprintf(os.Stderr, "acquisition stopped: %v\n", err)
		os.Exit(1)
	}

	logger.Info("acquire: stopped gracefully", "run_id", sys.RunID())
}

func printBanner(cfg *config.Config) {
	fmt.Printf("acquire %s\n", version)
	fmt.Printf("  Source:    %s %dx%d %s", cfg.Source.Kind, cfg.Source.Width, cfg.Source.Height, cfg.Source.Format)
	if cfg.Source.FPS > 0 {
		fmt.Printf(" @ %.1f fps", cfg.Source.FPS)
	}
	fmt.Println()
	if cfg.Exposure.Enabled {
		fmt.Printf("  Exposure:  target %.0f ±%.0f, profile %s\n",
			cfg.Exposure.TargetBrightness, cfg.Exposure.DeadBand, cfg.Exposure.Profile)
	} else {
		fmt.Println("  Exposure:  disabled")
	}
	fmt.Printf("  Queue:     capacity %d, %s\n", cfg.Queue.Capacity, cfg.Queue.OverflowPolicy)
	fmt.Printf("  Persist:   %d worker(s), every %d frame(s), %s sampling → %s\n",
		cfg.Persist.Workers, cfg.Persist.EveryNth, cfg.Persist.Sampling, storageTarget(cfg.Persist))
	if cfg.MetricsAddr != "" {
		fmt.Printf("  Metrics:   http://%s/metrics\n", cfg.MetricsAddr)
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop gracefully")
	fmt.Println()
}

func storageTarget(p config.PersistConfig) string {
	if p.Storage == "minio" {
		return fmt.Sprintf("minio %s/%s", p.Minio.Endpoint, p.Minio.Bucket)
	}
	return p.Dir
}
