package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trainwatch/imu-gateway/internal/config"
	"github.com/trainwatch/imu-gateway/internal/gateway"
	"github.com/trainwatch/imu-gateway/internal/link"
	"github.com/trainwatch/imu-gateway/internal/logging"
)

func main() {
	// Subcommand "health" detected via os.Args, matching the teacher's
	// nbackup-agent CLI shape.
	if len(os.Args) >= 2 && os.Args[1] == "health" {
		runHealthCheck(os.Args[2:])
		return
	}

	configPath := flag.String("config", "/etc/imu-gateway/gateway.yaml", "path to gateway config file")
	statusAddr := flag.String("status-addr", ":8090", "address to serve the read-only status endpoint on, empty to disable")
	sim := flag.Bool("sim", true, "use the simulated Link Driver instead of a real radio binding")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	if err := runDaemon(*configPath, cfg, logger, *statusAddr, *sim); err != nil {
		logger.Error("gateway exited with error", "error", err)
		os.Exit(1)
	}
}

// runDaemon starts the gateway and blocks until a termination signal
// arrives. SIGHUP re-reads the config file and logs the configured level,
// but the running logger keeps its level until restart; SIGINT/SIGTERM
// trigger a graceful shutdown. Grounded on the teacher's
// internal/agent/daemon.go RunDaemon.
func runDaemon(configPath string, cfg *config.Config, logger *slog.Logger, statusAddr string, sim bool) error {
	logger.Info("starting gateway", "devices", len(cfg.Devices), "output_dir", cfg.Output.Directory)

	if !sim {
		logger.Warn("no real radio binding is available in this build, falling back to the simulated Link Driver")
	}
	linkFactory := func(deviceNumber int) link.Link {
		return link.NewSimLink(cfg.Detection.SampleRateHz)
	}

	gw, err := gateway.New(cfg, logger, linkFactory, nil)
	if err != nil {
		return fmt.Errorf("building gateway: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- gw.Run(ctx, statusAddr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for {
		select {
		case err := <-runErrCh:
			return err
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				logger.Info("received SIGHUP, reloading log level", "path", configPath)
				newCfg, loadErr := config.Load(configPath)
				if loadErr != nil {
					logger.Error("reload failed, keeping current settings", "error", loadErr)
					continue
				}
				logger.Info("config reloaded (log level only takes effect on restart)", "level", newCfg.Logging.Level)
				continue
			}

			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			select {
			case err := <-runErrCh:
				return err
			case <-time.After(35 * time.Second):
				return fmt.Errorf("shutdown timed out")
			}
		}
	}
}

// runHealthCheck performs a one-shot reachability probe of a running
// gateway's status endpoint: `gateway health [addr]`.
func runHealthCheck(args []string) {
	addr := "http://127.0.0.1:8090/health"
	if len(args) >= 1 && args[0] != "" {
		addr = args[0]
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Printf("Gateway status: UNHEALTHY (http %d)\n", resp.StatusCode)
		os.Exit(1)
	}
	fmt.Println("Gateway status: OK")
}
