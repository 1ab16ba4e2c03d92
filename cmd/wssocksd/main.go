package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"github.com/cortexuvula/wssocksd/internal/adminclient"
	"github.com/cortexuvula/wssocksd/internal/config"
	"github.com/cortexuvula/wssocksd/internal/coordinator"
	"github.com/cortexuvula/wssocksd/internal/logging"
	"github.com/cortexuvula/wssocksd/internal/logring"
	"github.com/cortexuvula/wssocksd/internal/registry"
	"github.com/cortexuvula/wssocksd/internal/setup"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "wssocksd",
		Short: "SOCKS5-over-WebSocket relay server",
	}

	var configPath string
	var verbose bool

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(configPath, verbose)
		},
	}
	startCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	startCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version and build info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("wssocksd %s\n", Version)
			fmt.Printf("  Build time: %s\n", BuildTime)
			fmt.Printf("  Git commit: %s\n", GitCommit)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config without starting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			fmt.Printf("Configuration is valid.\n")
			fmt.Printf("  WebSocket listen: %s:%d\n", cfg.Server.WSHost, cfg.Server.WSPort)
			fmt.Printf("  SOCKS5 port range: %d-%d\n", cfg.Socks.PortRangeStart, cfg.Socks.PortRangeEnd)
			fmt.Printf("  Health: %s\n", cfg.Health.ListenAddress)
			fmt.Printf("  Admin API: enabled=%v\n", cfg.Admin.Enabled)
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check health (exit 0 if healthy, 1 if not)",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")
			return checkHealth(url)
		},
	}
	healthCmd.Flags().String("url", "http://127.0.0.1:8766/health", "Health endpoint URL")

	var adminURL, adminToken string

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Generate a random token, or manage tokens via the admin API",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(registry.GenerateToken())
		},
	}
	tokenCmd.PersistentFlags().StringVar(&adminURL, "admin-url", "http://127.0.0.1:8766", "Admin API base URL")
	tokenCmd.PersistentFlags().StringVar(&adminToken, "admin-token", "", "Admin API bearer token, if configured")

	var addReverseToken, addReverseUsername, addReversePassword string
	var addReversePort int
	addReverseCmd := &cobra.Command{
		Use:   "add-reverse",
		Short: "Register a reverse token via the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := adminclient.New(adminURL, adminToken).AddReverse(addReverseToken, addReversePort, addReverseUsername, addReversePassword)
			if err != nil {
				return err
			}
			fmt.Printf("token=%s port=%d\n", rt.Token, rt.Port)
			return nil
		},
	}
	addReverseCmd.Flags().StringVar(&addReverseToken, "token", "", "Token value (empty to generate one)")
	addReverseCmd.Flags().IntVar(&addReversePort, "port", 0, "SOCKS5 listener port (0 to pick from the pool)")
	addReverseCmd.Flags().StringVar(&addReverseUsername, "username", "", "Optional SOCKS5 username")
	addReverseCmd.Flags().StringVar(&addReversePassword, "password", "", "Optional SOCKS5 password")

	var addForwardToken string
	addForwardCmd := &cobra.Command{
		Use:   "add-forward",
		Short: "Register a forward token via the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ft, err := adminclient.New(adminURL, adminToken).AddForward(addForwardToken)
			if err != nil {
				return err
			}
			fmt.Printf("token=%s\n", ft.Token)
			return nil
		},
	}
	addForwardCmd.Flags().StringVar(&addForwardToken, "token", "", "Token value (empty to generate one)")

	removeCmd := &cobra.Command{
		Use:   "remove <token>",
		Short: "Remove a reverse or forward token via the admin API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := adminclient.New(adminURL, adminToken).Remove(args[0]); err != nil {
				return err
			}
			fmt.Println("removed")
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List registered tokens via the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := adminclient.New(adminURL, adminToken).List()
			if err != nil {
				return err
			}
			for _, e := range entries {
				if e.Kind == "reverse" {
					fmt.Printf("%s\treverse\tport=%d\tclients=%d\n", e.Token, e.Port, e.Clients)
				} else {
					fmt.Printf("%s\tforward\tclients=%d\n", e.Token, e.Clients)
				}
			}
			return nil
		},
	}

	tokenCmd.AddCommand(addReverseCmd, addForwardCmd, removeCmd, listCmd)

	var setupConfigPath string
	setupCmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactively mint a token and write config.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			return setup.RunWizard(os.Stdin, os.Stdout, setup.WizardOptions{ConfigPath: setupConfigPath})
		},
	}
	setupCmd.Flags().StringVarP(&setupConfigPath, "config", "c", "", "Path to write config.yaml (default /etc/wssocksd/config.yaml, or ./config.yaml if not root)")

	systemdCmd := &cobra.Command{
		Use:   "systemd",
		Short: "Print a systemd unit file for wssocksd",
		Run: func(cmd *cobra.Command, args []string) {
			printSystemdUnit()
		},
	}

	rootCmd.AddCommand(startCmd, versionCmd, validateCmd, healthCmd, tokenCmd, setupCmd, systemdCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(configPath string, verbose bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	ring := logring.NewRingBuffer(1000)
	baseHandler, lj := logging.SetupHandler(
		cfg.Logging.Level,
		cfg.Logging.Format,
		cfg.Logging.File,
		cfg.Logging.MaxSizeMB,
		cfg.Logging.MaxBackups,
		cfg.Logging.MaxAgeDays,
		cfg.Logging.Compress,
	)
	log := slog.New(logring.NewTeeHandler(baseHandler, ring))
	slog.SetDefault(log)
	if lj != nil {
		defer lj.Close()
	}

	log.Info("starting wssocksd",
		"version", Version,
		"ws_listen", fmt.Sprintf("%s:%d", cfg.Server.WSHost, cfg.Server.WSPort),
		"socks_port_range", fmt.Sprintf("%d-%d", cfg.Socks.PortRangeStart, cfg.Socks.PortRangeEnd),
		"health", cfg.Health.ListenAddress,
	)

	coord := coordinator.New(cfg, Version, log, ring)

	if err := coord.Start(context.Background()); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	coord.NotifySystemdReady()

	watchdogCtx, watchdogCancel := context.WithCancel(context.Background())
	defer watchdogCancel()
	go coord.RunWatchdog(watchdogCtx, 15*time.Second)

	reloadConfig := func() error {
		newCfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("config reload failed: %w", err)
		}
		coord.ReloadConfig(newCfg)

		newHandler, _ := logging.SetupHandler(
			newCfg.Logging.Level,
			newCfg.Logging.Format,
			newCfg.Logging.File,
			newCfg.Logging.MaxSizeMB,
			newCfg.Logging.MaxBackups,
			newCfg.Logging.MaxAgeDays,
			newCfg.Logging.Compress,
		)
		log = slog.New(logring.NewTeeHandler(newHandler, ring))
		slog.SetDefault(log)
		return nil
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for sig := range sigChan {
		switch sig {
		case syscall.SIGHUP:
			log.Info("received SIGHUP, reloading config")
			if err := reloadConfig(); err != nil {
				log.Error("config reload failed", "error", err)
			}

		case syscall.SIGTERM, syscall.SIGINT:
			log.Info("received shutdown signal, draining connections",
				"signal", sig.String(),
				"drain_timeout", cfg.Server.DrainTimeout.String(),
			)

			watchdogCancel()
			daemon.SdNotify(false, daemon.SdNotifyStopping)

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.DrainTimeout+5*time.Second)
			if err := coord.Shutdown(shutdownCtx); err != nil {
				log.Error("shutdown error", "error", err)
			}
			shutdownCancel()

			log.Info("shutdown complete")
			return nil
		}
	}

	return nil
}

func checkHealth(healthURL string) error {
	client := &http.Client{
		Timeout: 5 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Get(healthURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		fmt.Println("healthy")
		return nil
	}
	fmt.Fprintf(os.Stderr, "unhealthy (status: %d)\n", resp.StatusCode)
	os.Exit(1)
	return nil
}

func printSystemdUnit() {
	fmt.Print(`[Unit]
Description=wssocksd - SOCKS5-over-WebSocket relay server
After=network-online.target
Wants=network-online.target

[Service]
Type=notify
User=wssocksd
Group=wssocksd
ExecStartPre=/usr/local/bin/wssocksd validate --config /etc/wssocksd/config.yaml
ExecStart=/usr/local/bin/wssocksd start --config /etc/wssocksd/config.yaml
ExecReload=/bin/kill -HUP $MAINPID
Restart=always
RestartSec=5s
WatchdogSec=30s
TimeoutStartSec=30s

ProtectSystem=strict
ProtectHome=true
NoNewPrivileges=true
PrivateTmp=true
PrivateDevices=true
ProtectKernelTunables=true
ProtectKernelModules=true
ProtectControlGroups=true
RestrictNamespaces=true
RestrictRealtime=true
RestrictSUIDSGID=true
LockPersonality=true
SystemCallArchitectures=native
ReadOnlyPaths=/etc/wssocksd
LogsDirectory=wssocksd
StateDirectory=wssocksd
LimitNOFILE=65535

StandardOutput=journal
StandardError=journal
SyslogIdentifier=wssocksd

[Install]
WantedBy=multi-user.target
`)
}
