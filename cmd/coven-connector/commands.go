// ABOUTME: Subcommand implementations for the connector CLI
// ABOUTME: Enrollment, foreground runs, status, revoke, and services

package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-connector/internal/config"
	"github.com/2389/coven-connector/internal/enroll"
	"github.com/2389/coven-connector/internal/gateway"
	"github.com/2389/coven-connector/internal/relay"
	"github.com/2389/coven-connector/internal/service"
	"github.com/2389/coven-connector/internal/session"
)

// splitNameFlag extracts --name from args and returns the remainder.
func splitNameFlag(args []string) (string, []string) {
	var name string
	var rest []string
	for i := 0; i < len(args); i++ {
		if (args[i] == "--name" || args[i] == "-n") && i+1 < len(args) {
			name = args[i+1]
			i++
			continue
		}
		rest = append(rest, args[i])
	}
	return name, rest
}

func configPathFor(name string) string {
	if name != "" {
		return config.NamedPath(name)
	}
	return config.DefaultPath()
}

func enrollBaseURL(cfg *config.Config) string {
	if env := os.Getenv("COVEN_ENROLLMENT_URL"); env != "" {
		return env
	}
	return enroll.BaseURLFromRelay(cfg.Relay.URL)
}

func cmdEnroll(args []string) error {
	name, args := splitNameFlag(args)

	var code string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--code", "-c":
			if i+1 < len(args) {
				code = args[i+1]
				i++
			}
		}
	}
	if code == "" {
		return fmt.Errorf("--code is required")
	}

	path := configPathFor(name)
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", path, err)
	}

	logger := setupLogger(cfg.Logging.Level)
	client := enroll.NewClient(enrollBaseURL(cfg), logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := client.Enroll(ctx, code, name)
	if err != nil {
		return err
	}

	cfg.Identity.ConnectorID = result.ConnectorID
	cfg.Identity.Secret = result.Secret
	cfg.Identity.AgentID = result.AgentID
	cfg.Identity.AgentName = result.AgentName
	if result.RelayURL != "" {
		cfg.Relay.URL = result.RelayURL
	}

	if err := config.Save(cfg, path); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	if config.DiscoverGatewayToken() != "" {
		fmt.Println("Auto-discovered gateway token from ~/.openclaw/openclaw.json")
	}

	green := color.New(color.FgGreen)
	fmt.Println()
	green.Println("Enrollment successful!")
	fmt.Printf("Agent:  %s\n", cfg.Identity.AgentName)
	fmt.Printf("Config: %s\n", path)
	fmt.Println()
	fmt.Println("To start the connector, run:")
	if name != "" {
		fmt.Printf("  coven-connector start --name %s\n", name)
	} else {
		fmt.Println("  coven-connector start")
	}
	fmt.Println()
	fmt.Println("Or install as a background service:")
	fmt.Println("  coven-connector service install")
	return nil
}

func cmdStart(args []string) error {
	name, args := splitNameFlag(args)

	all := false
	for _, arg := range args {
		if arg == "--all" || arg == "-a" {
			all = true
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	color.New(color.FgCyan).Print(banner)

	if !all {
		return startOne(ctx, name)
	}

	names := enrolledNames()
	if len(names) == 0 {
		return fmt.Errorf("no enrolled connectors found, run: coven-connector enroll --code <CODE>")
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(names))
	for _, n := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := startOne(ctx, n); err != nil {
				color.Red("connector %q: %v", n, err)
				errs <- err
			}
		}()
	}
	wg.Wait()

	select {
	case err := <-errs:
		return err
	default:
		return nil
	}
}

// enrolledNames returns the configs under the config dir that carry a
// complete identity.
func enrolledNames() []string {
	var names []string
	for _, n := range config.DiscoverAll() {
		cfg, err := config.Load(configPathFor(n))
		if err != nil || !cfg.IsEnrolled() {
			continue
		}
		names = append(names, n)
	}
	return names
}

func startOne(ctx context.Context, name string) error {
	path := configPathFor(name)
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", path, err)
	}
	if !cfg.IsEnrolled() {
		if name != "" {
			return fmt.Errorf("not enrolled (config %s), run: coven-connector enroll --name %s --code <CODE>", path, name)
		}
		return fmt.Errorf("not enrolled, run: coven-connector enroll --code <CODE>")
	}

	logger := setupLogger(cfg.Logging.Level)
	if name != "" {
		logger = logger.With("config", name)
	}

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", path)
	green.Print("    ▶ ")
	fmt.Printf("Agent:   %s\n", cfg.Identity.AgentName)
	green.Print("    ▶ ")
	fmt.Printf("Relay:   %s\n", cfg.Relay.URL)
	green.Print("    ▶ ")
	fmt.Printf("Gateway: %s\n", cfg.Gateway.URL)
	fmt.Println()

	store := session.NewStore(session.DefaultTablePath(), logger)
	lifecycle, err := session.NewLifecycle(cfg.Sessions.Policy, cfg.Sessions.PoolSize, store)
	if err != nil {
		return err
	}

	gw := gateway.NewClient(gateway.Config{
		URL:              cfg.Gateway.URL,
		Token:            cfg.EffectiveGatewayToken(),
		HandshakeTimeout: cfg.Timeouts.Handshake,
		ChatTimeout:      cfg.Timeouts.Chat,
	}, lifecycle, logger)
	defer gw.Close()

	connector := relay.New(cfg, gw, logger)
	connector.OnStatus(func(s relay.Status) {
		switch s {
		case relay.StatusOnline:
			color.Green("● online")
		case relay.StatusAuthFailed:
			color.Red("● authentication failed")
		case relay.StatusDisconnected:
			color.Yellow("● disconnected, reconnecting")
		}
	})

	return connector.Run(ctx)
}

func cmdStatus(args []string) error {
	name, _ := splitNameFlag(args)
	path := configPathFor(name)
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", path, err)
	}

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	fmt.Printf("Config: %s\n", path)

	if cfg.IsEnrolled() {
		green.Print("✓ ")
		fmt.Printf("Enrolled as %q (connector %s)\n", cfg.Identity.AgentName, cfg.Identity.ConnectorID)
	} else {
		red.Print("✗ ")
		fmt.Println("Not enrolled")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	probe := gateway.NewClient(gateway.Config{
		URL:   cfg.Gateway.URL,
		Token: cfg.EffectiveGatewayToken(),
	}, session.NewFresh(session.NewStore(session.DefaultTablePath(), logger), 1), logger)
	defer probe.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if probe.HealthCheck(ctx) {
		green.Print("✓ ")
		fmt.Printf("Gateway reachable at %s\n", cfg.Gateway.URL)
	} else {
		red.Print("✗ ")
		fmt.Printf("Gateway unreachable at %s\n", cfg.Gateway.URL)
	}

	if mgr, err := service.NewManager(logger); err == nil {
		if running, _, err := mgr.Status(); err == nil {
			if running {
				green.Print("✓ ")
				fmt.Println("Service running")
			} else {
				fmt.Println("  Service not running")
			}
		}
	}
	return nil
}

func cmdConfig(args []string) error {
	name, _ := splitNameFlag(args)
	path := configPathFor(name)
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", path, err)
	}

	fmt.Printf("Config file:  %s\n", path)
	fmt.Printf("Connector ID: %s\n", cfg.Identity.ConnectorID)
	fmt.Printf("Secret:       %s\n", maskSecret(cfg.Identity.Secret))
	fmt.Printf("Agent:        %s (%s)\n", cfg.Identity.AgentName, cfg.Identity.AgentID)
	fmt.Printf("Relay URL:    %s\n", cfg.Relay.URL)
	fmt.Printf("Gateway URL:  %s\n", cfg.Gateway.URL)
	fmt.Printf("Sessions:     %s (pool size %d)\n", cfg.Sessions.Policy, cfg.Sessions.PoolSize)
	fmt.Printf("Timeouts:     handshake %s, chat %s\n", cfg.Timeouts.Handshake, cfg.Timeouts.Chat)
	fmt.Printf("Log level:    %s\n", cfg.Logging.Level)
	return nil
}

func maskSecret(secret string) string {
	if secret == "" {
		return "(not set)"
	}
	if len(secret) <= 8 {
		return "********"
	}
	return secret[:8] + "…"
}

func cmdRevoke(args []string) error {
	name, args := splitNameFlag(args)

	force := false
	for _, arg := range args {
		if arg == "--force" || arg == "-f" {
			force = true
		}
	}

	path := configPathFor(name)
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", path, err)
	}
	if !cfg.IsEnrolled() {
		fmt.Println("Connector is not enrolled.")
		return nil
	}

	if !force {
		fmt.Printf("This will revoke enrollment for agent %q. Continue? [y/N] ", cfg.Identity.AgentName)
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		if strings.ToLower(strings.TrimSpace(answer)) != "y" {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	logger := setupLogger(cfg.Logging.Level)
	client := enroll.NewClient(enrollBaseURL(cfg), logger)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Revoke(ctx, cfg.Identity.ConnectorID); err != nil {
		color.Yellow("Warning: server-side revoke failed: %v", err)
	}

	cfg.Identity.ConnectorID = ""
	cfg.Identity.Secret = ""
	cfg.Identity.PrivateKeyPath = ""
	cfg.Identity.AgentID = ""
	cfg.Identity.AgentName = ""
	if err := config.Save(cfg, path); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	fmt.Println("Enrollment revoked. Re-enroll to use the connector again.")
	return nil
}

func cmdService(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: coven-connector service {install|uninstall|status}")
	}

	logger := setupLogger("info")
	mgr, err := service.NewManager(logger)
	if err != nil {
		return err
	}

	switch args[0] {
	case "install":
		cfg, err := config.Load(config.DefaultPath())
		if err != nil {
			return err
		}
		if !cfg.IsEnrolled() && len(enrolledNames()) == 0 {
			return fmt.Errorf("not enrolled, run: coven-connector enroll --code <CODE>")
		}
		msg, err := mgr.Install()
		if err != nil {
			return err
		}
		fmt.Print(msg)
	case "uninstall":
		msg, err := mgr.Uninstall()
		if err != nil {
			return err
		}
		fmt.Print(msg)
	case "status":
		_, detail, err := mgr.Status()
		if err != nil {
			return err
		}
		fmt.Println(detail)
	default:
		return fmt.Errorf("unknown service subcommand %q", args[0])
	}
	return nil
}
