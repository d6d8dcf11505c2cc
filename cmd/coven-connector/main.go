// ABOUTME: Entry point for the coven connector CLI
// ABOUTME: Bridges the cloud relay to a local coven gateway

package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"
)

const banner = `
    ╭────────────────────────────────────╮
    │                                    │
    │   ┏━╸┏━┓╻ ╻┏━╸┏┓╻                  │
    │   ┃  ┃ ┃┃┏┛┣╸ ┃┗┫                  │
    │   ┗━╸┗━┛┗┛ ┗━╸╹ ╹ connector        │
    │                                    │
    ╰────────────────────────────────────╯
`

// Version is set by goreleaser at build time.
var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "enroll":
		err = cmdEnroll(args)
	case "start":
		err = cmdStart(args)
	case "status":
		err = cmdStatus(args)
	case "config":
		err = cmdConfig(args)
	case "revoke":
		err = cmdRevoke(args)
	case "service":
		err = cmdService(args)
	case "version", "-v", "--version":
		fmt.Printf("coven-connector %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: coven-connector <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  enroll --code <CODE>     Pair this machine with the relay")
	fmt.Println("  start                    Run the connector in the foreground")
	fmt.Println("  start --all              Run every enrolled connector config")
	fmt.Println("  status                   Show enrollment and gateway reachability")
	fmt.Println("  config                   Print the active configuration")
	fmt.Println("  revoke                   Clear enrollment (use --force to skip prompt)")
	fmt.Println("  service install          Install as a login service")
	fmt.Println("  service uninstall        Remove the login service")
	fmt.Println("  service status           Show login service state")
	fmt.Println("  version                  Print the version")
	fmt.Println()
	yellow.Println("Options:")
	fmt.Println("  --name <name>            Use the named config (connector.<name>.toml)")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  COVEN_CONNECTOR_CONFIG   Override the config file path")
	fmt.Println("  COVEN_ENROLLMENT_URL     Override the enrollment API base URL")
	fmt.Println()
	yellow.Println("Examples:")
	fmt.Println("  coven-connector enroll --code AB12-CD34")
	fmt.Println("  coven-connector start")
	fmt.Println("  coven-connector enroll --name laptop --code AB12-CD34")
	fmt.Println("  coven-connector start --name laptop")
	fmt.Println()
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
