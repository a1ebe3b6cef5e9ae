package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "serve":
		if hasHelpFlag(args) {
			printServeHelp()
			return 0
		}
		return runServe(args)
	case "invoke":
		if hasHelpFlag(args) {
			printInvokeHelp()
			return 0
		}
		return runInvoke(args)
	case "actions":
		return runActions(args)
	case "doctor":
		if hasHelpFlag(args) {
			printDoctorHelp()
			return 0
		}
		return runDoctor(args)
	case "status":
		return runStatus(args)
	case "watch":
		if hasHelpFlag(args) {
			printWatchHelp()
			return 0
		}
		return runWatch(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: procbridge version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("procbridge %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(built); ok {
		info.BuildTime = normalized
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if isHelpToken(arg) {
			return true
		}
	}
	return false
}

func printUsage() {
	fmt.Print(`procbridge - run UI actions in short-lived worker processes

Usage:
  procbridge <command> [flags]

Commands:
  serve      Run the bridge: HTTP API, event stream and background sync
  invoke     Run one action through the worker and print the response
  actions    List the actions this bridge accepts
  doctor     Validate configuration and the worker (--probe to call it)
  status     Show whether a bridge is running for this config
  watch      Live invocation monitor (TUI)
  version    Show version information
  help       Show this help message

Common flags:
  --config PATH   Config file or directory (default: discovered)

Use 'procbridge <command> --help' for command-specific flags.
`)
}

func printServeHelp() {
	fmt.Println("Usage: procbridge serve [--config PATH]")
	fmt.Println()
	fmt.Println("Starts the bridge in the foreground. Holds a PID lock next to the")
	fmt.Println("config file so only one bridge serves a given config.")
}

func printInvokeHelp() {
	fmt.Println("Usage: procbridge invoke <action> [--payload JSON] [--config PATH]")
	fmt.Println()
	fmt.Println("Runs a single action and prints the response JSON on stdout.")
	fmt.Println("Exit status is 0 only when the worker reported success.")
}

func printDoctorHelp() {
	fmt.Println("Usage: procbridge doctor [--config PATH] [--probe] [--json]")
	fmt.Println()
	fmt.Println("Validates configuration, the worker executable and its checksum.")
	fmt.Println("--probe additionally runs init_db_check through the worker.")
}

func printWatchHelp() {
	fmt.Println("Usage: procbridge watch [flags]")
	fmt.Println()
	fmt.Println("Live monitor of invocations, background sync and the event stream.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL    Bridge API URL (default: from config, else http://127.0.0.1:8417)")
	fmt.Println("  --api-key KEY    API Bearer Token (or PROCBRIDGE_API_KEY env var)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  ↑/↓, k/j         Select action")
	fmt.Println("  r                Refresh stats")
}
