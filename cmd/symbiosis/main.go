package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	name := os.Args[0]
	fmt.Fprintf(os.Stderr, `Usage of %[1]s:

EVOLUTION:
  %[1]s evolve [options]        Run one evolution over recorded telemetry
                              Options: -generations N, -seed S, -out file
  %[1]s patterns [options]      Discover consistent rule synergies
                              Options: -min N, -sequences, -contexts, -json
  %[1]s export [options]        Write the ranked profiles document
                              Options: -out file (.yaml or .json), -min-fitness f, -limit N

TELEMETRY:
  %[1]s ingest [-file path]     Load JSONL telemetry records (default: stdin)

SERVICE:
  %[1]s serve                   Start the HTTP ingest API and event stream
  %[1]s daemon                  Start the API plus scheduled evolution runs
  %[1]s status [-remote]        Show store status (-remote queries /healthz)
  %[1]s doctor [-json]          Run diagnostic checks

ENVIRONMENT VARIABLES:
  SYMBIOSIS_HOME          Data directory (default: ~/.symbiosis)
  SYMBIOSIS_DB_PATH       Telemetry database (default: $SYMBIOSIS_HOME/telemetry.db)
  SYMBIOSIS_SEED          Random seed for evolution runs
  SYMBIOSIS_SCHEDULE      Cron expression for daemon runs
  SYMBIOSIS_NO_TUI        Set to 1 to disable the progress view

EXAMPLES:
  Load telemetry:         %[1]s ingest -file telemetry.jsonl
  Evolve and export:      %[1]s evolve -generations 50 -out profiles.yaml
  Run diagnostics:        %[1]s doctor
`, name)
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}
	os.Exit(dispatch(ctx, args))
}

func dispatch(ctx context.Context, args []string) int {
	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
		return 0
	case "evolve":
		return runEvolveCommand(ctx, args[1:])
	case "patterns":
		return runPatternsCommand(ctx, args[1:])
	case "export":
		return runExportCommand(ctx, args[1:])
	case "ingest":
		return runIngestCommand(ctx, args[1:])
	case "serve":
		return runServeCommand(ctx, args[1:], false)
	case "daemon":
		mode, err := parseDaemonSubcommandArgs(args[1:])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		if mode == daemonSubcommandHelp {
			printDaemonSubcommandUsage(os.Stdout)
			return 0
		}
		return runServeCommand(ctx, nil, true)
	case "status":
		return runStatusCommand(ctx, args[1:])
	case "doctor":
		return runDoctorCommand(ctx, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printUsage()
		return 2
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	}
	fmt.Fprintf(
		os.Stderr,
		`{"timestamp":"%s","level":"ERROR","component":"symbiosis","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
		time.Now().UTC().Format(time.RFC3339Nano),
		reasonCode,
		message,
	)
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr.Err, &sysErr) {
			return errors.Is(sysErr.Err, syscall.EADDRINUSE)
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}

// loadDotEnv sets variables from a KEY=VALUE file without overriding the
// environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.Trim(strings.TrimSpace(line[eq+1:]), `"'`)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

type daemonSubcommandMode int

const (
	daemonSubcommandRun daemonSubcommandMode = iota
	daemonSubcommandHelp
)

func parseDaemonSubcommandArgs(args []string) (daemonSubcommandMode, error) {
	if len(args) == 0 {
		return daemonSubcommandRun, nil
	}
	if len(args) == 1 && isHelpArg(args[0]) {
		return daemonSubcommandHelp, nil
	}
	return daemonSubcommandRun, fmt.Errorf("usage: symbiosis daemon [--help]")
}

func isHelpArg(raw string) bool {
	switch strings.TrimSpace(raw) {
	case "-h", "--help", "help":
		return true
	default:
		return false
	}
}

func printDaemonSubcommandUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: symbiosis daemon [--help]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Starts the ingest API and runs evolution on evolution.schedule.")
	fmt.Fprintln(w, "config.yaml and the rule catalog are reloaded between runs.")
}
