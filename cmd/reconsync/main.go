package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ipsix/reconsync/internal/cli"
	"github.com/ipsix/reconsync/internal/config"
	"github.com/ipsix/reconsync/internal/daemon"
	"github.com/ipsix/reconsync/internal/logging"
	"github.com/ipsix/reconsync/internal/storage"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "ctl" {
		runCLI(os.Args[2:])
		return
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to config file")
	envFile := flag.String("env-file", "", "Env file to load before reading config")
	reconnect := flag.Bool("reconnect", false, "Send SIGHUP to a running reconsync process to reset its push channel and exit")
	pidValue := flag.String("pid", "", "PID to signal for -reconnect (or set RECONSYNC_PID)")
	flag.Parse()

	if *reconnect {
		if err := signalReconnect(*pidValue); err != nil {
			_, _ = os.Stderr.WriteString("reconnect error: " + err.Error() + "\n")
			os.Exit(1)
		}
		_, _ = os.Stdout.WriteString("reconnect signal sent\n")
		return
	}

	if err := loadEnvFile(*envFile); err != nil {
		_, _ = os.Stderr.WriteString("env error: " + err.Error() + "\n")
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("config error: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := logging.New(cfg.Client.LogFormat)
	logger.SetLevel(logging.ParseLevel(cfg.Client.LogLevel))
	logger.Info("reconsync starting", logging.Field{Key: "config", Value: cfg.Redacted()})

	runner := daemon.New(cfg, logger)
	if err := runner.Run(context.Background()); err != nil {
		logger.Error("daemon exited with error", logging.Err(err))
		os.Exit(1)
	}
}

func signalReconnect(pid string) error {
	if pid == "" {
		pid = os.Getenv("RECONSYNC_PID")
	}
	if pid == "" {
		return errors.New("pid is required (use -pid or RECONSYNC_PID)")
	}
	parsed, err := strconv.Atoi(pid)
	if err != nil || parsed <= 0 {
		return errors.New("pid must be a positive integer")
	}
	proc, err := os.FindProcess(parsed)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.SIGHUP)
}

func runCLI(args []string) {
	fs := flag.NewFlagSet("ctl", flag.ExitOnError)
	addr := fs.String("addr", "http://127.0.0.1:8790", "API base URL")
	token := fs.String("token", "", "API token (or set RECONSYNC_TOKEN)")
	priority := fs.Int("priority", 2, "Priority for submit (1 high, 2 normal, 3 low)")
	pretty := fs.Bool("pretty", false, "Pretty-print JSON responses")
	configPath := fs.String("config", config.DefaultConfigPath, "Config path for validate/storage-check")
	envFile := fs.String("env-file", "", "Env file to load before validate/storage-check")
	fs.Usage = usageCLI
	_ = fs.Parse(args)

	if fs.NArg() < 1 {
		usageCLI()
		os.Exit(2)
	}
	cmd := fs.Arg(0)

	var (
		raw []byte
		err error
	)
	switch cmd {
	case "validate":
		err = runValidate(*configPath, *envFile)
		raw = []byte(`{"status":"ok"}`)
	case "storage-check":
		err = runStorageCheck(*configPath, *envFile)
		raw = []byte(`{"status":"ok"}`)
	default:
		if *token == "" {
			*token = os.Getenv("RECONSYNC_TOKEN")
		}
		var req cli.Request
		req, err = cli.Resolve(cmd, fs.Args()[1:], cli.Options{Priority: *priority})
		if errors.Is(err, cli.ErrUsage) {
			_, _ = os.Stderr.WriteString("ctl error: " + err.Error() + "\n")
			usageCLI()
			os.Exit(2)
		}
		if err == nil {
			raw, err = cli.NewClient(*addr, *token).Execute(context.Background(), req)
		}
	}

	if err != nil {
		_, _ = os.Stderr.WriteString("ctl error: " + err.Error() + "\n")
		os.Exit(1)
	}
	raw = maybePrettyJSON(raw, *pretty)
	_, _ = os.Stdout.Write(raw)
	if len(raw) > 0 && raw[len(raw)-1] != '\n' {
		_, _ = os.Stdout.Write([]byte("\n"))
	}
}

func usageCLI() {
	usage := []string{
		"Usage: reconsync ctl [flags] <command>",
		"",
		"Commands:",
		"  status | health | metrics",
		"  scans",
		"  scan <id>",
		"  history",
		"  vulns [page]",
		"  activity",
		"  notifications",
		"  submit <domain>",
		"  pause <id>",
		"  resume <id>",
		"  stop <id>",
		"  delete-vuln <id>",
		"  retest <id>",
		"  dismiss <notification-id>",
		"  reconnect | disconnect",
		"  validate",
		"  storage-check",
		"",
		"Flags:",
		"  -addr http://127.0.0.1:8790",
		"  -token <token> (or RECONSYNC_TOKEN)",
		"  -priority 1|2|3 (for submit)",
		"  -pretty (pretty-print JSON)",
		"  -config <path> (for validate/storage-check)",
		"  -env-file <path> (optional env file for validate/storage-check)",
	}
	_, _ = os.Stderr.WriteString(strings.Join(usage, "\n") + "\n")
}

func maybePrettyJSON(raw []byte, pretty bool) []byte {
	if !pretty {
		return raw
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return raw
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return raw
	}
	var out bytes.Buffer
	if err := json.Indent(&out, []byte(trimmed), "", "  "); err != nil {
		return raw
	}
	out.WriteByte('\n')
	return out.Bytes()
}

func runValidate(configPath, envFile string) error {
	if err := loadEnvFile(envFile); err != nil {
		return err
	}
	_, err := config.Load(configPath)
	return err
}

func runStorageCheck(configPath, envFile string) error {
	if err := loadEnvFile(envFile); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	store, err := storage.NewBadgerStoreWithKey(cfg.Storage.DBPath, cfg.Storage.EncryptionKeyBase64, logging.Discard())
	if err != nil {
		return err
	}
	return store.Close()
}

// loadEnvFile never overrides variables already present in the environment.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	return godotenv.Load(path)
}
