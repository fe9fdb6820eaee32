package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/meterbook/meterbook/internal/demo"
	"github.com/meterbook/meterbook/internal/httpapi"
	"github.com/meterbook/meterbook/internal/hybrid"
	"github.com/meterbook/meterbook/internal/localcache"
	"github.com/meterbook/meterbook/internal/remotestore"
	"github.com/meterbook/meterbook/internal/storage"
)

const usage = `usage: meterbook [flags] <command> [args]

commands:
  get <key>              print a stored value
  set <key> <json>       store a value (non-JSON input is stored as a string)
  delete <key>           remove a value
  export                 print every stored value as one JSON object
  import <file|->        load values from a JSON backup
  mode [local|cloud|toggle]
  migrate                upload local data to the cloud
  pull                   replace local data with the cloud copy
  clear-cloud            delete all cloud data for the user
  status                 print sync status
  demo enter|exit        swap local data with sample data and back
  watch                  print status whenever the local file changes`

var backupSchema = httpapi.MustCompileSchema("backup.json", httpapi.BackupSchema)

type config struct {
	localDSN      string
	remoteDSN     string
	token         string
	user          string
	remoteTimeout time.Duration
	logLevel      string
}

type app struct {
	out     io.Writer
	log     zerolog.Logger
	medium  localcache.Medium
	local   *localcache.Cache
	remote  *remotestore.Store
	sandbox *demo.Sandbox
	coord   *hybrid.Coordinator
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("meterbook", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, usage)
		fmt.Fprintln(stderr, "\nflags:")
		fs.PrintDefaults()
	}
	var cfg config
	fs.StringVar(&cfg.localDSN, "local", envOrDefault("METERBOOK_LOCAL_DSN", defaultLocalDSN()), "local medium DSN (sqlite://, file://, memory://)")
	fs.StringVar(&cfg.remoteDSN, "remote", strings.TrimSpace(os.Getenv("METERBOOK_REMOTE_DSN")), "remote document store DSN (http://, postgres://, memory://)")
	fs.StringVar(&cfg.token, "token", strings.TrimSpace(os.Getenv("METERBOOK_TOKEN")), "bearer token for an http remote")
	fs.StringVar(&cfg.user, "user", strings.TrimSpace(os.Getenv("METERBOOK_USER")), "signed-in user id")
	fs.DurationVar(&cfg.remoteTimeout, "remote-timeout", durationEnv("METERBOOK_REMOTE_TIMEOUT", 30*time.Second), "timeout for each remote write")
	fs.StringVar(&cfg.logLevel, "log-level", envOrDefault("METERBOOK_LOG_LEVEL", "warn"), "log level")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	logger := newLogger(stderr, cfg.logLevel)
	a, err := open(cfg, stdout, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open storage")
		return 1
	}
	defer a.close()

	if err := a.dispatch(ctx, fs.Arg(0), fs.Args()[1:], stdin); err != nil {
		var uerr usageError
		if errors.As(err, &uerr) {
			fmt.Fprintln(stderr, uerr.Error())
			fmt.Fprintln(stderr, usage)
			return 2
		}
		fmt.Fprintf(stderr, "meterbook: %v\n", err)
		return 1
	}
	return 0
}

type usageError string

func (e usageError) Error() string { return string(e) }

func newLogger(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.WarnLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}

func defaultLocalDSN() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "sqlite://.meterbook/local.db"
	}
	return "sqlite://" + filepath.ToSlash(filepath.Join(home, ".meterbook", "local.db"))
}

func open(cfg config, out io.Writer, logger zerolog.Logger) (*app, error) {
	medium, err := localcache.BuildMediumFromDSN(cfg.localDSN)
	if err != nil {
		return nil, fmt.Errorf("local medium: %w", err)
	}
	a := &app{out: out, log: logger, medium: medium}
	a.local = localcache.New(medium, localcache.Options{Logger: logger})
	a.sandbox = demo.New(a.local, demo.Options{Logger: logger})

	identity := storage.StaticIdentity(cfg.user)
	var remote hybrid.RemoteStore
	if cfg.remoteDSN != "" {
		docs, err := remotestore.BuildDocumentStoreFromDSN(cfg.remoteDSN, cfg.token)
		if err != nil {
			_ = a.local.Close()
			return nil, fmt.Errorf("remote store: %w", err)
		}
		a.remote = remotestore.New(docs, identity, remotestore.Options{Logger: logger})
		remote = a.remote
	}
	a.coord = hybrid.New(a.local, remote, identity, hybrid.Options{
		Demo:          a.sandbox,
		RemoteTimeout: cfg.remoteTimeout,
		Logger:        logger,
	})
	return a, nil
}

// close waits for background remote writes before releasing the stores.
func (a *app) close() {
	if err := a.coord.Close(); err != nil {
		a.log.Warn().Err(err).Int64("pending", a.coord.Status().PendingWrites).Msg("exiting with remote writes still pending")
	}
	if a.remote != nil {
		if err := a.remote.Close(); err != nil {
			a.log.Warn().Err(err).Msg("close remote store")
		}
	}
	if err := a.local.Close(); err != nil {
		a.log.Warn().Err(err).Msg("close local cache")
	}
}

func (a *app) dispatch(ctx context.Context, command string, args []string, stdin io.Reader) error {
	switch command {
	case "get":
		key, err := oneArg(command, args)
		if err != nil {
			return err
		}
		return a.get(ctx, key)
	case "set":
		if len(args) != 2 {
			return usageError("set takes a key and a value")
		}
		return a.coord.Save(ctx, args[0], parseValue(args[1]))
	case "delete":
		key, err := oneArg(command, args)
		if err != nil {
			return err
		}
		return a.coord.Delete(ctx, key)
	case "export":
		data, err := a.coord.ExportAll(ctx)
		if err != nil {
			return err
		}
		return a.printJSON(data)
	case "import":
		source, err := oneArg(command, args)
		if err != nil {
			return err
		}
		return a.importBackup(ctx, source, stdin)
	case "mode":
		return a.mode(args)
	case "migrate":
		report, err := a.coord.MigrateLocalToCloud(ctx)
		if err != nil {
			return err
		}
		return a.printJSON(report)
	case "pull":
		if err := a.coord.PullFromCloud(ctx); err != nil {
			return err
		}
		return a.printJSON(a.coord.Status())
	case "clear-cloud":
		return a.coord.ClearCloudData(ctx)
	case "status":
		return a.printJSON(a.coord.Status())
	case "demo":
		return a.demo(ctx, args)
	case "watch":
		return a.watch(ctx)
	default:
		return usageError(fmt.Sprintf("unknown command %q", command))
	}
}

func oneArg(command string, args []string) (string, error) {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		return "", usageError(command + " takes exactly one argument")
	}
	return args[0], nil
}

// parseValue stores valid JSON as-is and anything else as a JSON string.
func parseValue(raw string) any {
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	return raw
}

func (a *app) get(ctx context.Context, key string) error {
	value, err := a.coord.Load(ctx, key)
	if err != nil {
		return err
	}
	if value == nil {
		return fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}
	_, err = fmt.Fprintln(a.out, string(value))
	return err
}

func (a *app) importBackup(ctx context.Context, source string, stdin io.Reader) error {
	var (
		body []byte
		err  error
	)
	if source == "-" {
		body, err = io.ReadAll(stdin)
	} else {
		body, err = os.ReadFile(source)
	}
	if err != nil {
		return err
	}
	if err := httpapi.ValidateJSON(backupSchema, body); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	var data map[string]json.RawMessage
	if err := json.Unmarshal(body, &data); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	if err := a.coord.ImportAll(ctx, data); err != nil {
		return err
	}
	a.log.Info().Int("keys", len(data)).Msg("imported backup")
	return nil
}

func (a *app) mode(args []string) error {
	switch {
	case len(args) == 0:
	case len(args) == 1 && args[0] == "toggle":
		a.coord.ToggleMode()
	case len(args) == 1:
		mode, err := hybrid.ParseMode(args[0])
		if err != nil {
			return err
		}
		if err := a.coord.SetMode(mode); err != nil {
			return err
		}
	default:
		return usageError("mode takes at most one argument")
	}
	_, err := fmt.Fprintln(a.out, a.coord.Mode())
	return err
}

func (a *app) demo(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usageError("demo takes enter or exit")
	}
	switch args[0] {
	case "enter":
		return a.sandbox.Enter(ctx)
	case "exit":
		return a.sandbox.Exit(ctx)
	default:
		return usageError(fmt.Sprintf("unknown demo action %q", args[0]))
	}
}

func (a *app) watch(ctx context.Context) error {
	file, ok := a.medium.(*localcache.FileMedium)
	if !ok {
		return usageError("watch needs a file:// local medium")
	}
	unsubscribe := a.coord.Subscribe(func(status hybrid.Status) {
		a.log.Info().Str("mode", string(status.Mode)).Bool("syncing", status.Syncing).Msg("sync status changed")
	})
	defer unsubscribe()
	a.log.Info().Str("path", file.Path()).Msg("watching local data")
	return file.Watch(ctx, func() {
		keys, err := a.medium.Keys()
		if err != nil {
			a.log.Warn().Err(err).Msg("list local keys")
			return
		}
		_ = a.printJSON(map[string]any{
			"path":   file.Path(),
			"keys":   len(keys),
			"status": a.coord.Status(),
		})
	})
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s=%q, using fallback %s\n", name, raw, fallback)
		return fallback
	}
	return value
}
