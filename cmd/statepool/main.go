// statepool is a command-line client for the Redis-backed work queue.
//
// Every command runs through a state-synchronizing connection pool, so the
// tube selected with -tube and the tubes watched with -watch apply to every
// connection the command uses, including ones reopened after a failure.
//
// Usage:
//
//	statepool [flags] <command> [args]
//
// Commands:
//
//	put BODY        Put a job into the tube in use
//	reserve         Reserve a job from the watched tubes
//	peek ID         Show a job
//	delete ID       Delete a job
//	release ID      Return a reserved job to its tube
//	bury ID         Set a reserved job aside
//	stats [TUBE]    Show pool and tube statistics
//	tubes           List known tubes
//	work            Reserve and delete jobs until interrupted
//	config          Print the effective configuration
//
// Flags:
//
//	-config string
//	    Path to configuration file (default "~/.statepool/config.toml")
//	-addr string
//	    Redis address (overrides config)
//	-tube string
//	    Tube to put into (default from config)
//	-watch string
//	    Comma-separated tubes to reserve from
//	-v
//	    Enable verbose logging
//	-version
//	    Print version and exit
//
// Failures are printed as "Error CODE: message", where CODE is one of the
// lib/errors Code constants.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/go-i2p/statepool/lib/config"
	apperrors "github.com/go-i2p/statepool/lib/errors"
	"github.com/go-i2p/statepool/lib/metrics"
	"github.com/go-i2p/statepool/lib/queue"
	"github.com/go-i2p/statepool/lib/validation"
	"github.com/go-i2p/statepool/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	defaultConfigPath := filepath.Join(homeDir, ".statepool", "config.toml")

	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	addr := flag.String("addr", "", "Redis address (overrides config)")
	tube := flag.String("tube", "", "Tube to put into (default from config)")
	watch := flag.String("watch", "", "Comma-separated tubes to reserve from")
	priority := flag.Int64("pri", 0, "Job priority for put, lower is more urgent")
	timeout := flag.String("timeout", "5s", "How long reserve waits for a job, empty to wait forever")
	verbose := flag.Bool("v", false, "Enable verbose logging")
	showVersion := flag.Bool("version", false, "Print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "statepool - pooled work queue client\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  statepool [flags] put BODY       Put a job\n")
		fmt.Fprintf(os.Stderr, "  statepool [flags] reserve        Reserve a job\n")
		fmt.Fprintf(os.Stderr, "  statepool [flags] peek ID        Show a job\n")
		fmt.Fprintf(os.Stderr, "  statepool [flags] delete ID      Delete a job\n")
		fmt.Fprintf(os.Stderr, "  statepool [flags] release ID     Return a reserved job\n")
		fmt.Fprintf(os.Stderr, "  statepool [flags] bury ID        Bury a reserved job\n")
		fmt.Fprintf(os.Stderr, "  statepool [flags] stats [TUBE]   Show statistics\n")
		fmt.Fprintf(os.Stderr, "  statepool [flags] tubes          List tubes\n")
		fmt.Fprintf(os.Stderr, "  statepool [flags] work           Process jobs until interrupted\n")
		fmt.Fprintf(os.Stderr, "  statepool [flags] config         Print the effective configuration\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("statepool version %s\n", version.Full())
		return 0
	}

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		return 2
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return 1
	}
	if *addr != "" {
		cfg.Queue.Addr = *addr
	}

	if args[0] == "config" {
		return printConfig(cfg)
	}

	opts, err := queue.FromConfig(cfg)
	if err != nil {
		logger.Error("invalid config", "error", err)
		return 1
	}
	client, err := queue.New(opts)
	if err != nil {
		logger.Error("failed to create client", "error", err)
		return 1
	}
	defer client.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.Metrics.Enabled {
		stop := serveMetrics(cfg.Metrics.Listen, logger)
		defer stop()
	}

	if err := selectTubes(ctx, client, *tube, *watch); err != nil {
		logger.Error("failed to select tubes", "error", err)
		return 1
	}

	switch args[0] {
	case "put":
		return cmdPut(ctx, client, args[1:], *priority)
	case "reserve":
		return cmdReserve(ctx, client, *timeout)
	case "peek":
		return cmdPeek(ctx, client, args[1:])
	case "delete", "release", "bury":
		return cmdJob(ctx, client, args[0], args[1:])
	case "stats":
		return cmdStats(ctx, client, args[1:], cfg.Queue.DefaultTube)
	case "tubes":
		return cmdTubes(ctx, client)
	case "work":
		return cmdWork(ctx, client, logger)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		flag.Usage()
		return 2
	}
}

// selectTubes applies -tube and -watch to the pool. Watching replaces the
// default tube.
func selectTubes(ctx context.Context, client *queue.Client, tube, watch string) error {
	if tube != "" {
		if err := client.Use(ctx, tube); err != nil {
			return err
		}
	}
	if watch == "" {
		return nil
	}

	wanted := make(map[string]bool)
	for _, t := range strings.Split(watch, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		wanted[t] = true
		if err := client.Watch(ctx, t); err != nil {
			return err
		}
	}
	current, err := client.Watching(ctx)
	if err != nil {
		return err
	}
	for _, t := range current {
		if !wanted[t] {
			if err := client.Ignore(ctx, t); err != nil {
				return err
			}
		}
	}
	return nil
}

func serveMetrics(listen string, logger *slog.Logger) func() {
	metrics.RegisterRuntimeCollectors()
	metrics.RecordStartTime()
	metrics.RecordBuildInfo(version.Get().Version)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Debug("serving metrics", "listen", listen)

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}

func cmdPut(ctx context.Context, client *queue.Client, args []string, priority int64) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: statepool put BODY")
		return 2
	}
	id, err := client.Put(ctx, []byte(args[0]), priority)
	if err != nil {
		return fail(err)
	}
	fmt.Printf("%d\n", id)
	return 0
}

func cmdReserve(ctx context.Context, client *queue.Client, timeout string) int {
	d, err := validation.ValidateReserveParams(timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	job, err := client.Reserve(ctx, d)
	if errors.Is(err, apperrors.ErrReserveTimeout) {
		fmt.Fprintln(os.Stderr, "No job ready")
		return 3
	}
	if err != nil {
		return fail(err)
	}
	return printJSON(jobView(job))
}

func cmdPeek(ctx context.Context, client *queue.Client, args []string) int {
	id, ok := parseID("peek", args)
	if !ok {
		return 2
	}
	job, err := client.Peek(ctx, id)
	if err != nil {
		return fail(err)
	}
	return printJSON(jobView(job))
}

func cmdJob(ctx context.Context, client *queue.Client, op string, args []string) int {
	id, ok := parseID(op, args)
	if !ok {
		return 2
	}
	var err error
	switch op {
	case "delete":
		err = client.Delete(ctx, id)
	case "release":
		err = client.Release(ctx, id)
	case "bury":
		err = client.Bury(ctx, id)
	}
	if err != nil {
		return fail(err)
	}
	return 0
}

func cmdStats(ctx context.Context, client *queue.Client, args []string, defaultTube string) int {
	tube := defaultTube
	if len(args) > 0 {
		tube = args[0]
	}
	tubeStats, err := client.StatsTube(ctx, tube)
	if err != nil {
		return fail(err)
	}

	pool := client.Stats()
	health := client.Health()
	fmt.Printf("Tube:         %s\n", tubeStats.Name)
	fmt.Printf("Ready:        %d\n", tubeStats.Ready)
	fmt.Printf("Buried:       %d\n", tubeStats.Buried)
	fmt.Printf("Connections:  %d open, %d idle, %d in use (max %d)\n",
		pool.NumOpen, pool.NumIdle, pool.NumInUse, pool.MaxConnections)
	fmt.Printf("Acquires:     %d ok, %d failed\n", pool.AcquireSuccess, pool.AcquireFailed)
	fmt.Printf("Sync calls:   %d\n", pool.SyncCalls)
	fmt.Printf("Dial circuit: %s\n", health.CircuitBreaker.State)
	return 0
}

func cmdTubes(ctx context.Context, client *queue.Client) int {
	tubes, err := client.Tubes(ctx)
	if err != nil {
		return fail(err)
	}
	for _, t := range tubes {
		fmt.Println(t)
	}
	return 0
}

// cmdWork prints and deletes jobs until the context ends.
func cmdWork(ctx context.Context, client *queue.Client, logger *slog.Logger) int {
	watching, err := client.Watching(ctx)
	if err != nil {
		logger.Error("failed to list watched tubes", "error", err)
		return 1
	}
	logger.Info("worker started", "watching", strings.Join(watching, ","), "version", version.Full())

	for {
		job, err := client.Reserve(ctx, time.Second)
		switch {
		case ctx.Err() != nil:
			logger.Info("worker stopped")
			return 0
		case errors.Is(err, apperrors.ErrReserveTimeout):
			continue
		case err != nil:
			logger.Error("reserve failed", "error", err)
			return 1
		}

		if code := printJSON(jobView(job)); code != 0 {
			return code
		}
		if err := client.Delete(ctx, job.ID); err != nil {
			logger.Warn("failed to delete job", "id", job.ID, "error", err)
		}
	}
}

// fail prints err with its error code and returns the exit status.
func fail(err error) int {
	fmt.Fprintln(os.Stderr, errorLine(err))
	return 1
}

func errorLine(err error) string {
	e := apperrors.FromSentinel(err)
	return fmt.Sprintf("Error %d: %s", e.Code, e.Message)
}

func printConfig(cfg *config.Config) int {
	shown := *cfg
	if shown.Queue.Password != "" {
		shown.Queue.Password = "********"
	}
	data, err := yaml.Marshal(&shown)
	if err != nil {
		return fail(err)
	}
	fmt.Print(string(data))
	return 0
}

func parseID(op string, args []string) (uint64, bool) {
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "Usage: statepool %s ID\n", op)
		return 0, false
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err == nil {
		err = validation.ValidateJobID(id)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid job id %q\n", args[0])
		return 0, false
	}
	return id, true
}

type jobJSON struct {
	ID       uint64 `json:"id"`
	Tube     string `json:"tube"`
	State    string `json:"state"`
	Priority int64  `json:"priority"`
	Body     string `json:"body"`
}

func jobView(job *queue.Job) jobJSON {
	return jobJSON{
		ID:       job.ID,
		Tube:     job.Tube,
		State:    job.State,
		Priority: job.Priority,
		Body:     string(job.Body),
	}
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fail(err)
	}
	fmt.Println(string(data))
	return 0
}
