package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"

	"github.com/orchard/lifemap/internal/bus"
	"github.com/orchard/lifemap/internal/config"
	cronPkg "github.com/orchard/lifemap/internal/cron"
	"github.com/orchard/lifemap/internal/extraction"
	"github.com/orchard/lifemap/internal/interview"
	"github.com/orchard/lifemap/internal/knowledge"
	"github.com/orchard/lifemap/internal/llm"
	otelPkg "github.com/orchard/lifemap/internal/otel"
	"github.com/orchard/lifemap/internal/persistence"
	"github.com/orchard/lifemap/internal/shared"
	"github.com/orchard/lifemap/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

INTERVIEW MODE (default):
  %s                          Start the interactive life-area interview

DAEMON MODE:
  %s -daemon                  Run workers only (extraction, knowledge, sweep)

SUBCOMMANDS:
  %s doctor                   Run diagnostic checks
  %s seed                     Create the starter life-area tree

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  LIFEMAP_HOME            Data directory (default: ~/.lifemap)
  GEMINI_API_KEY          Required for live question generation and extraction
`)
}

func main() {
	loadDotEnv(".env")

	interactive := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("LIFEMAP_NO_REPL") == ""
	daemon := flag.Bool("daemon", false, "run workers only, no interview REPL")
	flag.Usage = printUsage
	flag.Parse()

	if *daemon {
		interactive = false
	}

	// Quiet logs (file-only) in interactive mode so the REPL stays clean.
	quietLogs := interactive

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var seedRequested bool
	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "seed":
			seedRequested = true
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded",
		"version", Version,
		"config_fingerprint", cfg.Fingerprint(),
	)

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", cfg.DBPath)

	// Tasks stranded in processing by a previous crash go back to pending
	// before any worker starts.
	recovered, err := store.RequeueStale(ctx, 0)
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "requeued", recovered)

	client, err := llm.New(ctx, cfg.LLM)
	if err != nil {
		fatalStartup(logger, "E_LLM_INIT", err)
	}
	if !client.Live() {
		logger.Warn("no API key configured; using deterministic fallbacks",
			"provider", cfg.LLM.Provider)
	}
	embedder, err := llm.NewEmbedder(ctx, cfg.LLM.APIKey, cfg.LLM.EmbedModel)
	if err != nil {
		fatalStartup(logger, "E_EMBEDDER_INIT", err)
	}

	consumer := knowledge.NewConsumer(knowledge.Config{
		WorkerCount: cfg.Knowledge.WorkerCount,
		QueueDepth:  cfg.Knowledge.QueueDepth,
	}, store, client, embedder, eventBus)
	consumer.Start(ctx)

	cascade := extraction.NewCascade(store, consumer, metrics)
	processor := extraction.NewProcessor(store, client, embedder, metrics)
	pool := extraction.NewPool(extraction.Config{
		WorkerCount:  cfg.Extraction.WorkerCount,
		BatchSize:    cfg.Extraction.BatchSize,
		PollInterval: cfg.Extraction.PollInterval(),
		MaxRetries:   cfg.Extraction.MaxRetries,
		EventBus:     eventBus,
	}, store, processor, cascade, metrics)
	pool.Start(ctx)

	go runMetricsBridge(ctx, eventBus, metrics)

	sweeper, err := cronPkg.NewSweeper(cronPkg.Config{
		Store:      store,
		Cascade:    cascade,
		Metrics:    metrics,
		Spec:       cfg.SweepSpec,
		MaxRetries: cfg.Extraction.MaxRetries,
		StaleAfter: cfg.Extraction.StaleAfter(),
	})
	if err != nil {
		fatalStartup(logger, "E_SWEEPER_INIT", err)
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()

	userID, err := loadUserID(cfg.HomeDir)
	if err != nil {
		fatalStartup(logger, "E_USER_ID", err)
	}
	if err := store.EnsureUser(ctx, userID, ""); err != nil {
		fatalStartup(logger, "E_USER_ENSURE", err)
	}
	ctx = shared.WithUserID(ctx, userID)

	if seedRequested {
		created, err := seedStarterAreas(ctx, store, userID)
		if err != nil {
			fatalStartup(logger, "E_SEED", err)
		}
		if created == 0 {
			fmt.Println("Life-area tree already present; nothing to do.")
		} else {
			fmt.Printf("Created %d life areas. Run %s to start the interview.\n", created, os.Args[0])
		}
		return
	}

	logger.Info("startup phase", "phase", "workers_started",
		"extraction_workers", cfg.Extraction.WorkerCount,
		"knowledge_workers", cfg.Knowledge.WorkerCount,
	)

	if interactive {
		machine := interview.NewMachine(store, client, client, interview.WithBus(eventBus))
		go func() {
			if err := runInterviewREPL(ctx, machine, store, userID, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
				logger.Error("interview exited with error", "error", err)
			}
			stop()
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	// Stop intake first, then drain workers so in-flight tasks either
	// finish or land back in a recoverable queue state.
	if err := pool.Drain(5 * time.Second); err != nil {
		logger.Warn("extraction drain incomplete", "error", err)
	}
	if err := consumer.Drain(5 * time.Second); err != nil {
		logger.Warn("knowledge drain incomplete", "error", err)
	}
	logger.Info("shutdown complete")
}

// runInterviewREPL walks the user's root areas in order and runs the leaf
// interview for each over stdin/stdout.
func runInterviewREPL(ctx context.Context, machine *interview.Machine, store *persistence.Store, userID string, in io.Reader, out io.Writer) error {
	roots, err := store.ListRoots(ctx, userID)
	if err != nil {
		return err
	}
	if len(roots) == 0 {
		fmt.Fprintf(out, "No life areas yet. Run %s seed to create the starter tree.\n", os.Args[0])
		return nil
	}

	fmt.Fprintln(out, "Life-area interview. Answer in your own words; /skip to skip a topic, /quit to exit.")
	scanner := bufio.NewScanner(in)

	for _, root := range roots {
		if root.ExtractedAt != nil {
			continue
		}
		fmt.Fprintf(out, "\n== %s ==\n", root.Title)

		turn, err := machine.Begin(ctx, userID, root.ID)
		if err != nil {
			return err
		}
		for !turn.Done {
			fmt.Fprintf(out, "\n%s\n> ", turn.Question)
			if !scanner.Scan() {
				return scanner.Err()
			}
			line := strings.TrimSpace(scanner.Text())

			switch line {
			case "":
				continue
			case "/quit", "/exit":
				fmt.Fprintln(out, "Progress saved. Pick up where you left off next time.")
				return nil
			case "/skip":
				turn, err = machine.Skip(ctx, userID)
			default:
				turn, err = machine.Answer(ctx, userID, line)
			}
			if err != nil {
				var evalErr *interview.EvaluationError
				if errors.As(err, &evalErr) {
					fmt.Fprintln(out, "(Hit a temporary snag judging that answer; it is saved. Say a bit more or try again.)")
					// The slot still holds the question; re-ask it.
					ic, icErr := store.GetInterviewContext(ctx, userID)
					if icErr != nil || ic == nil {
						return err
					}
					turn = &interview.Turn{Question: ic.QuestionText, LeafID: ic.ActiveLeafID}
					continue
				}
				return err
			}
			if turn.CoveredLeafID != "" {
				fmt.Fprintln(out, "Got it, thanks.")
			} else if turn.SkippedLeafID != "" && line != "/skip" {
				fmt.Fprintln(out, "No problem, moving on.")
			}
		}
		fmt.Fprintf(out, "\nAll topics under %s are done.\n", root.Title)
	}
	fmt.Fprintln(out, "\nInterview complete. Extraction continues in the background.")
	return nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

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
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

// loadUserID returns the stable local user id, generating and persisting
// one on first run.
func loadUserID(homeDir string) (string, error) {
	idPath := filepath.Join(homeDir, "user.id")
	b, err := os.ReadFile(idPath)
	if err == nil {
		if id := strings.TrimSpace(string(b)); id != "" {
			if _, parseErr := uuid.Parse(id); parseErr == nil {
				return id, nil
			}
		}
	}
	id := uuid.NewString()
	if err := os.WriteFile(idPath, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist user id: %w", err)
	}
	slog.Info("user.id generated", "path", idPath)
	return id, nil
}

// runMetricsBridge folds bus traffic into the OTel counters so the
// instruments reflect activity regardless of which component drove it.
func runMetricsBridge(ctx context.Context, eventBus *bus.Bus, metrics *otelPkg.Metrics) {
	sub := eventBus.Subscribe("")
	defer eventBus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			switch ev.Topic {
			case bus.TopicLeafCovered:
				metrics.RecordLeafCovered(ctx)
			case bus.TopicLeafSkipped:
				metrics.RecordLeafSkipped(ctx)
			case bus.TopicTaskEnqueued:
				metrics.RecordTaskEnqueued(ctx)
			case bus.TopicTaskDeadLetter:
				if task, isTask := ev.Payload.(bus.TaskEvent); isTask {
					slog.Warn("dead letter announced",
						"task_id", task.TaskID, "leaf_id", task.LeafID)
				}
			}
		}
	}
}
