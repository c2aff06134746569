package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	flags "github.com/jessevdk/go-flags"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"github.com/inboxsense/inboxsense/pkg/ai"
	"github.com/inboxsense/inboxsense/pkg/analysis"
	"github.com/inboxsense/inboxsense/pkg/bootstrap"
	"github.com/inboxsense/inboxsense/pkg/cache"
	"github.com/inboxsense/inboxsense/pkg/config"
	"github.com/inboxsense/inboxsense/pkg/db"
	"github.com/inboxsense/inboxsense/pkg/events"
	"github.com/inboxsense/inboxsense/pkg/helpers"
	"github.com/inboxsense/inboxsense/pkg/tokens"
)

type options struct {
	User         string `short:"u" long:"user"          description:"User id owning the emails"                              required:"true"`
	Emails       string `short:"f" long:"emails"        description:"JSONL file with one email per line, - for stdin"        default:"-"`
	List         bool   `          long:"list"          description:"List cached results instead of analyzing"`
	SinceDays    int    `          long:"since-days"    description:"With --list, only results from the last N days"`
	Max          int    `          long:"max"           description:"With --list, return at most N results"`
	Invalidate   string `          long:"invalidate"    description:"Drop the cached result for this email id"`
	Clear        bool   `          long:"clear"         description:"Drop every cached result of the user"`
	Purge        bool   `          long:"purge"         description:"Delete expired cache rows and exit"`
	EmbeddedNATS bool   `          long:"embedded-nats" description:"Run an in-process NATS server for progress events"`
	NoEvents     bool   `          long:"no-events"     description:"Do not publish progress events"`
	Debug        bool   `          long:"debug"         description:"Verbose logging"`
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	parser.ShortDescription = "Semantic email analyzer"
	if _, err := parser.Parse(); err != nil {
		if fe, ok := err.(*flags.Error); ok && fe.Type == flags.ErrHelp {
			return
		}
		os.Exit(1)
	}

	logger := bootstrap.NewLogger(opts.Debug)

	if err := helpers.LoadEnvFile(3); err != nil {
		logger.Debug("No .env file found, relying on process environment")
	}

	envs, err := config.LoadConfig(opts.Debug)
	if err != nil {
		panic(errors.Wrap(err, "Unable to load config"))
	}
	logger.Info("Using database path", "path", envs.DBPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := db.NewStore(ctx, logger, envs.DBPath)
	if err != nil {
		logger.Error("Unable to create or initialize database", "error", err)
		panic(errors.Wrap(err, "Unable to create or initialize database"))
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Error closing store", "error", err)
		}
	}()
	logger.Info("SQLite database initialized")

	results := cache.New(logger, store)
	estimator := tokens.NewEstimator()
	pricing := tokens.NewPricing()

	gateway := ai.NewService(logger, envs.CompletionsAPIKey, envs.CompletionsAPIURL, estimator, pricing, ai.Options{
		MaxRetries:         envs.MaxRetries,
		RequestTimeout:     envs.RequestTimeout,
		RateLimitPerMinute: envs.RateLimitPerMinute,
		MaxOutputTokens:    envs.MaxOutputTokens,
		Temperature:        float32(envs.Temperature),
	})
	defer gateway.Close()

	nc := connectNATS(logger, envs, &opts)
	if nc != nil {
		defer nc.Close()
	}

	service, err := analysis.NewService(logger, envs, gateway, results, estimator, pricing, events.NewPublisher(logger, nc))
	if err != nil {
		logger.Error("Invalid configuration", "error", err)
		panic(errors.Wrap(err, "Unable to build analysis service"))
	}

	switch {
	case opts.Purge:
		purged, err := store.PurgeExpired(ctx)
		if err != nil {
			logger.Error("Purging expired entries failed", "error", err)
			os.Exit(1)
		}
		logger.Info("Purged expired cache entries", "count", purged)

	case opts.Clear:
		if err := service.Invalidate(ctx, opts.User, nil); err != nil {
			logger.Error("Clearing cached results failed", "error", err)
			os.Exit(1)
		}
		logger.Info("Cleared cached results", "user", opts.User)

	case opts.Invalidate != "":
		if err := service.Invalidate(ctx, opts.User, helpers.Ptr(opts.Invalidate)); err != nil {
			logger.Error("Invalidating cached result failed", "error", err)
			os.Exit(1)
		}
		logger.Info("Invalidated cached result", "user", opts.User, "email", opts.Invalidate)

	case opts.List:
		cached, err := service.GetCached(ctx, opts.User, opts.SinceDays, opts.Max)
		if err != nil {
			logger.Error("Listing cached results failed", "error", err)
			os.Exit(1)
		}
		printJSON(logger, cached)

	default:
		runAnalysis(ctx, logger, service, gateway, &opts)
	}
}

func runAnalysis(ctx context.Context, logger *log.Logger, service *analysis.Service, gateway *ai.Service, opts *options) {
	emails, err := readEmails(opts.Emails, opts.User)
	if err != nil {
		logger.Error("Reading emails failed", "error", err)
		os.Exit(1)
	}
	if len(emails) == 0 {
		logger.Warn("No emails to analyze")
		return
	}

	report, err := service.Analyze(ctx, opts.User, emails)
	if err != nil {
		logger.Error("Analysis aborted", "error", err)
		if report != nil {
			printJSON(logger, report)
		}
		os.Exit(1)
	}

	usage := gateway.Usage()
	logger.Info("Gateway usage",
		"requests", usage.Requests,
		"promptTokens", usage.PromptTokens,
		"completionTokens", usage.CompletionTokens,
		"cost", usage.TotalCost,
	)

	printJSON(logger, report)
}

// connectNATS wires the progress event transport. Events are
// best-effort, so connection problems downgrade to a warning.
func connectNATS(logger *log.Logger, envs *config.Config, opts *options) *nats.Conn {
	if opts.NoEvents {
		return nil
	}

	url := envs.NatsURL
	if opts.EmbeddedNATS {
		natsServer, err := bootstrap.StartEmbeddedNATSServer(logger)
		if err != nil {
			logger.Warn("Embedded NATS server failed to start, continuing without events", "error", err)
			return nil
		}
		url = natsServer.ClientURL()
	}

	nc, err := bootstrap.NewNatsClient(url)
	if err != nil {
		logger.Warn("NATS connection failed, continuing without events", "url", url, "error", err)
		return nil
	}

	return nc
}

// readEmails parses one EmailRecord per non-empty JSONL line.
func readEmails(path, userID string) ([]analysis.EmailRecord, error) {
	var reader io.Reader
	if path == "-" {
		reader = os.Stdin
	} else {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", path, err)
		}
		defer func() { _ = file.Close() }()
		reader = file
	}

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var emails []analysis.EmailRecord
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var record analysis.EmailRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			return nil, fmt.Errorf("parsing line %d: %w", line, err)
		}
		if record.UserID == "" {
			record.UserID = userID
		}
		emails = append(emails, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading input: %w", err)
	}

	return emails, nil
}

func printJSON(logger *log.Logger, v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		logger.Error("Encoding output failed", "error", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}
