// Modelq runs statements on the models described by a schema file.
//
// Statements are read from -e, from the given files or from stdin and their results are
// written as JSON lines:
//
//	modelq -schema schema.json -e 'SEARCH users WHERE age >= 18 SORT name;'
//
// With -listen the models are served over HTTP, see package remote. With -remote the
// statements are sent to a modelq server instead. With -follow the changes published on a
// topic are written as JSON lines until interrupted.
//
// Log level and format are read from MODELQ_LOG_LEVEL and MODELQ_LOG_FMT.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/birdie-ai/modelkit/changefeed"
	"github.com/birdie-ai/modelkit/dml"
	"github.com/birdie-ai/modelkit/model"
	"github.com/birdie-ai/modelkit/remote"
	"github.com/birdie-ai/modelkit/schema"
	"github.com/birdie-ai/modelkit/service"
	"github.com/birdie-ai/modelkit/slog"
	"github.com/birdie-ai/modelkit/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gocloud.dev/pubsub"
	"golang.org/x/sync/errgroup"

	// docstore and pubsub drivers
	_ "gocloud.dev/docstore/memdocstore"
	_ "gocloud.dev/pubsub/gcppubsub"
	_ "gocloud.dev/pubsub/mempubsub"
)

const name = "modelq"

type config struct {
	schema      string
	data        string
	docstore    string
	changes     string
	perKey      int
	googleTopic string
	follow      string
	listen      string
	remote      string
	exec        string
	grace       time.Duration
	version     bool
	files       []string
}

func main() {
	logcfg, err := slog.LoadConfig(strings.ToUpper(name))
	if err != nil {
		slog.Fatal("loading log config", "error", err)
	}
	if err := slog.Configure(logcfg); err != nil {
		slog.Fatal("configuring logger", "error", err)
	}

	cfg, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, os.Stdin, os.Stdout); err != nil {
		slog.Fatal("modelq failed", "error", err)
	}
}

func parseFlags(args []string, output io.Writer) (config, error) {
	var cfg config
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&cfg.schema, "schema", "", "schema file describing the models")
	fs.StringVar(&cfg.data, "data", "", "directory of the datasets, defaults to the schema directory")
	fs.StringVar(&cfg.docstore, "docstore", "", `docstore collection URL template, like "mem://{model}/{key}"; datasets are kept in memory when empty`)
	fs.StringVar(&cfg.changes, "changes", "", `pubsub topic URL where changes are published, like "gcppubsub://projects/p/topics/t"`)
	fs.IntVar(&cfg.perKey, "per-key", 0, "publish one message per changed key with this concurrency (0 publishes one message per change)")
	fs.StringVar(&cfg.googleTopic, "google-topic", "", `Google Pub/Sub "project/topic" where changes are published in key order`)
	fs.StringVar(&cfg.follow, "follow", "", "pubsub subscription URL whose changes are written until interrupted")
	fs.StringVar(&cfg.listen, "listen", "", "address where the models are served over HTTP")
	fs.StringVar(&cfg.remote, "remote", "", "URL of a modelq server that runs the statements")
	fs.StringVar(&cfg.exec, "e", "", "statements to run")
	fs.DurationVar(&cfg.grace, "grace", 10*time.Second, "graceful shutdown period")
	fs.BoolVar(&cfg.version, "version", false, "print the build information")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}
	cfg.files = fs.Args()

	switch {
	case cfg.version, cfg.follow != "":
	case cfg.remote != "" && cfg.schema != "":
		return config{}, usage(fs, "-remote and -schema can't be combined")
	case cfg.remote == "" && cfg.schema == "":
		return config{}, usage(fs, "-schema or -remote is required")
	case cfg.listen != "" && (cfg.exec != "" || len(cfg.files) > 0):
		return config{}, usage(fs, "-listen doesn't run statements")
	}
	if cfg.data == "" && cfg.schema != "" {
		cfg.data = filepath.Dir(cfg.schema)
	}
	return cfg, nil
}

func usage(fs *flag.FlagSet, msg string) error {
	fmt.Fprintln(fs.Output(), msg)
	fs.Usage()
	return errors.New(msg)
}

// run runs modelq until the statements are done or, when serving or following, until ctx is cancelled.
func run(ctx context.Context, cfg config, stdin io.Reader, stdout io.Writer) error {
	out := json.NewEncoder(stdout)
	if cfg.version {
		return out.Encode(service.ReadBuildInfo())
	}

	ctx, traceID := tracing.Ensure(ctx)
	log := slog.FromCtx(ctx)
	shutdown := service.NewShutdownHandler(cfg.grace)

	if cfg.follow != "" {
		return follow(ctx, cfg, shutdown, out)
	}
	if cfg.remote != "" {
		return execRemote(ctx, cfg, stdin, out)
	}

	registry := prometheus.NewRegistry()
	model.MustRegisterMetrics(registry)
	changefeed.MustRegisterMetrics(registry)
	service.MustRegisterMetrics(registry)
	info := service.SampleBuildInfo(name)

	models, err := buildModels(ctx, cfg, shutdown)
	if err != nil {
		return errors.Join(err, shutdownNow(ctx, shutdown))
	}
	log.Info("models built", "models", len(models), "revision", info.Revision, "trace_id", traceID)

	if cfg.listen != "" {
		return serve(ctx, cfg, models, registry, shutdown)
	}

	source, err := readStatements(cfg, stdin)
	if err == nil {
		err = execLocal(ctx, models, source, out)
	}
	return errors.Join(err, shutdownNow(ctx, shutdown))
}

// buildModels builds the models of the schema, wiring their sources and change publishers.
// Every opened resource is added to shutdown.
func buildModels(ctx context.Context, cfg config, shutdown *service.ShutdownHandler) (dml.Models, error) {
	s, err := schema.Load(cfg.schema)
	if err != nil {
		return nil, err
	}

	var opener schema.Opener = schema.MemOpener{Dir: cfg.data}
	if cfg.docstore != "" {
		docs := &schema.DocOpener{URL: cfg.docstore, Dir: cfg.data}
		shutdown.Add("docstore", docs)
		opener = docs
	}

	var observers []model.Observer
	if cfg.changes != "" {
		topic, err := pubsub.OpenTopic(ctx, cfg.changes)
		if err != nil {
			return nil, fmt.Errorf("opening topic %q: %w", cfg.changes, err)
		}
		shutdown.Add("changes topic", service.ShutdownFunc(topic.Shutdown))
		var opts []changefeed.Option
		if cfg.perKey > 0 {
			opts = append(opts, changefeed.PerKey(cfg.perKey))
		}
		observers = append(observers, changefeed.NewPublisher(name, topic, opts...))
	}
	if cfg.googleTopic != "" {
		project, topicName, ok := strings.Cut(cfg.googleTopic, "/")
		if !ok || project == "" || topicName == "" {
			return nil, fmt.Errorf("invalid google topic %q, want project/topic", cfg.googleTopic)
		}
		publisher, err := changefeed.NewOrderedGooglePublisher(ctx, project, topicName, name)
		if err != nil {
			return nil, err
		}
		shutdown.Add("google topic", publisher)
		if err := publisher.EnsureTopic(ctx); err != nil {
			return nil, err
		}
		observers = append(observers, publisher)
	}

	var opts []model.ModelOption
	if len(observers) > 0 {
		opts = append(opts, model.WithObserver(observeAll(observers)))
	}
	return s.Build(ctx, opener, opts...)
}

func observeAll(observers []model.Observer) model.Observer {
	if len(observers) == 1 {
		return observers[0]
	}
	return model.ObserverFunc(func(ctx context.Context, change model.Change) error {
		var errs []error
		for _, o := range observers {
			errs = append(errs, o.Observe(ctx, change))
		}
		return errors.Join(errs...)
	})
}

func serve(ctx context.Context, cfg config, models dml.Models, registry *prometheus.Registry, shutdown *service.ShutdownHandler) error {
	mux := http.NewServeMux()
	mux.Handle(remote.ExecPath, remote.Handler(models))
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:              cfg.listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	shutdown.Add("http server", service.ShutdownFunc(server.Shutdown))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.FromCtx(ctx).Info("serving models", "addr", cfg.listen)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving on %q: %w", cfg.listen, err)
		}
		return nil
	})
	g.Go(func() error {
		return shutdown.Wait(gctx)
	})
	return g.Wait()
}

func follow(ctx context.Context, cfg config, shutdown *service.ShutdownHandler, out *json.Encoder) error {
	sub, err := changefeed.OpenSubscription(ctx, name, cfg.follow, 1)
	if err != nil {
		return err
	}
	shutdown.Add("subscription", sub)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := sub.Serve(gctx, func(_ context.Context, body changefeed.Body) error {
			return out.Encode(body)
		})
		if gctx.Err() != nil {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return shutdown.Wait(gctx)
	})
	return g.Wait()
}

func execLocal(ctx context.Context, models dml.Models, source []byte, out *json.Encoder) error {
	stmts, err := dml.Parse(source)
	if err != nil {
		return err
	}
	results, err := dml.Exec(ctx, models, stmts)
	for _, res := range results {
		if err := out.Encode(remote.NewOutput(res)); err != nil {
			return err
		}
	}
	return err
}

func execRemote(ctx context.Context, cfg config, stdin io.Reader, out *json.Encoder) error {
	source, err := readStatements(cfg, stdin)
	if err != nil {
		return err
	}
	outputs, err := remote.NewClient(cfg.remote).Exec(ctx, source)
	for _, output := range outputs {
		if err := out.Encode(output); err != nil {
			return err
		}
	}
	return err
}

func readStatements(cfg config, stdin io.Reader) ([]byte, error) {
	if cfg.exec != "" {
		return []byte(cfg.exec), nil
	}
	if len(cfg.files) == 0 {
		return io.ReadAll(stdin)
	}
	var source []byte
	for _, file := range cfg.files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading statements: %w", err)
		}
		source = append(source, data...)
		source = append(source, '\n')
	}
	return source, nil
}

// shutdownNow shuts down every component without waiting for a signal.
func shutdownNow(ctx context.Context, shutdown *service.ShutdownHandler) error {
	ctx, cancel := context.WithCancel(ctx)
	cancel()
	return shutdown.Wait(ctx)
}
