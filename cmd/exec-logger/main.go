// exec-logger traces every execve on the machine and prints one record per
// execution, optionally limited to processes descending from a named ancestor.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mrzor/exec-logger/internal/attributes"
	"github.com/mrzor/exec-logger/internal/bpfloader"
	"github.com/mrzor/exec-logger/internal/config"
	"github.com/mrzor/exec-logger/internal/eventprocessor"
	"github.com/mrzor/exec-logger/internal/eventstream"
	"github.com/mrzor/exec-logger/internal/identity"
	"github.com/mrzor/exec-logger/internal/logging"
	"github.com/mrzor/exec-logger/internal/otel"
	"github.com/mrzor/exec-logger/internal/output"
	"github.com/mrzor/exec-logger/internal/probe"
	"github.com/mrzor/exec-logger/internal/procmeta"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Version information injected at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Process exit codes.
const (
	exitOK      = 0
	exitUsage   = 1
	exitRuntime = 2
)

func main() {
	os.Exit(execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the command line and maps the outcome to an exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd, err := newRootCmd(stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCode(err)
	}

	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	return exitOK
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var usage *config.UsageError
	if errors.As(err, &usage) {
		return exitUsage
	}
	return exitRuntime
}

func newRootCmd(stdout, stderr io.Writer) (*cobra.Command, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	var (
		waitSeconds  int
		rawAttrs     []string
		envVerbosity = cfg.Verbosity
	)

	cmd := &cobra.Command{
		Use:   "exec-logger",
		Short: "Log every process execution on this machine",
		Long: `exec-logger attaches a kprobe and a kretprobe to execve and prints one
record per execution: command, pid, parent pid, user, group, return value,
whether a named ancestor (sshd by default) is in the process tree, tty and
arguments.

Every flag can also be set through an EXEC_LOGGER_* environment variable,
for example EXEC_LOGGER_MAX_ARGS=40. Flags take precedence.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) > 0 {
				return &config.UsageError{Err: fmt.Errorf("unexpected arguments: %v", args)}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("verbose") {
				cfg.Verbosity = envVerbosity
			}
			cfg.Wait = time.Duration(waitSeconds) * time.Second

			for _, raw := range rawAttrs {
				attr, err := config.ParseCustomAttribute(raw)
				if err != nil {
					return &config.UsageError{Err: err}
				}
				cfg.Attributes = append(cfg.Attributes, attr)
			}

			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg, stdout, stderr)
		},
	}

	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &config.UsageError{Err: err}
	})

	flags := cmd.Flags()
	flags.SortFlags = false
	flags.Uint32Var(&cfg.MaxArgs, "max-args", cfg.MaxArgs, "maximum number of arguments captured per execution")
	flags.StringVar(&cfg.Ancestor, "ancestor", cfg.Ancestor, "process name to look for among the ancestors")
	flags.Uint32Var(&cfg.MaxAncestors, "max-ancestors", cfg.MaxAncestors, "how many ancestors to walk")
	flags.BoolVar(&cfg.OnlyAncestor, "only-ancestor", cfg.OnlyAncestor, "only print executions with the ancestor in their tree")
	flags.IntVar(&cfg.IntervalMS, "interval", cfg.IntervalMS, "poll wait in milliseconds")
	flags.StringVar(&cfg.Output, "output", cfg.Output, "output format: table or structured (json)")
	flags.BoolVarP(&cfg.Numeric, "numeric", "n", cfg.Numeric, "print numeric uid and gid")
	flags.BoolVarP(&cfg.Quiet, "quiet", "q", cfg.Quiet, "do not print the header")
	flags.IntVar(&waitSeconds, "wait", 0, "stop after this many seconds (0 runs until interrupted)")
	flags.CountVarP(&cfg.Verbosity, "verbose", "v", "increase log verbosity (-v info, -vv debug)")
	flags.StringVar(&cfg.BPFObject, "bpf-object", cfg.BPFObject, "path to the compiled probe")
	flags.IntVar(&cfg.PerfBufferPages, "perf-buffer-pages", cfg.PerfBufferPages, "perf buffer pages per CPU")
	flags.StringVar(&cfg.Filter, "filter", cfg.Filter, `only print executions matching this expression, e.g. 'uid == 0 && comm != "cron"'`)
	flags.BoolVarP(&cfg.Timestamp, "timestamp", "t", cfg.Timestamp, "include the time of each execution")
	flags.BoolVar(&cfg.OTel, "otel", cfg.OTel, "also export every execution as an OpenTelemetry span (OTEL_* variables apply)")
	flags.StringVar(&cfg.TraceID, "trace-id", cfg.TraceID, "expression grouping exported spans into traces, e.g. tty")
	flags.StringArrayVarP(&rawAttrs, "attribute", "a", nil, "custom span attribute as name=expression (repeatable)")

	return cmd, nil
}

// run wires the pipeline and blocks until it ends.
func run(ctx context.Context, cfg *config.Config, stdout, stderr io.Writer) error {
	logger := logging.New(cfg.Verbosity, stderr)
	defer func() { _ = logger.Sync() }()

	sink, cleanup, err := buildSink(ctx, cfg, stdout, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	session := probe.NewSession(probeSource(cfg), cfg.PollInterval(), logger.Named("probe"))
	processor := eventprocessor.NewProcessor(procmeta.NewManager(), logger.Named("processor"))
	stream := eventstream.New(session, processor, sink, eventstream.Options{
		Quiet:  cfg.Quiet,
		Logger: logger.Named("stream"),
	})

	logger.Info("starting",
		zap.String("version", version),
		zap.String("ancestor", cfg.Ancestor),
		zap.Uint32("max_args", cfg.MaxArgs),
		zap.Uint32("max_ancestors", cfg.MaxAncestors),
		zap.String("output", string(cfg.Format())),
		zap.String("bpf_object", cfg.BPFObject),
	)

	if err := stream.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, stopping", zap.Stringer("signal", sig))
			stream.Stop()
		case <-stream.Done():
		}
	}()

	if cfg.Wait > 0 {
		err = stream.WaitOrStopAfter(cfg.Wait)
	} else {
		err = stream.Wait()
	}

	logSummary(logger, processor, session)
	return err
}

// probeSource loads and attaches the BPF object when the session starts.
func probeSource(cfg *config.Config) probe.Source {
	return probe.SourceFunc(func() (probe.Reader, error) {
		attachment, err := bpfloader.Attach(bpfloader.Options{
			ObjectPath:      cfg.BPFObject,
			MaxArgs:         cfg.MaxArgs,
			MaxAncestors:    cfg.MaxAncestors,
			AncestorName:    cfg.Ancestor,
			PerfBufferPages: cfg.PerfBufferPages,
		})
		if err != nil {
			return nil, err
		}
		return attachment, nil
	})
}

// buildSink assembles the renderers selected by cfg. The returned cleanup
// flushes exporters and must run after the stream has ended.
func buildSink(ctx context.Context, cfg *config.Config, stdout io.Writer, logger *zap.Logger) (output.Sink, func(), error) {
	cleanup := func() {}

	filter, err := attributes.NewFilter(cfg.Filter)
	if err != nil {
		return nil, cleanup, &config.UsageError{Err: err}
	}

	var resolver identity.Resolver = identity.NumericResolver{}
	if !cfg.Numeric {
		system, err := identity.NewSystemResolver(identity.DefaultCacheSize)
		if err != nil {
			return nil, cleanup, err
		}
		resolver = system
	}

	opts := output.Options{
		OnlyAncestor: cfg.OnlyAncestor,
		Timestamp:    cfg.Timestamp,
	}

	var primary output.Sink
	switch cfg.Format() {
	case config.FormatStructured:
		primary = output.NewJSONLines(stdout, resolver, opts)
	default:
		primary = output.NewTable(stdout, resolver, opts)
	}

	if !cfg.OTel {
		if len(cfg.Attributes) > 0 || cfg.TraceID != "" {
			logger.Warn("--attribute and --trace-id only apply with --otel")
		}
		return output.NewFiltered(primary, filter, logger), cleanup, nil
	}

	evaluator, err := attributes.NewEvaluator(cfg.Attributes, logger.Named("attributes"))
	if err != nil {
		return nil, cleanup, &config.UsageError{Err: err}
	}
	traceIDs, err := attributes.NewTraceIDEvaluator(cfg.TraceID)
	if err != nil {
		return nil, cleanup, &config.UsageError{Err: err}
	}

	otelCfg, err := config.ParseOTELConfig()
	if err != nil {
		return nil, cleanup, &config.UsageError{Err: err}
	}
	tp, err := otel.InitProvider(ctx, otelCfg, version, logger.Named("otel"))
	if err != nil {
		return nil, cleanup, err
	}
	cleanup = func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otel.ShutdownProvider(shutdownCtx, tp); err != nil {
			logger.Warn("error shutting down OTEL provider", zap.Error(err))
		}
	}

	spans := output.NewSpanSink(tp.Tracer(otel.TracerName), evaluator, traceIDs, resolver, opts, logger.Named("spans"))
	return output.NewFiltered(output.Multi{primary, spans}, filter, logger), cleanup, nil
}

func logSummary(logger *zap.Logger, processor *eventprocessor.Processor, session *probe.Session) {
	stats := processor.Stats()
	fields := []zap.Field{
		zap.Uint64("executions", stats.Execs),
		zap.Uint64("arguments", stats.Args),
		zap.Uint64("discarded_records", stats.Discarded),
		zap.Uint64("lost_samples", session.LostSamples()),
		zap.Int("pending", processor.Pending()),
	}

	if stats.Discarded > 0 || session.LostSamples() > 0 {
		logger.Warn("stopped with data loss", fields...)
		return
	}
	logger.Info("stopped", fields...)
}
