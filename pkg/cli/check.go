package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/tether/pkg/async"
	"github.com/platinummonkey/tether/pkg/compatibility"
	"github.com/platinummonkey/tether/pkg/schema"
)

// ErrIncompatible is returned by check when the candidate is not admitted
var ErrIncompatible = errors.New("candidate is not compatible")

const (
	readWorkers     = 4
	readTimeout     = 10 * time.Second
	defaultDebounce = 500 * time.Millisecond
)

// stringList collects a repeatable flag
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

type checkOptions struct {
	candidate  string
	baselines  []string
	schemaType string
	format     string
	mode       string
	till       int
	lenient    bool
	output     string
	watch      bool
	debounce   time.Duration
}

func newCheckCommand() *Command {
	cmd := &Command{
		Name:        "check",
		Description: "Check a candidate schema against baseline schemas offline",
		Flags:       flag.NewFlagSet("check", flag.ContinueOnError),
		Run:         runCheck,
	}
	bindCheckFlags(cmd.Flags, &checkOptions{})
	return cmd
}

func bindCheckFlags(fs *flag.FlagSet, opts *checkOptions) {
	fs.StringVar(&opts.candidate, "candidate", "", "Candidate schema file (required)")
	fs.Var((*stringList)(&opts.baselines), "baseline", "Baseline schema file, oldest first; repeatable")
	fs.StringVar(&opts.schemaType, "type", "", "Schema type recorded on every version")
	fs.StringVar(&opts.format, "format", "json", "Serialization format of the schemas")
	fs.StringVar(&opts.mode, "mode", "BACKWARD", "Compatibility mode, e.g. BACKWARD, FULL_TRANSITIVE, FORWARD_TILL")
	fs.IntVar(&opts.till, "till", 0, "Baseline position (1 is the oldest) bounding a *_TILL mode")
	fs.BoolVar(&opts.lenient, "lenient", false, "Accept unknown JSON Schema types")
	fs.StringVar(&opts.output, "output", "text", "Output format: text, json")
	fs.BoolVar(&opts.watch, "watch", false, "Re-run whenever a schema file changes")
	fs.DurationVar(&opts.debounce, "debounce", defaultDebounce, "Quiet period before re-running in watch mode")
}

func runCheck(args []string) error {
	var opts checkOptions
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	bindCheckFlags(fs, &opts)
	if err := fs.Parse(args); err != nil {
		return err
	}
	// positional arguments are further baselines
	opts.baselines = append(opts.baselines, fs.Args()...)

	if opts.candidate == "" {
		return fmt.Errorf("--candidate is required")
	}
	format, err := schema.ParseSerializationFormat(opts.format)
	if err != nil {
		return err
	}
	mode, err := compatibility.ParseCompatibilityMode(opts.mode)
	if err != nil {
		return fmt.Errorf("invalid compatibility mode: %w", err)
	}

	evaluator := compatibility.NewEvaluator(compatibility.NewComparators(
		compatibility.WithLenientTypes(opts.lenient)))

	if !opts.watch {
		verdict, err := checkOnce(context.Background(), evaluator, opts, format, mode)
		if err != nil {
			return err
		}
		return reportVerdict(opts.output, verdict)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)

	paths := append([]string{opts.candidate}, opts.baselines...)
	return watchFiles(ctx, logger, paths, opts.debounce, func() {
		verdict, err := checkOnce(ctx, evaluator, opts, format, mode)
		if err != nil {
			logger.WithError(err).Error("check failed")
			return
		}
		if err := reportVerdict(opts.output, verdict); err != nil && !errors.Is(err, ErrIncompatible) {
			logger.WithError(err).Error("report failed")
		}
	})
}

// checkOnce reads every file and evaluates the candidate against the baselines
func checkOnce(ctx context.Context, evaluator *compatibility.Evaluator, opts checkOptions,
	format schema.SerializationFormat, mode compatibility.CompatibilityMode) (compatibility.Verdict, error) {

	paths := append([]string{opts.candidate}, opts.baselines...)
	docs, err := readSchemas(ctx, paths)
	if err != nil {
		return compatibility.Verdict{}, err
	}

	candidate := schema.SchemaInfo{Type: opts.schemaType, Format: format, Data: docs[0]}
	history := make([]schema.SchemaWithVersion, 0, len(opts.baselines))
	for i, data := range docs[1:] {
		history = append(history, schema.SchemaWithVersion{
			Schema:  schema.SchemaInfo{Type: opts.schemaType, Format: format, Data: data},
			Version: schema.VersionInfo{Type: opts.schemaType, Version: i + 1, Ordinal: i + 1},
		})
	}

	var till *schema.VersionInfo
	if opts.till > 0 {
		if opts.till > len(history) {
			return compatibility.Verdict{}, fmt.Errorf("--till %d is beyond the %d baselines", opts.till, len(history))
		}
		till = &history[opts.till-1].Version
	}
	policy, err := compatibility.PolicyForMode(mode, till)
	if err != nil {
		return compatibility.Verdict{}, err
	}

	return evaluator.Evaluate(ctx, candidate, history, policy)
}

// readSchemas loads paths concurrently, keeping their order
func readSchemas(ctx context.Context, paths []string) ([][]byte, error) {
	docs := make([][]byte, len(paths))
	indexes := make([]int, len(paths))
	for i := range indexes {
		indexes[i] = i
	}

	errs := async.Batch(ctx, indexes, readWorkers, "read-schemas", readTimeout, func(_ context.Context, i int) error {
		data, err := os.ReadFile(paths[i])
		if err != nil {
			return fmt.Errorf("read %s: %w", paths[i], err)
		}
		docs[i] = data
		return nil
	})
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return docs, nil
}

func reportVerdict(output string, v compatibility.Verdict) error {
	switch output {
	case "json":
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, string(data))
	case "text":
		switch {
		case v.Admitted:
			fmt.Fprintln(stdout, "COMPATIBLE")
		case v.Denied:
			fmt.Fprintln(stdout, "INCOMPATIBLE: policy denies all changes")
		default:
			fmt.Fprintf(stdout, "INCOMPATIBLE: %s (%s)", v.Reason, v.Direction)
			if v.FailingVersion != nil {
				fmt.Fprintf(stdout, " against baseline %d", v.FailingVersion.Ordinal)
			}
			fmt.Fprintln(stdout)
		}
	default:
		return fmt.Errorf("unknown output format: %s", output)
	}

	if !v.Admitted {
		return ErrIncompatible
	}
	return nil
}

// watchFiles runs fn once, then again after each burst of changes to paths
// settles for debounce. It returns when ctx is done.
func watchFiles(ctx context.Context, logger *logrus.Logger, paths []string, debounce time.Duration, fn func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files on save, so watch directories and filter by name.
	watched := make(map[string]bool, len(paths))
	dirs := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		watched[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	logger.WithField("files", len(paths)).Info("watching schema files")
	fn()

	timer := time.NewTimer(debounce)
	timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !watched[event.Name] || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			logger.WithField("file", event.Name).Debug("schema file changed")
			timer.Reset(debounce)
		case <-timer.C:
			logger.Info("re-running check")
			fn()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WithError(err).Warn("watcher error")
		}
	}
}
