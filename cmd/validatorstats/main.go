package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	flag "github.com/spf13/pflag"

	factstore "github.com/lareferencia/validationstore/pkg/factstore"
	"github.com/lareferencia/validationstore/pkg/factstore/columnar"
	"github.com/lareferencia/validationstore/pkg/factstore/fact"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		return fmt.Errorf("usage: validatorstats <init|ingest|finalise|stats|paginate|occurrences|clean|delete|gen-sample> [flags]")
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	switch cmd {
	case "init":
		return runInit(ctx, args)
	case "ingest":
		return runIngest(ctx, args)
	case "finalise":
		return runFinalise(ctx, args)
	case "stats":
		return runStats(ctx, args)
	case "paginate":
		return runPaginate(ctx, args)
	case "occurrences":
		return runOccurrences(ctx, args)
	case "clean":
		return runClean(ctx, args)
	case "delete":
		return runDelete(ctx, args)
	case "gen-sample":
		return runGenSample(args)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
}

func openEngine(ctx context.Context, fs *flag.FlagSet) (*factstore.Engine, error) {
	basePath := fs.Lookup("base-path").Value.String()
	verbose, _ := fs.GetBool("verbose")
	recordsPerFile, _ := fs.GetInt("records-per-file")
	dynamicSizing, _ := fs.GetBool("dynamic-sizing")
	parallel, _ := fs.GetBool("parallel")

	return factstore.Open(ctx, factstore.Config{
		Logger:                   newLogger(verbose),
		BasePath:                 basePath,
		RecordsPerFile:           recordsPerFile,
		EnableDynamicSizing:      dynamicSizing,
		EnableParallelProcessing: parallel,
	})
}

func baseFlagSet(name string) (*flag.FlagSet, *int64) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.String("base-path", ".tmp/validatorstats", "Root directory for snapshot partitions")
	fs.Bool("verbose", false, "enable verbose (debug) logging")
	fs.Int("records-per-file", 100_000, "Fixed per-file row target when dynamic sizing is disabled or no estimate is registered")
	fs.Bool("dynamic-sizing", true, "Choose per-file row targets from the registered snapshot cardinality estimate")
	fs.Bool("parallel", true, "Aggregate partition files in parallel")
	snapshotID := fs.Int64("snapshot-id", 0, "Snapshot id to operate on")
	return fs, snapshotID
}

func runInit(ctx context.Context, args []string) error {
	fs, snapshotID := baseFlagSet("init")
	estimate := fs.Int("estimate", 0, "Expected total record count; it is held only by this command's engine, so files written by a later ingest command do not use it")
	_ = fs.Parse(args)

	e, err := openEngine(ctx, fs)
	if err != nil {
		return err
	}
	defer e.Shutdown(ctx)

	if *estimate > 0 {
		e.RegisterEstimate(*snapshotID, *estimate)
	}
	return e.Initialise(*snapshotID)
}

// runIngest reads newline-delimited JSON verdicts from stdin (or
// --file) and ingests each one. A record per line keeps memory flat
// for arbitrarily large snapshots.
func runIngest(ctx context.Context, args []string) error {
	fs, snapshotID := baseFlagSet("ingest")
	path := fs.String("file", "", "Path to a newline-delimited JSON verdict file (default: stdin)")
	_ = fs.Parse(args)

	e, err := openEngine(ctx, fs)
	if err != nil {
		return err
	}
	defer e.Shutdown(ctx)
	if err := e.Initialise(*snapshotID); err != nil {
		return err
	}

	in := os.Stdin
	if *path != "" {
		f, err := os.Open(*path)
		if err != nil {
			return fmt.Errorf("open %s: %w", *path, err)
		}
		defer f.Close()
		in = f
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var ingested int
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var v fact.Verdict
		if err := json.Unmarshal(line, &v); err != nil {
			return fmt.Errorf("parse verdict line %d: %w", ingested+1, err)
		}
		v.SnapshotID = *snapshotID
		if err := e.Ingest(v); err != nil {
			return fmt.Errorf("ingest verdict %q: %w", v.ID, err)
		}
		ingested++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read verdicts: %w", err)
	}
	fmt.Fprintf(os.Stdout, "ingested %d verdicts into snapshot %d\n", ingested, *snapshotID)
	return nil
}

func runFinalise(ctx context.Context, args []string) error {
	fs, snapshotID := baseFlagSet("finalise")
	_ = fs.Parse(args)

	e, err := openEngine(ctx, fs)
	if err != nil {
		return err
	}
	defer e.Shutdown(ctx)

	return e.Finalise(ctx, *snapshotID)
}

func runStats(ctx context.Context, args []string) error {
	fs, snapshotID := baseFlagSet("stats")
	_ = fs.Parse(args)

	e, err := openEngine(ctx, fs)
	if err != nil {
		return err
	}
	defer e.Shutdown(ctx)

	sum, err := e.Store().Stats(ctx, *snapshotID)
	if err != nil {
		return err
	}
	return printJSON(sum)
}

func runPaginate(ctx context.Context, args []string) error {
	fs, snapshotID := baseFlagSet("paginate")
	page := fs.Int("page", 0, "Zero-based page number")
	size := fs.Int("size", 100, "Page size")
	identifierFlag := fs.String("identifier", "", "Filter by exact identifier")
	isValidFlag := fs.String("is-valid", "", "Filter by record validity: true or false")
	_ = fs.Parse(args)

	e, err := openEngine(ctx, fs)
	if err != nil {
		return err
	}
	defer e.Shutdown(ctx)

	filter := filterFromFlags(*identifierFlag, *isValidFlag, "")
	rows, warnings, err := e.Store().Paginate(ctx, *snapshotID, filter, *page, *size)
	if err != nil {
		return err
	}
	logFilterWarnings(warnings)
	return printJSON(rows)
}

func runOccurrences(ctx context.Context, args []string) error {
	fs, snapshotID := baseFlagSet("occurrences")
	ruleID := fs.Int32("rule-id", 0, "Rule id to histogram")
	valid := fs.Bool("valid", true, "Histogram the valid side (false for invalid occurrences)")
	identifierFlag := fs.String("identifier", "", "Filter by exact identifier")
	_ = fs.Parse(args)

	e, err := openEngine(ctx, fs)
	if err != nil {
		return err
	}
	defer e.Shutdown(ctx)

	filter := filterFromFlags(*identifierFlag, "", "")
	histogram, warnings, err := e.Store().RuleOccurrences(ctx, *snapshotID, *ruleID, *valid, filter)
	if err != nil {
		return err
	}
	logFilterWarnings(warnings)
	return printJSON(histogram)
}

func runClean(ctx context.Context, args []string) error {
	fs, snapshotID := baseFlagSet("clean")
	_ = fs.Parse(args)

	e, err := openEngine(ctx, fs)
	if err != nil {
		return err
	}
	defer e.Shutdown(ctx)

	return e.Clean(*snapshotID)
}

func runDelete(ctx context.Context, args []string) error {
	fs, snapshotID := baseFlagSet("delete")
	_ = fs.Parse(args)

	e, err := openEngine(ctx, fs)
	if err != nil {
		return err
	}
	defer e.Shutdown(ctx)

	return e.Delete(*snapshotID)
}

// runGenSample writes a newline-delimited JSON sample of synthetic
// verdicts to stdout, suitable for piping into `ingest`. Record ids
// are minted with uuid rather than a counter so repeated runs never
// collide within the same snapshot.
func runGenSample(args []string) error {
	fs := flag.NewFlagSet("gen-sample", flag.ExitOnError)
	count := fs.Int("count", 1000, "Number of synthetic verdicts to emit")
	network := fs.String("network", "edu-network", "Network value stamped on every verdict")
	invalidRatio := fs.Float64("invalid-ratio", 0.1, "Fraction of verdicts marked record_is_valid=false")
	_ = fs.Parse(args)

	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()

	for i := 0; i < *count; i++ {
		recordIsValid := float64(i%100)/100.0 >= *invalidRatio
		v := fact.Verdict{
			ID:         uuid.NewString(),
			Identifier: "oai:sample:" + strconv.Itoa(i),
			Provenance: fact.Provenance{
				Origin:  "sample-generator",
				Network: *network,
			},
			RecordIsValid: recordIsValid,
			ValidOccurrences: map[string][]string{
				"1": {"ok"},
			},
		}
		if !recordIsValid {
			v.InvalidOccurrences = map[string][]string{
				"2": {"missing required field"},
			}
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			return err
		}
	}
	return nil
}

func filterFromFlags(identifier, isValid, isTransformed string) columnar.Filter {
	f := columnar.Filter{}
	if identifier != "" {
		f.Identifier = &identifier
	}
	if b, err := strconv.ParseBool(isValid); err == nil {
		f.IsValid = &b
	}
	if b, err := strconv.ParseBool(isTransformed); err == nil {
		f.IsTransformed = &b
	}
	return f
}

func logFilterWarnings(warnings []string) {
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
