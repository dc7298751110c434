package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattjoyce/mot-plugin/internal/config"
	"github.com/mattjoyce/mot-plugin/internal/entries"
	"github.com/mattjoyce/mot-plugin/internal/log"
)

func runEntries(args []string) int {
	if len(args) < 1 {
		printEntriesHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printEntriesHelp(os.Stdout)
		return 0
	}

	log.Setup(envOr(logLevelEnv, "WARN"))

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "add":
		return runEntriesAdd(actionArgs)
	case "import":
		return runEntriesImport(actionArgs)
	case "list":
		return runEntriesList(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown entries action: %s\n", action)
		return 1
	}
}

func printEntriesHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: mot-plugin entries <action> [--config PATH | --database PATH] [flags]")
	fmt.Fprintln(w, "Actions: add, import, list")
	fmt.Fprintln(w, "The database is the one config.toml names in database, or --database.")
}

// databaseFlags adds the flags that locate the entries database.
type databaseFlags struct {
	config   *string
	database *string
}

func addDatabaseFlags(fs *flag.FlagSet) databaseFlags {
	return databaseFlags{
		config:   fs.String("config", "", "Plugin config that names the database"),
		database: fs.String("database", "", "SQLite database path (overrides --config)"),
	}
}

func (f databaseFlags) open(ctx context.Context) (*entries.SQLiteSource, string, error) {
	path := strings.TrimSpace(*f.database)
	opts := entries.SQLiteOptions{Source: config.DefaultSource}

	if *f.config != "" {
		cfg, err := config.Load(*f.config)
		if err != nil {
			return nil, "", err
		}
		opts.Source = cfg.Source
		opts.SourceURL = cfg.SourceURL
		if path == "" {
			path = cfg.Database
		}
		if path == "" {
			return nil, "", fmt.Errorf("config %s sets no database", cfg.Path)
		}
	}
	if path == "" {
		return nil, "", errors.New("one of --config or --database is required")
	}

	src, err := entries.OpenSQLiteSource(ctx, path, opts)
	if err != nil {
		return nil, "", err
	}
	return src, path, nil
}

func runEntriesAdd(args []string) int {
	fs := flag.NewFlagSet("entries add", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	db := addDatabaseFlags(fs)
	id := fs.String("id", "", "Entry id (default: random UUID)")
	description := fs.String("description", "", "What the time was spent on")
	start := fs.String("start", "", "started_at, RFC 3339")
	end := fs.String("end", "", "ended_at, RFC 3339")
	projectID := fs.String("project-id", "", "Project id")
	project := fs.String("project", "", "Project name")
	customerID := fs.String("customer-id", "", "Customer id")
	customer := fs.String("customer", "", "Customer name")
	tags := fs.String("tags", "", "Comma-separated tags")
	source := fs.String("source", "", "Source name (default: the configured source)")
	sourceURL := fs.String("source-url", "", "Link to the entry in its source")
	billable := fs.Bool("billable", true, "Whether the time is billable")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 || *start == "" || *end == "" {
		fmt.Fprintln(os.Stderr, "Usage: mot-plugin entries add [--config PATH | --database PATH] --start TIME --end TIME [--description TEXT] [flags]")
		return 1
	}

	e := entries.TimeEntry{
		ID:           strings.TrimSpace(*id),
		Description:  *description,
		ProjectID:    optionalFlag(*projectID),
		ProjectName:  optionalFlag(*project),
		CustomerID:   optionalFlag(*customerID),
		CustomerName: optionalFlag(*customer),
		Tags:         splitTags(*tags),
		Source:       strings.TrimSpace(*source),
		SourceURL:    optionalFlag(*sourceURL),
		Billable:     *billable,
	}
	var err error
	if e.StartedAt, err = time.Parse(time.RFC3339, strings.TrimSpace(*start)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid --start: %v\n", err)
		return 1
	}
	if e.EndedAt, err = time.Parse(time.RFC3339, strings.TrimSpace(*end)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid --end: %v\n", err)
		return 1
	}

	ctx := context.Background()
	src, _, err := db.open(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer src.Close()

	stored, err := src.Insert(ctx, e)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("added %s (%s)\n", stored, e.Duration())
	return 0
}

func runEntriesImport(args []string) int {
	fs := flag.NewFlagSet("entries import", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	db := addDatabaseFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: mot-plugin entries import [--config PATH | --database PATH] <file.json|file.jsonl|->")
		return 1
	}

	var in io.Reader = os.Stdin
	if name := fs.Arg(0); name != "-" {
		f, err := os.Open(name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		defer f.Close()
		in = f
	}

	batch, err := readEntries(in)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	src, path, err := db.open(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer src.Close()

	for i, e := range batch {
		if _, err := src.Insert(ctx, e); err != nil {
			fmt.Fprintf(os.Stderr, "Error: entry %d: %v (imported %d of %d)\n", i+1, err, i, len(batch))
			return 1
		}
	}
	fmt.Printf("imported %d entries into %s\n", len(batch), path)
	return 0
}

// readEntries accepts a JSON array of entries or one entry per line.
func readEntries(r io.Reader) ([]entries.TimeEntry, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read entries: %w", err)
	}

	dec := json.NewDecoder(br)
	dec.DisallowUnknownFields()

	if first == '[' {
		var batch []entries.TimeEntry
		if err := dec.Decode(&batch); err != nil {
			return nil, fmt.Errorf("decode entries: %w", err)
		}
		return batch, nil
	}

	var batch []entries.TimeEntry
	for {
		var e entries.TimeEntry
		err := dec.Decode(&e)
		if errors.Is(err, io.EOF) {
			return batch, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode entry %d: %w", len(batch)+1, err)
		}
		batch = append(batch, e)
	}
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.Peek(1)
		if err != nil {
			return 0, err
		}
		if !bytes.ContainsAny(b, " \t\r\n") {
			return b[0], nil
		}
		if _, err := br.Discard(1); err != nil {
			return 0, err
		}
	}
}

func runEntriesList(args []string) int {
	fs := flag.NewFlagSet("entries list", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	db := addDatabaseFlags(fs)
	start := fs.String("start", "", "start_date (YYYY-MM-DD or RFC 3339)")
	end := fs.String("end", "", "end_date (YYYY-MM-DD or RFC 3339)")
	jsonOut := fs.Bool("json", false, "Output entries as the plugin returns them")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: mot-plugin entries list [--config PATH | --database PATH] [--start DATE] [--end DATE] [--json]")
		return 1
	}

	r, err := entries.ParseRange(*start, *end)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	src, _, err := db.open(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer src.Close()

	batch, err := src.Entries(ctx, r)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, err := json.MarshalIndent(batch, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render entries JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tDURATION\tDESCRIPTION")
	for _, e := range batch {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.ID, e.StartedAt.UTC().Format(time.RFC3339), e.Duration(), e.Description)
	}
	if err := tw.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func optionalFlag(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func splitTags(s string) []string {
	tags := []string{}
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}
