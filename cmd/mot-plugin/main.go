package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/mot-plugin/internal/client"
	"github.com/mattjoyce/mot-plugin/internal/dispatch"
	"github.com/mattjoyce/mot-plugin/internal/entries"
	"github.com/mattjoyce/mot-plugin/internal/lifecycle"
	"github.com/mattjoyce/mot-plugin/internal/log"
	"github.com/mattjoyce/mot-plugin/internal/plugin"
	"github.com/mattjoyce/mot-plugin/internal/server"
	"github.com/mattjoyce/mot-plugin/internal/timeplugin"
	"gopkg.in/yaml.v3"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

const logLevelEnv = "MOT_PLUGIN_LOG_LEVEL"

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

// runCLI serves the protocol when started without a command, which is how
// the host launches plugins.
func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 || (strings.HasPrefix(cliArgs[0], "-") && !isHelpToken(cliArgs[0]) && cliArgs[0] != "--version") {
		return runServe(cliArgs)
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "serve":
		return runServe(args)
	case "probe":
		return runProbe(args)
	case "manifest":
		return runManifest(args)
	case "entries":
		return runEntries(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage(os.Stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `mot-plugin - example time entry plugin for mot

Usage:
  mot-plugin [serve] [flags]    Speak JSON-RPC on stdin/stdout (default)
  mot-plugin probe <plugin-dir> Run a conformance session against a plugin
  mot-plugin manifest <path>    Validate and print a plugin manifest
  mot-plugin entries <cmd>      Add, import or list entries in the SQLite database
  mot-plugin version [--json]   Show version information
  mot-plugin help               Show this help message

Serve flags:
  --log-level LEVEL   DEBUG, INFO, WARN or ERROR (env MOT_PLUGIN_LOG_LEVEL)
  --strict            Reject requests the lifecycle does not allow
  --manifest PATH     Manifest to take the plugin name from

Logs are written to stderr; stdout carries protocol messages only.
`)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func runServe(args []string) int {
	return serve(args, os.Stdin, os.Stdout)
}

func serve(args []string, in io.Reader, out io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	logLevel := fs.String("log-level", envOr(logLevelEnv, "INFO"), "Log level")
	strict := fs.Bool("strict", false, "Reject requests the lifecycle does not allow")
	manifestPath := fs.String("manifest", "", "Plugin manifest (default: next to the executable)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: mot-plugin serve [--log-level LEVEL] [--strict] [--manifest PATH]")
		return 1
	}

	log.Setup(*logLevel)

	name, err := pluginName(*manifestPath)
	if err != nil {
		log.Error("failed to load manifest", "error", err)
		return 1
	}

	p := timeplugin.New(timeplugin.Options{PluginName: name})
	d := dispatch.New(*strict)
	if err := p.Register(d); err != nil {
		log.Error("failed to register methods", "error", err)
		return 1
	}

	log.Info("mot-plugin starting", "version", version, "plugin", name, "strict", *strict,
		"methods", d.Methods(), "pid", os.Getpid())

	reason, err := server.New(d, lifecycle.New()).Serve(context.Background(), in, out)
	if err != nil {
		log.Error("serve loop failed", "error", err)
		return 1
	}
	if reason == server.ExitEndOfInput {
		log.Warn("host closed stdin without sending shutdown")
	}
	log.Info("mot-plugin exiting", "reason", reason.String())
	return 0
}

// pluginName reads the manifest name. Without an explicit path a manifest
// beside the executable is used when present.
func pluginName(path string) (string, error) {
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return "", nil
		}
		m, err := plugin.LoadManifest(filepath.Dir(exe))
		if err != nil {
			log.Debug("no manifest beside executable", "error", err)
			return "", nil
		}
		return m.Plugin.Name, nil
	}
	m, err := plugin.LoadManifest(path)
	if err != nil {
		return "", err
	}
	return m.Plugin.Name, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

type checkJSON struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Error  string `json:"error,omitempty"`
}

type probeJSON struct {
	Plugin     string      `json:"plugin"`
	Version    string      `json:"version"`
	Executable string      `json:"executable"`
	OK         bool        `json:"ok"`
	Checks     []checkJSON `json:"checks"`
	Entries    int         `json:"entries"`
	ExitCode   int         `json:"exit_code"`
	Stderr     string      `json:"stderr,omitempty"`
}

func runProbe(args []string) int {
	fs := flag.NewFlagSet("probe", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	timeout := fs.Duration("timeout", 30*time.Second, "Limit for the whole session")
	start := fs.String("start", "", "start_date to request (YYYY-MM-DD or RFC 3339)")
	end := fs.String("end", "", "end_date to request (YYYY-MM-DD or RFC 3339)")
	jsonOut := fs.Bool("json", false, "Output the report as JSON")
	verbose := fs.Bool("v", false, "Include the plugin's stderr")
	noColor := fs.Bool("no-color", false, "Disable colors in the text report")
	logLevel := fs.String("log-level", envOr(logLevelEnv, "WARN"), "Log level")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: mot-plugin probe [--timeout D] [--start DATE] [--end DATE] [--json] [--no-color] [-v] <plugin-dir>")
		return 1
	}
	log.Setup(*logLevel)

	r, err := entries.ParseRange(*start, *end)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	m, err := plugin.LoadManifest(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			log.Warn("received signal, stopping probe", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	report, err := client.Probe(ctx, m, client.ProbeOptions{Start: r.Start, End: r.End, Timeout: *timeout})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: probe %s: %v\n", m.Plugin.Name, err)
		return 1
	}

	if *jsonOut {
		out := probeJSON{
			Plugin:     report.Plugin,
			Version:    report.Version,
			Executable: report.Executable,
			OK:         report.OK(),
			Entries:    len(report.Entries),
			ExitCode:   report.ExitCode,
		}
		for _, c := range report.Checks {
			cj := checkJSON{Name: c.Name, Passed: c.Passed()}
			if c.Err != nil {
				cj.Error = c.Err.Error()
			}
			out.Checks = append(out.Checks, cj)
		}
		if *verbose {
			out.Stderr = report.Stderr
		}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render report JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
	} else {
		theme := client.NewDefaultTheme()
		if *noColor {
			theme = client.PlainTheme()
		}
		fmt.Print(report.Render(theme))
		if *verbose && report.Stderr != "" {
			fmt.Println("stderr:")
			fmt.Print(report.Stderr)
		}
	}

	if !report.OK() {
		return 1
	}
	return 0
}

func runManifest(args []string) int {
	flags := flag.NewFlagSet("manifest", flag.ContinueOnError)
	flags.SetOutput(os.Stderr)
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: mot-plugin manifest <manifest-file|plugin-dir>")
		return 1
	}

	m, err := plugin.LoadManifest(flags.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	data, err := yaml.Marshal(m)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render manifest: %v\n", err)
		return 1
	}
	fmt.Print(string(data))
	fmt.Printf("dir: %s\n", m.Dir)

	exe, err := m.ResolveExecutable(runtime.GOOS)
	switch {
	case err == nil:
		fmt.Printf("executable (%s): %s\n", runtime.GOOS, exe)
	case errors.Is(err, fs.ErrNotExist):
		fmt.Printf("executable (%s): %s (not built yet)\n", runtime.GOOS, m.ExecutableFor(runtime.GOOS))
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	config := m.ConfigPath()
	if _, err := os.Stat(config); err != nil {
		fmt.Printf("config: %s (missing, defaults apply)\n", config)
	} else {
		fmt.Printf("config: %s\n", config)
	}
	return 0
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: mot-plugin version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("mot-plugin %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = readBuildSetting("vcs.revision")
	}
	if commit != "" {
		if len(commit) > 12 {
			commit = commit[:12]
		}
		info.Commit = commit
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = readBuildSetting("vcs.time")
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return strings.TrimSpace(setting.Value)
		}
	}
	return ""
}
