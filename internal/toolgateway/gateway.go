// Package toolgateway executes the tool requests the agent emits mid-stream:
// shell commands inside the workspace, package installs, web searches and URL
// scrapes. Results are capped, retried where safe and deduplicated per turn.
package toolgateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/edwardlabs/edward-engine/internal/depresolve"
	"github.com/edwardlabs/edward-engine/internal/engine"
	"github.com/edwardlabs/edward-engine/internal/websearch"
)

const (
	defaultCommandTimeout = 2 * time.Minute
	defaultOutputCapBytes = 64 << 10
	defaultWebAttempts    = 2
)

// allowedCommands is the closed set of executables the agent may run. The
// model asks for arbitrary commands; everything outside this set is refused
// with an error result instead of being executed.
var allowedCommands = map[string]bool{
	"node": true, "npm": true, "npx": true, "yarn": true, "pnpm": true,
	"ls": true, "cat": true, "mkdir": true, "cp": true, "mv": true,
	"grep": true, "wc": true, "tsc": true,
}

type Options struct {
	Log *slog.Logger

	// WorkDir is the directory commands run in, usually the sandbox root.
	WorkDir func() string

	Search   *websearch.Client
	Resolver *depresolve.Resolver

	CommandTimeout time.Duration
	OutputCapBytes int
	WebAttempts    int

	// runCommand overrides process execution in tests.
	runCommand func(ctx context.Context, dir, name string, args []string, out *commandOutput) error
}

type Gateway struct {
	log *slog.Logger

	workDir  func() string
	search   *websearch.Client
	resolver *depresolve.Resolver

	commandTimeout time.Duration
	outputCap      int
	webAttempts    int

	run func(ctx context.Context, dir, name string, args []string, out *commandOutput) error

	mu    sync.Mutex
	cache map[string]engine.ToolResult
}

func New(opts Options) *Gateway {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	timeout := opts.CommandTimeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	outputCap := opts.OutputCapBytes
	if outputCap <= 0 {
		outputCap = defaultOutputCapBytes
	}
	attempts := opts.WebAttempts
	if attempts <= 0 {
		attempts = defaultWebAttempts
	}
	run := opts.runCommand
	if run == nil {
		run = execCommand
	}
	return &Gateway{
		log:            log,
		workDir:        opts.WorkDir,
		search:         opts.Search,
		resolver:       opts.Resolver,
		commandTimeout: timeout,
		outputCap:      outputCap,
		webAttempts:    attempts,
		run:            run,
		cache:          map[string]engine.ToolResult{},
	}
}

// Execute routes one tool request. Identical requests within the same turn
// are served from cache, so a model that repeats itself mid-turn does not
// re-run side effects; a later turn always re-executes.
func (g *Gateway) Execute(ctx context.Context, req engine.ToolRequest) (engine.ToolResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	key := requestKey(req)
	g.mu.Lock()
	if cached, ok := g.cache[key]; ok {
		g.mu.Unlock()
		g.log.Debug("tool result served from cache", "tool", req.Tool, "run_id", req.RunID)
		return cached, nil
	}
	g.mu.Unlock()

	var (
		res engine.ToolResult
		err error
	)
	switch strings.TrimSpace(req.Tool) {
	case "command":
		res, err = g.execShellCommand(ctx, req)
	case "install":
		res, err = g.installPackages(ctx, req)
	case "web_search":
		res, err = g.webSearch(ctx, req)
	case "url_scrape":
		res, err = g.urlScrape(ctx, req)
	default:
		return engine.ToolResult{Tool: req.Tool}, fmt.Errorf("unknown tool %q", req.Tool)
	}
	if err != nil {
		return res, err
	}

	g.mu.Lock()
	g.cache[key] = res
	g.mu.Unlock()
	return res, nil
}

func (g *Gateway) execShellCommand(ctx context.Context, req engine.ToolRequest) (engine.ToolResult, error) {
	name := strings.TrimSpace(inputString(req.Input, "name"))
	args := inputStrings(req.Input, "args")
	res := engine.ToolResult{
		Tool:        "command",
		CommandLine: commandLine(name, args),
	}
	if name == "" {
		return res, errors.New("missing command name")
	}
	if !allowedCommands[name] {
		res.Err = fmt.Sprintf("command %q is not allowed", name)
		return res, nil
	}

	dir := ""
	if g.workDir != nil {
		dir = strings.TrimSpace(g.workDir())
	}
	if dir == "" {
		res.Err = "no workspace provisioned for command execution"
		return res, nil
	}

	runCtx, cancel := context.WithTimeout(ctx, g.commandTimeout)
	defer cancel()

	out := newCommandOutput(g.outputCap)
	start := time.Now()
	err := g.run(runCtx, dir, name, args, out)

	res.Stdout = out.Stdout()
	res.Stderr = out.Stderr()
	if dropped := out.DroppedBytes(); dropped > 0 {
		res.Stderr = strings.TrimRight(res.Stderr, "\n") +
			fmt.Sprintf("\n(output truncated, %d bytes dropped)", dropped)
	}
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			res.Err = fmt.Sprintf("command timed out after %s", g.commandTimeout)
		} else {
			res.Err = strings.TrimSpace(err.Error())
		}
	}
	g.log.Info("command finished",
		"run_id", req.RunID,
		"turn", req.Turn,
		"command", res.CommandLine,
		"duration_ms", time.Since(start).Milliseconds(),
		"failed", res.Err != "",
	)
	return res, nil
}

func (g *Gateway) installPackages(ctx context.Context, req engine.ToolRequest) (engine.ToolResult, error) {
	packages := inputStrings(req.Input, "packages")
	res := engine.ToolResult{
		Tool:        "install",
		CommandLine: commandLine("npm install", packages),
	}
	if g.resolver == nil {
		res.Err = "package resolver unavailable"
		return res, nil
	}
	outcome, err := g.resolver.Resolve(ctx, packages)
	if err != nil {
		res.Err = strings.TrimSpace(err.Error())
		return res, nil
	}
	res.Stdout = outcome.RenderForModel()
	return res, nil
}

func (g *Gateway) webSearch(ctx context.Context, req engine.ToolRequest) (engine.ToolResult, error) {
	query := strings.TrimSpace(inputString(req.Input, "query"))
	res := engine.ToolResult{Tool: "web_search", CommandLine: "web_search " + query}
	if g.search == nil {
		res.Err = "web search unavailable"
		return res, nil
	}

	var lastErr error
	for attempt := 0; attempt < g.webAttempts; attempt++ {
		outcome, err := g.search.Search(ctx, websearch.SearchRequest{Query: query})
		if err == nil {
			res.Stdout = outcome.RenderForModel()
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	res.Err = strings.TrimSpace(lastErr.Error())
	return res, nil
}

func (g *Gateway) urlScrape(ctx context.Context, req engine.ToolRequest) (engine.ToolResult, error) {
	rawURL := strings.TrimSpace(inputString(req.Input, "url"))
	res := engine.ToolResult{Tool: "url_scrape", CommandLine: "url_scrape " + rawURL}
	if g.search == nil {
		res.Err = "url scrape unavailable"
		return res, nil
	}

	var lastErr error
	for attempt := 0; attempt < g.webAttempts; attempt++ {
		outcome, err := g.search.Scrape(ctx, rawURL)
		if err == nil {
			text := outcome.Text
			if title := strings.TrimSpace(outcome.Title); title != "" {
				text = title + "\n\n" + text
			}
			if outcome.Truncated {
				text += "\n(content truncated)"
			}
			res.Stdout = text
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	res.Err = strings.TrimSpace(lastErr.Error())
	return res, nil
}

func execCommand(ctx context.Context, dir, name string, args []string, out *commandOutput) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout, cmd.Stderr = out.Streams()
	return cmd.Run()
}

// requestKey fingerprints a request for the per-turn idempotency cache. The
// turn is part of the key: re-running the same command in a later turn must
// observe fresh state. Input keys are sorted so two maps with the same
// content produce the same key.
func requestKey(req engine.ToolRequest) string {
	keys := make([]string, 0, len(req.Input))
	for k := range req.Input {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(req.RunID)
	b.WriteString("|")
	b.WriteString(strconv.Itoa(req.Turn))
	b.WriteString("|")
	b.WriteString(req.Tool)
	for _, k := range keys {
		v, _ := json.Marshal(req.Input[k])
		b.WriteString("|")
		b.WriteString(k)
		b.WriteString("=")
		b.Write(v)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func commandLine(name string, args []string) string {
	if len(args) == 0 {
		return name
	}
	return name + " " + strings.Join(args, " ")
}

func inputString(input map[string]any, key string) string {
	if input == nil {
		return ""
	}
	if s, ok := input[key].(string); ok {
		return s
	}
	return ""
}

func inputStrings(input map[string]any, key string) []string {
	if input == nil {
		return nil
	}
	switch v := input[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
