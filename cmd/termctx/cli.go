package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/hpungsan/termctx/internal/config"
	"github.com/hpungsan/termctx/internal/contextmgr"
	"github.com/hpungsan/termctx/internal/errors"
	"github.com/hpungsan/termctx/internal/session"
	"github.com/hpungsan/termctx/internal/tokens"
	"github.com/hpungsan/termctx/internal/window"
)

// readChunkSize is how much stdin capture feeds to Ingest per call.
const readChunkSize = 32 * 1024

// maxEstimateBytes caps stdin for the estimate command.
const maxEstimateBytes = 16 * 1024 * 1024

// newCLIApp creates the CLI application with all commands.
func newCLIApp(cfg *config.Config, logger *zap.Logger) *cli.App {
	app := &cli.App{
		Name:    "termctx",
		Usage:   "Terminal output context manager",
		Version: Version,
		Commands: []*cli.Command{
			captureCmd(cfg, logger),
			estimateCmd(cfg),
			configCmd(cfg),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// captureOutput is the JSON printed by capture.
type captureOutput struct {
	Context *contextmgr.Context `json:"context"`
	Session session.Stats       `json:"session"`
}

// captureCmd creates the capture command.
func captureCmd(cfg *config.Config, logger *zap.Logger) *cli.Command {
	return &cli.Command{
		Name:  "capture",
		Usage: "Ingest piped terminal output and print its context window",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "session", Aliases: []string{"s"}, Usage: "Session id (generated when empty)"},
			&cli.StringFlag{Name: "mode", Aliases: []string{"m"}, Usage: "Window mode: fixed|percentage|auto (defaults to config)"},
			&cli.IntFlag{Name: "value", Usage: "Window value: line count, percent, or token budget"},
			&cli.IntFlag{Name: "min-lines", Usage: "Floor for percentage and auto windows"},
			&cli.IntFlag{Name: "max-lines", Usage: "Cap for percentage and auto windows (0 = no cap)"},
			&cli.BoolFlag{Name: "no-flush", Usage: "Drop a trailing line without newline instead of flushing it"},
			&cli.BoolFlag{Name: "text", Aliases: []string{"t"}, Usage: "Print only the window text"},
		},
		Action: func(c *cli.Context) error {
			if !stdinHasData() {
				return outputError(errors.NewInvalidRequest("terminal output must be piped via stdin"))
			}

			override, err := windowOverride(c, cfg)
			if err != nil {
				return outputError(err)
			}

			mgr, err := contextmgr.New(cfg, contextmgr.WithLogger(logger))
			if err != nil {
				return outputError(err)
			}
			defer mgr.Close()

			stats, err := mgr.OpenSession(c.String("session"))
			if err != nil {
				return outputError(err)
			}
			id := stats.SessionID

			if err := streamStdin(func(chunk string) error {
				return mgr.Ingest(id, chunk)
			}); err != nil {
				return outputError(err)
			}
			if !c.Bool("no-flush") {
				if _, err := mgr.Flush(id); err != nil {
					return outputError(err)
				}
			}

			ctx, err := mgr.GetContext(id, override)
			if err != nil {
				return outputError(err)
			}
			final, err := mgr.EndSession(id)
			if err != nil {
				return outputError(err)
			}

			if c.Bool("text") {
				_, err := fmt.Fprintln(os.Stdout, ctx.Text)
				return err
			}
			return outputJSON(captureOutput{Context: ctx, Session: final})
		},
	}
}

// windowOverride builds a per-call window from flags. Returns nil when no
// window flag was given so the configured policy applies.
func windowOverride(c *cli.Context, cfg *config.Config) (*window.Config, error) {
	if !c.IsSet("mode") && !c.IsSet("value") && !c.IsSet("min-lines") && !c.IsSet("max-lines") {
		return nil, nil
	}
	w, err := cfg.Window()
	if err != nil {
		return nil, err
	}
	if c.IsSet("mode") {
		mode, err := window.ParseMode(c.String("mode"))
		if err != nil {
			return nil, err
		}
		w.Mode = mode
	}
	if c.IsSet("value") {
		w.Value = c.Int("value")
	}
	if c.IsSet("min-lines") {
		w.MinLines = c.Int("min-lines")
	}
	if c.IsSet("max-lines") {
		w.MaxLines = c.Int("max-lines")
	}
	if err := window.Validate(w); err != nil {
		return nil, err
	}
	return &w, nil
}

// estimateOutput is the JSON printed by estimate.
type estimateOutput struct {
	Estimator string `json:"estimator"`
	Chars     int    `json:"chars"`
	Lines     int    `json:"lines"`
	Tokens    int    `json:"tokens"`
}

// estimateCmd creates the estimate command.
func estimateCmd(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "estimate",
		Usage: "Estimate the token count of piped text",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "estimator", Aliases: []string{"e"}, Usage: "Estimator: runes|words (defaults to config)"},
			&cli.Float64Flag{Name: "chars-per-token", Usage: "Characters per token for the runes estimator"},
		},
		Action: func(c *cli.Context) error {
			if !stdinHasData() {
				return outputError(errors.NewInvalidRequest("text must be piped via stdin"))
			}

			name := cfg.TokenEstimator
			if c.IsSet("estimator") {
				name = c.String("estimator")
			}
			if name == "" {
				name = tokens.NameRunes
			}
			ratio := cfg.CharsPerToken
			if c.IsSet("chars-per-token") {
				ratio = c.Float64("chars-per-token")
			}
			est, err := tokens.New(name, ratio)
			if err != nil {
				return outputError(err)
			}

			text, err := readStdin(maxEstimateBytes)
			if err != nil {
				return outputError(err)
			}

			lines := 0
			if text != "" {
				lines = strings.Count(strings.TrimSuffix(text, "\n"), "\n") + 1
			}
			return outputJSON(estimateOutput{
				Estimator: name,
				Chars:     len([]rune(text)),
				Lines:     lines,
				Tokens:    est.Estimate(text),
			})
		},
	}
}

// configCmd creates the config command.
func configCmd(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Print the effective configuration",
		Action: func(c *cli.Context) error {
			return outputJSON(cfg)
		},
	}
}

// outputJSON writes JSON to stdout.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	if ctxErr, ok := errors.As(err); ok {
		return cli.Exit(fmt.Sprintf("[%s] %s", ctxErr.Code, ctxErr.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}

// stdinHasData returns true if stdin has piped data (not a terminal).
func stdinHasData() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

// streamStdin reads stdin in fixed-size chunks until EOF. Chunk boundaries
// fall anywhere, including inside a line or a multi-byte rune.
func streamStdin(fn func(chunk string) error) error {
	buf := make([]byte, readChunkSize)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			if ferr := fn(string(buf[:n])); ferr != nil {
				return ferr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.NewInternal(err)
		}
	}
}

// readStdin reads all content from stdin with a size limit.
func readStdin(maxBytes int) (string, error) {
	data, err := io.ReadAll(io.LimitReader(os.Stdin, int64(maxBytes)+1))
	if err != nil {
		return "", errors.NewInternal(err)
	}
	if len(data) > maxBytes {
		return "", errors.NewInvalidRequest(fmt.Sprintf("stdin exceeds %d bytes", maxBytes))
	}
	return string(data), nil
}
