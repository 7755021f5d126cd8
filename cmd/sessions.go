package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/tidwall/pretty"

	"github.com/redteams-fr/LLMiddler/internal/tui"
	"github.com/redteams-fr/LLMiddler/internal/ui"
)

const (
	defaultUIURL     = "http://127.0.0.1:8080/_ui"
	defaultWidth     = 120
	minPathWidth     = 16
	fixedColumnWidth = 78 // everything but PATH, with padding
	fetchTimeout     = 10 * time.Second
)

type sessionsOptions struct {
	url     string
	asJSON  bool
	limit   int
	timeout time.Duration
}

func newSessionsCmd() *cobra.Command {
	opts := &sessionsOptions{}
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List the exchanges captured by a running instance",
		Long: `List the exchanges captured by a running instance, newest first.

Examples:
  llmiddler sessions
  llmiddler sessions --limit 20
  llmiddler sessions --url http://proxy.local:8080/_ui --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSessions(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.url, "url", "u", defaultUIURL, "UI base URL of the running instance")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print the raw JSON list")
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 50, "maximum rows to print, 0 for all")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", fetchTimeout, "request timeout")
	return cmd
}

func runSessions(ctx context.Context, out io.Writer, opts *sessionsOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	raw, err := fetchSessions(ctx, opts.url, opts.timeout)
	if err != nil {
		return err
	}

	if opts.asJSON {
		formatted := pretty.Pretty(raw)
		if tui.IsTerminal(out) {
			formatted = pretty.Color(formatted, nil)
		}
		_, err := out.Write(formatted)
		return err
	}

	var list ui.SessionList
	if err := json.Unmarshal(raw, &list); err != nil {
		return fmt.Errorf("decode sessions: %w", err)
	}
	return printSessions(out, tui.For(out), list, opts.limit, tui.Width(out, defaultWidth), time.Now())
}

// fetchSessions GETs {base}/api/sessions and returns the body.
func fetchSessions(ctx context.Context, base string, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	target := strings.TrimRight(base, "/") + "/api/sessions"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", target, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %s", target, resp.Status)
	}
	return body, nil
}

// printSessions renders the list as an aligned table. PATH takes whatever
// width the other columns leave.
func printSessions(out io.Writer, p tui.Palette, list ui.SessionList, limit, width int, now time.Time) error {
	if len(list.Sessions) == 0 {
		_, err := fmt.Fprintln(out, "No sessions captured yet.")
		return err
	}

	rows := list.Sessions
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	pathWidth := max(width-fixedColumnWidth, minPathWidth)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tAGE\tMETHOD\tCODE\tSTATUS\tDURATION\tSIZE\tTOKENS\tPATH")
	for _, s := range rows {
		path := s.Path
		if s.QueryString != "" {
			path += "?" + s.QueryString
		}
		if s.IsStreaming {
			path += " [stream]"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID,
			humanize.RelTime(s.CreatedAt, now, "ago", "from now"),
			s.Method,
			optionalInt(s.StatusCode),
			p.Status(string(s.Status)),
			formatMillis(s.DurationMs),
			humanize.IBytes(uint64(max(s.ResponseSize, 0))),
			optionalTokens(s.TotalTokens),
			truncate(path, pathWidth),
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	t := list.Totals
	_, err := fmt.Fprintf(out, "\n%d of %d sessions, tokens: %s prompt + %s completion = %s\n",
		len(rows), len(list.Sessions),
		humanize.Comma(t.PromptTokens), humanize.Comma(t.CompletionTokens), humanize.Comma(t.TotalTokens))
	return err
}

func optionalInt(p *int) string {
	if p == nil {
		return "-"
	}
	return strconv.Itoa(*p)
}

func optionalTokens(p *int64) string {
	if p == nil {
		return "-"
	}
	return humanize.Comma(*p)
}

func formatMillis(ms *float64) string {
	if ms == nil {
		return "-"
	}
	return (time.Duration(*ms * float64(time.Millisecond))).Round(time.Millisecond).String()
}

// truncate shortens s to at most n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-1]) + "…"
}
