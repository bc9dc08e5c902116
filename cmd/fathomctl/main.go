// fathomctl is a small operator CLI for a running fathomd: it issues
// queries, tails system events, and inspects provider health, telemetry,
// and cache state over the admin API.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fathomhq/fathom/internal/envelope"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "version", "--version", "-v":
		fmt.Printf("fathomctl %s\n", version)
	case "query":
		doQuery(args)
	case "status":
		doStatus()
	case "health":
		doHealth()
	case "provider", "providers":
		doProviders()
	case "model", "models":
		doModels()
	case "telemetry":
		doTelemetry(args)
	case "cache":
		doCache()
	case "events":
		doEvents()
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `fathomctl - operator CLI for fathomd

Usage:
  fathomctl query [-mode m] [-sources a,b] [-cost ceiling] [-trace id] "question"
  fathomctl status                  service health summary
  fathomctl health                  per-provider health stats
  fathomctl providers               registered providers
  fathomctl models                  registered models
  fathomctl telemetry [-limit n]    recent query telemetry
  fathomctl cache                   response cache counters
  fathomctl events                  tail the system event stream
  fathomctl version

Environment:
  FATHOM_ADDR          server base URL (default http://localhost:8080)
  FATHOM_ADMIN_TOKEN   token for /admin/v1 endpoints
`)
}

func baseURL() string {
	if v := os.Getenv("FATHOM_ADDR"); v != "" {
		return strings.TrimRight(v, "/")
	}
	return "http://localhost:8080"
}

func adminRequest(method, path string) (*http.Request, error) {
	req, err := http.NewRequest(method, baseURL()+path, nil)
	if err != nil {
		return nil, err
	}
	if tok := os.Getenv("FATHOM_ADMIN_TOKEN"); tok != "" {
		req.Header.Set("X-Admin-Token", tok)
	}
	return req, nil
}

func getJSON(path string, out any) error {
	req, err := adminRequest(http.MethodGet, path)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func doQuery(args []string) {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	mode := fs.String("mode", "", "query mode: simple|technical|research|multimedia")
	sources := fs.String("sources", "", "comma-separated lane subset")
	cost := fs.String("cost", "", "cost ceiling: free_only|low|standard|unlimited")
	trace := fs.String("trace", "", "trace ID to stamp on the request")
	verbose := fs.Bool("verbose", false, "print lane updates and fallback notices")
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fatal(fmt.Errorf("query text required"))
	}

	body := map[string]any{"query": strings.Join(fs.Args(), " ")}
	if *mode != "" {
		body["mode"] = *mode
	}
	if *trace != "" {
		body["trace_id"] = *trace
	}
	constraints := map[string]any{}
	if *sources != "" {
		constraints["sources"] = strings.Split(*sources, ",")
	}
	if *cost != "" {
		constraints["cost_ceiling"] = *cost
	}
	if len(constraints) > 0 {
		body["constraints"] = constraints
	}

	payload, _ := json.Marshal(body)
	resp, err := http.Post(baseURL()+"/v1/query", "application/json", bytes.NewReader(payload))
	if err != nil {
		fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		fatal(fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(msg))))
	}

	if err := renderStream(resp.Body, os.Stdout, *verbose); err != nil {
		fatal(err)
	}
}

// renderStream consumes the SSE response and renders it for a terminal:
// answer tokens inline, the bibliography up front, and a closing stats line.
func renderStream(r io.Reader, w io.Writer, verbose bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var e envelope.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e); err != nil {
			continue
		}
		switch e.Kind {
		case envelope.KindLaneUpdate:
			if verbose && e.LaneUpdate != nil {
				fmt.Fprintf(w, "[lane %s] %s via %s (%d sources, %dms)\n",
					e.LaneUpdate.LaneID, e.LaneUpdate.Status, e.LaneUpdate.ProviderUsed,
					e.LaneUpdate.SourceCount, e.LaneUpdate.ElapsedMs)
			}
		case envelope.KindFallbackNotice:
			if verbose && e.FallbackNotice != nil {
				fmt.Fprintf(w, "[lane %s] fallback %s -> %s (%s)\n",
					e.FallbackNotice.LaneID, e.FallbackNotice.FromProvider,
					e.FallbackNotice.ToProvider, e.FallbackNotice.Reason)
			}
		case envelope.KindSourcesFinalized:
			if e.SourcesFinalized != nil {
				fmt.Fprintln(w, "Sources:")
				for i, s := range e.SourcesFinalized.Citable {
					fmt.Fprintf(w, "  [%d] %s — %s\n", i+1, s.Title, s.URL)
				}
				fmt.Fprintln(w)
			}
		case envelope.KindToken:
			if e.Token != nil {
				fmt.Fprint(w, e.Token.Text)
			}
		case envelope.KindDisagreement:
			fmt.Fprintf(w, "\n(note: sources disagree: %s)\n", e.Disagreement)
		case envelope.KindDone:
			if e.Done != nil {
				fmt.Fprintf(w, "\n\n%d sources, %dms", e.Done.SourceCount, e.Done.TotalMs)
				if e.Done.FromCache {
					fmt.Fprint(w, ", cached")
				}
				if e.Done.Truncated {
					fmt.Fprint(w, ", truncated")
				}
				fmt.Fprintln(w)
			}
			return nil
		case envelope.KindError:
			if e.Error != nil {
				return fmt.Errorf("%s: %s", e.Error.Kind, e.Error.Message)
			}
			return fmt.Errorf("stream ended in error")
		}
	}
	return scanner.Err()
}

func doStatus() {
	var resp map[string]any
	if err := getJSON("/healthz", &resp); err != nil {
		fatal(err)
	}
	fmt.Printf("status:    %v\n", resp["status"])
	fmt.Printf("providers: %v\n", resp["providers"])
	fmt.Printf("models:    %v\n", resp["models"])
}

func doHealth() {
	var resp struct {
		Providers []struct {
			ProviderID    string  `json:"provider_id"`
			State         string  `json:"state"`
			TotalRequests int64   `json:"total_requests"`
			TotalErrors   int64   `json:"total_errors"`
			ConsecErrors  int     `json:"consec_errors"`
			AvgLatencyMs  float64 `json:"avg_latency_ms"`
		} `json:"providers"`
	}
	if err := getJSON("/admin/v1/health", &resp); err != nil {
		fatal(err)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tSTATE\tREQUESTS\tERRORS\tCONSEC\tAVG MS")
	for _, p := range resp.Providers {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%.0f\n",
			p.ProviderID, p.State, p.TotalRequests, p.TotalErrors, p.ConsecErrors, p.AvgLatencyMs)
	}
	tw.Flush()
}

func doProviders() {
	var resp struct {
		Providers []struct {
			ID       string `json:"id"`
			Lane     string `json:"lane"`
			Kind     string `json:"kind"`
			Keyed    bool   `json:"keyed"`
			Priority int    `json:"priority"`
			Health   struct {
				State string `json:"state"`
			} `json:"health"`
		} `json:"providers"`
	}
	if err := getJSON("/admin/v1/providers", &resp); err != nil {
		fatal(err)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tLANE\tKEYED\tPRIORITY\tSTATE")
	for _, p := range resp.Providers {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%d\t%s\n",
			p.ID, p.Kind, p.Lane, p.Keyed, p.Priority, p.Health.State)
	}
	tw.Flush()
}

func doModels() {
	var resp struct {
		Models []struct {
			ID               string  `json:"id"`
			ProviderID       string  `json:"provider_id"`
			Tier             string  `json:"tier"`
			Technical        bool    `json:"technical"`
			MaxContextTokens int     `json:"max_context_tokens"`
			InputPer1K       float64 `json:"input_per_1k"`
			OutputPer1K      float64 `json:"output_per_1k"`
			Enabled          bool    `json:"enabled"`
		} `json:"models"`
	}
	if err := getJSON("/admin/v1/models", &resp); err != nil {
		fatal(err)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPROVIDER\tTIER\tCONTEXT\t$IN/1K\t$OUT/1K\tENABLED")
	for _, m := range resp.Models {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%.5f\t%.5f\t%t\n",
			m.ID, m.ProviderID, m.Tier, m.MaxContextTokens, m.InputPer1K, m.OutputPer1K, m.Enabled)
	}
	tw.Flush()
}

func doTelemetry(args []string) {
	fs := flag.NewFlagSet("telemetry", flag.ExitOnError)
	limit := fs.Int("limit", 20, "number of records")
	_ = fs.Parse(args)

	var resp struct {
		Records []struct {
			Timestamp time.Time `json:"timestamp"`
			QueryID   string    `json:"query_id"`
			Mode      string    `json:"mode"`
			TotalMs   int64     `json:"total_ms"`
			Model     struct {
				FinalModel string `json:"final_model"`
			} `json:"model"`
			Cache struct {
				Hit bool `json:"hit"`
			} `json:"cache"`
			ErrorKind string `json:"error_kind"`
		} `json:"records"`
	}
	if err := getJSON(fmt.Sprintf("/admin/v1/telemetry?limit=%d", *limit), &resp); err != nil {
		fatal(err)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tQUERY\tMODE\tMS\tMODEL\tCACHE\tERROR")
	for _, r := range resp.Records {
		cacheMark := "-"
		if r.Cache.Hit {
			cacheMark = "hit"
		}
		errKind := r.ErrorKind
		if errKind == "" {
			errKind = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.Timestamp.Format(time.TimeOnly), r.QueryID, r.Mode, r.TotalMs,
			r.Model.FinalModel, cacheMark, errKind)
	}
	tw.Flush()
}

func doCache() {
	var stats struct {
		Entries   int    `json:"entries"`
		Hits      uint64 `json:"hits"`
		Misses    uint64 `json:"misses"`
		Coalesced uint64 `json:"coalesced"`
		Stores    uint64 `json:"stores"`
	}
	if err := getJSON("/admin/v1/cache", &stats); err != nil {
		fatal(err)
	}
	fmt.Printf("entries:   %d\n", stats.Entries)
	fmt.Printf("hits:      %d\n", stats.Hits)
	fmt.Printf("misses:    %d\n", stats.Misses)
	fmt.Printf("coalesced: %d\n", stats.Coalesced)
	fmt.Printf("stores:    %d\n", stats.Stores)
}

func doEvents() {
	req, err := adminRequest(http.MethodGet, "/admin/v1/events")
	if err != nil {
		fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		fatal(fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(msg))))
	}

	scanner := bufio.NewScanner(resp.Body)
	var event string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			fmt.Printf("%s  %s %s\n", time.Now().Format(time.TimeOnly), event,
				strings.TrimPrefix(line, "data: "))
		}
	}
	if err := scanner.Err(); err != nil {
		fatal(err)
	}
}
