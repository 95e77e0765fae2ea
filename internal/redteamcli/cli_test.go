package redteamcli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/oremus-labs/ol-redteam/internal/campaign"
	"github.com/oremus-labs/ol-redteam/internal/results"
	"github.com/oremus-labs/ol-redteam/internal/store"
	"github.com/oremus-labs/ol-redteam/internal/stream"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const requestYAML = `target:
  provider: openai
  model: gpt-test
categories:
  - prompt_injection
  - jailbreak
probes_per_category: 2
`

// runCLI executes the root command with fresh flag state. Commands share
// package state, so these tests do not run in parallel.
func runCLI(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	resetFlags(rootCmd)
	appConfig = nil
	var stdout, stderr bytes.Buffer
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestConfigContexts(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")

	if _, _, err := runCLI(t, "", "config", "set-context", "dev", "--config", cfgPath, "--server", "http://dev.local", "--token", "abc"); err != nil {
		t.Fatalf("set-context dev: %v", err)
	}
	if _, _, err := runCLI(t, "", "config", "set-context", "prod", "--config", cfgPath, "--probe-api", "https://probe.example", "--timeout", "2m", "--current=false"); err != nil {
		t.Fatalf("set-context prod: %v", err)
	}
	if _, _, err := runCLI(t, "", "config", "set-context", "empty", "--config", cfgPath); err == nil {
		t.Fatalf("expected set-context without endpoints to fail")
	}

	out, _, err := runCLI(t, "", "config", "view", "--config", cfgPath)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if !strings.Contains(out, "REDACTED") || strings.Contains(out, "abc") {
		t.Fatalf("expected redacted token in view:\n%s", out)
	}

	if _, _, err := runCLI(t, "", "config", "use-context", "prod", "--config", cfgPath); err != nil {
		t.Fatalf("use-context: %v", err)
	}
	if _, _, err := runCLI(t, "", "config", "use-context", "missing", "--config", cfgPath); err == nil {
		t.Fatalf("expected use-context of unknown context to fail")
	}

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.CurrentContext != "prod" {
		t.Fatalf("expected prod to be current, got %q", cfg.CurrentContext)
	}
	if cfg.Contexts["dev"].Token != "abc" || cfg.Contexts["prod"].Timeout.Minutes() != 2 {
		t.Fatalf("unexpected contexts: %+v", cfg.Contexts)
	}
}

func TestRunMockJSON(t *testing.T) {
	dir := t.TempDir()
	reqPath := writeFile(t, dir, "request.yaml", requestYAML)

	out, _, err := runCLI(t, "", "run", "-f", reqPath, "--mock", "--mock-delay", "0", "--seed", "7", "-o", "json", "--config", filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var report results.Report
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode report: %v\n%s", err, out)
	}
	if report.Summary.Total != 4 || len(report.Results) != 4 || report.Target != "gpt-test" {
		t.Fatalf("unexpected report: %+v", report.Summary)
	}
}

func TestRunMockTableFromStdin(t *testing.T) {
	dir := t.TempDir()

	out, stderr, err := runCLI(t, requestYAML, "run", "-f", "-", "--mock", "--mock-delay", "0", "--all", "--config", filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, want := range []string{"Conclusion:", "CATEGORY", "jailbreak", "SEVERITY"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
	if !strings.Contains(stderr, "100%") {
		t.Fatalf("expected live progress on stderr, got %q", stderr)
	}
}

func TestRunRejectsInvalidRequest(t *testing.T) {
	dir := t.TempDir()
	reqPath := writeFile(t, dir, "bad.json", `{"target":{"provider":"openai","model":"m"},"categories":[]}`)

	_, _, err := runCLI(t, "", "run", "-f", reqPath, "--mock", "--config", filepath.Join(dir, "config.yaml"))
	if err == nil || !strings.Contains(err.Error(), "invalid campaign request") {
		t.Fatalf("expected validation failure, got %v", err)
	}
}

func TestRunRequiresProbeAPI(t *testing.T) {
	dir := t.TempDir()
	reqPath := writeFile(t, dir, "request.yaml", requestYAML)

	_, _, err := runCLI(t, "", "run", "-f", reqPath, "--config", filepath.Join(dir, "config.yaml"))
	if err == nil || !strings.Contains(err.Error(), "no probe API configured") {
		t.Fatalf("expected missing probe API error, got %v", err)
	}
}

// probeServer accepts only the "fresh" token and refreshes "r1" into it when
// refreshOK is set.
func probeServer(t *testing.T, refreshOK bool) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var runs atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			RefreshToken string `json:"refresh_token"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if !refreshOK || body.RefreshToken != "r1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"fresh","refresh_token":"r2","expires_in":3600}`))
	})
	mux.HandleFunc("/api/v1/campaigns/run", func(w http.ResponseWriter, r *http.Request) {
		runs.Add(1)
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"detail":"token expired"}`))
			return
		}
		var req campaign.Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, rec := range campaign.Script(req, 3) {
			_ = stream.Write(w, rec)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &runs
}

func TestRunRefreshesRejectedSession(t *testing.T) {
	srv, runs := probeServer(t, true)
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	reqPath := writeFile(t, dir, "request.yaml", requestYAML)

	if _, _, err := runCLI(t, "", "config", "set-context", "lab", "--config", cfgPath, "--probe-api", srv.URL, "--token", "stale", "--refresh-token", "r1"); err != nil {
		t.Fatalf("set-context: %v", err)
	}
	if _, _, err := runCLI(t, "", "run", "-f", reqPath, "-o", "json", "--config", cfgPath); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := runs.Load(); got != 2 {
		t.Fatalf("expected one retry after refresh, got %d runs", got)
	}
	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	lab := cfg.Contexts["lab"]
	if lab.Token != "fresh" || lab.RefreshToken != "r2" || lab.ExpiresAt.IsZero() {
		t.Fatalf("expected refreshed session to be persisted, got %+v", lab)
	}
}

func TestRunSessionExpired(t *testing.T) {
	srv, _ := probeServer(t, false)
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	reqPath := writeFile(t, dir, "request.yaml", requestYAML)

	if _, _, err := runCLI(t, "", "config", "set-context", "lab", "--config", cfgPath, "--probe-api", srv.URL, "--token", "stale", "--refresh-token", "r1"); err != nil {
		t.Fatalf("set-context: %v", err)
	}
	_, stderr, err := runCLI(t, "", "run", "-f", reqPath, "--config", cfgPath)
	if campaign.KindOf(err) != campaign.KindAuth {
		t.Fatalf("expected auth error, got %v", err)
	}
	if !strings.Contains(stderr, "redteam config set-context lab") {
		t.Fatalf("expected relogin prompt, got %q", stderr)
	}
	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if lab := cfg.Contexts["lab"]; lab.Token != "" || lab.RefreshToken != "" {
		t.Fatalf("expected session to be cleared, got %+v", lab)
	}
}

func TestCampaignCommands(t *testing.T) {
	var cancels atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/campaigns", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("status") != "failed" {
			t.Errorf("expected status filter, got %q", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"campaigns": []store.Campaign{{ID: "0123456789abcdef", Target: "gpt-test", Status: store.StatusFailed, Progress: 40}},
		})
	})
	mux.HandleFunc("/campaigns/0123456789abcdef/results", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"campaign has no results"}`))
	})
	mux.HandleFunc("/campaigns/0123456789abcdef/cancel", func(w http.ResponseWriter, r *http.Request) {
		cancels.Add(1)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if _, _, err := runCLI(t, "", "config", "set-context", "srv", "--config", cfgPath, "--server", srv.URL, "--token", "secret"); err != nil {
		t.Fatalf("set-context: %v", err)
	}

	out, _, err := runCLI(t, "", "campaigns", "list", "--status", "failed", "--config", cfgPath)
	if err != nil {
		t.Fatalf("campaigns list: %v", err)
	}
	if !strings.Contains(out, "01234567") || !strings.Contains(out, "gpt-test") || !strings.Contains(out, "40%") {
		t.Fatalf("unexpected list output:\n%s", out)
	}

	_, _, err = runCLI(t, "", "campaigns", "results", "0123456789abcdef", "--config", cfgPath)
	if err == nil || !strings.Contains(err.Error(), "no results yet") {
		t.Fatalf("expected missing results error, got %v", err)
	}

	if _, _, err := runCLI(t, "", "campaigns", "cancel", "0123456789abcdef", "--config", cfgPath); err != nil {
		t.Fatalf("campaigns cancel: %v", err)
	}
	if cancels.Load() != 1 {
		t.Fatalf("expected cancel to reach the server")
	}

	_, _, err = runCLI(t, "", "campaigns", "list", "--config", cfgPath, "--token", "wrong")
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected unauthorized error, got %v", err)
	}
}
