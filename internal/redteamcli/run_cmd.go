package redteamcli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oremus-labs/ol-redteam/config"
	"github.com/oremus-labs/ol-redteam/internal/campaign"
	"github.com/oremus-labs/ol-redteam/internal/credentials"
	"github.com/oremus-labs/ol-redteam/internal/results"
	"github.com/oremus-labs/ol-redteam/internal/validator"
	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"
)

var runOpts struct {
	file           string
	mock           bool
	mockDelay      time.Duration
	seed           int64
	timeout        time.Duration
	all            bool
	skipValidation bool
}

var runCmd = &cobra.Command{
	Use:   "run -f request.yaml",
	Short: "Run a campaign against the probe API and print its classified results",
	Long: `run streams a campaign directly from the probe API, showing live
progress, then classifies every probe and prints a summary. The request file
may be YAML or JSON; use '-' to read it from stdin. With --mock the campaign
is synthesized locally and no server is contacted.`,
	Example: `  redteam run -f campaign.yaml
  redteam run -f campaign.yaml --mock -o json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, err := jsonOutput()
		if err != nil {
			return err
		}
		raw, req, err := loadRequest(cmd.InOrStdin(), runOpts.file)
		if err != nil {
			return err
		}
		if !runOpts.skipValidation {
			if err := validateRequest(cmd, raw, req); err != nil {
				return err
			}
		}
		kctx, err := resolvedContext()
		if err != nil {
			return err
		}
		source, creds, err := buildSource(kctx)
		if err != nil {
			return err
		}
		timeout := runOpts.timeout
		if timeout == 0 {
			timeout = kctx.Timeout
		}
		runner := campaign.NewRunner(campaign.Options{Source: source, Timeout: timeout})
		executor := campaign.NewExecutor(runner, creds, &promptNotifier{w: cmd.ErrOrStderr(), contextName: kctx.Name})

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		progress := &progressPrinter{w: cmd.ErrOrStderr(), quiet: asJSON}
		out, err := executor.Execute(ctx, *req, progress)
		progress.done()
		if err != nil {
			return err
		}

		report := results.Build(out.Payload)
		if asJSON {
			return printJSON(cmd.OutOrStdout(), report)
		}
		printReport(cmd.OutOrStdout(), report, out.Duration, runOpts.all)
		return nil
	},
}

// loadRequest reads a YAML or JSON campaign request. It returns the JSON form
// for schema validation alongside the decoded request.
func loadRequest(stdin io.Reader, path string) ([]byte, *campaign.Request, error) {
	if path == "" {
		return nil, nil, fmt.Errorf("a request file is required (-f)")
	}
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, nil, err
	}
	raw, err := yaml.YAMLToJSON(data)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", path, err)
	}
	var req campaign.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return raw, &req, nil
}

func validateRequest(cmd *cobra.Command, raw []byte, req *campaign.Request) error {
	v, err := validator.New(validator.Options{})
	if err != nil {
		return err
	}
	result := v.Validate(raw, req)
	for _, check := range result.Checks {
		if check.Status == validator.StatusWarn {
			printErrorLine(cmd, "Warning: %s", check.Message)
		}
	}
	if result.Valid {
		return nil
	}
	var problems []string
	problems = append(problems, result.Errors...)
	for _, check := range result.Checks {
		if check.Status == validator.StatusFail {
			problems = append(problems, check.Message)
		}
	}
	return fmt.Errorf("invalid campaign request:\n  %s", strings.Join(problems, "\n  "))
}

// buildSource picks the campaign source and credential provider for kctx.
func buildSource(kctx *Context) (campaign.Source, campaign.CredentialProvider, error) {
	if runOpts.mock {
		return &campaign.MockSource{Seed: runOpts.seed, Delay: runOpts.mockDelay}, nil, nil
	}
	base := kctx.ProbeAPI
	if base == "" {
		base = kctx.Server
	}
	if base == "" {
		return nil, nil, fmt.Errorf("no probe API configured; use --mock or 'redteam config set-context --probe-api'")
	}
	runPath := kctx.RunPath
	if runPath == "" {
		runPath = config.DefaultRunPath
	}
	refreshPath := kctx.RefreshPath
	if refreshPath == "" {
		refreshPath = config.DefaultRefreshPath
	}

	var creds campaign.CredentialProvider
	switch {
	case kctx.RefreshToken != "":
		creds = credentials.NewSessionProvider(credentials.Options{
			BaseURL:     base,
			RefreshPath: refreshPath,
			Session: credentials.Session{
				AccessToken:  kctx.Token,
				RefreshToken: kctx.RefreshToken,
				ExpiresAt:    kctx.ExpiresAt,
			},
			Persist: persistSession(kctx.Name),
		})
	case kctx.Token != "":
		creds = credentials.NewStatic(kctx.Token)
	}
	return &campaign.HTTPSource{BaseURL: base, RunPath: runPath, Credentials: creds}, creds, nil
}

// persistSession writes refreshed or cleared sessions back to the named context.
func persistSession(name string) func(credentials.Session) error {
	return func(s credentials.Session) error {
		if appConfig == nil {
			return nil
		}
		ctx, ok := appConfig.Contexts[name]
		if !ok {
			return nil
		}
		ctx.Token = s.AccessToken
		ctx.RefreshToken = s.RefreshToken
		ctx.ExpiresAt = s.ExpiresAt
		appConfig.Contexts[name] = ctx
		return SaveConfig(appConfig, cfgFile)
	}
}

// progressPrinter redraws a single progress line.
type progressPrinter struct {
	w     io.Writer
	quiet bool

	mu      sync.Mutex
	printed bool
}

func (p *progressPrinter) Progress(u campaign.ProgressUpdate) {
	if p.quiet {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	line := fmt.Sprintf("%s %3d%%", progressBar(u.Percent, 30), u.Percent)
	if u.TotalProbes > 0 {
		line += fmt.Sprintf("  %d/%d probes", u.CompletedProbes, u.TotalProbes)
	}
	if u.CurrentProbe != "" {
		line += "  " + u.CurrentProbe
	}
	fmt.Fprintf(p.w, "\r%-80s", line)
	p.printed = true
}

func (p *progressPrinter) done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.printed {
		fmt.Fprintln(p.w)
		p.printed = false
	}
}

// promptNotifier prints what the user should do after a failed campaign.
type promptNotifier struct {
	w           io.Writer
	contextName string
}

func (n *promptNotifier) Notify(_ context.Context, note campaign.Notification) {
	fmt.Fprintln(n.w)
	switch note.Action {
	case campaign.ActionRelogin:
		fmt.Fprintf(n.w, "%s\n", note.Message)
		name := n.contextName
		if name == "" {
			name = "<name>"
		}
		fmt.Fprintf(n.w, "Sign in again, then run: redteam config set-context %s --token <token>\n", name)
	default:
		fmt.Fprintf(n.w, "Campaign failed (%s): %s\n", note.ErrorKind, note.Message)
		fmt.Fprintln(n.w, "Re-run the command to retry.")
	}
}

func printReport(w io.Writer, report results.Report, elapsed time.Duration, all bool) {
	s := report.Summary
	fmt.Fprintf(w, "Campaign:   %s\n", dash(report.CampaignID))
	fmt.Fprintf(w, "Target:     %s\n", dash(report.Target))
	if elapsed > 0 {
		fmt.Fprintf(w, "Duration:   %s\n", humanDuration(elapsed))
	}
	fmt.Fprintf(w, "Probes:     %d total, %d passed, %d failed\n", s.Total, s.Passed, s.Failed)
	fmt.Fprintf(w, "Risk:       avg %.1f, max %d\n", s.AverageRiskScore, s.MaxRiskScore)
	fmt.Fprintf(w, "Conclusion: %s\n\n", s.Conclusion)

	categories := make([]string, 0, len(s.ByCategory))
	for name := range s.ByCategory {
		categories = append(categories, name)
	}
	sort.Strings(categories)
	tw := newTable(w)
	fmt.Fprintf(tw, "CATEGORY\tTOTAL\tPASSED\tFAILED\n")
	for _, name := range categories {
		c := s.ByCategory[name]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", name, c.Total, c.Passed, c.Failed)
	}
	flushTable(tw)

	var rows []results.ProbeResult
	for _, r := range report.Results {
		if all || r.Status == results.StatusFail {
			rows = append(rows, r)
		}
	}
	if len(rows) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw = newTable(w)
	fmt.Fprintf(tw, "ID\tCATEGORY\tSTATUS\tSEVERITY\tRISK\tCONFIDENCE\tEVIDENCE\n")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d%%\t%s\n", r.ID, r.Category, r.Status, r.Severity, r.RiskScore, r.DisplayConfidence, truncate(r.Evidence, 60))
	}
	flushTable(tw)
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len([]rune(s)) <= n {
		return dash(s)
	}
	return string([]rune(s)[:n-3]) + "..."
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runOpts.file, "file", "f", "", "Campaign request file (YAML or JSON, '-' for stdin)")
	f.BoolVar(&runOpts.mock, "mock", false, "Synthesize the campaign locally instead of calling the probe API")
	f.DurationVar(&runOpts.mockDelay, "mock-delay", 150*time.Millisecond, "Delay between mock records")
	f.Int64Var(&runOpts.seed, "seed", 1, "Seed for --mock results")
	f.DurationVar(&runOpts.timeout, "timeout", 0, "Campaign timeout (clamped to 30s-15m, default 5m)")
	f.BoolVar(&runOpts.all, "all", false, "List every probe, not only failures")
	f.BoolVar(&runOpts.skipValidation, "skip-validation", false, "Do not validate the request before running it")
}
