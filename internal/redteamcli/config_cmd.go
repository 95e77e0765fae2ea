package redteamcli

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage CLI configuration",
}

var setContextOpts struct {
	server       string
	probeAPI     string
	runPath      string
	refreshPath  string
	token        string
	refreshToken string
	timeout      time.Duration
	current      bool
}

var configSetContextCmd = &cobra.Command{
	Use:   "set-context <name>",
	Short: "Create or update a context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		cfg, err := LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		ctx := cfg.Contexts[name]
		ctx.Name = name
		flags := cmd.Flags()
		if flags.Changed("server") {
			ctx.Server = setContextOpts.server
		}
		if flags.Changed("probe-api") {
			ctx.ProbeAPI = setContextOpts.probeAPI
		}
		if flags.Changed("run-path") {
			ctx.RunPath = setContextOpts.runPath
		}
		if flags.Changed("refresh-path") {
			ctx.RefreshPath = setContextOpts.refreshPath
		}
		if flags.Changed("token") {
			ctx.Token = setContextOpts.token
			ctx.ExpiresAt = time.Time{}
		}
		if flags.Changed("refresh-token") {
			ctx.RefreshToken = setContextOpts.refreshToken
		}
		if flags.Changed("timeout") {
			ctx.Timeout = setContextOpts.timeout
		}
		if ctx.Server == "" && ctx.ProbeAPI == "" {
			return fmt.Errorf("--server or --probe-api is required")
		}
		setContext(cfg, ctx, setContextOpts.current)
		if err := SaveConfig(cfg, cfgFile); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Context %q updated.\n", name)
		return nil
	},
}

var configUseContextCmd = &cobra.Command{
	Use:   "use-context <name>",
	Short: "Switch the current context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		if err := ensureContextExists(cfg, args[0]); err != nil {
			return err
		}
		cfg.CurrentContext = args[0]
		if err := SaveConfig(cfg, cfgFile); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Switched to context %q.\n", args[0])
		return nil
	},
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "Show the configuration with secrets redacted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		for name, ctx := range cfg.Contexts {
			ctx.Token = redact(ctx.Token)
			ctx.RefreshToken = redact(ctx.RefreshToken)
			cfg.Contexts[name] = ctx
		}
		asJSON, err := jsonOutput()
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), cfg)
		}
		names := make([]string, 0, len(cfg.Contexts))
		for name := range cfg.Contexts {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintf(cmd.OutOrStdout(), "Config file: %s\n", cfgFile)
		tw := newTable(cmd.OutOrStdout())
		fmt.Fprintf(tw, "CURRENT\tNAME\tSERVER\tPROBE API\tTOKEN\tEXPIRES\n")
		for _, name := range names {
			ctx := cfg.Contexts[name]
			current := ""
			if cfg.CurrentContext == name {
				current = "*"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", current, name, dash(ctx.Server), dash(ctx.ProbeAPI), dash(ctx.Token), relativeTime(ctx.ExpiresAt))
		}
		flushTable(tw)
		return nil
	},
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "REDACTED"
}

func init() {
	f := configSetContextCmd.Flags()
	f.StringVar(&setContextOpts.server, "server", "", "Red-team API server URL")
	f.StringVar(&setContextOpts.probeAPI, "probe-api", "", "Probe API base URL used by 'run' (defaults to --server)")
	f.StringVar(&setContextOpts.runPath, "run-path", "", "Probe API run path")
	f.StringVar(&setContextOpts.refreshPath, "refresh-path", "", "Probe API token refresh path")
	f.StringVar(&setContextOpts.token, "token", "", "Access token")
	f.StringVar(&setContextOpts.refreshToken, "refresh-token", "", "Refresh token")
	f.DurationVar(&setContextOpts.timeout, "timeout", 0, "Campaign timeout (clamped to 30s-15m)")
	f.BoolVar(&setContextOpts.current, "current", true, "Set as current context")
	configCmd.AddCommand(configSetContextCmd)
	configCmd.AddCommand(configUseContextCmd)
	configCmd.AddCommand(configViewCmd)
}
