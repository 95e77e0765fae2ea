// Package redteamcli implements the redteam command-line client.
package redteamcli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	cfgFile       string
	contextName   string
	overrideURL   string
	overrideToken string
	outputFormat  string

	appConfig *Config
)

// Execute runs the CLI.
func Execute() error {
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	if err := rootCmd.Execute(); err != nil {
		printErrorLine(rootCmd, "Error: %v", err)
		return err
	}
	return nil
}

var rootCmd = &cobra.Command{
	Use:   "redteam",
	Short: "Run and inspect LLM red-team campaigns",
	Long: `redteam runs probe campaigns against a target model and inspects the
campaigns recorded by the red-team server. Server commands require a
configured context (see 'redteam config set-context').`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Config commands load/save the file manually.
		if strings.HasPrefix(cmd.CommandPath(), "redteam config") {
			return nil
		}
		if appConfig == nil {
			var err error
			appConfig, err = LoadConfig(cfgFile)
			if err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", defaultConfigPath(), "Path to the redteam config file")
	rootCmd.PersistentFlags().StringVar(&contextName, "context", "", "Context name to use (overrides current)")
	rootCmd.PersistentFlags().StringVar(&overrideURL, "server", "", "Override API server URL")
	rootCmd.PersistentFlags().StringVar(&overrideToken, "token", "", "Override API token")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table|json")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(campaignsCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(configCmd)
}

// resolvedContext merges config state with flag overrides. A missing context
// yields an empty one so commands that do not talk to the server still work.
func resolvedContext() (*Context, error) {
	if appConfig == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	ctxName := contextName
	if ctxName == "" {
		ctxName = appConfig.CurrentContext
	}
	ctx, ok := appConfig.Contexts[ctxName]
	if !ok && contextName != "" {
		return nil, fmt.Errorf("context %q not found; use 'redteam config set-context'", ctxName)
	}
	ctx.Name = ctxName
	if overrideURL != "" {
		ctx.Server = overrideURL
	}
	if overrideToken != "" {
		ctx.Token = overrideToken
	}
	return &ctx, nil
}

func mustClient() (*Client, *Context, error) {
	ctx, err := resolvedContext()
	if err != nil {
		return nil, nil, err
	}
	if ctx.Server == "" {
		return nil, nil, fmt.Errorf("context %q is missing a server URL", ctx.Name)
	}
	return &Client{BaseURL: ctx.Server, Token: ctx.Token, Timeout: defaultClientTimeout}, ctx, nil
}

func jsonOutput() (bool, error) {
	switch strings.ToLower(outputFormat) {
	case "json":
		return true, nil
	case "table", "":
		return false, nil
	default:
		return false, fmt.Errorf("unsupported output format %q", outputFormat)
	}
}
