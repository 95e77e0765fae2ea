package redteamcli

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/oremus-labs/ol-redteam/internal/results"
	"github.com/oremus-labs/ol-redteam/internal/store"
	"github.com/spf13/cobra"
)

var campaignsCmd = &cobra.Command{
	Use:     "campaigns",
	Aliases: []string{"campaign"},
	Short:   "Inspect campaigns recorded by the red-team server",
}

var campaignsOpts struct {
	limit  int
	status string
	file   string
	all    bool
}

var campaignsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent campaigns",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := mustClient()
		if err != nil {
			return err
		}
		asJSON, err := jsonOutput()
		if err != nil {
			return err
		}
		query := url.Values{}
		if campaignsOpts.limit > 0 {
			query.Set("limit", strconv.Itoa(campaignsOpts.limit))
		}
		if campaignsOpts.status != "" {
			query.Set("status", campaignsOpts.status)
		}
		path := "/campaigns"
		if len(query) > 0 {
			path += "?" + query.Encode()
		}
		var resp struct {
			Campaigns []store.Campaign `json:"campaigns"`
		}
		if err := client.GetJSON(cmd.Context(), path, &resp); err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), resp.Campaigns)
		}
		tw := newTable(cmd.OutOrStdout())
		fmt.Fprintf(tw, "ID\tTARGET\tSTATUS\tPROGRESS\tFAILED\tCREATED\n")
		for _, c := range resp.Campaigns {
			failed := "-"
			if c.Summary != nil {
				failed = fmt.Sprintf("%d/%d", c.Summary.Failed, c.Summary.Total)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d%%\t%s\t%s\n",
				shortID(c.ID),
				dash(c.Target),
				c.Status,
				c.Progress,
				failed,
				relativeTime(c.CreatedAt))
		}
		flushTable(tw)
		return nil
	},
}

var campaignsGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a campaign",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := mustClient()
		if err != nil {
			return err
		}
		asJSON, err := jsonOutput()
		if err != nil {
			return err
		}
		var c store.Campaign
		if err := client.GetJSON(cmd.Context(), "/campaigns/"+url.PathEscape(args[0]), &c); err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), c)
		}
		printCampaign(cmd, &c)
		return nil
	},
}

var campaignsResultsCmd = &cobra.Command{
	Use:   "results <id>",
	Short: "Show the classified results of a completed campaign",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := mustClient()
		if err != nil {
			return err
		}
		asJSON, err := jsonOutput()
		if err != nil {
			return err
		}
		var report results.Report
		err = client.GetJSON(cmd.Context(), "/campaigns/"+url.PathEscape(args[0])+"/results", &report)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
			return fmt.Errorf("campaign %s has no results yet", args[0])
		}
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), report)
		}
		printReport(cmd.OutOrStdout(), report, 0, campaignsOpts.all)
		return nil
	},
}

var campaignsSubmitCmd = &cobra.Command{
	Use:   "submit -f request.yaml",
	Short: "Schedule a campaign on the red-team server",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := mustClient()
		if err != nil {
			return err
		}
		asJSON, err := jsonOutput()
		if err != nil {
			return err
		}
		_, req, err := loadRequest(cmd.InOrStdin(), campaignsOpts.file)
		if err != nil {
			return err
		}
		var c store.Campaign
		if err := client.PostJSON(cmd.Context(), "/campaigns", req, &c); err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), c)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Campaign %s %s.\n", c.ID, c.Status)
		return nil
	},
}

var campaignsCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Abort a queued or running campaign",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := mustClient()
		if err != nil {
			return err
		}
		if err := client.PostJSON(cmd.Context(), "/campaigns/"+url.PathEscape(args[0])+"/cancel", nil, nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for %s.\n", args[0])
		return nil
	},
}

func printCampaign(cmd *cobra.Command, c *store.Campaign) {
	tw := newTable(cmd.OutOrStdout())
	fmt.Fprintf(tw, "ID\t%s\n", c.ID)
	fmt.Fprintf(tw, "Campaign\t%s\n", dash(c.CampaignID))
	fmt.Fprintf(tw, "Target\t%s\n", dash(c.Target))
	fmt.Fprintf(tw, "Status\t%s\n", c.Status)
	fmt.Fprintf(tw, "Progress\t%d%% (%d/%d probes)\n", c.Progress, c.CompletedProbes, c.TotalProbes)
	if c.Error != "" {
		fmt.Fprintf(tw, "Error\t%s: %s\n", c.ErrorKind, c.Error)
	}
	if c.Summary != nil {
		fmt.Fprintf(tw, "Failed\t%d/%d\n", c.Summary.Failed, c.Summary.Total)
		fmt.Fprintf(tw, "Conclusion\t%s\n", c.Summary.Conclusion)
	}
	fmt.Fprintf(tw, "Created\t%s\n", relativeTime(c.CreatedAt))
	if c.StartedAt != nil && c.FinishedAt != nil {
		fmt.Fprintf(tw, "Duration\t%s\n", humanDuration(c.FinishedAt.Sub(*c.StartedAt)))
	}
	flushTable(tw)
}

func init() {
	campaignsListCmd.Flags().IntVar(&campaignsOpts.limit, "limit", 25, "Maximum campaigns to list")
	campaignsListCmd.Flags().StringVar(&campaignsOpts.status, "status", "", "Filter by status (queued|running|completed|failed|aborted)")
	campaignsResultsCmd.Flags().BoolVar(&campaignsOpts.all, "all", false, "List every probe, not only failures")
	campaignsSubmitCmd.Flags().StringVarP(&campaignsOpts.file, "file", "f", "", "Campaign request file (YAML or JSON, '-' for stdin)")

	campaignsCmd.AddCommand(campaignsListCmd)
	campaignsCmd.AddCommand(campaignsGetCmd)
	campaignsCmd.AddCommand(campaignsResultsCmd)
	campaignsCmd.AddCommand(campaignsSubmitCmd)
	campaignsCmd.AddCommand(campaignsCancelCmd)
}
