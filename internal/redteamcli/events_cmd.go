package redteamcli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/oremus-labs/ol-redteam/internal/events"
	"github.com/spf13/cobra"
)

var eventsType string

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Follow the server's campaign event stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := mustClient()
		if err != nil {
			return err
		}
		asJSON, err := jsonOutput()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		out := cmd.OutOrStdout()
		err = client.StreamEvents(ctx, eventsType, func(evt events.Event) bool {
			if asJSON {
				return printJSON(out, evt) == nil
			}
			fmt.Fprintf(out, "%s  %-22s %s\n", evt.Timestamp.Local().Format("15:04:05"), evt.Type, summarizeEvent(evt))
			return true
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

// summarizeEvent renders the interesting fields of an event payload.
func summarizeEvent(evt events.Event) string {
	data, ok := evt.Data.(map[string]interface{})
	if !ok {
		return ""
	}
	id, _ := data["jobId"].(string)
	if id == "" {
		id, _ = data["id"].(string)
	}
	switch evt.Type {
	case events.TypeCampaignProgress:
		return fmt.Sprintf("%s %v%%", shortID(id), data["percent"])
	case events.TypeCampaignNotification:
		return fmt.Sprintf("%s %v: %v", shortID(id), data["kind"], data["message"])
	case events.TypeCampaignFailed:
		return fmt.Sprintf("%s %v: %v", shortID(id), data["errorKind"], data["error"])
	default:
		status, _ := data["status"].(string)
		return fmt.Sprintf("%s %s", shortID(id), status)
	}
}

func init() {
	eventsCmd.Flags().StringVar(&eventsType, "type", "campaign.", "Only show events whose type starts with this prefix")
}
