package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fathomlabs/fathom/internal/events"
	"github.com/fathomlabs/fathom/internal/mission"
	"github.com/fathomlabs/fathom/internal/util"
)

var startCmd = &cobra.Command{
	Use:   "start <query>",
	Short: "Start a new research mission",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)

		req := map[string]any{"query": strings.Join(args, " ")}
		rounds, _ := cmd.Flags().GetInt("rounds")
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		skipRevision, _ := cmd.Flags().GetBool("skip-final-revision")
		if rounds > 0 || concurrency > 0 || skipRevision {
			req["config"] = mission.Config{
				ResearchRounds:     rounds,
				MaxConcurrentCalls: concurrency,
				SkipFinalRevision:  skipRevision,
			}
		}

		var m mission.Mission
		raw, err := c.post(cmd.Context(), "/v1/missions", req, &m)
		if err != nil {
			return err
		}
		if printedJSON(cmd, raw) {
			return nil
		}

		fmt.Printf("Mission %s started\n", m.ID)
		fmt.Printf("  Query:  %s\n", m.Query)
		fmt.Printf("  Status: %s\n", m.Status)

		if follow, _ := cmd.Flags().GetBool("follow"); follow {
			fmt.Println()
			return followEvents(cmd.Context(), c, m.ID, 0, "")
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <mission-id>",
	Short: "Show a mission's state and call accounting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)

		var m mission.Mission
		raw, err := c.get(cmd.Context(), "/v1/missions/"+args[0], &m)
		if err != nil {
			return err
		}
		if printedJSON(cmd, raw) {
			return nil
		}

		fmt.Printf("ID:       %s\n", m.ID)
		fmt.Printf("Query:    %s\n", m.Query)
		if m.Title != "" {
			fmt.Printf("Title:    %s\n", m.Title)
		}
		fmt.Printf("Status:   %s\n", m.Status)
		fmt.Printf("Phase:    %s\n", m.Phase)
		if len(m.CompletedPhases) > 0 {
			done := make([]string, 0, len(m.CompletedPhases))
			for _, p := range m.CompletedPhases {
				done = append(done, string(p))
			}
			fmt.Printf("Done:     %s\n", strings.Join(done, ", "))
		}
		fmt.Printf("Calls:    %d model, %d search, %d retries\n",
			m.Stats.ModelCalls, m.Stats.SearchCalls, m.Stats.Retries)
		fmt.Printf("Tokens:   %d in, %d out\n", m.Stats.InputTokens, m.Stats.OutputTokens)
		fmt.Printf("Cost:     $%.4f\n", m.Stats.CostUSD)
		fmt.Printf("Created:  %s\n", m.CreatedAt.Local().Format(time.RFC3339))
		fmt.Printf("Updated:  %s\n", m.UpdatedAt.Local().Format(time.RFC3339))
		if m.Error != "" {
			fmt.Printf("Error:    %s\n", m.Error)
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent missions, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		limit, _ := cmd.Flags().GetInt("limit")

		var out struct {
			Missions []mission.Mission `json:"missions"`
		}
		raw, err := c.get(cmd.Context(), fmt.Sprintf("/v1/missions?limit=%d", limit), &out)
		if err != nil {
			return err
		}
		if printedJSON(cmd, raw) {
			return nil
		}
		if len(out.Missions) == 0 {
			fmt.Println("No missions.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tPHASE\tCALLS\tCOST\tUPDATED\tQUERY")
		for _, m := range out.Missions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t$%.2f\t%s\t%s\n",
				m.ID, m.Status, m.Phase, m.Stats.ModelCalls, m.Stats.CostUSD,
				m.UpdatedAt.Local().Format("Jan 02 15:04"), util.Truncate(m.Query, 48, true))
		}
		return w.Flush()
	},
}

var pauseCmd = lifecycleCommand("pause", "Pause a running mission at the next checkpoint")
var resumeCmd = lifecycleCommand("resume", "Resume a paused or stopped mission")
var stopCmd = lifecycleCommand("stop", "Stop a mission, rolling back its current round")

func lifecycleCommand(op, short string) *cobra.Command {
	return &cobra.Command{
		Use:   op + " <mission-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(cmd)

			var m mission.Mission
			raw, err := c.post(cmd.Context(), "/v1/missions/"+args[0]+"/"+op, nil, &m)
			if err != nil {
				return err
			}
			if printedJSON(cmd, raw) {
				return nil
			}
			fmt.Printf("Mission %s is now %s\n", m.ID, m.Status)
			return nil
		},
	}
}

var reportCmd = &cobra.Command{
	Use:   "report <mission-id>",
	Short: "Fetch a mission's report as markdown",
	Long: `Fetch a mission's report. Completed missions return the final
report; live missions return the current draft once an outline and at
least one section exist.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)

		data, err := c.do(cmd.Context(), http.MethodGet, "/v1/missions/"+args[0]+"/report", nil)
		if err != nil {
			return err
		}

		if out, _ := cmd.Flags().GetString("output"); out != "" {
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return err
			}
			fmt.Printf("Report written to %s (%d bytes)\n", out, len(data))
			return nil
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <mission-id>",
	Short: "Stream a mission's progress events",
	Long: `Stream a mission's progress events until it completes or fails.

By default only live events are shown. Pass --from 0 to replay every
buffered event first, or --from N to replay events after sequence N.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		from, _ := cmd.Flags().GetInt64("from")
		types, _ := cmd.Flags().GetString("types")
		return followEvents(cmd.Context(), c, args[0], from, types)
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Exchange the API key for a short-lived bearer token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		if c.apiKey == "" {
			return fmt.Errorf("no API key; pass --api-key or set FATHOM_API_KEY")
		}

		var tok struct {
			AccessToken string `json:"access_token"`
			TokenType   string `json:"token_type"`
			ExpiresIn   int    `json:"expires_in"`
		}
		raw, err := c.post(cmd.Context(), "/v1/auth/token", map[string]string{"api_key": c.apiKey}, &tok)
		if err != nil {
			return err
		}
		if printedJSON(cmd, raw) {
			return nil
		}
		fmt.Println(tok.AccessToken)
		fmt.Fprintf(os.Stderr, "Expires in %ds\n", tok.ExpiresIn)
		return nil
	},
}

func init() {
	startCmd.Flags().Int("rounds", 0, "research rounds (default from daemon)")
	startCmd.Flags().Int("concurrency", 0, "max concurrent model calls (default from daemon)")
	startCmd.Flags().Bool("skip-final-revision", false, "skip the final outline revision pass")
	startCmd.Flags().Bool("follow", false, "stream progress events after starting")

	listCmd.Flags().Int("limit", 20, "maximum missions to list")

	reportCmd.Flags().StringP("output", "o", "", "write the report to a file instead of stdout")

	watchCmd.Flags().Int64("from", -1, "replay buffered events after this sequence number (-1 for live only)")
	watchCmd.Flags().String("types", "", "comma-separated event types to include")
}

// followEvents prints the mission's event feed until the mission
// reaches a terminal state or the context ends.
func followEvents(ctx context.Context, c *client, missionID string, since int64, types string) error {
	conn, err := c.dialEvents(ctx, missionID, since, types)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Closing the socket is the only way to unblock a pending read.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var ev events.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("event feed closed: %w", err)
		}
		printEvent(ev)
		if ev.Type == events.EventCompleted || ev.Type == events.EventFailed {
			return nil
		}
	}
}

func printEvent(ev events.Event) {
	line := fmt.Sprintf("%s  %-17s", ev.Timestamp.Local().Format("15:04:05"), ev.Type)
	if ev.Phase != "" {
		line += fmt.Sprintf("  [%s]", ev.Phase)
	}
	if ev.Message != "" {
		line += "  " + ev.Message
	}
	fmt.Println(line)
}

// printedJSON emits the raw response when --json is set and reports
// whether it did.
func printedJSON(cmd *cobra.Command, raw []byte) bool {
	if jsonOut, _ := cmd.Flags().GetBool("json"); !jsonOut {
		return false
	}
	os.Stdout.Write(raw)
	if len(raw) > 0 && raw[len(raw)-1] != '\n' {
		fmt.Println()
	}
	return true
}
