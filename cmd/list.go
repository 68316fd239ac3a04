package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/andresmejia3/moodscan/internal/utils"
	"github.com/spf13/cobra"
)

var (
	listLimit   int
	listSession string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent sessions, or the emotion log of one session",
	Run: func(cmd *cobra.Command, args []string) {
		if listSession != "" {
			runListEmotions(cmd.Context(), listSession)
			return
		}
		runList(cmd.Context())
	},
}

func init() {
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 50, "Maximum number of sessions to show")
	listCmd.Flags().StringVarP(&listSession, "session", "s", "", "Show the emotion log of this session")
	rootCmd.AddCommand(listCmd)
}

func runList(ctx context.Context) {
	sessions, err := DB.ListSessions(ctx, listLimit)
	if err != nil {
		utils.Die("Failed to list sessions", err, nil)
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions found in database.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "SESSION\tCLIENT IP\tLOCATION\tFRAMES\tSTARTED")
	fmt.Fprintln(w, "-------\t---------\t--------\t------\t-------")

	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s/%s\t%d\t%s\n", s.ID, s.ClientIP, s.LocationCountry, s.LocationRegion, s.Frames, s.StartedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}

func runListEmotions(ctx context.Context, sessionID string) {
	entries, err := DB.SessionEmotions(ctx, sessionID)
	if err != nil {
		utils.Die("Failed to load session emotions", err, nil)
	}

	if len(entries) == 0 {
		fmt.Printf("No emotion entries recorded for session %s.\n", sessionID)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ENTRY\tDOMINANT\tDISTRIBUTION\tRECORDED")
	fmt.Fprintln(w, "-----\t--------\t------------\t--------")

	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", e.ID, e.Dominant, formatDistribution(e.Distribution), e.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	w.Flush()
}

// formatDistribution renders scores as "happy=91.2 neutral=5.1", highest first.
func formatDistribution(dist map[string]float64) string {
	if len(dist) == 0 {
		return "-"
	}
	labels := make([]string, 0, len(dist))
	for label := range dist {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if dist[labels[i]] != dist[labels[j]] {
			return dist[labels[i]] > dist[labels[j]]
		}
		return labels[i] < labels[j]
	})

	parts := make([]string, len(labels))
	for i, label := range labels {
		parts[i] = fmt.Sprintf("%s=%.1f", label, dist[label])
	}
	return strings.Join(parts, " ")
}
