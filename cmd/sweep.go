package cmd

import (
	"fmt"
	"os"

	"github.com/andresmejia3/moodscan/internal/config"
	"github.com/andresmejia3/moodscan/internal/sweeper"
	"github.com/andresmejia3/moodscan/internal/utils"
	"github.com/spf13/cobra"
)

var sweepRetention string

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired emotion entries once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if cmd.Flags().Changed("retention") {
			d, err := config.ParseDuration(sweepRetention)
			if err != nil {
				return fmt.Errorf("invalid --retention: %w", err)
			}
			cfg.Retention = config.Duration(d)
		}

		sw := sweeper.New(DB, sweeperConfig(), logger)
		cutoff := sw.Cutoff()
		n, err := sw.RunOnce(cmd.Context())
		if err != nil {
			utils.ShowError("Retention sweep failed", err, nil)
			return err
		}
		fmt.Fprintf(os.Stderr, "🧹 Deleted %d emotion entries older than %s\n", n, cutoff.Format("2006-01-02 15:04:05 MST"))
		return nil
	},
}

func init() {
	sweepCmd.Flags().StringVarP(&sweepRetention, "retention", "r", "", "Override the retention window (e.g. 30d)")
	rootCmd.AddCommand(sweepCmd)
}
