package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andresmejia3/moodscan/internal/utils"
	"github.com/spf13/cobra"
)

var resetYes bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop all sessions and emotion entries",
	Long:  "Drops the sessions and emotions tables. They are recreated empty the next time moodscan connects.",
	Run: func(cmd *cobra.Command, args []string) {
		if !resetYes && !confirm(bufio.NewReader(os.Stdin), os.Stdout, "⚠️  Are you sure you want to DROP all database tables?") {
			fmt.Println("Aborted.")
			return
		}

		fmt.Println("🗑️  Clearing Database...")
		if err := DB.Reset(cmd.Context()); err != nil {
			utils.Die("Failed to reset database", err, nil)
		}
		fmt.Println("✨ System Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Skip the confirmation prompt")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, w io.Writer, prompt string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}
