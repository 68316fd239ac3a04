package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/andresmejia3/moodscan/internal/api"
	"github.com/andresmejia3/moodscan/internal/imaging"
	"github.com/andresmejia3/moodscan/internal/types"
	"github.com/andresmejia3/moodscan/internal/utils"
	"github.com/andresmejia3/moodscan/internal/worker"
	"github.com/spf13/cobra"
)

var analyzeOpts Options

var analyzeCmd = &cobra.Command{
	Use:   "analyze <image_path>",
	Short: "Analyze the emotions of a single image",
	Args:  cobra.ExactArgs(1),
	// The database is only needed when logging into a session
	Annotations: map[string]string{skipDB: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runAnalyze(cmd.Context(), args[0], analyzeOpts)
	},
}

func init() {
	analyzeCmd.Flags().StringVarP(&analyzeOpts.SessionID, "session", "s", "", "Also append the result to this session")
	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze(ctx context.Context, imagePath string, opts Options) error {
	if _, err := os.Stat(imagePath); os.IsNotExist(err) {
		utils.ShowError("Input file does not exist", err, nil)
		return err
	}

	raw, err := os.ReadFile(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}
	img, _, err := imaging.Decode(raw)
	if err != nil {
		utils.ShowError("Unsupported or corrupted image", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	pool, err := worker.NewPool(1, workerConfig(), cfg.MaxFrameDim, logger)
	if err != nil {
		utils.ShowError("Failed to start AI worker", err, nil)
		return err
	}
	defer pool.Close()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing emotions...")
	res, err := pool.Infer(ctx, img)
	if err != nil {
		utils.ShowError("AI processing failed", err, nil)
		return err
	}

	dominant, dist, err := api.Resolve(res)
	if err != nil {
		utils.ShowError("AI returned unusable scores", err, nil)
		return err
	}
	printDistribution(dominant, dist)

	if opts.SessionID == "" {
		return nil
	}
	if err := connectDB(ctx); err != nil {
		utils.ShowError("Database unavailable", err, nil)
		return err
	}
	entry, err := DB.AppendEmotion(ctx, opts.SessionID, dominant, dist)
	if err != nil {
		utils.ShowError("Failed to record emotion", err, nil)
		return err
	}
	fmt.Fprintf(os.Stderr, "🗄️  Logged as entry %d in session %s\n", entry.ID, entry.SessionID)
	return nil
}

func printDistribution(dominant string, dist map[string]float64) {
	if dominant == types.NoFaceLabel {
		fmt.Println("❌ No faces detected in the provided image.")
		return
	}
	fmt.Printf("✅ Dominant Emotion: %s\n", dominant)

	labels := make([]string, 0, len(dist))
	for label := range dist {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool { return dist[labels[i]] > dist[labels[j]] })

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "\nEMOTION\tSCORE")
	fmt.Fprintln(w, "-------\t-----")
	for _, label := range labels {
		fmt.Fprintf(w, "%s\t%.2f\n", label, dist[label])
	}
	w.Flush()
}
