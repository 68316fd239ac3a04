package cmd

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/andresmejia3/moodscan/internal/api"
	"github.com/andresmejia3/moodscan/internal/types"
	"github.com/andresmejia3/moodscan/internal/utils"
	"github.com/andresmejia3/moodscan/internal/worker"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

const megabyte = 1024 * 1024

// scanClientIP is recorded as the client address of sessions created by scan.
const scanClientIP = "cli"

var scanOpts Options

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Log the emotions of every Nth frame of a video into a session",
	Run: func(cmd *cobra.Command, args []string) {
		runScan(cmd.Context(), scanOpts)
	},
}

func init() {
	scanCmd.Flags().StringVarP(&scanOpts.InputPath, "input", "i", "", "Path to video")
	scanCmd.Flags().IntVarP(&scanOpts.NthFrame, "nth-frame", "n", 10, "AI keyframe interval (e.g. scan every 10th frame)")
	scanCmd.Flags().IntVarP(&scanOpts.NumEngines, "engines", "e", 1, "Number of parallel engine workers")
	scanCmd.Flags().StringVarP(&scanOpts.SessionID, "session", "s", "", "Append to an existing session instead of starting a new one")

	scanCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(scanCmd)
}

// Buffer pool to reduce GC pressure during scanning
var frameBufferPool = sync.Pool{
	New: func() interface{} { return make([]byte, 0, megabyte) },
}

// runScan orchestrates the video scan: session setup, worker pool, FFmpeg streaming and progress tracking.
func runScan(ctx context.Context, opts Options) {
	if err := validateScanFlags(&opts); err != nil {
		utils.Die("Invalid scan flags", err, nil)
	}

	// 1. Database is initialized in Root PersistentPreRun
	sessionID := opts.SessionID
	if sessionID == "" {
		sess, err := DB.CreateSession(ctx, scanClientIP)
		if err != nil {
			utils.Die("Failed to create session", err, nil)
		}
		sessionID = sess.ID
	}
	fmt.Fprintf(os.Stderr, "📼 Logging into Session: %s\n", sessionID)

	// 2. FPS is only used to place emotions on the timeline
	fps, err := utils.GetVideoFPS(opts.InputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Could not determine FPS, timeline disabled: %v\n", err)
		fps = 0
	}

	totalVideoFrames := utils.GetTotalFrames(opts.InputPath)
	if totalVideoFrames <= 0 {
		// Fallback to a spinner if ffprobe fails
		totalVideoFrames = -1
	}

	// 3. Spawn the Engine Pool
	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d Worker Engines...\n", opts.NumEngines)
	pool, err := worker.NewPool(opts.NumEngines, workerConfig(), 0, logger)
	if err != nil {
		utils.Die("Worker startup failed", err, nil)
	}
	defer pool.Close()

	bar := progressbar.NewOptions(totalVideoFrames,
		progressbar.OptionSetDescription("🔍 Moodscan Scanning"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	taskChan := make(chan types.FrameTask, opts.NumEngines)
	resultsChan := make(chan scanResult, opts.NumEngines*2)
	var wg sync.WaitGroup

	// 4. Start Aggregator (Consumer)
	// Must run concurrently to prevent deadlock on resultsChan
	var summary scanSummary
	var aggErr error
	aggDone := make(chan struct{})
	go func() {
		summary, aggErr = processResults(ctx, resultsChan, DB, sessionID, fps, opts.NthFrame)
		close(aggDone)
	}()

	for i := 0; i < opts.NumEngines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inferFrames(ctx, pool, taskChan, resultsChan)
		}()
	}

	// 5. Start FFmpeg
	ffmpeg := utils.NewFFmpegCmd(opts.InputPath)

	var stderrBuf bytes.Buffer
	ffmpeg.Stderr = &stderrBuf

	ffmpegOut, err := ffmpeg.StdoutPipe()
	if err != nil {
		utils.Die("Failed to create FFmpeg stdout pipe", err, nil)
	}
	defer ffmpegOut.Close()

	if err := ffmpeg.Start(); err != nil {
		utils.Die("Failed to start FFmpeg", err, nil)
	}

	// 6. Frame Splitter & Nth-Frame Logic
	scanner := bufio.NewScanner(ffmpegOut)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	totalFrames := 0
	sentFrames := 0
	interrupted := false
	for scanner.Scan() {
		if ctx.Err() != nil {
			interrupted = true
			_ = ffmpeg.Process.Kill()
			break
		}
		totalFrames++
		bar.Add(1)

		if totalFrames%opts.NthFrame == 0 {
			buf := frameBufferPool.Get().([]byte)
			if cap(buf) < len(scanner.Bytes()) {
				buf = make([]byte, len(scanner.Bytes()))
			}
			buf = buf[:len(scanner.Bytes())]
			copy(buf, scanner.Bytes())
			taskChan <- types.FrameTask{Index: totalFrames, Data: buf}
			sentFrames++
		}
	}

	if err := scanner.Err(); err != nil && !interrupted {
		utils.Die("Frame scanner failed", err, nil)
	}

	// 7. Cleanup & Completion Check
	if err := ffmpeg.Wait(); err != nil && !interrupted {
		if stderrBuf.Len() > 0 {
			fmt.Fprintf(os.Stderr, "\nFFmpeg Logs:\n%s\n", stderrBuf.String())
		}
		utils.Die("FFmpeg execution failed", err, nil)
	}

	close(taskChan)
	wg.Wait()
	close(resultsChan)
	<-aggDone

	bar.Finish()
	if aggErr != nil {
		utils.Die("Failed to record emotions", aggErr, nil)
	}

	printSummary(os.Stderr, summary)
	if interrupted {
		fmt.Fprintf(os.Stderr, "\n🛑 Scan interrupted. Processed %d keyframes out of %d frames read.\n", sentFrames, totalFrames)
		return
	}
	fmt.Fprintf(os.Stderr, "\n🏁 Scan Complete. Processed %d keyframes out of %d total.\n", sentFrames, totalFrames)
}

// scanResult wraps the output from a worker to be sent to the aggregator
type scanResult struct {
	Index     int
	Inference types.Inference
	Err       error
}

// frameInferer is the part of the worker pool scan depends on.
type frameInferer interface {
	InferFrame(ctx context.Context, frame []byte) (types.Inference, error)
}

// inferFrames runs tasks through the pool until the channel is closed. Every
// task yields exactly one result so the aggregator never waits forever.
func inferFrames(ctx context.Context, pool frameInferer, tasks <-chan types.FrameTask, results chan<- scanResult) {
	for task := range tasks {
		res, err := pool.InferFrame(ctx, task.Data)
		frameBufferPool.Put(task.Data[:0])
		results <- scanResult{Index: task.Index, Inference: res, Err: err}
	}
}

// emotionAppender is the part of the store scan writes to.
type emotionAppender interface {
	AppendEmotion(ctx context.Context, sessionID, dominant string, dist map[string]float64) (types.EmotionLogEntry, error)
}

// emotionSpan is a run of consecutive keyframes sharing a dominant emotion.
type emotionSpan struct {
	Emotion string
	Start   float64
	End     float64
}

type scanSummary struct {
	Counts   map[string]int
	Spans    []emotionSpan
	Analyzed int
	Failed   int
}

// processResults persists results in frame order and builds the summary.
// Frames whose inference failed are counted but never written. After the
// first storage error nothing else is written, but the channel is still
// drained so the engines can finish.
func processResults(ctx context.Context, results <-chan scanResult, db emotionAppender, sessionID string, fps float64, nth int) (scanSummary, error) {
	summary := scanSummary{Counts: make(map[string]int)}
	// Buffer for re-ordering frames (Worker 2 might finish before Worker 1)
	buffer := make(map[int]scanResult)
	nextFrame := nth
	var firstErr error
	var current *emotionSpan
	writeTimeout := time.Duration(cfg.WriteTimeout)
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}

	for res := range results {
		buffer[res.Index] = res

		for {
			frame, ok := buffer[nextFrame]
			if !ok {
				break
			}
			delete(buffer, nextFrame)
			nextFrame += nth

			if firstErr != nil {
				continue
			}
			if frame.Err != nil {
				summary.Failed++
				logger.Warn("frame skipped", "frame", frame.Index, "err", frame.Err)
				continue
			}

			dominant, dist, err := api.Resolve(frame.Inference)
			if err != nil {
				summary.Failed++
				logger.Warn("frame skipped", "frame", frame.Index, "err", err)
				continue
			}

			// Writes must finish even if the scan is interrupted
			wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
			_, err = db.AppendEmotion(wctx, sessionID, dominant, dist)
			cancel()
			if err != nil {
				firstErr = fmt.Errorf("frame %d: %w", frame.Index, err)
				continue
			}

			summary.Analyzed++
			summary.Counts[dominant]++

			if fps <= 0 {
				continue
			}
			at := float64(frame.Index-1) / fps
			if current != nil && current.Emotion == dominant {
				current.End = at
				continue
			}
			summary.Spans = append(summary.Spans, emotionSpan{Emotion: dominant, Start: at, End: at})
			current = &summary.Spans[len(summary.Spans)-1]
		}
	}
	return summary, firstErr
}

// rankedEmotions orders labels by frame count, then name.
func rankedEmotions(counts map[string]int) []string {
	labels := make([]string, 0, len(counts))
	for label := range counts {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if counts[labels[i]] != counts[labels[j]] {
			return counts[labels[i]] > counts[labels[j]]
		}
		return labels[i] < labels[j]
	})
	return labels
}

func printSummary(w io.Writer, s scanSummary) {
	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "📊 SCAN SUMMARY\n")
	fmt.Fprintf(w, "---------------------------------------------------------\n")

	for _, label := range rankedEmotions(s.Counts) {
		share := 100 * float64(s.Counts[label]) / float64(s.Analyzed)
		fmt.Fprintf(w, "\n🎭 %-18s %5d frames  (%5.1f%%)\n", label, s.Counts[label], share)
		for _, span := range s.Spans {
			if span.Emotion == label {
				fmt.Fprintf(w, "   %s -> %s\n", utils.FmtTime(span.Start), utils.FmtTime(span.End))
			}
		}
	}

	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "👁️  Frames Logged:   %d\n", s.Analyzed)
	if s.Failed > 0 {
		fmt.Fprintf(w, "⚠️  Frames Skipped:  %d\n", s.Failed)
	}
	fmt.Fprintf(w, "---------------------------------------------------------\n")
}

// validateScanFlags ensures all CLI arguments are valid before starting heavy processes.
func validateScanFlags(opts *Options) error {
	info, err := os.Stat(opts.InputPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("input file does not exist: %w", err)
		}
		return fmt.Errorf("unable to access input file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("input path %s is a directory, expected a video file", opts.InputPath)
	}
	if opts.NthFrame < 1 {
		return fmt.Errorf("nth-frame must be >= 1, got %d", opts.NthFrame)
	}
	if opts.NumEngines < 1 {
		opts.NumEngines = 1
	}
	return nil
}
