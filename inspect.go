package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"node.town/speechbuf/db"
	"node.town/speechbuf/etc"
	"node.town/speechbuf/http"
	"node.town/speechbuf/pcm"
	"node.town/speechbuf/stt"
	"node.town/speechbuf/wav"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <file.wav|->",
	Short: "Show how a recording would be buffered",
	Args:  cobra.ExactArgs(1),
	Run:   runInspect,
}

var recentCmd = &cobra.Command{
	Use:   "recent",
	Short: "List recent recognitions in a table",
	Run:   runRecent,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the diagnostics HTTP server",
	Run:   runServe,
}

func init() {
	inspectCmd.Flags().Bool("raw", false, "Input is headerless PCM")
	inspectCmd.Flags().Uint("rate", 16000, "Sample rate of raw input")
	inspectCmd.Flags().Uint("bits", 16, "Bits per sample of raw input")
	inspectCmd.Flags().Uint("channels", 1, "Channels of raw input")

	recentCmd.Flags().Int("limit", 20, "Number of recognitions to show")
}

// bufferWriter feeds a pcm.Buffer from an io.Writer, copying each write
// since the buffer keeps what it is given.
type bufferWriter struct {
	buf *pcm.Buffer
}

func (w bufferWriter) Write(p []byte) (int, error) {
	data := make([]byte, len(p))
	copy(data, p)
	w.buf.Add(data, uint64(len(data)))
	return len(p), nil
}

// inspectAudio loads r into a buffer in chunks of the given duration and
// describes the result.
func inspectAudio(
	ctx context.Context,
	r io.Reader,
	format pcm.Format,
	chunk time.Duration,
) ([][]string, error) {
	buf, err := pcm.NewBuffer(format)
	if err != nil {
		return nil, err
	}

	if _, err := wav.Pump(ctx, r, bufferWriter{buf}, format, chunk, false); err != nil {
		return nil, err
	}

	total := buf.TotalSizeInBytes()
	duration := etc.TicksToDuration(buf.BytesToDurationInTicks(total))
	stats := buf.Stats()

	rows := [][]string{
		{"Format", format.String()},
		{"Block align", fmt.Sprintf("%d bytes", format.BlockAlign())},
		{"Bytes per ms", fmt.Sprintf("%d", format.BytesPerMillisecond())},
		{"Chunk", fmt.Sprintf("%s (%d bytes)", chunk, wav.ChunkSize(format, chunk))},
		{"Chunks", fmt.Sprintf("%d", stats.Chunks)},
		{"Total", fmt.Sprintf("%d bytes", total)},
		{"Duration", etc.FormatDuration(duration)},
	}

	// Acknowledge the first half, the way a final transcript would.
	half := buf.BytesToDurationInTicks(total) / 2
	if err := buf.DiscardTill(half); err != nil {
		return nil, err
	}
	stats = buf.Stats()
	rows = append(rows,
		[]string{"After half acknowledged", fmt.Sprintf(
			"%d chunks, %d bytes left",
			stats.Chunks,
			stats.TotalBytes,
		)},
	)

	// A reconnect would restart the service clock here.
	buf.NewTurn()
	rows = append(rows, []string{"Next turn starts at", etc.FormatDuration(
		etc.TicksToDuration(buf.ToAbsolute(0)),
	)})

	return rows, nil
}

func runInspect(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	mainLogger, _, _, _ := createLoggers(cfg.LogLevel)

	audio, format, err := openAudio(cmd, args[0])
	if err != nil {
		mainLogger.Fatal("open audio", "error", err.Error())
	}
	defer audio.Close()

	rows, err := inspectAudio(cmd.Context(), audio, format, cfg.ChunkDuration())
	if err != nil {
		mainLogger.Fatal("inspect audio", "error", err.Error())
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Property", "Value"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.AppendBulk(rows)
	table.Render()
}

func recognitionRows(recognitions []db.Recognition) [][]string {
	rows := make([][]string, 0, len(recognitions))
	for _, r := range recognitions {
		rows = append(rows, []string{
			r.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			r.SessionID,
			etc.FormatDuration(time.Duration(r.StartMs) * time.Millisecond),
			etc.FormatDuration(time.Duration(r.EndMs) * time.Millisecond),
			fmt.Sprintf("%d", r.Turn),
			r.Text,
		})
	}
	return rows
}

type recognitionCounter interface {
	CountRecognitionsForSession(ctx context.Context, sessionID string) (int64, error)
}

// sessionRows totals every stored recognition for each session that
// appears in recognitions, in order of first appearance.
func sessionRows(
	ctx context.Context,
	counter recognitionCounter,
	recognitions []db.Recognition,
) ([][]string, error) {
	seen := make(map[string]bool)
	var rows [][]string
	for _, r := range recognitions {
		if seen[r.SessionID] {
			continue
		}
		seen[r.SessionID] = true

		count, err := counter.CountRecognitionsForSession(ctx, r.SessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to count recognitions for %s: %w", r.SessionID, err)
		}
		rows = append(rows, []string{r.SessionID, fmt.Sprintf("%d", count)})
	}
	return rows, nil
}

func runRecent(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	mainLogger, _, dataLogger, _ := createLoggers(cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		mainLogger.Fatal("missing SPEECHBUF_DATABASE_URL or --database-url=")
	}

	limit, _ := cmd.Flags().GetInt("limit")

	store, err := db.Open(cmd.Context(), cfg.DatabaseURL, dataLogger)
	if err != nil {
		mainLogger.Fatal("open database", "error", err.Error())
	}
	defer store.Close()

	recognitions, err := store.RecentRecognitions(cmd.Context(), limit)
	if err != nil {
		mainLogger.Fatal("fetch recognitions", "error", err.Error())
	}

	if len(recognitions) == 0 {
		fmt.Println("No recognitions found.")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Created At", "Session", "Start", "End", "Turn", "Text"})
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.AppendBulk(recognitionRows(recognitions))
	table.Render()

	sessions, err := sessionRows(cmd.Context(), store, recognitions)
	if err != nil {
		mainLogger.Fatal("count recognitions", "error", err.Error())
	}

	fmt.Println()
	totals := tablewriter.NewWriter(os.Stdout)
	totals.SetHeader([]string{"Session", "Recognitions"})
	totals.SetBorder(false)
	totals.AppendBulk(sessions)
	totals.Render()
}

func runServe(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	mainLogger, _, _, httpLogger := createLoggers(cfg.LogLevel)

	port := cfg.HTTPPort
	if port == 0 {
		port = 4444
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	server := http.NewServer(stt.NewRegistry(), httpLogger)
	if err := server.Serve(ctx, port); err != nil {
		mainLogger.Fatal("start HTTP server", "error", err.Error())
	}
}
