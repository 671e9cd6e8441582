package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"node.town/speechbuf/config"
	"node.town/speechbuf/db"
	"node.town/speechbuf/etc"
	"node.town/speechbuf/http"
	"node.town/speechbuf/pcm"
	"node.town/speechbuf/speechmatics"
	"node.town/speechbuf/stt"
	"node.town/speechbuf/wav"
)

var transcribeCmd = &cobra.Command{
	Use:   "transcribe <file.wav|->",
	Short: "Transcribe a WAV file or raw PCM from stdin",
	Args:  cobra.ExactArgs(1),
	Run:   runTranscribe,
}

func init() {
	transcribeCmd.Flags().Bool("raw", false, "Input is headerless PCM")
	transcribeCmd.Flags().Uint("rate", 16000, "Sample rate of raw input")
	transcribeCmd.Flags().Uint("bits", 16, "Bits per sample of raw input")
	transcribeCmd.Flags().Uint("channels", 1, "Channels of raw input")
}

// openAudio returns a reader positioned at the first sample and the format
// of what follows.
func openAudio(cmd *cobra.Command, path string) (io.ReadCloser, pcm.Format, error) {
	var r io.ReadCloser = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, pcm.Format{}, err
		}
		r = f
	}

	raw, _ := cmd.Flags().GetBool("raw")
	if raw {
		rate, _ := cmd.Flags().GetUint("rate")
		bits, _ := cmd.Flags().GetUint("bits")
		channels, _ := cmd.Flags().GetUint("channels")
		format := pcm.Format{Channels: channels, BitsPerSample: bits, SampleRate: rate}
		if err := format.Validate(); err != nil {
			r.Close()
			return nil, pcm.Format{}, err
		}
		return r, format, nil
	}

	header, err := wav.ParseHeader(r)
	if err != nil {
		r.Close()
		return nil, pcm.Format{}, fmt.Errorf("failed to read wav header: %w", err)
	}
	format := header.Format()
	if err := format.Validate(); err != nil {
		r.Close()
		return nil, pcm.Format{}, err
	}
	return samplesReader{header.Samples(r), r}, format, nil
}

// samplesReader reads the data chunk and closes the underlying file.
type samplesReader struct {
	io.Reader
	io.Closer
}

func newSpeechmaticsClient(cfg config.Config) *speechmatics.Client {
	client := speechmatics.NewClient(cfg.SpeechmaticsAPIKey)
	client.URL = cfg.SpeechmaticsURL
	client.Language = cfg.Language
	return client
}

func runTranscribe(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	mainLogger, hearLogger, dataLogger, httpLogger := createLoggers(cfg.LogLevel)

	if err := cfg.RequireAPIKey(); err != nil {
		mainLogger.Fatal(err.Error())
	}

	audio, format, err := openAudio(cmd, args[0])
	if err != nil {
		mainLogger.Fatal("open audio", "error", err.Error())
	}
	defer audio.Close()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	client := newSpeechmaticsClient(cfg)
	client.Logger = hearLogger

	opts := []stt.SessionOption{
		stt.WithLogger(hearLogger),
		stt.WithReconnectDelay(cfg.ReconnectDelay),
		stt.WithMaxReconnects(cfg.MaxReconnects),
	}

	if cfg.DatabaseURL != "" {
		store, err := db.Open(ctx, cfg.DatabaseURL, dataLogger)
		if err != nil {
			mainLogger.Fatal("open database", "error", err.Error())
		}
		defer store.Close()
		opts = append(opts, stt.WithResultSink(store))
	}

	session, err := stt.NewSession(etc.NewFreshID(), format, client, opts...)
	if err != nil {
		mainLogger.Fatal("create session", "error", err.Error())
	}

	registry := stt.NewRegistry()
	registry.Add(session)
	defer registry.Remove(session.ID())

	if cfg.HTTPPort > 0 {
		server := http.NewServer(registry, httpLogger)
		go func() {
			if err := server.Serve(ctx, cfg.HTTPPort); err != nil {
				httpLogger.Error("http server stopped", "error", err)
			}
		}()
	}

	mainLogger.Info(
		"transcribing",
		"session", session.ID(),
		"format", format.String(),
		"chunk", cfg.ChunkDuration(),
		"realtime", cfg.Realtime,
	)

	go func() {
		n, err := wav.Pump(ctx, audio, session, format, cfg.ChunkDuration(), cfg.Realtime)
		if err != nil && ctx.Err() == nil {
			mainLogger.Error("audio input failed", "error", err)
		}
		mainLogger.Debug("audio input done", "bytes", n)
		session.CloseSend()
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for res := range session.Results() {
			if !res.Final {
				continue
			}
			fmt.Printf(
				"[%s - %s] %s\n",
				etc.FormatDuration(res.AbsoluteStart),
				etc.FormatDuration(res.AbsoluteEnd),
				res.Text,
			)
		}
	}()

	err = session.Run(ctx)
	wg.Wait()

	stats := session.Stats()
	if err != nil {
		mainLogger.Fatal(
			"transcription failed",
			"error", err.Error(),
			"finals", stats.Finals,
			"reconnects", stats.Reconnects,
			"pending", stats.PendingDuration,
		)
	}

	mainLogger.Info(
		"done",
		"finals", stats.Finals,
		"reconnects", stats.Reconnects,
		"sent_bytes", stats.SentBytes,
	)
}
