// Command voiceprobe replays a recorded question through a full voice
// session and prints the per-stage turn latencies.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/bankvoice/internal/audio"
	"github.com/antoniostano/bankvoice/internal/capture"
	"github.com/antoniostano/bankvoice/internal/logging"
	"github.com/antoniostano/bankvoice/internal/observability"
	"github.com/antoniostano/bankvoice/internal/persona"
	"github.com/antoniostano/bankvoice/internal/playback"
	"github.com/antoniostano/bankvoice/internal/realtime"
	"github.com/antoniostano/bankvoice/internal/reliability"
	"github.com/antoniostano/bankvoice/internal/streaming"
)

type options struct {
	wavPath        string
	provider       string
	apiKey         string
	personaID      string
	turns          int
	realtime       bool
	responseDelay  float64
	connectRetries int
	retryBase      time.Duration
	turnTimeout    time.Duration
	interTurnDelay time.Duration
	dumpPath       string
	verbose        bool
}

func main() {
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "voiceprobe: %v\n", err)
		os.Exit(2)
	}
	if err := run(context.Background(), opts, nil, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "voiceprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseArgs(args []string) (options, error) {
	fs := flag.NewFlagSet("voiceprobe", flag.ContinueOnError)
	var opts options
	var turnTimeoutMS, interTurnMS, retryBaseMS int

	fs.StringVar(&opts.wavPath, "wav", "", "WAV file holding one spoken question (required)")
	fs.StringVar(&opts.provider, "provider", "auto", "realtime backend: auto|openai|mock")
	fs.StringVar(&opts.personaID, "persona-id", persona.DefaultID, "customer persona folded into the session prompt")
	fs.IntVar(&opts.turns, "turns", 3, "number of question/answer turns to replay")
	fs.BoolVar(&opts.realtime, "realtime", true, "pace the WAV at wall-clock speed")
	fs.Float64Var(&opts.responseDelay, "response-delay", 1.0, "seconds of silence that end the question")
	fs.IntVar(&opts.connectRetries, "connect-retries", 3, "retries for retryable connect failures")
	fs.IntVar(&retryBaseMS, "retry-base-ms", 250, "initial connect retry backoff in milliseconds")
	fs.IntVar(&turnTimeoutMS, "turn-timeout-ms", 15000, "timeout waiting for the assistant reply per turn")
	fs.IntVar(&interTurnMS, "inter-turn-ms", 200, "delay between turns in milliseconds")
	fs.StringVar(&opts.dumpPath, "dump", "", "write every assistant reply to this WAV file")
	fs.BoolVar(&opts.verbose, "verbose", true, "print replay progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts.wavPath = strings.TrimSpace(opts.wavPath)
	if opts.wavPath == "" {
		return options{}, fmt.Errorf("-wav is required")
	}
	opts.provider = strings.ToLower(strings.TrimSpace(opts.provider))
	opts.apiKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	if opts.provider == "auto" {
		opts.provider = "mock"
		if opts.apiKey != "" {
			opts.provider = "openai"
		}
	}
	switch opts.provider {
	case "openai":
		if opts.apiKey == "" {
			return options{}, fmt.Errorf("OPENAI_API_KEY is required with -provider=openai")
		}
	case "mock":
		if opts.apiKey == "" {
			opts.apiKey = "mock-local"
		}
	default:
		return options{}, fmt.Errorf("invalid -provider %q (expected auto|openai|mock)", opts.provider)
	}
	if opts.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if opts.responseDelay <= 0 || opts.responseDelay > 10 {
		return options{}, fmt.Errorf("response-delay must be in (0, 10]")
	}
	if opts.connectRetries < 0 {
		opts.connectRetries = 0
	}
	if retryBaseMS < 10 {
		retryBaseMS = 10
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	opts.retryBase = time.Duration(retryBaseMS) * time.Millisecond
	opts.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond
	opts.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond
	return opts, nil
}

// turnWatcher turns host callbacks into per-turn signals.
type turnWatcher struct {
	mu         sync.Mutex
	utterances []string
	transcript []string
	replies    chan string
}

func newTurnWatcher() *turnWatcher {
	return &turnWatcher{replies: make(chan string, 16)}
}

func (w *turnWatcher) callbacks() streaming.Callbacks {
	return streaming.Callbacks{
		OnTranscript: func(text string) {
			w.mu.Lock()
			w.transcript = append(w.transcript, text)
			w.mu.Unlock()
		},
		OnBotUtterance: func(text string) {
			w.mu.Lock()
			w.utterances = append(w.utterances, text)
			w.mu.Unlock()
			select {
			case w.replies <- text:
			default:
			}
		},
	}
}

type report struct {
	Provider    string                          `json:"provider"`
	Turns       int                             `json:"turns"`
	Transcripts []string                        `json:"transcripts"`
	Replies     []string                        `json:"replies"`
	Latency     observability.TurnStageSnapshot `json:"latency"`
}

// run replays opts.turns turns. dialer overrides the backend when non-nil.
func run(ctx context.Context, opts options, dialer realtime.Dialer, out io.Writer) error {
	logger, err := logging.New("warn", "console")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if dialer == nil {
		switch opts.provider {
		case "openai":
			dialer = realtime.WebSocketDialer{}
		default:
			dialer = realtime.NewMockDialer()
		}
	}

	metrics := observability.NewMetrics("voiceprobe")
	store := persona.NewInMemoryStore(persona.Defaults()...)
	selector := persona.NewSelector(store, opts.personaID)

	var device playback.Device = playback.DiscardDevice{}
	var recorder *playback.Recorder
	if opts.dumpPath != "" {
		recorder = playback.NewRecorder(device, opts.dumpPath)
		device = recorder
	}
	player := playback.NewSequencer(device, playback.Options{
		SampleRate: audio.DefaultSampleRate,
		Logger:     logger,
		Metrics:    metrics,
	})

	settings := streaming.DefaultSettings()
	settings.ResponseDelay = opts.responseDelay

	watcher := newTurnWatcher()
	manager := streaming.New(streaming.Options{
		APIKey:   opts.apiKey,
		Settings: settings,
		Session:  realtime.Config{Instructions: persona.BaseInstructions},
		Dialer:   dialer,
		Capture: capture.NewPipeline(capture.WAVSource{
			Path:            opts.wavPath,
			Realtime:        opts.realtime,
			TrailingSilence: time.Duration((opts.responseDelay + 0.5) * float64(time.Second)),
		}, logger),
		Player:       player,
		Instructions: selector,
		Callbacks:    watcher.callbacks(),
		Logger:       logger,
		Metrics:      metrics,
	})
	defer func() { _ = manager.Disconnect() }()

	if opts.verbose {
		fmt.Fprintf(out, "voiceprobe: provider=%s turns=%d wav=%s\n", opts.provider, opts.turns, opts.wavPath)
	}

	for i := 0; i < opts.turns; i++ {
		if err := connectWithRetry(ctx, manager, opts, logger); err != nil {
			return fmt.Errorf("turn %d connect: %w", i+1, err)
		}
		reply, err := awaitReply(ctx, watcher.replies, opts.turnTimeout)
		if err != nil {
			return fmt.Errorf("turn %d await reply: %w", i+1, err)
		}
		waitPlayback(player, manager, opts.turnTimeout)
		if opts.verbose {
			fmt.Fprintf(out, "voiceprobe: turn %d/%d reply=%q\n", i+1, opts.turns, reply)
		}
		_ = manager.Disconnect()
		if opts.interTurnDelay > 0 && i < opts.turns-1 {
			time.Sleep(opts.interTurnDelay)
		}
	}

	if recorder != nil {
		if err := recorder.Close(); err != nil {
			return fmt.Errorf("write reply recording: %w", err)
		}
	}

	watcher.mu.Lock()
	rep := report{
		Provider:    opts.provider,
		Turns:       opts.turns,
		Transcripts: append([]string(nil), watcher.transcript...),
		Replies:     append([]string(nil), watcher.utterances...),
		Latency:     metrics.SnapshotTurnStages(),
	}
	watcher.mu.Unlock()

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

func connectWithRetry(ctx context.Context, manager *streaming.Manager, opts options, logger *zap.Logger) error {
	var err error
	for attempt := 0; attempt <= opts.connectRetries; attempt++ {
		err = manager.Connect(ctx)
		var partial *streaming.PartialConnectError
		if errors.As(err, &partial) {
			return err
		}
		if err == nil {
			return nil
		}
		if reliability.RemedyFor(err) != reliability.RemedyRetry || attempt == opts.connectRetries {
			return err
		}
		wait := reliability.ExponentialBackoff(attempt, opts.retryBase, 8*opts.retryBase)
		logger.Warn("connect failed, retrying", zap.Int("attempt", attempt+1), zap.Duration("backoff", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}

func awaitReply(ctx context.Context, replies <-chan string, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return "", fmt.Errorf("timeout after %s", timeout)
	}
}

// waitPlayback lets the reply finish speaking before the session is torn down.
func waitPlayback(player *playback.Sequencer, manager *streaming.Manager, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !manager.Status().Session.ResponseActive && player.Idle() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}
