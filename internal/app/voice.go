package app

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/bankvoice/internal/capture"
	"github.com/antoniostano/bankvoice/internal/config"
	"github.com/antoniostano/bankvoice/internal/playback"
	"github.com/antoniostano/bankvoice/internal/realtime"
	"github.com/antoniostano/bankvoice/internal/streaming"
)

// mockAPIKey lets the offline backend pass the credential check.
const mockAPIKey = "mock-local"

type voiceSetup struct {
	dialer     realtime.Dialer
	capture    streaming.Capturer
	output     playback.Device
	apiKey     string
	provider   string
	outputName string
	detail     string
	cleanup    func() error
}

func resolveVoice(cfg config.Config, logger *zap.Logger, ov Overrides) (voiceSetup, error) {
	setup := voiceSetup{
		provider:   cfg.Provider(),
		outputName: cfg.AudioOutput,
		apiKey:     cfg.OpenAIAPIKey,
	}

	switch setup.provider {
	case "openai":
		setup.dialer = realtime.WebSocketDialer{}
		setup.detail = "openai realtime (" + cfg.RealtimeModel + ")"
	case "mock":
		d := realtime.NewMockDialer()
		d.ReplyDelay = 40 * time.Millisecond
		setup.dialer = d
		if setup.apiKey == "" {
			setup.apiKey = mockAPIKey
		}
		setup.detail = "scripted local mock"
	default:
		return voiceSetup{}, fmt.Errorf("invalid REALTIME_PROVIDER: %q (expected auto|openai|mock)", cfg.RealtimeProvider)
	}
	if ov.Dialer != nil {
		setup.dialer = ov.Dialer
	}

	setup.capture = capture.NewPipeline(capture.PulseSource{Device: cfg.CaptureDevice}, logger.Named("capture"))
	if ov.Capture != nil {
		setup.capture = ov.Capture
	}

	var out playback.Device
	switch cfg.AudioOutput {
	case "discard":
		out = playback.DiscardDevice{}
	case "pulse", "":
		out = &playback.PulseDevice{Latency: 0.05}
	default:
		return voiceSetup{}, fmt.Errorf("invalid AUDIO_OUTPUT: %q (expected pulse|discard)", cfg.AudioOutput)
	}
	if ov.Output != nil {
		out = ov.Output
	}
	if cfg.AudioDumpPath != "" {
		out = playback.NewRecorder(out, cfg.AudioDumpPath)
		setup.detail += ", recording replies to " + cfg.AudioDumpPath
	}
	setup.output = out
	if c, ok := out.(interface{ Close() error }); ok {
		setup.cleanup = c.Close
	}

	logger.Info("voice backend resolved",
		zap.String("provider", setup.provider),
		zap.String("output", setup.outputName),
		zap.String("detail", setup.detail),
	)
	return setup, nil
}
