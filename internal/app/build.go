package app

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/antoniostano/bankvoice/internal/audio"
	"github.com/antoniostano/bankvoice/internal/config"
	"github.com/antoniostano/bankvoice/internal/httpapi"
	"github.com/antoniostano/bankvoice/internal/logging"
	"github.com/antoniostano/bankvoice/internal/observability"
	"github.com/antoniostano/bankvoice/internal/persona"
	"github.com/antoniostano/bankvoice/internal/playback"
	"github.com/antoniostano/bankvoice/internal/realtime"
	"github.com/antoniostano/bankvoice/internal/streaming"
)

type VoiceInfo struct {
	Provider string
	Output   string
	Detail   string
}

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Manager  *streaming.Manager
	Player   *playback.Sequencer
	Personas persona.Store
	Events   *httpapi.EventLog
	Metrics  *observability.Metrics
	Voice    VoiceInfo

	// Cleanup should be called on shutdown to release external resources (DB, audio devices).
	Cleanup func() error
}

// Overrides replace the devices Build would otherwise open. Tests use them
// to run the whole graph without sound hardware.
type Overrides struct {
	Dialer  realtime.Dialer
	Capture streaming.Capturer
	Output  playback.Device
}

func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, ov Overrides) (*BuildResult, error) {
	logger = logging.OrNop(logger)
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := persona.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("persona store init failed: %w", err)
	}
	storeMode := "in-memory"
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		storeMode = "postgres"
	}
	selector := persona.NewSelector(store, cfg.PersonaID)

	setup, err := resolveVoice(cfg, logger, ov)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	player := playback.NewSequencer(setup.output, playback.Options{
		SampleRate: audio.DefaultSampleRate,
		Logger:     logger.Named("playback"),
		Metrics:    metrics,
	})

	events := httpapi.NewEventLog(0)
	settings := streaming.Settings{
		VADSensitivity:  streaming.Sensitivity(cfg.VADSensitivity),
		ResponseDelay:   cfg.ResponseDelay,
		AudioBufferSize: streaming.BufferSize(cfg.AudioBufferSize),
		Voice:           cfg.RealtimeVoice,
	}
	if err := settings.Validate(); err != nil {
		_ = store.Close()
		return nil, err
	}

	manager := streaming.New(streaming.Options{
		APIKey:   setup.apiKey,
		Settings: settings,
		Session: realtime.Config{
			URL:            cfg.RealtimeURL,
			Model:          cfg.RealtimeModel,
			Voice:          cfg.RealtimeVoice,
			Instructions:   persona.BaseInstructions,
			ConnectTimeout: cfg.ConnectTimeout,
			CommitDelay:    cfg.CommitDelay,
		},
		Dialer:       setup.dialer,
		Capture:      setup.capture,
		Player:       player,
		Instructions: selector,
		Callbacks: events.Callbacks(streaming.Callbacks{
			OnError: func(kind realtime.ErrorKind, err error) {
				logger.Warn("voice session error", zap.String("kind", string(kind)), zap.Error(err))
			},
		}),
		Logger:  logger.Named("session"),
		Metrics: metrics,
	})

	api := httpapi.New(httpapi.Options{
		Config:           cfg,
		Voice:            manager,
		Personas:         store,
		Selector:         selector,
		PersonaStoreMode: storeMode,
		Events:           events,
		Metrics:          metrics,
		Logger:           logger.Named("http"),
	})

	cleanup := func() error {
		var errs []string
		_ = manager.Disconnect()
		player.Reset()
		if setup.cleanup != nil {
			if err := setup.cleanup(); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Manager:  manager,
		Player:   player,
		Personas: store,
		Events:   events,
		Metrics:  metrics,
		Voice: VoiceInfo{
			Provider: setup.provider,
			Output:   setup.outputName,
			Detail:   setup.detail,
		},
		Cleanup: cleanup,
	}, nil
}
