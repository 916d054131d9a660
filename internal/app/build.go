package app

import (
	"context"
	"fmt"
	"log"

	"github.com/mzanin/voxbridge/internal/avatar"
	"github.com/mzanin/voxbridge/internal/bridge"
	"github.com/mzanin/voxbridge/internal/config"
	"github.com/mzanin/voxbridge/internal/httpapi"
	"github.com/mzanin/voxbridge/internal/observability"
	"github.com/mzanin/voxbridge/internal/session"
	"github.com/mzanin/voxbridge/internal/speech"
	"github.com/mzanin/voxbridge/internal/store"
	"github.com/mzanin/voxbridge/internal/tools"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Orchestrator *bridge.Orchestrator
	Recorder     *store.Recorder
	Metrics      *observability.Metrics

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *log.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = log.Default()
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	window := observability.NewMilestoneWindow(256)

	sessionStore, err := store.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("session store init failed: %w", err)
	}
	recorder := store.NewRecorder(sessionStore, logger)

	toolGateway := tools.NewGateway(tools.Config{
		MCPServerURL: cfg.MCPServerURL,
		GeocodeURL:   cfg.WeatherGeocodeURL,
		ForecastURL:  cfg.WeatherForecastURL,
		HTTPTimeout:  cfg.ToolHTTPTimeout,
		Logger:       logger,
	})

	speechCfg := speech.Config{
		Endpoint:    cfg.SpeechEndpoint,
		Deployment:  cfg.SpeechDeployment,
		APIVersion:  cfg.SpeechAPIVersion,
		APIKey:      cfg.SpeechAPIKey,
		BearerToken: cfg.SpeechBearerToken,
		ClientID:    cfg.SpeechClientID,
		DialTimeout: cfg.DialTimeout,
	}

	registry := avatar.NewRegistry()
	orchestrator := bridge.NewOrchestrator(bridge.Options{
		Defaults: bridge.Defaults{
			Model:           cfg.DefaultModel,
			Voice:           cfg.DefaultVoice,
			Locale:          cfg.DefaultLocale,
			Instructions:    cfg.DefaultInstructions,
			WelcomeMessage:  cfg.WelcomeMessage,
			AvatarCharacter: cfg.DefaultAvatarCharacter,
			AvatarStyle:     cfg.DefaultAvatarStyle,
		},
		ConfigWaitTimeout: cfg.ConfigWaitTimeout,
		SdpTimeout:        cfg.SdpTimeout,
		DrainTimeout:      cfg.DrainTimeout,
		// Avatar sessions need the raw wire variant for SDP frames; the
		// managed client covers everything else.
		NewClient: func(kind session.Kind) speech.Client {
			if kind == session.KindAvatar {
				return speech.NewWireClient(speechCfg)
			}
			return speech.NewManagedClient(speechCfg)
		},
		Tools:   toolGateway,
		Avatars: registry,
		Sink:    recorder,
		Metrics: metrics,
		Window:  window,
		Logger:  logger,
	})

	api := httpapi.New(cfg, orchestrator, registry, metrics, window)

	cleanup := func() error {
		return sessionStore.Close()
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Orchestrator: orchestrator,
		Recorder:     recorder,
		Metrics:      metrics,
		Cleanup:      cleanup,
	}, nil
}
