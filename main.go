package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"

	"github.com/d1nch8g/dictation/audio"
	"github.com/d1nch8g/dictation/capture"
	"github.com/d1nch8g/dictation/config"
	"github.com/d1nch8g/dictation/engine"
	"github.com/d1nch8g/dictation/events"
	"github.com/d1nch8g/dictation/metrics"
	"github.com/d1nch8g/dictation/ptt"
	"github.com/d1nch8g/dictation/sink"
	"github.com/d1nch8g/dictation/sound"
	"github.com/d1nch8g/dictation/stt"
	"github.com/d1nch8g/dictation/vad"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	listDevices := flag.Bool("list-devices", false, "print capture devices and exit")
	flag.Parse()

	if err := run(*configPath, *listDevices); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, listDevices bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	backend, err := audio.NewBackend(cfg.Audio.Backend, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize audio: %w", err)
	}
	defer backend.Close()

	if listDevices {
		return printDevices(backend)
	}

	m := metrics.New()
	bus := events.NewBus(logger, m)
	defer bus.Close()

	var classifier vad.Classifier
	if cfg.VAD.Enabled {
		classifier = vad.LevelClassifier{Threshold: cfg.VAD.LevelThreshold}
	}
	capt := capture.New(backend, sink.Dir(cfg.Audio.RecordingsDir), capture.Config{
		Format:          audio.Target(cfg.Audio.SampleRate),
		Channels:        cfg.Audio.Channels,
		FramesPerBuffer: cfg.Audio.FramesPerBuffer,
		VAD: vad.Config{
			Threshold:       cfg.VAD.Threshold,
			SilenceDuration: cfg.VAD.SilenceDuration,
			MinRecording:    cfg.VAD.MinRecording,
		},
		Classifier:         classifier,
		TrimLeadingSilence: cfg.VAD.Enabled && cfg.VAD.TrimLeadingSilence,
		PreRoll:            cfg.VAD.PreRoll,
	}, logger, m)

	var transcriber stt.Transcriber
	if cfg.STT.Enabled() {
		y, err := stt.NewYandex(stt.YandexConfig{
			IamToken: cfg.STT.IamToken,
			FolderID: cfg.STT.FolderID,
			Language: cfg.STT.Language,
			Endpoint: cfg.STT.Endpoint,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create STT client: %w", err)
		}
		transcriber = y
	} else {
		logger.Warn("IAM_TOKEN and FOLDER_ID not set, recordings are kept on disk")
	}

	eng := engine.New(engine.Config{
		DeviceID:          cfg.Audio.Device,
		KeepRecordings:    cfg.Audio.KeepRecordings,
		TranscribeTimeout: cfg.STT.Timeout,
	}, capt, bus, transcriber, logger, m)
	defer eng.Close()

	mode, err := ptt.ParseMode(cfg.Hotkey.Mode)
	if err != nil {
		return err
	}
	// Subscribe before binding so a conflict warning reaches the console.
	console := bus.Subscribe("console", 64, events.KindTranscription, events.KindError)
	controller := ptt.NewController(eng, mode, ptt.NewBindingTable(ptt.DefaultReserved()...), bus, logger)
	if _, err := bindHotkey(controller, cfg.Hotkey.Binding, logger); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return eng.Run(ctx) })
	g.Go(func() error { return ptt.LineSource{Reader: os.Stdin}.Run(ctx, controller) })

	g.Go(func() error { return printResults(ctx, console) })

	if cues, player, err := loadCues(cfg.Cues, logger); err != nil {
		logger.Warn("cues disabled", slog.Any("error", err))
	} else if cues != nil {
		defer player.Terminate()
		sub := bus.Subscribe("cues", 16, events.KindState)
		g.Go(func() error { return cues.Run(ctx, sub.States) })
	}

	if configPath != "" {
		g.Go(func() error {
			return config.Watch(ctx, configPath, logger, func(c *config.Config) {
				eng.SetSelectedDevice(c.Audio.Device)
			})
		})
	}

	if cfg.Metrics.Addr != "" {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metricsMux(m), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info("metrics server listening", slog.String("addr", cfg.Metrics.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	fmt.Println(readyMessage())

	return g.Wait()
}

// readyMessage names the triggers that are actually listening. Only the
// line trigger is wired in the terminal build.
func readyMessage() string {
	return "Dictation ready. Press Enter to start or stop a recording, Ctrl-C to quit."
}

// bindHotkey claims the configured binding. A binding held by the system or
// another owner is only a warning since the line trigger still works;
// malformed bindings are errors.
func bindHotkey(c *ptt.Controller, binding string, logger *slog.Logger) (bool, error) {
	_, err := c.Bind(binding)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ptt.ErrHotkeyConflict):
		logger.Warn("hotkey unavailable, continuing with the line trigger",
			slog.String("binding", binding), slog.Any("error", err))
		return false, nil
	}
	return false, fmt.Errorf("failed to bind hotkey: %w", err)
}

func newLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	})), nil
}

func printDevices(backend audio.Backend) error {
	devices, err := backend.Devices()
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}
	for _, d := range devices {
		marker := " "
		if d.Default {
			marker = "*"
		}
		fmt.Printf("%s %-40s id=%s channels=%d\n", marker, d.Name, d.ID, d.Channels)
	}
	return nil
}

func printResults(ctx context.Context, sub *events.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Transcriptions:
			if !ok {
				return nil
			}
			if ev.Text != "" {
				fmt.Printf("Recognized: %s\n", ev.Text)
			} else {
				fmt.Printf("Recorded: %s (%s)\n", ev.Path, ev.Duration.Round(time.Millisecond))
			}
		case ev, ok := <-sub.Errors:
			if !ok {
				return nil
			}
			fmt.Printf("Error (%s): %s\n", ev.Kind, ev.Message)
		}
	}
}

func loadCues(cfg config.CuesConfig, logger *slog.Logger) (*sound.Cues, *sound.PortaudioPlayer, error) {
	if cfg.Start == "" && cfg.Stop == "" {
		return nil, nil, nil
	}
	cues := &sound.Cues{Logger: logger}
	var err error
	if cfg.Start != "" {
		if cues.Start, err = sound.LoadCue(cfg.Start); err != nil {
			return nil, nil, err
		}
	}
	if cfg.Stop != "" {
		if cues.Stop, err = sound.LoadCue(cfg.Stop); err != nil {
			return nil, nil, err
		}
	}
	player := sound.NewPortaudioPlayer(sound.GetDefaultConfig())
	if err := player.Initialize(); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize playback: %w", err)
	}
	cues.Player = player
	return cues, player, nil
}

func metricsMux(m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return mux
}
