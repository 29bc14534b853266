// Команда doorphone запускает ядро домофона с синтетическими устройствами:
// генератор тона вместо микрофона, отбрасывающий динамик, камера с бегущим
// градиентом и реле двери, пишущее в лог. Протокол при этом настоящий,
// демон пригоден для обкатки реальных клиентов без железа.
//
// SIGUSR1 имитирует нажатие кнопки звонка, SIGINT и SIGTERM завершают демон.
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzzra/door_phone/pkg/control"
	"github.com/arzzra/door_phone/pkg/media"
	"github.com/arzzra/door_phone/pkg/video"
	"github.com/arzzra/door_phone/pkg/wire"
)

func main() {
	var (
		listenAddr  = flag.String("listen", fmt.Sprintf(":%d", wire.DefaultControlPort), "адрес управляющего TCP сервера")
		metricsAddr = flag.String("metrics", "", "адрес HTTP сервера метрик, пусто — метрики выключены")
		maxClients  = flag.Int("max-clients", control.DefaultMaxClients, "емкость таблицы клиентов")
		audioPort   = flag.Int("audio-port", wire.DefaultAudioPort, "UDP порт аудио потока")
		videoPort   = flag.Int("video-port", wire.DefaultVideoPort, "UDP порт видео потока")
		fps         = flag.Int("fps", video.DefaultFPS, "частота кадров видео")
		toneFreq    = flag.Float64("tone", 440, "частота тона синтетического микрофона, Гц")
		debug       = flag.Bool("debug", false, "включить debug логи")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Синтетические устройства вместо слоя драйверов
	sessionCfg := media.DefaultSessionConfig()
	sessionCfg.Source = newToneSource(*toneFreq)
	sessionCfg.Sink = discardSink{}
	sessionCfg.Camera = newTestPatternCamera(160, 120)
	sessionCfg.AudioPort = *audioPort
	sessionCfg.VideoPort = *videoPort
	sessionCfg.FPS = *fps
	sessionCfg.Logger = logger.With("component", "media.session")

	session, err := media.NewSession(sessionCfg)
	if err != nil {
		log.Fatalf("Ошибка создания медиа сессии: %v", err)
	}

	coordCfg := control.DefaultConfig()
	coordCfg.ListenAddr = *listenAddr
	coordCfg.MaxClients = *maxClients
	coordCfg.Media = session
	coordCfg.Door = logDoor{logger: logger.With("component", "door")}
	coordCfg.Logger = logger.With("component", "control.coordinator")

	var registry *prometheus.Registry
	if *metricsAddr != "" {
		registry = prometheus.NewRegistry()
		coordCfg.MetricsRegisterer = registry
	}

	coordinator, err := control.NewCoordinator(coordCfg)
	if err != nil {
		log.Fatalf("Ошибка создания координатора: %v", err)
	}
	if err := coordinator.Start(); err != nil {
		log.Fatalf("Ошибка запуска координатора: %v", err)
	}
	defer coordinator.Stop()

	if registry != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		server := &http.Server{
			Addr:              *metricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("HTTP сервер метрик слушает", "addr", *metricsAddr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("HTTP сервер метрик упал", "error", err)
			}
		}()
		defer server.Close()
	}

	logger.Info("демон домофона запущен",
		"control", *listenAddr, "audio_port", *audioPort, "video_port", *videoPort)

	signals := make(chan os.Signal, 1)
	notify := append([]os.Signal{os.Interrupt, syscall.SIGTERM}, doorbellSignals...)
	signal.Notify(signals, notify...)

	for sig := range signals {
		if isDoorbellSignal(sig) {
			n := coordinator.BroadcastDoorbell()
			logger.Info("кнопка звонка: уведомление разослано", "clients", n)
			continue
		}
		logger.Info("завершение по сигналу", "signal", sig.String())
		break
	}
}
