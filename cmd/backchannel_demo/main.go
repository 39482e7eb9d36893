package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	pionrtp "github.com/pion/rtp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/rtsp_backchannel/pkg/backchannel"
	"github.com/arzzra/rtsp_backchannel/pkg/config"
	"github.com/arzzra/rtsp_backchannel/pkg/media"
	"github.com/arzzra/rtsp_backchannel/pkg/rtp"
)

func main() {
	configPath := flag.String("config", "", "путь к YAML конфигурации")
	toneDuration := flag.Duration("tone", 2*time.Second, "длительность тестового тона")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	log, closer, err := config.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка логгера: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	if err := run(cfg, log, *toneDuration); err != nil {
		log.WithError(err).Error("Демо завершено с ошибкой")
		os.Exit(1)
	}
}

func loadConfig(path string) (config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	cfg := config.Default()
	cfg.Server.BindIP = "127.0.0.1"
	cfg.Audio.OutputPath = filepath.Join(os.TempDir(), "backchannel_demo.pcm")
	cfg.Audio.CreateFIFO = false
	cfg.Log.Level = "debug"
	return cfg, cfg.Validate()
}

func run(cfg config.Config, log *logrus.Logger, toneDuration time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := backchannel.NewService(cfg, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return svc.Run(gctx)
	})

	if cfg.Metrics.Enabled {
		server := &http.Server{Addr: cfg.Metrics.Listen, Handler: svc.MetricsHandler()}
		g.Go(func() error {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("сервер метрик: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), time.Second)
			defer done()
			return server.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer cancel()
		return streamTone(gctx, svc, log.WithField("component", "demo_client"), toneDuration)
	})

	return g.Wait()
}

// streamTone открывает UDP сессию PCMU, отправляет тон 440 Гц
// и ждет завершения сессии по таймауту неактивности
func streamTone(ctx context.Context, svc *backchannel.Service, log *logrus.Entry, duration time.Duration) error {
	manager, ok := svc.Manager(media.FormatPCMU)
	if !ok {
		return fmt.Errorf("формат PCMU не включен в конфигурации")
	}

	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return err
	}
	defer client.Close()
	clientPort := client.LocalAddr().(*net.UDPAddr).Port

	var result backchannel.SetupResult
	var setupErr error
	err = svc.Loop().Do(ctx, func() {
		var token uint32
		result, token, setupErr = manager.Setup(backchannel.SetupRequest{
			Protocol:      backchannel.ProtocolUDP,
			ClientIP:      net.IPv4(127, 0, 0, 1),
			ClientRTPPort: clientPort,
		})
		if setupErr != nil {
			return
		}
		setupErr = manager.StartStream(token, func(report rtp.ClientReport) {
			log.WithFields(logrus.Fields{
				"ssrc":   report.SSRC,
				"sender": report.Sender,
			}).Debug("RTCP отчет клиента")
		})
	})
	if err != nil {
		return err
	}
	if setupErr != nil {
		return setupErr
	}

	log.WithFields(logrus.Fields{
		"session_id":  result.SessionID,
		"server_rtp":  result.ServerRTPPort,
		"server_rtcp": result.ServerRTCPPort,
	}).Info("Сессия открыта, отправка тона")

	server := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: result.ServerRTPPort}
	if err := sendTone(ctx, client, server, duration); err != nil {
		return err
	}

	log.Info("Тон отправлен, ожидание таймаута неактивности")
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		var sessions int
		if err := svc.Loop().Do(ctx, func() { sessions = manager.Sessions() }); err != nil {
			return nil
		}
		if sessions == 0 {
			log.Info("Сессия завершена сервером")
			return nil
		}
	}
}

const (
	toneFrequency = 440.0
	toneAmplitude = 8000.0
	frameSamples  = 160 // 20ms при 8 кГц
)

func sendTone(ctx context.Context, conn *net.UDPConn, server *net.UDPAddr, duration time.Duration) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	packet := &pionrtp.Packet{
		Header: pionrtp.Header{
			Version:     2,
			PayloadType: media.FormatPCMU.PayloadType(),
			SSRC:        0x0BAC0001,
		},
		Payload: make([]byte, frameSamples),
	}

	frames := int(duration / (20 * time.Millisecond))
	for i := 0; i < frames; i++ {
		for n := range packet.Payload {
			t := float64(i*frameSamples+n) / 8000
			packet.Payload[n] = linearToUlaw(int16(toneAmplitude * math.Sin(2*math.Pi*toneFrequency*t)))
		}
		packet.SequenceNumber = uint16(i)
		packet.Timestamp = uint32(i * frameSamples)
		packet.Marker = i == 0

		data, err := packet.Marshal()
		if err != nil {
			return err
		}
		if _, err := conn.WriteToUDP(data, server); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

// linearToUlaw кодирует отсчет в G.711 μ-law
func linearToUlaw(sample int16) byte {
	const (
		bias = 0x84
		clip = 32635
	)

	s := int(sample)
	sign := 0
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > clip {
		s = clip
	}
	s += bias

	exponent := 7
	for mask := 0x4000; s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (s >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}
