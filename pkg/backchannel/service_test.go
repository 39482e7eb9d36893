package backchannel

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/rtsp_backchannel/pkg/config"
	"github.com/arzzra/rtsp_backchannel/pkg/media"
)

func testServiceConfig(port int) config.Config {
	cfg := config.Default()
	cfg.Server.BindIP = "127.0.0.1"
	cfg.Server.RTPPortStart = port
	cfg.Backchannel.InactivityTimeout = 200 * time.Millisecond
	cfg.Backchannel.ReportInterval = 50 * time.Millisecond
	cfg.Audio.OutputRate = 8000
	return cfg
}

func TestServiceEndToEnd(t *testing.T) {
	output := &fakeOutput{}
	svc, err := NewService(testServiceConfig(48600), testLogger().Logger, WithOutput(output))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	manager, ok := svc.Manager(media.FormatPCMU)
	require.True(t, ok)

	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: loopback})
	require.NoError(t, err)
	defer client.Close()

	var result SetupResult
	onLoop(t, svc.Loop(), func() {
		var token uint32
		result, token, err = manager.Setup(SetupRequest{
			Protocol:      ProtocolUDP,
			ClientIP:      loopback,
			ClientRTPPort: client.LocalAddr().(*net.UDPAddr).Port,
		})
		require.NoError(t, err)
		require.NoError(t, manager.StartStream(token, nil))
		assert.Equal(t, 1, manager.Sessions())
		assert.ErrorIs(t, manager.StartStream(token+100, nil), media.ErrSessionClosed)
	})

	server := &net.UDPAddr{IP: loopback, Port: result.ServerRTPPort}
	for seq := uint16(1); seq <= 10; seq++ {
		_, err := client.WriteToUDP(marshalRTP(t, seq, make([]byte, 160)), server)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return output.sampleCount() == 1600 }, 2*time.Second, 5*time.Millisecond)

	// Тишина клиента завершает сессию
	require.Eventually(t, func() bool {
		var n int
		onLoop(t, svc.Loop(), func() { n = manager.Sessions() })
		return n == 0
	}, 2*time.Second, 20*time.Millisecond)

	metrics := svc.Metrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.stopMarkers.WithLabelValues(StopReasonTimeout)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.sessionsTotal.WithLabelValues("udp")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.sessionsActive))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.framesProcessed) == 10
	}, time.Second, 5*time.Millisecond)

	recorder := httptest.NewRecorder()
	svc.MetricsHandler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))
	assert.True(t, strings.Contains(recorder.Body.String(), "backchannel_frames_enqueued_total 10"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("сервис не остановился")
	}
	assert.True(t, output.opened)
	assert.True(t, output.closed)
}

func TestServiceShutdownClosesSessions(t *testing.T) {
	output := &fakeOutput{}
	cfg := testServiceConfig(48700)
	cfg.Backchannel.InactivityTimeout = time.Minute
	svc, err := NewService(cfg, nil, WithOutput(output))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	ids := make(map[uint32]bool)
	for _, format := range []media.Format{media.FormatPCMU, media.FormatPCMA} {
		manager, ok := svc.Manager(format)
		require.True(t, ok)
		onLoop(t, svc.Loop(), func() {
			_, token, err := manager.Setup(SetupRequest{Protocol: ProtocolUDP, ClientIP: loopback, ClientRTPPort: 40010})
			require.NoError(t, err)
			require.NoError(t, manager.StartStream(token, nil))
			ids[token] = true
		})
	}
	assert.Len(t, ids, 2, "идентификаторы сессий уникальны между форматами")

	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, 2.0, testutil.ToFloat64(svc.Metrics().stopMarkers.WithLabelValues(StopReasonClose)))
	assert.Equal(t, 0.0, testutil.ToFloat64(svc.Metrics().sessionsActive))
}

func TestManagerDeleteStream(t *testing.T) {
	loop := runLoop(t)
	queue := NewFrameQueue()
	manager := NewManager(ManagerConfig{Format: media.FormatPCMA, InactivityTimeout: time.Second},
		loop, newAllocator(t, 48800, true), queue, nil, nil, testLogger())

	onLoop(t, loop, func() {
		result, token, err := manager.Setup(SetupRequest{Protocol: ProtocolUDP, ClientIP: loopback, ClientRTPPort: 40020})
		require.NoError(t, err)
		assert.True(t, result.RTCPMux)
		assert.Equal(t, result.ServerRTPPort, result.ServerRTCPPort)

		session, ok := manager.Session(token)
		require.True(t, ok)

		require.NoError(t, manager.StartStream(token, nil))
		require.NoError(t, manager.DeleteStream(token))
		require.NoError(t, manager.DeleteStream(token))
		assert.Zero(t, manager.Sessions())
		assert.Equal(t, StateClosed, session.State())

		_, _, err = manager.Setup(SetupRequest{Protocol: ProtocolUDP, ClientIP: loopback})
		assert.ErrorIs(t, err, media.ErrInvalidTransportRequest)
		assert.Zero(t, manager.Sessions())
	})

	frames := drainQueue(queue)
	require.Len(t, frames, 1)
	assert.True(t, frames[0].Stop)
	assert.Equal(t, media.FormatPCMA, frames[0].Format)
}

func TestNewServiceRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Backchannel.Formats = []string{"G729"}
	_, err := NewService(cfg, nil)
	assert.Error(t, err)
}
