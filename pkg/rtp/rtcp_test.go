package rtp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureWriter struct {
	mutex   sync.Mutex
	packets [][]byte
	err     error
}

func (w *captureWriter) WriteRTCP(data []byte) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.err != nil {
		return w.err
	}
	w.packets = append(w.packets, append([]byte(nil), data...))
	return nil
}

func (w *captureWriter) count() int {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return len(w.packets)
}

func (w *captureWriter) last(t *testing.T) []rtcp.Packet {
	t.Helper()
	w.mutex.Lock()
	defer w.mutex.Unlock()
	require.NotEmpty(t, w.packets)
	packets, err := rtcp.Unmarshal(w.packets[len(w.packets)-1])
	require.NoError(t, err)
	return packets
}

func rtpPacket(ssrc uint32, seq uint16) *rtp.Packet {
	return &rtp.Packet{
		Header:  rtp.Header{Version: 2, SSRC: ssrc, SequenceNumber: seq, Timestamp: uint32(seq) * 160},
		Payload: make([]byte, 160),
	}
}

func TestReporterCompoundReport(t *testing.T) {
	writer := &captureWriter{}
	reporter, err := NewReporter(nil, writer, ReporterConfig{SSRC: 0xCAFE, CNAME: "server@cam", ClockRate: 8000}, testLogger())
	require.NoError(t, err)

	for _, seq := range []uint16{10, 11, 13, 14} {
		reporter.ObserveRTP(rtpPacket(0x1234, seq))
	}
	require.NoError(t, reporter.SendReport())

	packets := writer.last(t)
	require.Len(t, packets, 2)

	rr, ok := packets[0].(*rtcp.ReceiverReport)
	require.True(t, ok)
	assert.Equal(t, uint32(0xCAFE), rr.SSRC)
	require.Len(t, rr.Reports, 1)
	report := rr.Reports[0]
	assert.Equal(t, uint32(0x1234), report.SSRC)
	assert.Equal(t, uint32(14), report.LastSequenceNumber)
	assert.Equal(t, uint32(1), report.TotalLost)
	assert.Equal(t, uint8(256/5), report.FractionLost)

	sdes, ok := packets[1].(*rtcp.SourceDescription)
	require.True(t, ok)
	require.Len(t, sdes.Chunks, 1)
	assert.Equal(t, "server@cam", sdes.Chunks[0].Items[0].Text)
	assert.Equal(t, uint64(1), reporter.ReportsSent())

	// Второй интервал без потерь
	reporter.ObserveRTP(rtpPacket(0x1234, 15))
	require.NoError(t, reporter.SendReport())
	rr = writer.last(t)[0].(*rtcp.ReceiverReport)
	assert.Equal(t, uint8(0), rr.Reports[0].FractionLost)
	assert.Equal(t, uint32(1), rr.Reports[0].TotalLost)
}

func TestReporterSequenceWrap(t *testing.T) {
	reporter, err := NewReporter(nil, &captureWriter{}, ReporterConfig{SSRC: 1}, testLogger())
	require.NoError(t, err)

	for _, seq := range []uint16{65534, 65535, 0, 1} {
		reporter.ObserveRTP(rtpPacket(7, seq))
	}
	// Устаревший пакет не сдвигает максимум
	reporter.ObserveRTP(rtpPacket(7, 65530))
	require.NoError(t, reporter.SendReport())

	stats := reporter.Statistics()[7]
	assert.Equal(t, uint32(1<<16|1), stats.HighestSeqNum)
	assert.Equal(t, uint64(5), stats.PacketsReceived)
	assert.Equal(t, uint32(0), stats.PacketsLost)
}

func TestReporterIncomingReports(t *testing.T) {
	reporter, err := NewReporter(nil, &captureWriter{}, ReporterConfig{SSRC: 1}, testLogger())
	require.NoError(t, err)
	reporter.ObserveRTP(rtpPacket(0x55, 1))

	var got []ClientReport
	reporter.SetReportHandler(func(r ClientReport) { got = append(got, r) })

	data, err := rtcp.Marshal([]rtcp.Packet{
		&rtcp.SenderReport{SSRC: 0x55, NTPTime: 0x0001_0002_0003_0004},
		&rtcp.ReceiverReport{SSRC: 0x56, Reports: []rtcp.ReceptionReport{{SSRC: 1, FractionLost: 3}}},
		&rtcp.Goodbye{Sources: []uint32{0x55}},
	})
	require.NoError(t, err)
	require.NoError(t, reporter.HandleIncoming(data))

	require.Len(t, got, 2)
	assert.True(t, got[0].Sender)
	assert.Equal(t, uint32(0x55), got[0].SSRC)
	assert.False(t, got[1].Sender)
	assert.Equal(t, uint8(3), got[1].Reports[0].FractionLost)

	// LSR берется из середины NTP времени последнего SR
	writer := &captureWriter{}
	reporter.writer = writer
	require.NoError(t, reporter.SendReport())
	rr := writer.last(t)[0].(*rtcp.ReceiverReport)
	assert.Equal(t, uint32(0x0002_0003), rr.Reports[0].LastSenderReport)

	assert.Error(t, reporter.HandleIncoming([]byte{1, 2, 3}))
}

func TestReporterPeriodicAndClose(t *testing.T) {
	loop := runLoop(t)
	writer := &captureWriter{}

	var reporter *Reporter
	require.NoError(t, loop.Do(context.Background(), func() {
		var err error
		reporter, err = NewReporter(loop, writer, ReporterConfig{Interval: 10 * time.Millisecond}, testLogger())
		require.NoError(t, err)
		reporter.Start()
		reporter.Start()
	}))
	assert.NotZero(t, reporter.SSRC())

	require.Eventually(t, func() bool { return writer.count() >= 3 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, loop.Do(context.Background(), func() {
		reporter.Close()
		reporter.Close()
	}))

	packets := writer.last(t)
	require.Len(t, packets, 2)
	bye, ok := packets[1].(*rtcp.Goodbye)
	require.True(t, ok)
	assert.Equal(t, []uint32{reporter.SSRC()}, bye.Sources)

	sent := writer.count()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, sent, writer.count(), "после Close отчеты не отправляются")

	require.NoError(t, loop.Do(context.Background(), func() {
		assert.Error(t, reporter.SendReport())
	}))
}

func TestReporterConfigValidation(t *testing.T) {
	_, err := NewReporter(nil, nil, ReporterConfig{}, nil)
	assert.Error(t, err)

	_, err = NewReporter(nil, &captureWriter{}, ReporterConfig{Interval: -time.Second}, nil)
	assert.Error(t, err)
}

func TestCalculateFractionLost(t *testing.T) {
	tests := []struct {
		name     string
		expected uint32
		received uint32
		want     uint8
	}{
		{"без потерь", 100, 100, 0},
		{"половина", 100, 50, 128},
		{"все потеряны", 10, 0, 255},
		{"дубликаты", 10, 12, 0},
		{"нет ожидаемых", 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CalculateFractionLost(tt.expected, tt.received))
		})
	}
}
