package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/rtsp_backchannel/pkg/media"
)

func TestSoftwareCodecsLifecycle(t *testing.T) {
	codecs := NewSoftwareCodecs(16000, testLogger())

	for _, format := range media.Formats() {
		require.NoError(t, codecs.CreateChannel(format.ChannelID(), format))
	}
	assert.Equal(t, len(media.Formats()), codecs.Channels())
	assert.Error(t, codecs.CreateChannel(media.FormatPCMU.ChannelID(), media.FormatPCMU))

	decoder, ok := codecs.Decoder(media.FormatL16.ChannelID())
	require.True(t, ok)
	assert.Equal(t, media.FormatL16, decoder.Format())
	_, rate, err := decoder.Decode([]byte{0, 1})
	require.NoError(t, err)
	assert.Equal(t, 16000, rate)

	for _, format := range media.Formats() {
		require.NoError(t, codecs.DestroyChannel(format.ChannelID()))
	}
	assert.Zero(t, codecs.Channels())
	assert.Error(t, codecs.DestroyChannel(0))

	_, ok = codecs.Decoder(0)
	assert.False(t, ok)
}

func TestSoftwareCodecsInvalidRate(t *testing.T) {
	codecs := NewSoftwareCodecs(0, nil)
	assert.ErrorIs(t, codecs.CreateChannel(2, media.FormatL16), media.ErrUnsupportedFormat)
	assert.NoError(t, codecs.CreateChannel(0, media.FormatPCMU))
}
