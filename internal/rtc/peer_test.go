package rtc

import (
	"errors"
	"io"
	"testing"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPionFactoryNegotiatesInterceptorFeedback(t *testing.T) {
	peer, err := NewPionFactory(nil)()
	require.NoError(t, err)
	defer peer.Close()

	media, err := NewStaticSource("s1")
	require.NoError(t, err)
	tracks, err := media.Tracks()
	require.NoError(t, err)
	require.NoError(t, peer.AddTrack(tracks[0]))

	offer, err := peer.CreateOffer(false)
	require.NoError(t, err)
	assert.Contains(t, offer.SDP, "VP8")
	assert.Contains(t, offer.SDP, "a=rtcp-fb:96 nack pli")
	// Only the registered TWCC sender interceptor adds this header extension.
	assert.Contains(t, offer.SDP, "transport-wide-cc-extensions-01")
}

type scriptedReader struct {
	packets []*rtp.Packet
	err     error
}

func (r *scriptedReader) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	if len(r.packets) == 0 {
		return nil, nil, r.err
	}
	p := r.packets[0]
	r.packets = r.packets[1:]
	return p, nil, nil
}

func packet(seq uint16, size int) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{SequenceNumber: seq}, Payload: make([]byte, size)}
}

func TestReadTrackCountsLoss(t *testing.T) {
	r := &scriptedReader{
		packets: []*rtp.Packet{
			packet(65533, 10),
			packet(65534, 10),
			packet(1, 10), // 65535 and 0 missing across the wrap
			packet(0, 10), // late
			packet(2, 10),
		},
		err: io.EOF,
	}

	var reports []TrackStats
	stats, err := ReadTrack(r, 2, func(s TrackStats) { reports = append(reports, s) })
	require.NoError(t, err)

	assert.Equal(t, uint64(5), stats.Packets)
	assert.Equal(t, uint64(50), stats.Bytes)
	assert.Equal(t, uint64(2), stats.Lost)
	require.Len(t, reports, 2)
	assert.Equal(t, uint64(2), reports[0].Packets)
	assert.Equal(t, uint64(4), reports[1].Packets)
}

func TestReadTrackReturnsReadError(t *testing.T) {
	boom := errors.New("srtp failure")
	stats, err := ReadTrack(&scriptedReader{packets: []*rtp.Packet{packet(7, 3)}, err: boom}, 0, nil)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, uint64(1), stats.Packets)
}
