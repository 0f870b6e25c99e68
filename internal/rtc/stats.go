package rtc

import (
	"errors"
	"io"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
)

// RTPReader is the read side of a remote track. *webrtc.TrackRemote
// satisfies it.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// TrackStats counts what a remote track delivered. Lost is inferred from
// gaps in the RTP sequence numbers.
type TrackStats struct {
	Packets uint64
	Bytes   uint64
	Lost    uint64

	lastSeq uint16
	started bool
}

func (s *TrackStats) observe(p *rtp.Packet) {
	s.Packets++
	s.Bytes += uint64(len(p.Payload))

	if !s.started {
		s.started = true
		s.lastSeq = p.SequenceNumber
		return
	}
	// Sequence numbers wrap at 2^16; a delta in the upper half is a late
	// or duplicated packet.
	delta := p.SequenceNumber - s.lastSeq
	if delta == 0 || delta >= 0x8000 {
		return
	}
	s.Lost += uint64(delta - 1)
	s.lastSeq = p.SequenceNumber
}

// ReadTrack consumes r until the track ends, calling report every
// reportEvery packets. Reading keeps the receive buffer drained so the
// interceptors keep sending RTCP feedback.
func ReadTrack(r RTPReader, reportEvery uint64, report func(TrackStats)) (TrackStats, error) {
	var stats TrackStats
	for {
		pkt, _, err := r.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return stats, nil
			}
			return stats, err
		}
		stats.observe(pkt)
		if report != nil && reportEvery > 0 && stats.Packets%reportEvery == 0 {
			report(stats)
		}
	}
}
