package negotiation

import (
	"time"

	"github.com/pion/webrtc/v4"
)

type Quality string

const (
	QualityUnknown Quality = "unknown"
	QualityGood    Quality = "good"
	QualityFair    Quality = "fair"
	QualityPoor    Quality = "poor"
)

// CallStats summarizes RTP stats for the current call.
type CallStats struct {
	PacketsReceived uint64
	PacketsLost     int64
	BytesReceived   uint64
	Jitter          float64

	PacketsSent uint64
	BytesSent   uint64

	RoundTripTime time.Duration
}

// LossPercent is lost packets as a percentage of expected packets.
func (s CallStats) LossPercent() float64 {
	expected := float64(s.PacketsReceived) + float64(s.PacketsLost)
	if expected <= 0 || s.PacketsLost <= 0 {
		return 0
	}
	return float64(s.PacketsLost) / expected * 100
}

// Quality buckets the call by loss and round trip time.
func (s CallStats) Quality() Quality {
	if s.PacketsReceived == 0 && s.PacketsSent == 0 {
		return QualityUnknown
	}
	loss := s.LossPercent()
	switch {
	case loss > 5 || s.RoundTripTime > 500*time.Millisecond:
		return QualityPoor
	case loss > 2 || s.RoundTripTime > 200*time.Millisecond:
		return QualityFair
	default:
		return QualityGood
	}
}

// Stats reports the current call's RTP stats. ok is false when no call is in
// progress.
func (c *Coordinator) Stats() (stats CallStats, ok bool) {
	c.mu.Lock()
	pc := c.pc
	c.mu.Unlock()
	if pc == nil {
		return CallStats{}, false
	}
	return summarizeStats(pc.GetStats()), true
}

func summarizeStats(report webrtc.StatsReport) CallStats {
	var out CallStats
	for _, s := range report {
		switch s := s.(type) {
		case webrtc.InboundRTPStreamStats:
			out.PacketsReceived += uint64(s.PacketsReceived)
			out.PacketsLost += int64(s.PacketsLost)
			out.BytesReceived += s.BytesReceived
			if s.Jitter > out.Jitter {
				out.Jitter = s.Jitter
			}
		case webrtc.OutboundRTPStreamStats:
			out.PacketsSent += uint64(s.PacketsSent)
			out.BytesSent += s.BytesSent
		case webrtc.ICECandidatePairStats:
			if s.Nominated && s.CurrentRoundTripTime > 0 {
				out.RoundTripTime = time.Duration(s.CurrentRoundTripTime * float64(time.Second))
			}
		}
	}
	return out
}
