package domain

import "time"

// MediaCounters are cumulative counters read off a peer connection. Two
// readings taken an interval apart yield one TransportStats sample.
type MediaCounters struct {
	Timestamp   time.Time
	Bytes       uint64
	Frames      uint64
	LostPackets uint64
	Packets     uint64
	RoundTrip   time.Duration
	Jitter      time.Duration

	// BufferedAheadSeconds is media received but not yet due for playout.
	BufferedAheadSeconds float64
}

// Delta turns two readings into a sample. Frames are counted as dropped when
// a packet loss fell inside them, so the ratio follows packet loss when frame
// boundaries are unknown.
func (c MediaCounters) Delta(prev MediaCounters) TransportStats {
	elapsed := c.Timestamp.Sub(prev.Timestamp).Seconds()
	if elapsed <= 0 {
		return NewTransportStats(0, 0, 0, 0, float64(c.RoundTrip.Microseconds())/1000, c.BufferedAheadSeconds)
	}

	bytes := sub(c.Bytes, prev.Bytes)
	frames := sub(c.Frames, prev.Frames)
	packets := sub(c.Packets, prev.Packets)
	lost := sub(c.LostPackets, prev.LostPackets)

	dropped := 0
	if packets+lost > 0 && frames > 0 {
		dropped = int(float64(frames) * float64(lost) / float64(packets+lost))
	}

	return NewTransportStats(
		float64(bytes*8)/1000/elapsed,
		float64(frames)/elapsed,
		dropped,
		int(frames),
		float64(c.RoundTrip.Microseconds())/1000,
		c.BufferedAheadSeconds,
	)
}

func sub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}
