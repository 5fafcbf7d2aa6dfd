package webrtc

import (
	"math"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// ntpEpochOffset is the number of seconds between 1900 and 1970.
const ntpEpochOffset = 2208988800

// streamState follows one SSRC: sequence gaps and interarrival jitter.
type streamState struct {
	started     bool
	highest     uint16
	lastArrival time.Time
	lastTS      uint32
	jitter      float64 // seconds
}

// rtpCounters accumulates the packets flowing through one direction of a
// connection.
type rtpCounters struct {
	mu      sync.Mutex
	bytes   uint64
	packets uint64
	frames  uint64
	lost    uint64
	streams map[uint32]*streamState
}

func newRTPCounters() *rtpCounters {
	return &rtpCounters{streams: make(map[uint32]*streamState)}
}

type counterSnapshot struct {
	Bytes   uint64
	Packets uint64
	Frames  uint64
	Lost    uint64
	Jitter  time.Duration
}

// observe counts one packet. A video frame ends on the marker bit. Loss and
// jitter are only tracked on the receive side (clockRate > 0).
func (c *rtpCounters) observe(pkt *rtp.Packet, video bool, clockRate uint32, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.bytes += uint64(pkt.MarshalSize())
	c.packets++
	if video && pkt.Marker {
		c.frames++
	}
	if clockRate == 0 {
		return
	}

	s, ok := c.streams[pkt.SSRC]
	if !ok {
		s = &streamState{}
		c.streams[pkt.SSRC] = s
	}
	if !s.started {
		s.started = true
		s.highest = pkt.SequenceNumber
		s.lastArrival = now
		s.lastTS = pkt.Timestamp
		return
	}

	diff := int16(pkt.SequenceNumber - s.highest)
	switch {
	case diff > 0:
		c.lost += uint64(diff - 1)
		s.highest = pkt.SequenceNumber
	case diff < 0:
		// late arrival of a packet already counted missing
		if c.lost > 0 {
			c.lost--
		}
	}

	// RFC 3550 interarrival jitter, in seconds
	arrival := now.Sub(s.lastArrival).Seconds()
	sent := float64(int32(pkt.Timestamp-s.lastTS)) / float64(clockRate)
	d := math.Abs(arrival - sent)
	s.jitter += (d - s.jitter) / 16
	s.lastArrival = now
	s.lastTS = pkt.Timestamp
}

func (c *rtpCounters) snapshot() counterSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	var worst float64
	for _, s := range c.streams {
		if s.jitter > worst {
			worst = s.jitter
		}
	}
	return counterSnapshot{
		Bytes:   c.bytes,
		Packets: c.packets,
		Frames:  c.frames,
		Lost:    c.lost,
		Jitter:  time.Duration(worst * float64(time.Second)),
	}
}

// playoutClock estimates how much received media is waiting to be played.
// Playout starts with the first packet and runs delay behind arrival, so
// the buffer is the media received plus delay minus wall time elapsed.
type playoutClock struct {
	delay time.Duration

	mu        sync.Mutex
	ssrc      uint32
	started   bool
	start     time.Time
	clockRate uint32
	lastTS    uint32
	received  int64 // timestamp units since the first packet
}

func newPlayoutClock(delay time.Duration) *playoutClock {
	return &playoutClock{delay: delay}
}

// observe follows the first stream it sees and ignores the rest.
func (p *playoutClock) observe(ssrc, timestamp, clockRate uint32, now time.Time) {
	if clockRate == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		p.started = true
		p.ssrc = ssrc
		p.start = now
		p.clockRate = clockRate
		p.lastTS = timestamp
		return
	}
	if ssrc != p.ssrc {
		return
	}
	if diff := int32(timestamp - p.lastTS); diff > 0 {
		p.received += int64(diff)
		p.lastTS = timestamp
	}
}

func (p *playoutClock) bufferedAhead(now time.Time) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return 0
	}
	media := float64(p.received) / float64(p.clockRate)
	ahead := media + p.delay.Seconds() - now.Sub(p.start).Seconds()
	if ahead < 0 {
		return 0
	}
	return ahead
}

// reportTracker folds the receiver reports a remote peer sends about our
// outgoing streams.
type reportTracker struct {
	mu     sync.Mutex
	lost   map[uint32]uint32
	jitter map[uint32]time.Duration
	rtt    time.Duration
}

func newReportTracker() *reportTracker {
	return &reportTracker{
		lost:   make(map[uint32]uint32),
		jitter: make(map[uint32]time.Duration),
	}
}

func (r *reportTracker) observe(report rtcp.ReceptionReport, clockRate uint32, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lost[report.SSRC] = report.TotalLost
	if clockRate > 0 {
		r.jitter[report.SSRC] = time.Duration(float64(report.Jitter) / float64(clockRate) * float64(time.Second))
	}
	if rtt, ok := reportRoundTrip(report, now); ok {
		r.rtt = rtt
	}
}

func (r *reportTracker) totals() (lost uint64, jitter, rtt time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, l := range r.lost {
		lost += uint64(l)
	}
	for _, j := range r.jitter {
		if j > jitter {
			jitter = j
		}
	}
	return lost, jitter, r.rtt
}

// reportRoundTrip derives RTT from the LSR and DLSR fields, both in 1/65536
// seconds. Reports without a sender report reference carry no RTT.
func reportRoundTrip(report rtcp.ReceptionReport, now time.Time) (time.Duration, bool) {
	if report.LastSenderReport == 0 {
		return 0, false
	}
	arrival := uint32(toNTP(now) >> 16)
	rtt := int32(arrival - report.LastSenderReport - report.Delay)
	if rtt < 0 {
		return 0, false
	}
	return time.Duration(rtt) * time.Second / 65536, true
}

func toNTP(t time.Time) uint64 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := (uint64(t.Nanosecond()) << 32) / uint64(time.Second)
	return secs<<32 | frac
}
