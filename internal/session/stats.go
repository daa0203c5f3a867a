package session

import (
	"math/bits"
	"sync"
	"sync/atomic"
	"time"
)

// fpsWindow is the sliding-window duration for the delivered-frame rate.
const fpsWindow = 2 * time.Second

// StreamAggregate summarizes one stream's delivery history, serialized in
// stats snapshots for diagnostics.
type StreamAggregate struct {
	FramesDelivered int64  `json:"framesDelivered"`
	SlicesMissed    int64  `json:"slicesMissed"`
	EncBytes        int64  `json:"encBytes"`
	LastRTTNanos    uint64 `json:"lastRttNs"`
	LastRenderUS    uint32 `json:"lastRenderUs"`
	LastStreamUS    uint32 `json:"lastStreamUs"`
}

// StatsSnapshot is a point-in-time view of frame delivery across streams.
type StatsSnapshot struct {
	FramesTotal    int64             `json:"framesTotal"`
	FramesComplete int64             `json:"framesComplete"`
	DeliveredFPS   float64           `json:"deliveredFps"`
	Streams        []StreamAggregate `json:"streams"`
}

// streamAccum accumulates per-stream counters with atomics so snapshots
// never block the display loop.
type streamAccum struct {
	framesDelivered atomic.Int64
	slicesMissed    atomic.Int64
	encBytes        atomic.Int64
	lastRTTNanos    atomic.Uint64
	lastRenderUS    atomic.Uint32
	lastStreamUS    atomic.Uint32
}

// FrameStats aggregates frame results across the session's lifetime. The
// display loop feeds it one Result per frame; any goroutine may snapshot.
type FrameStats struct {
	numSlices int

	framesTotal    atomic.Int64
	framesComplete atomic.Int64
	streams        []streamAccum

	fpsMu    sync.Mutex
	fpsTimes []time.Time
}

// NewFrameStats creates a collector for the given stream and slice counts.
func NewFrameStats(numStreams, numSlices int) *FrameStats {
	return &FrameStats{
		numSlices: numSlices,
		streams:   make([]streamAccum, numStreams),
	}
}

// Record folds one frame's result into the aggregates.
func (fs *FrameStats) Record(res Result) {
	fs.framesTotal.Add(1)
	allStreams := uint32(1)<<uint(len(fs.streams)) - 1
	if res.StreamBitmask == allStreams {
		fs.framesComplete.Add(1)
	}

	for i := range res.Stats {
		if i >= len(fs.streams) {
			break
		}
		st := &res.Stats[i]
		acc := &fs.streams[i]
		if res.StreamBitmask&(1<<uint(i)) != 0 {
			acc.framesDelivered.Add(1)
			acc.lastRTTNanos.Store(st.RTTNanos)
			acc.lastRenderUS.Store(st.RenderUS)
			acc.lastStreamUS.Store(st.StreamUS)
		}
		acc.encBytes.Add(int64(st.NumEncBytes))
		acc.slicesMissed.Add(int64(fs.numSlices - bits.OnesCount32(st.SliceBitmask)))
	}

	if res.StreamBitmask != 0 {
		now := time.Now()
		fs.fpsMu.Lock()
		fs.fpsTimes = append(fs.fpsTimes, now)
		cutoff := now.Add(-fpsWindow)
		j := 0
		for j < len(fs.fpsTimes) && fs.fpsTimes[j].Before(cutoff) {
			j++
		}
		fs.fpsTimes = fs.fpsTimes[j:]
		fs.fpsMu.Unlock()
	}
}

// DeliveredFPS computes the rate of frames with at least one delivered
// stream over the sliding window.
func (fs *FrameStats) DeliveredFPS() float64 {
	fs.fpsMu.Lock()
	defer fs.fpsMu.Unlock()
	if len(fs.fpsTimes) < 2 {
		return 0
	}
	dur := fs.fpsTimes[len(fs.fpsTimes)-1].Sub(fs.fpsTimes[0]).Seconds()
	if dur <= 0 {
		return 0
	}
	return float64(len(fs.fpsTimes)-1) / dur
}

// Snapshot produces a consistent view of all aggregates.
func (fs *FrameStats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		FramesTotal:    fs.framesTotal.Load(),
		FramesComplete: fs.framesComplete.Load(),
		DeliveredFPS:   fs.DeliveredFPS(),
		Streams:        make([]StreamAggregate, len(fs.streams)),
	}
	for i := range fs.streams {
		acc := &fs.streams[i]
		snap.Streams[i] = StreamAggregate{
			FramesDelivered: acc.framesDelivered.Load(),
			SlicesMissed:    acc.slicesMissed.Load(),
			EncBytes:        acc.encBytes.Load(),
			LastRTTNanos:    acc.lastRTTNanos.Load(),
			LastRenderUS:    acc.lastRenderUS.Load(),
			LastStreamUS:    acc.lastStreamUS.Load(),
		}
	}
	return snap
}
