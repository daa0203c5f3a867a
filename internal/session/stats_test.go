package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFrameStatsRecord(t *testing.T) {
	t.Parallel()
	fs := NewFrameStats(2, 4)

	fs.Record(Result{
		StreamBitmask: 0b11,
		Stats: []StreamStats{
			{RTTNanos: 1000, RenderUS: 10, StreamUS: 20, SliceBitmask: 0b1111, NumEncBytes: 100},
			{RTTNanos: 2000, RenderUS: 30, StreamUS: 40, SliceBitmask: 0b1111, NumEncBytes: 200},
		},
	})
	fs.Record(Result{
		StreamBitmask: 0b01,
		Stats: []StreamStats{
			{RTTNanos: 1500, RenderUS: 11, StreamUS: 21, SliceBitmask: 0b1011, NumEncBytes: 80},
			{},
		},
	})

	snap := fs.Snapshot()
	assert.Equal(t, int64(2), snap.FramesTotal)
	assert.Equal(t, int64(1), snap.FramesComplete)

	assert.Equal(t, int64(2), snap.Streams[0].FramesDelivered)
	assert.Equal(t, int64(1), snap.Streams[0].SlicesMissed)
	assert.Equal(t, int64(180), snap.Streams[0].EncBytes)
	assert.Equal(t, uint64(1500), snap.Streams[0].LastRTTNanos)
	assert.Equal(t, uint32(11), snap.Streams[0].LastRenderUS)

	assert.Equal(t, int64(1), snap.Streams[1].FramesDelivered)
	assert.Equal(t, int64(4), snap.Streams[1].SlicesMissed)
	assert.Equal(t, uint64(2000), snap.Streams[1].LastRTTNanos)
}

func TestFrameStatsFPSWindow(t *testing.T) {
	t.Parallel()
	fs := NewFrameStats(1, 4)
	assert.Equal(t, 0.0, fs.DeliveredFPS())

	for i := 0; i < 5; i++ {
		fs.Record(Result{StreamBitmask: 0b1, Stats: []StreamStats{{SliceBitmask: 0b1111}}})
		time.Sleep(5 * time.Millisecond)
	}
	assert.Greater(t, fs.DeliveredFPS(), 0.0)

	// A frame with nothing delivered counts toward the total but not as complete.
	before := fs.Snapshot()
	fs.Record(Result{StreamBitmask: 0, Stats: []StreamStats{{}}})
	after := fs.Snapshot()
	assert.Equal(t, before.FramesTotal+1, after.FramesTotal)
	assert.Equal(t, before.FramesComplete, after.FramesComplete)
}
