package store

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ottlab/media-server/internal/config"
	"github.com/ottlab/media-server/internal/format"
)

const (
	testTimescale = uint64(90000)
	testVDuration = uint64(180180)
	testADuration = uint64(432000)
)

var (
	vf480 = format.VideoFormat{Width: 854, Height: 480, CRF: 24}
	vf720 = format.VideoFormat{Width: 1280, Height: 720, CRF: 20}
	af64  = format.AudioFormat{Bitrate: 64}
	af128 = format.AudioFormat{Bitrate: 128}
)

func testChannelConfig() config.ChannelConfig {
	return config.ChannelConfig{
		Video:         map[string][]int{"1280x720": {20}, "854x480": {24}},
		Audio:         []string{"64k", "128k"},
		Timescale:     testTimescale,
		VideoDuration: testVDuration,
		AudioDuration: testADuration,
	}
}

func newTestChannel(t *testing.T, mutate func(*config.ChannelConfig)) *Channel {
	t.Helper()
	cfg := testChannelConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	ch, err := NewChannel("test", t.TempDir(), cfg, slog.Default())
	require.NoError(t, err)
	return ch
}

// fill makes ts fully ready: media and SSIM for every video format.
func fillVideo(ch *Channel, ts uint64) {
	for _, vf := range ch.VideoFormats() {
		ch.putVideo(ts, vf, spanFromBytes(make([]byte, 100)))
		ch.putSSIM(ts, vf, 0.9)
	}
}

func fillVInits(ch *Channel) {
	for _, vf := range ch.VideoFormats() {
		ch.putVInit(vf, spanFromBytes([]byte("init")))
	}
}

func fillAInits(ch *Channel) {
	for _, af := range ch.AudioFormats() {
		ch.putAInit(af, spanFromBytes([]byte("init")))
	}
}

func TestVReadyRequiresAllFormatsAndInits(t *testing.T) {
	ch := newTestChannel(t, nil)
	ts := testVDuration

	assert.False(t, ch.VReady(ts))

	ch.putVideo(ts, vf720, spanFromBytes([]byte("abc")))
	ch.putSSIM(ts, vf720, 0.95)
	assert.False(t, ch.VReady(ts), "one of two formats present")

	ch.putVideo(ts, vf480, spanFromBytes([]byte("ab")))
	assert.False(t, ch.VReady(ts), "ssim missing for second format")

	ch.putSSIM(ts, vf480, 0.91)
	assert.False(t, ch.VReady(ts), "inits missing")

	fillVInits(ch)
	assert.True(t, ch.VReady(ts))
}

func TestVReadyOrderIndependent(t *testing.T) {
	ts := 2 * testVDuration

	// Same events in two different arrival orders.
	orders := [][]func(*Channel){
		{
			func(c *Channel) { c.putVideo(ts, vf720, spanFromBytes([]byte("a"))) },
			func(c *Channel) { c.putSSIM(ts, vf480, 0.9) },
			func(c *Channel) { fillVInits(c) },
			func(c *Channel) { c.putSSIM(ts, vf720, 0.95) },
			func(c *Channel) { c.putVideo(ts, vf480, spanFromBytes([]byte("b"))) },
		},
		{
			func(c *Channel) { fillVInits(c) },
			func(c *Channel) { c.putVideo(ts, vf480, spanFromBytes([]byte("b"))) },
			func(c *Channel) { c.putVideo(ts, vf720, spanFromBytes([]byte("a"))) },
			func(c *Channel) { c.putSSIM(ts, vf720, 0.95) },
			func(c *Channel) { c.putSSIM(ts, vf480, 0.9) },
		},
	}

	for i, order := range orders {
		ch := newTestChannel(t, nil)
		for _, step := range order {
			step(ch)
		}
		assert.True(t, ch.VReady(ts), "order %d", i)
	}
}

func TestAReady(t *testing.T) {
	ch := newTestChannel(t, nil)
	ats := testADuration

	ch.putAudio(ats, af64, spanFromBytes([]byte("x")))
	ch.putAudio(ats, af128, spanFromBytes([]byte("y")))
	assert.False(t, ch.AReady(ats), "inits missing")

	fillAInits(ch)
	assert.True(t, ch.AReady(ats))
	assert.False(t, ch.AReady(2*testADuration))
}

func TestVReadyFrontier(t *testing.T) {
	ch := newTestChannel(t, nil)
	fillVInits(ch)

	for i := uint64(1); i <= 5; i++ {
		fillVideo(ch, i*testVDuration)
	}
	// A newer but incomplete timestamp must not count.
	ch.putVideo(6*testVDuration, vf720, spanFromBytes([]byte("partial")))

	ts, ok := ch.VReadyFrontier(0)
	require.True(t, ok)
	assert.Equal(t, 5*testVDuration, ts)

	ts, ok = ch.VReadyFrontier(2)
	require.True(t, ok)
	assert.Equal(t, 3*testVDuration, ts)

	_, ok = ch.VReadyFrontier(5)
	assert.False(t, ok, "only 5 ready timestamps exist")
}

func TestInitVTSFixed(t *testing.T) {
	fixed := 2 * testVDuration
	ch := newTestChannel(t, func(cc *config.ChannelConfig) { cc.InitVTS = &fixed })

	ts, ok := ch.InitVTS(15)
	require.True(t, ok)
	assert.Equal(t, fixed, ts)
}

func TestInitVTSFromFrontier(t *testing.T) {
	ch := newTestChannel(t, nil)
	fillVInits(ch)

	// max_buffer 4s, timescale 90000, vduration 180180:
	// n = ceil(4*90000/180180)+1 = 2+1 = 3, so the 3rd newest ready ts.
	for i := uint64(1); i <= 10; i++ {
		fillVideo(ch, i*testVDuration)
	}

	ts, ok := ch.InitVTS(4)
	require.True(t, ok)
	assert.Equal(t, 7*testVDuration, ts)

	empty := newTestChannel(t, nil)
	_, ok = empty.InitVTS(4)
	assert.False(t, ok)
}

func TestFindATS(t *testing.T) {
	ch := newTestChannel(t, nil)
	assert.Equal(t, uint64(0), ch.FindATS(360360))
	assert.Equal(t, testADuration, ch.FindATS(testADuration))
	assert.Equal(t, testADuration, ch.FindATS(testADuration+180180))
}

func TestEvictionWindow(t *testing.T) {
	window := uint64(900000)
	ch := newTestChannel(t, func(cc *config.ChannelConfig) {
		cc.CleanTimeWindow = &window
		// Align durations so the arithmetic in the scenario is simple.
		cc.VideoDuration = 180000
		cc.AudioDuration = 180000
	})
	fillVInits(ch)

	for ts := uint64(180000); ts <= 1800000; ts += 180000 {
		fillVideo(ch, ts)
	}

	// Everything at or below 1800000-900000 is gone.
	for ts := uint64(180000); ts <= 900000; ts += 180000 {
		_, ok := ch.VDataAt(vf720, ts)
		assert.False(t, ok, "ts %d should be evicted", ts)
		assert.False(t, ch.VReady(ts))
	}
	_, ok := ch.VDataAt(vf720, 1080000)
	assert.True(t, ok)

	frontier, ok := ch.VCleanFrontier()
	require.True(t, ok)
	assert.GreaterOrEqual(t, frontier, uint64(900000))

	// All surviving timestamps sit above the clean frontier and stay
	// aligned to the chunk duration.
	ch.mu.RLock()
	for ts := range ch.vdata {
		assert.Greater(t, ts, frontier)
		assert.Zero(t, ts%180000)
	}
	ch.mu.RUnlock()
}

func TestEvictionDisabledWithoutWindow(t *testing.T) {
	ch := newTestChannel(t, nil)
	fillVInits(ch)

	fillVideo(ch, testVDuration)
	fillVideo(ch, 1000*testVDuration)

	_, ok := ch.VDataAt(vf720, testVDuration)
	assert.True(t, ok)
	_, ok = ch.VCleanFrontier()
	assert.False(t, ok)
}

func TestPutVideoIdempotent(t *testing.T) {
	ch := newTestChannel(t, nil)
	ts := testVDuration

	ch.putVideo(ts, vf720, spanFromBytes([]byte("first")))
	ch.putVideo(ts, vf720, spanFromBytes([]byte("second")))

	s, ok := ch.VDataAt(vf720, ts)
	require.True(t, ok)
	assert.Equal(t, []byte("second"), s.Bytes())

	ch.mu.RLock()
	assert.Len(t, ch.vdata[ts], 1)
	ch.mu.RUnlock()
}

func TestVHorizonStopsAtFirstGap(t *testing.T) {
	ch := newTestChannel(t, nil)
	fillVInits(ch)

	fillVideo(ch, testVDuration)
	fillVideo(ch, 2*testVDuration)
	// Gap at 3*vduration.
	fillVideo(ch, 4*testVDuration)

	horizon := ch.VHorizon(testVDuration, 5)
	require.Len(t, horizon, 2)
	require.Len(t, horizon[0], 2)
	assert.Equal(t, vf480, horizon[0][0].Format, "variants ascend")
	assert.Equal(t, vf720, horizon[0][1].Format)
	assert.Equal(t, 100, horizon[0][0].Size)
	assert.InDelta(t, 0.9, horizon[0][0].SSIM, 1e-9)

	assert.Empty(t, ch.VHorizon(3*testVDuration, 5))
}

func TestAVariants(t *testing.T) {
	ch := newTestChannel(t, nil)
	fillAInits(ch)

	ats := testADuration
	ch.putAudio(ats, af64, spanFromBytes(make([]byte, 10)))
	ch.putAudio(ats, af128, spanFromBytes(make([]byte, 20)))

	variants, ok := ch.AVariants(ats)
	require.True(t, ok)
	require.Len(t, variants, 2)
	assert.Equal(t, af64, variants[0].Format)
	assert.Equal(t, 10, variants[0].Size)
	assert.Equal(t, 20, variants[1].Size)

	_, ok = ch.AVariants(2 * testADuration)
	assert.False(t, ok)
}

func TestStats(t *testing.T) {
	ch := newTestChannel(t, nil)
	fillVInits(ch)
	fillVideo(ch, testVDuration)

	st := ch.Stats()
	assert.Equal(t, "test", st.Name)
	assert.Equal(t, 2, st.VideoFormats)
	assert.Equal(t, 1, st.VideoChunks)
	require.NotNil(t, st.ReadyFrontier)
	assert.Equal(t, testVDuration, *st.ReadyFrontier)
}

func TestPayloadConcatenatesInit(t *testing.T) {
	ch := newTestChannel(t, nil)
	fillVInits(ch)
	fillAInits(ch)
	ch.putVideo(testVDuration, vf720, spanFromBytes([]byte("media")))
	ch.putAudio(testADuration, af128, spanFromBytes([]byte("opus")))

	payload, ok := ch.VPayload(vf720, testVDuration, true)
	require.True(t, ok)
	assert.Equal(t, []byte("initmedia"), payload)

	payload, ok = ch.VPayload(vf720, testVDuration, false)
	require.True(t, ok)
	assert.Equal(t, []byte("media"), payload)

	_, ok = ch.VPayload(vf480, testVDuration, false)
	assert.False(t, ok, "no media for that format")

	apayload, ok := ch.APayload(af128, testADuration, true)
	require.True(t, ok)
	assert.Equal(t, []byte("initopus"), apayload)

	_, ok = ch.APayload(af64, testADuration, true)
	assert.False(t, ok)
}
