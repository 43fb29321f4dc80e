package archive

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/wallprof/internal/testutil"
	"github.com/coral-mesh/wallprof/internal/translate"
)

func openTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := New(testutil.NewTestDatabase(t), testutil.NewTestLogger(t))
	require.NoError(t, err)
	return a
}

func testProfile() *translate.Profile {
	work := &translate.Node{Name: "work", ScriptName: "app.js", Line: 10, Column: 3, HitCount: 4, CPUTime: 3 * time.Millisecond}
	parse := &translate.Node{Name: "parse", ScriptName: "app.js", Line: 20, Column: 1, HitCount: 1}
	main := &translate.Node{Name: "main", ScriptName: "app.js", Line: 1, Column: 1, Children: []*translate.Node{work, parse}}
	idle := &translate.Node{Name: "(idle)", HitCount: 2}
	return &translate.Profile{
		Root:                &translate.Node{Name: "(root)", Children: []*translate.Node{main, idle}},
		StartTime:           0,
		EndTime:             7_000,
		HasCPUTime:          true,
		NonJSThreadsCPUTime: time.Millisecond,
	}
}

func TestOpen_InMemory(t *testing.T) {
	a, err := Open("", zerolog.Nop())
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	ctx := context.Background()
	_, err = a.StoreProfile(ctx, ProfileMeta{RunID: "mem"}, testProfile())
	require.NoError(t, err)
	profiles, err := a.Profiles(ctx, "mem")
	require.NoError(t, err)
	assert.Len(t, profiles, 1)
}

func TestFrameName(t *testing.T) {
	assert.Equal(t, "(idle)", FrameName(&translate.Node{Name: "(idle)"}))
	assert.Equal(t, "work (app.js:10:3)", FrameName(&translate.Node{Name: "work", ScriptName: "app.js", Line: 10, Column: 3}))
}

func TestStoreAndQuery(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()
	started := time.Now().Add(-time.Minute).Truncate(time.Millisecond)

	id, err := a.StoreProfile(ctx, ProfileMeta{RunID: "run-1", Session: "pprof-0", ContextID: 1, StartedAt: started, Stall: "none"}, testProfile())
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	samples, err := a.QuerySamples(ctx, Filter{RunID: "run-1"})
	require.NoError(t, err)
	require.Len(t, samples, 3)
	assert.Equal(t, 4, samples[0].SampleCount, "heaviest stack first")
	assert.Equal(t, 3*time.Millisecond, samples[0].CPUTime)
	assert.Equal(t, id, samples[0].ProfileID)
	assert.Equal(t, StackHash(samples[0].StackFrameIDs), samples[0].StackHash)

	frames, err := a.DecodeStackFrames(ctx, samples[0].StackFrameIDs)
	require.NoError(t, err)
	assert.Equal(t, []string{"main (app.js:1:1)", "work (app.js:10:3)"}, frames)

	profiles, err := a.Profiles(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, 7, profiles[0].TotalHits)
	assert.Equal(t, 7*time.Millisecond, profiles[0].Duration)
	assert.Equal(t, time.Millisecond, profiles[0].NonJSCPU)
	assert.Equal(t, "pprof-0", profiles[0].Session)

	none, err := a.QuerySamples(ctx, Filter{RunID: "run-2"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestFrameDictionaryIsShared(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()

	_, err := a.StoreProfile(ctx, ProfileMeta{RunID: "r"}, testProfile())
	require.NoError(t, err)
	frames := len(a.frameIDs)
	_, err = a.StoreProfile(ctx, ProfileMeta{RunID: "r"}, testProfile())
	require.NoError(t, err)
	assert.Equal(t, frames, len(a.frameIDs), "known frames are reused")

	samples, err := a.QuerySamples(ctx, Filter{RunID: "r"})
	require.NoError(t, err)
	assert.Len(t, samples, 6)

	unknown, err := a.DecodeStackFrames(ctx, []int64{9999})
	require.NoError(t, err)
	assert.Equal(t, []string{"unknown_frame_9999"}, unknown)
}

func TestFrameDictionaryReload(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()
	_, err := a.StoreProfile(ctx, ProfileMeta{RunID: "r"}, testProfile())
	require.NoError(t, err)

	reopened, err := New(a.db, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, a.frameIDs, reopened.frameIDs)
	assert.Equal(t, a.nextFrameID, reopened.nextFrameID)
}

func TestCleanupOldSamples(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()

	_, err := a.StoreProfile(ctx, ProfileMeta{RunID: "old", StartedAt: time.Now().Add(-48 * time.Hour)}, testProfile())
	require.NoError(t, err)
	_, err = a.StoreProfile(ctx, ProfileMeta{RunID: "new"}, testProfile())
	require.NoError(t, err)

	deleted, err := a.CleanupOldSamples(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)

	profiles, err := a.Profiles(ctx, "")
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, "new", profiles[0].RunID)
}

func TestStoreProfile_Empty(t *testing.T) {
	a := openTestArchive(t)
	_, err := a.StoreProfile(context.Background(), ProfileMeta{}, nil)
	assert.Error(t, err)
}

func TestStackHash(t *testing.T) {
	assert.Equal(t, StackHash([]int64{1, 2}), StackHash([]int64{1, 2}))
	assert.NotEqual(t, StackHash([]int64{1, 2}), StackHash([]int64{2, 1}))
	assert.Len(t, StackHash(nil), 16)
}
