package crashdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentsh/oslayer/internal/crash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sub", "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutAndGet(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	when := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	r := crash.Report{
		GUID:         "ABC",
		Dir:          "/tmp/crashinfo-oslayer-ABC",
		Kind:         crash.KindCrash,
		Signal:       11,
		Description:  "SIGSEGV: segmentation fault",
		ThreadID:     42,
		ThreadName:   "GameThread",
		CallstackCRC: 0xdeadbeef,
		Time:         when,
	}
	require.NoError(t, s.Put(ctx, r))

	got, err := s.Get(ctx, "ABC")
	require.NoError(t, err)
	assert.Equal(t, "Crash", got.Kind)
	assert.Equal(t, 11, got.Signal)
	assert.Equal(t, uint64(42), got.ThreadID)
	assert.Equal(t, "GameThread", got.ThreadName)
	assert.Equal(t, uint32(0xdeadbeef), got.CallstackCRC)
	assert.True(t, when.Equal(got.Time))
	assert.Empty(t, got.Bundle)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutKeepsBundle(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	r := crash.Report{GUID: "G1", Dir: "/d", Kind: crash.KindEnsure, Description: "first"}
	require.NoError(t, s.Put(ctx, r))
	require.NoError(t, s.SetBundle(ctx, "G1", "/d.tar.zst"))

	r.Description = "second"
	require.NoError(t, s.Put(ctx, r))

	got, err := s.Get(ctx, "G1")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Description)
	assert.Equal(t, "/d.tar.zst", got.Bundle)

	assert.ErrorIs(t, s.SetBundle(ctx, "nope", "/x"), ErrNotFound)
}

func TestListFiltersAndOrders(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	kinds := []crash.Kind{crash.KindCrash, crash.KindEnsure, crash.KindHang, crash.KindEnsure}
	for i, k := range kinds {
		require.NoError(t, s.Put(ctx, crash.Report{
			GUID: string(rune('A' + i)),
			Dir:  "/d",
			Kind: k,
			Time: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	all, err := s.List(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "D", all[0].GUID, "newest first by default")

	ensures, err := s.List(ctx, Query{Kind: "Ensure", Asc: true})
	require.NoError(t, err)
	require.Len(t, ensures, 2)
	assert.Equal(t, "B", ensures[0].GUID)

	since := base.Add(2 * time.Minute)
	recent, err := s.List(ctx, Query{Since: &since, Limit: 1})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "D", recent[0].GUID)
}

func TestPutRejectsMissingGUID(t *testing.T) {
	s := openTest(t)
	assert.Error(t, s.Put(context.Background(), crash.Report{}))
}

func TestOpenEmptyPath(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}
