package redis

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/rcstack/workitems"
)

func newTestAdapter(t *testing.T) (*Adapter, *miniredis.Miniredis) {
	t.Helper()
	var mr = miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	a, err := New(context.Background(),
		Config{Host: mr.Host(), Port: port, MaxConnections: 10},
		workitems.Config{
			QueueName:            "jobs",
			FilesDir:             t.TempDir(),
			OrphanTimeoutMinutes: 30,
			FileSizeThreshold:    64,
		})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a, mr
}

func TestReserveIsFIFOThenEmpty(t *testing.T) {
	var ctx = context.Background()
	var a, _ = newTestAdapter(t)

	var seeded []string
	for i := 0; i < 5; i++ {
		id, err := a.SeedInput(ctx, workitems.Seed{})
		require.NoError(t, err)
		seeded = append(seeded, id)
	}

	for _, want := range seeded {
		got, err := a.ReserveInput(ctx)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	var _, err = a.ReserveInput(ctx)
	require.ErrorIs(t, err, workitems.ErrEmptyQueue)
}

func TestReserveMovesToProcessing(t *testing.T) {
	var ctx = context.Background()
	var a, mr = newTestAdapter(t)

	id, err := a.SeedInput(ctx, workitems.Seed{})
	require.NoError(t, err)

	got, err := a.ReserveInput(ctx)
	require.NoError(t, err)
	require.Equal(t, id, got)

	processing, err := mr.List("jobs:processing")
	require.NoError(t, err)
	require.Equal(t, []string{id}, processing)

	reservedAt := mr.HGet("jobs:timestamps:"+id, "reserved_at")
	_, err = time.Parse(time.RFC3339Nano, reservedAt)
	require.NoError(t, err)
}

func TestReleaseCompletedAndFailed(t *testing.T) {
	var ctx = context.Background()
	var a, mr = newTestAdapter(t)

	done, err := a.SeedInput(ctx, workitems.Seed{})
	require.NoError(t, err)
	_, err = a.ReserveInput(ctx)
	require.NoError(t, err)
	require.NoError(t, a.ReleaseInput(ctx, done, workitems.StateCompleted, nil))

	isDone, err := mr.SIsMember("jobs:done", done)
	require.NoError(t, err)
	require.True(t, isDone)
	require.Equal(t, string(workitems.StateCompleted), mr.HGet("jobs:payload:"+done, "state"))

	// reserved_at is only ever set while the item is RESERVED.
	require.Empty(t, mr.HGet("jobs:timestamps:"+done, "reserved_at"))
	require.NotEmpty(t, mr.HGet("jobs:timestamps:"+done, "released_at"))

	failed, err := a.SeedInput(ctx, workitems.Seed{})
	require.NoError(t, err)
	_, err = a.ReserveInput(ctx)
	require.NoError(t, err)
	require.NoError(t, a.ReleaseInput(ctx, failed, workitems.StateFailed, &workitems.Exception{
		Type:    "APPLICATION",
		Code:    "UNPROCESSABLE",
		Message: "bad input",
	}))

	isFailed, err := mr.SIsMember("jobs:failed", failed)
	require.NoError(t, err)
	require.True(t, isFailed)
	require.Equal(t, "bad input", mr.HGet("jobs:exception:"+failed, "message"))
	require.Empty(t, mr.HGet("jobs:timestamps:"+failed, "reserved_at"))

	// Exception details are retained for a bounded window only.
	var ttl = mr.TTL("jobs:exception:" + failed)
	require.Greater(t, ttl, time.Duration(0))
	require.LessOrEqual(t, ttl, workitems.ExceptionTTL)

	// Neither item is left on the processing list.
	processing, err := mr.List("jobs:processing")
	require.NoError(t, err)
	require.Empty(t, processing)
}

func TestReleaseUnknownIDIsNoOp(t *testing.T) {
	var a, _ = newTestAdapter(t)
	require.NoError(t, a.ReleaseInput(
		context.Background(), "no-such-item", workitems.StateCompleted, nil))
}

func TestOutputQueueIsolation(t *testing.T) {
	var ctx = context.Background()
	var a, mr = newTestAdapter(t)

	out, err := a.CreateOutput(ctx, "parent-1", json.RawMessage(`{"result":"ok"}`))
	require.NoError(t, err)

	_, err = a.ReserveInput(ctx)
	require.ErrorIs(t, err, workitems.ErrEmptyQueue)

	pending, err := mr.List("jobs_output:pending")
	require.NoError(t, err)
	require.Equal(t, []string{out}, pending)
	parent, err := mr.Get("jobs_output:parent:" + out)
	require.NoError(t, err)
	require.Equal(t, "parent-1", parent)

	// The id resolves across queues even without the cache.
	a.queueOf.Purge()
	payload, err := a.LoadPayload(ctx, out)
	require.NoError(t, err)
	require.JSONEq(t, `{"result":"ok"}`, string(payload))
}

func TestQueueResolutionFollowsOriginHint(t *testing.T) {
	var ctx = context.Background()
	var a, mr = newTestAdapter(t)

	out, err := a.CreateOutput(ctx, "", nil)
	require.NoError(t, err)
	origin, err := mr.Get("origin_queue:" + out)
	require.NoError(t, err)
	require.Equal(t, "jobs_output", origin)

	a.queueOf.Purge()
	queue, err := a.resolveQueue(ctx, out)
	require.NoError(t, err)
	require.Equal(t, "jobs_output", queue)

	_, err = a.resolveQueue(ctx, "no-such-item")
	require.ErrorIs(t, err, workitems.ErrNotFound)
}

func TestPayloadSaveLoadAndTTL(t *testing.T) {
	var ctx = context.Background()
	var a, mr = newTestAdapter(t)

	id, err := a.SeedInput(ctx, workitems.Seed{})
	require.NoError(t, err)

	payload, err := a.LoadPayload(ctx, id)
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(payload))

	require.NoError(t, a.SavePayload(ctx, id, json.RawMessage(`{"count":3}`)))
	payload, err = a.LoadPayload(ctx, id)
	require.NoError(t, err)
	require.JSONEq(t, `{"count":3}`, string(payload))

	var ttl = mr.TTL("jobs:payload:" + id)
	require.Greater(t, ttl, time.Duration(0))
	require.LessOrEqual(t, ttl, workitems.ItemTTL)

	_, err = a.LoadPayload(ctx, "no-such-item")
	require.ErrorIs(t, err, workitems.ErrNotFound)
}

func TestHybridFileStorage(t *testing.T) {
	var ctx = context.Background()
	var a, _ = newTestAdapter(t)

	id, err := a.SeedInput(ctx, workitems.Seed{})
	require.NoError(t, err)

	// At the threshold: stored inline.
	var small = make([]byte, 64)
	for i := range small {
		small[i] = byte(i)
	}
	require.NoError(t, a.AddFile(ctx, id, "small.bin", small))
	require.NoFileExists(t, filepath.Join(a.filesDir, id, "small.bin"))

	// One byte over: stored on the filesystem behind a file:// reference.
	var large = make([]byte, 65)
	require.NoError(t, a.AddFile(ctx, id, "large.bin", large))
	require.FileExists(t, filepath.Join(a.filesDir, id, "large.bin"))

	for name, want := range map[string][]byte{"small.bin": small, "large.bin": large} {
		content, err := a.GetFile(ctx, id, name)
		require.NoError(t, err)
		require.Equal(t, want, content)
	}

	names, err := a.ListFiles(ctx, id)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"small.bin", "large.bin"}, names)

	require.ErrorIs(t, a.AddFile(ctx, id, "small.bin", []byte("dup")), workitems.ErrFileExists)

	require.NoError(t, a.RemoveFile(ctx, id, "large.bin"))
	require.NoFileExists(t, filepath.Join(a.filesDir, id, "large.bin"))
	_, err = a.GetFile(ctx, id, "large.bin")
	require.ErrorIs(t, err, workitems.ErrFileNotFound)
}

func TestAddFileValidation(t *testing.T) {
	var ctx = context.Background()
	var a, _ = newTestAdapter(t)

	id, err := a.SeedInput(ctx, workitems.Seed{})
	require.NoError(t, err)

	require.ErrorIs(t, a.AddFile(ctx, id, "", []byte("x")), workitems.ErrInvalidArgument)
	require.ErrorIs(t, a.AddFile(ctx, id, `a\b.txt`, []byte("x")), workitems.ErrInvalidArgument)
	require.ErrorIs(t, a.AddFile(ctx, "no-such-item", "a.txt", []byte("x")), workitems.ErrNotFound)
}

func TestSeedWithFiles(t *testing.T) {
	var ctx = context.Background()
	var a, _ = newTestAdapter(t)

	id, err := a.SeedInput(ctx, workitems.Seed{
		Payload: json.RawMessage(`{"order":"ord-1"}`),
		Files: []workitems.SeedFile{
			{Name: "input.json", Content: []byte(`{"rows":[]}`)},
		},
	})
	require.NoError(t, err)

	content, err := a.GetFile(ctx, id, "input.json")
	require.NoError(t, err)
	require.Equal(t, []byte(`{"rows":[]}`), content)
}

func TestOrphanRecovery(t *testing.T) {
	var ctx = context.Background()
	var a, mr = newTestAdapter(t)

	stale, err := a.SeedInput(ctx, workitems.Seed{})
	require.NoError(t, err)
	_, err = a.ReserveInput(ctx)
	require.NoError(t, err)

	fresh, err := a.SeedInput(ctx, workitems.Seed{})
	require.NoError(t, err)
	_, err = a.ReserveInput(ctx)
	require.NoError(t, err)

	// Backdate the first reservation past the timeout.
	mr.HSet("jobs:timestamps:"+stale, "reserved_at",
		time.Now().UTC().Add(-time.Hour).Format(time.RFC3339Nano))

	recovered, err := a.RecoverOrphanedWorkItems(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, []string{stale}, recovered)

	// The recovered item is pending again; the fresh one stays reserved.
	got, err := a.ReserveInput(ctx)
	require.NoError(t, err)
	require.Equal(t, stale, got)

	processing, err := mr.List("jobs:processing")
	require.NoError(t, err)
	require.Contains(t, processing, fresh)
}

func TestConcurrentReserveYieldsNoDuplicates(t *testing.T) {
	var ctx = context.Background()
	var a, _ = newTestAdapter(t)

	const items = 40
	const workers = 8

	var seeded = make(map[string]bool, items)
	for i := 0; i < items; i++ {
		id, err := a.SeedInput(ctx, workitems.Seed{})
		require.NoError(t, err)
		seeded[id] = true
	}

	var mu sync.Mutex
	var reserved []string
	var errs []error

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				id, err := a.ReserveInput(ctx)
				if errors.Is(err, workitems.ErrEmptyQueue) {
					return
				}
				mu.Lock()
				if err != nil {
					errs = append(errs, err)
					mu.Unlock()
					return
				}
				reserved = append(reserved, id)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	require.Len(t, reserved, items)

	// Every seeded item was reserved exactly once.
	var seen = make(map[string]bool, items)
	for _, id := range reserved {
		require.False(t, seen[id], "item %s reserved twice", id)
		require.True(t, seeded[id], "unknown item %s", id)
		seen[id] = true
	}
}

func TestGetFileMissingBlob(t *testing.T) {
	var ctx = context.Background()
	var a, _ = newTestAdapter(t)

	id, err := a.SeedInput(ctx, workitems.Seed{})
	require.NoError(t, err)

	var large = make([]byte, 65)
	require.NoError(t, a.AddFile(ctx, id, "large.bin", large))
	require.NoError(t, os.Remove(filepath.Join(a.filesDir, id, "large.bin")))

	_, err = a.GetFile(ctx, id, "large.bin")
	require.ErrorIs(t, err, workitems.ErrFileNotFound)
}
