package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Armitage73/sd-civitai-browser-plus/internal/downloader"
	friendly "github.com/Armitage73/sd-civitai-browser-plus/internal/errors"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/logging"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/testutil"
)

type fakeDL struct {
	mu      sync.Mutex
	block   bool
	fail    map[string]error
	calls   []string
	started chan string
}

func newFakeDL(block bool) *fakeDL {
	return &fakeDL{block: block, fail: map[string]error{}, started: make(chan string, 100)}
}

func (f *fakeDL) Download(ctx context.Context, req downloader.Request) (downloader.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.URL)
	err := f.fail[req.URL]
	f.mu.Unlock()
	f.started <- req.URL
	if req.Progress != nil {
		req.Progress(5, 10)
	}
	if f.block {
		<-ctx.Done()
		return downloader.Result{}, ctx.Err()
	}
	if err != nil {
		return downloader.Result{}, err
	}
	return downloader.Result{Path: req.Dest, SHA256: "abc", Size: 10}, nil
}

func (f *fakeDL) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func item(name string) Item {
	return Item{
		ModelName: name,
		URL:       "https://example.test/" + name,
		Filename:  name + ".safetensors",
		Dir:       "/models/Lora",
	}
}

func ids(items []Item) []string {
	var out []string
	for _, it := range items {
		out = append(out, it.ModelName)
	}
	return out
}

func TestAddAssignsIDsAndRejectsDuplicates(t *testing.T) {
	q := New(newFakeDL(false), nil, logging.Nop())
	got, err := q.Add(item("a"), item("a"), Item{ModelName: "nourl"})
	require.Len(t, got, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Contains(t, err.Error(), "missing download url")
	_, perr := uuid.Parse(got[0])
	assert.NoError(t, perr)

	other := item("a")
	other.Dir = "/models/Lora/sdxl"
	_, err = q.Add(other)
	assert.NoError(t, err, "same name in another folder is a different file")
	assert.Equal(t, 2, q.Len())
}

func TestDrainRunsInOrderAndFinishes(t *testing.T) {
	cfg := testutil.TestConfig(t)
	st := testutil.TestDB(t, cfg)
	dl := newFakeDL(false)
	dl.fail["https://example.test/b"] = friendly.NotFoundError("file", nil)

	var finished []string
	fin := FinisherFunc(func(ctx context.Context, it Item, res downloader.Result) error {
		finished = append(finished, it.ModelName)
		assert.Equal(t, it.Dest(), res.Path)
		return nil
	})
	q := New(dl, st, logging.Nop(), WithFinisher(fin))
	_, err := q.Add(item("a"), item("b"), item("c"))
	require.NoError(t, err)

	require.NoError(t, q.Drain(context.Background()))
	assert.Equal(t, []string{"https://example.test/a", "https://example.test/b", "https://example.test/c"}, dl.Calls())
	assert.Equal(t, []string{"a", "c"}, finished)
	assert.Equal(t, 0, q.Len())

	hist := q.History()
	require.Len(t, hist, 3)
	assert.Equal(t, StatusComplete, hist[0].Status)
	assert.Equal(t, StatusFailed, hist[1].Status)
	assert.Equal(t, "file not found on CivitAI", hist[1].Err)
	assert.Equal(t, int64(5), hist[2].Done)

	rows, err := st.LoadQueue()
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestMoveReordersPending(t *testing.T) {
	q := New(newFakeDL(false), nil, logging.Nop())
	added, err := q.Add(item("a"), item("b"), item("c"))
	require.NoError(t, err)

	require.NoError(t, q.Move(added[2], 0))
	assert.Equal(t, []string{"c", "a", "b"}, ids(q.Pending()))
	require.NoError(t, q.Move(added[0], 99))
	assert.Equal(t, []string{"c", "b", "a"}, ids(q.Pending()))
	assert.ErrorIs(t, q.Move("missing", 0), ErrNotFound)
}

func TestPersistAndRestore(t *testing.T) {
	cfg := testutil.TestConfig(t)
	st := testutil.TestDB(t, cfg)
	q := New(newFakeDL(false), st, logging.Nop())
	added, err := q.Add(item("a"), item("b"))
	require.NoError(t, err)
	require.NoError(t, q.Move(added[1], 0))

	q2 := New(newFakeDL(false), st, logging.Nop())
	require.NoError(t, q2.Restore())
	p := q2.Pending()
	require.Len(t, p, 2)
	assert.Equal(t, added[1], p[0].ID)
	assert.Equal(t, added[0], p[1].ID)
	assert.Equal(t, StatusQueued, p[0].Status)

	require.NoError(t, q2.Restore())
	assert.Len(t, q2.Pending(), 2, "restore twice must not duplicate")
}

func runAsync(t *testing.T, q *Queue) (context.CancelFunc, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel, done
}

func waitStarted(t *testing.T, dl *fakeDL) string {
	t.Helper()
	select {
	case u := <-dl.started:
		return u
	case <-time.After(5 * time.Second):
		t.Fatal("download did not start")
		return ""
	}
}

func TestCancelCurrentMovesOn(t *testing.T) {
	dl := newFakeDL(true)
	q := New(dl, nil, logging.Nop())
	_, err := q.Add(item("a"), item("b"))
	require.NoError(t, err)
	runAsync(t, q)

	assert.Equal(t, "https://example.test/a", waitStarted(t, dl))
	active, ok := q.Active()
	require.True(t, ok)
	assert.Equal(t, StatusDownloading, active.Status)

	require.True(t, q.CancelCurrent())
	assert.Equal(t, "https://example.test/b", waitStarted(t, dl))
	hist := q.History()
	require.Len(t, hist, 1)
	assert.Equal(t, StatusCancelled, hist[0].Status)
}

func TestCancelAllDropsPending(t *testing.T) {
	dl := newFakeDL(true)
	q := New(dl, nil, logging.Nop())
	_, err := q.Add(item("a"), item("b"), item("c"))
	require.NoError(t, err)
	runAsync(t, q)
	waitStarted(t, dl)

	assert.Equal(t, 3, q.CancelAll())
	require.Eventually(t, func() bool { return q.Len() == 0 && len(q.History()) == 3 }, 5*time.Second, 10*time.Millisecond)
	for _, h := range q.History() {
		assert.Equal(t, StatusCancelled, h.Status)
	}
	assert.Len(t, dl.Calls(), 1)
}

func TestRemoveActiveLeavesNoHistory(t *testing.T) {
	dl := newFakeDL(true)
	q := New(dl, nil, logging.Nop())
	added, err := q.Add(item("a"), item("b"))
	require.NoError(t, err)
	runAsync(t, q)
	waitStarted(t, dl)

	require.NoError(t, q.Remove(added[0]))
	waitStarted(t, dl)
	assert.Empty(t, q.History())
	assert.ErrorIs(t, q.Remove("missing"), ErrNotFound)
}

func TestShutdownRequeuesActive(t *testing.T) {
	dl := newFakeDL(true)
	q := New(dl, nil, logging.Nop())
	_, err := q.Add(item("a"))
	require.NoError(t, err)
	cancel, done := runAsync(t, q)
	waitStarted(t, dl)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		done <- err
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
	p := q.Pending()
	require.Len(t, p, 1)
	assert.Equal(t, StatusQueued, p[0].Status)
	assert.Empty(t, q.History())
}

func TestOnUpdateAndHistoryLimit(t *testing.T) {
	q := New(newFakeDL(false), nil, logging.Nop())
	var mu sync.Mutex
	var updates int
	q.OnUpdate(func([]Item) {
		mu.Lock()
		updates++
		mu.Unlock()
	})
	var items []Item
	for i := 0; i < historyLimit+10; i++ {
		items = append(items, item(fmt.Sprintf("m%02d", i)))
	}
	_, err := q.Add(items...)
	require.NoError(t, err)
	require.NoError(t, q.Drain(context.Background()))

	hist := q.History()
	require.Len(t, hist, historyLimit)
	assert.Equal(t, "m10", hist[0].ModelName)
	mu.Lock()
	assert.Greater(t, updates, historyLimit)
	mu.Unlock()
}

func TestFinisherErrorKeepsComplete(t *testing.T) {
	q := New(newFakeDL(false), nil, logging.Nop(), WithFinisher(FinisherFunc(func(context.Context, Item, downloader.Result) error {
		return errors.New("write info: disk full")
	})))
	_, err := q.Add(item("a"))
	require.NoError(t, err)
	require.NoError(t, q.Drain(context.Background()))
	h := q.History()
	require.Len(t, h, 1)
	assert.Equal(t, StatusComplete, h[0].Status)
	assert.Equal(t, "write info: disk full", h[0].Err)
}

func TestSnapshotDuringSlowFinisher(t *testing.T) {
	q := New(newFakeDL(false), nil, logging.Nop(), WithFinisher(FinisherFunc(func(context.Context, Item, downloader.Result) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	})))
	_, err := q.Add(item("a"))
	require.NoError(t, err)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, it := range q.Snapshot() {
				_ = it.Status
				_ = it.Path
			}
		}
	}()
	require.NoError(t, q.Drain(context.Background()))
	close(stop)
	wg.Wait()

	h := q.History()
	require.Len(t, h, 1)
	assert.Equal(t, StatusComplete, h[0].Status)
	assert.Equal(t, "/models/Lora/a.safetensors", h[0].Path)
}

func TestCancelReachesItemBeforeDownloadStarts(t *testing.T) {
	q := New(newFakeDL(false), nil, logging.Nop())
	_, err := q.Add(item("a"), item("b"))
	require.NoError(t, err)

	it, dctx, cancel := q.next(context.Background())
	defer cancel()
	require.NotNil(t, it)
	// active but its download has not begun yet
	assert.Equal(t, 2, q.CancelAll())
	assert.Error(t, dctx.Err())

	it, dctx, cancel = q.next(context.Background())
	defer cancel()
	assert.Nil(t, it)
	assert.Nil(t, dctx)
}
