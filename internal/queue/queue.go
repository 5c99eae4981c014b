// Package queue runs model downloads one at a time from an ordered,
// persistent worklist.
package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	friendly "github.com/Armitage73/sd-civitai-browser-plus/internal/errors"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/downloader"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/logging"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/state"
)

type Status string

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusComplete    Status = "complete"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

const historyLimit = 50

var (
	ErrDuplicate = errors.New("already queued")
	ErrNotFound  = errors.New("no such queue item")
)

// Item is one file to download. Dir is the final directory; Filename may be
// empty, in which case the downloader derives it from the URL.
type Item struct {
	ID          string
	ModelName   string
	VersionName string
	ModelID     int64
	VersionID   int64
	URL         string
	Filename    string
	Dir         string
	SHA256      string
	ContentType string
	SaveInfo    bool

	Status Status
	Err    string
	Done   int64
	Total  int64
	Added  time.Time
	Path   string // set once the download completes
}

func (it Item) Dest() string {
	if it.Filename == "" {
		return ""
	}
	return filepath.Join(it.Dir, it.Filename)
}

// Finisher runs after a successful download: installed records, info files,
// images, zip unpacking.
type Finisher interface {
	Finish(ctx context.Context, it Item, res downloader.Result) error
}

type FinisherFunc func(ctx context.Context, it Item, res downloader.Result) error

func (f FinisherFunc) Finish(ctx context.Context, it Item, res downloader.Result) error {
	return f(ctx, it, res)
}

type Metrics interface {
	SetQueueLength(int)
}

type Option func(*Queue)

func WithFinisher(f Finisher) Option { return func(q *Queue) { q.fin = f } }

func WithMetrics(m Metrics) Option { return func(q *Queue) { q.m = m } }

// WithHeaders sets extra request headers, typically the CivitAI auth header.
func WithHeaders(h map[string]string) Option { return func(q *Queue) { q.headers = h } }

type Queue struct {
	dl      downloader.Interface
	st      *state.DB
	log     *logging.Logger
	fin     Finisher
	m       Metrics
	headers map[string]string

	pmu sync.Mutex // serializes persistence and notifications

	mu        sync.Mutex
	pending   []*Item
	active    *Item
	cancel    context.CancelFunc
	removed   bool
	history   []Item
	listeners []func([]Item)
	wake      chan struct{}
}

func New(dl downloader.Interface, st *state.DB, log *logging.Logger, opts ...Option) *Queue {
	q := &Queue{dl: dl, st: st, log: log, wake: make(chan struct{}, 1)}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Restore loads items persisted by a previous run. Items that were
// downloading are queued again; their .part files let them resume.
func (q *Queue) Restore() error {
	if q.st == nil {
		return nil
	}
	rows, err := q.st.LoadQueue()
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	q.mu.Lock()
	for _, r := range rows {
		it := &Item{
			ID: r.ID, ModelName: r.ModelName, VersionName: r.VersionName,
			ModelID: r.ModelID, VersionID: r.VersionID, URL: r.URL,
			Filename: r.Filename, Dir: r.Dir, SHA256: r.SHA256,
			ContentType: r.ContentType, SaveInfo: r.SaveInfo,
			Status: StatusQueued, Added: r.CreatedAt,
		}
		if q.findLocked(it) != nil {
			continue
		}
		q.pending = append(q.pending, it)
	}
	q.mu.Unlock()
	q.changed()
	return nil
}

// Add appends items in order and returns the IDs of those accepted. Items
// whose destination (or URL, when no file name is known) is already queued
// are skipped and reported through ErrDuplicate.
func (q *Queue) Add(items ...Item) ([]string, error) {
	var ids []string
	var errs []error
	q.mu.Lock()
	for _, in := range items {
		if in.URL == "" {
			errs = append(errs, fmt.Errorf("%s: missing download url", in.ModelName))
			continue
		}
		it := in
		if q.findLocked(&it) != nil {
			errs = append(errs, fmt.Errorf("%s: %w", label(it), ErrDuplicate))
			continue
		}
		if it.ID == "" {
			it.ID = uuid.NewString()
		}
		if it.Added.IsZero() {
			it.Added = time.Now()
		}
		it.Status = StatusQueued
		it.Err, it.Done, it.Total, it.Path = "", 0, 0, ""
		q.pending = append(q.pending, &it)
		ids = append(ids, it.ID)
	}
	q.mu.Unlock()
	if len(ids) > 0 {
		q.changed()
		q.signal()
	}
	return ids, errors.Join(errs...)
}

func label(it Item) string {
	if it.Filename != "" {
		return it.Filename
	}
	return it.URL
}

func sameTarget(a, b *Item) bool {
	if a.Dest() != "" && b.Dest() != "" {
		return a.Dest() == b.Dest()
	}
	return a.URL == b.URL && a.Dir == b.Dir
}

func (q *Queue) findLocked(it *Item) *Item {
	if q.active != nil && sameTarget(q.active, it) {
		return q.active
	}
	for _, p := range q.pending {
		if sameTarget(p, it) {
			return p
		}
	}
	return nil
}

// Remove drops a pending item. Removing the active item cancels it.
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	if q.active != nil && q.active.ID == id {
		q.removed = true
		cancel := q.cancel
		q.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	}
	idx := q.indexLocked(id)
	if idx < 0 {
		q.mu.Unlock()
		return ErrNotFound
	}
	q.pending = append(q.pending[:idx], q.pending[idx+1:]...)
	q.mu.Unlock()
	q.changed()
	return nil
}

// Move puts a pending item at index (0 is next to run). The active item is
// not part of the pending list and never moves.
func (q *Queue) Move(id string, index int) error {
	q.mu.Lock()
	idx := q.indexLocked(id)
	if idx < 0 {
		q.mu.Unlock()
		return ErrNotFound
	}
	it := q.pending[idx]
	q.pending = append(q.pending[:idx], q.pending[idx+1:]...)
	if index < 0 {
		index = 0
	}
	if index > len(q.pending) {
		index = len(q.pending)
	}
	q.pending = append(q.pending, nil)
	copy(q.pending[index+1:], q.pending[index:])
	q.pending[index] = it
	q.mu.Unlock()
	q.changed()
	return nil
}

func (q *Queue) indexLocked(id string) int {
	for i, p := range q.pending {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// CancelCurrent stops the active download and reports whether one was running.
func (q *Queue) CancelCurrent() bool {
	q.mu.Lock()
	cancel := q.cancel
	q.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// CancelAll stops the active download and drops every pending item.
func (q *Queue) CancelAll() int {
	q.mu.Lock()
	n := len(q.pending)
	for _, p := range q.pending {
		p.Status = StatusCancelled
		q.pushHistoryLocked(*p)
	}
	q.pending = nil
	cancel := q.cancel
	q.mu.Unlock()
	if cancel != nil {
		cancel()
		n++
	}
	q.changed()
	return n
}

// Run consumes items until ctx is done, waiting for new ones when empty.
func (q *Queue) Run(ctx context.Context) error {
	return q.run(ctx, false)
}

// Drain consumes items and returns once the queue is empty.
func (q *Queue) Drain(ctx context.Context) error {
	return q.run(ctx, true)
}

func (q *Queue) run(ctx context.Context, untilEmpty bool) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		it, dctx, cancel := q.next(ctx)
		if it == nil {
			if untilEmpty {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-q.wake:
			}
			continue
		}
		err := q.process(ctx, dctx, it)
		cancel()
		if err != nil {
			return err
		}
	}
}

// next pops the head of the queue and makes it active. The cancel func is
// published under the same lock so a cancel never misses the new item.
func (q *Queue) next(ctx context.Context) (*Item, context.Context, context.CancelFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, nil, func() {}
	}
	it := q.pending[0]
	q.pending = q.pending[1:]
	it.Status = StatusDownloading
	q.active = it
	q.removed = false
	dctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	return it, dctx, cancel
}

// process runs one download. it is shared with Snapshot readers, so every
// field write after publication happens under q.mu.
func (q *Queue) process(ctx, dctx context.Context, it *Item) error {
	q.changed()

	q.mu.Lock()
	req := *it
	q.mu.Unlock()
	q.log.Infof("download: %s %s -> %s", req.ModelName, req.VersionName, req.Dir)
	res, err := q.dl.Download(dctx, downloader.Request{
		URL:            req.URL,
		Dest:           req.Dest(),
		ExpectedSHA256: req.SHA256,
		Headers:        q.headers,
		Progress: func(done, total int64) {
			q.mu.Lock()
			it.Done, it.Total = done, total
			q.mu.Unlock()
		},
	})

	q.mu.Lock()
	q.cancel = nil
	removed := q.removed
	switch {
	case err != nil && ctx.Err() != nil:
		// Shutdown, not a user cancel: keep the item for the next run.
		it.Status = StatusQueued
		q.pending = append([]*Item{it}, q.pending...)
		q.active = nil
		q.mu.Unlock()
		q.changed()
		return ctx.Err()
	case err != nil && dctx.Err() != nil:
		it.Status = StatusCancelled
	case err != nil:
		it.Status = StatusFailed
		it.Err = friendly.Short(err)
	default:
		it.Status = StatusComplete
		it.Path = res.Path
		if it.Filename == "" {
			it.Filename = filepath.Base(res.Path)
		}
	}
	done := *it
	q.mu.Unlock()

	switch done.Status {
	case StatusCancelled:
		q.log.Infof("download cancelled: %s", label(done))
	case StatusFailed:
		q.log.Errorf("download failed: %s: %v", label(done), err)
	case StatusComplete:
		if q.fin != nil {
			if ferr := q.fin.Finish(ctx, done, res); ferr != nil {
				done.Err = friendly.Short(ferr)
				q.log.Warnf("post-download: %s: %v", label(done), ferr)
			}
		}
	}

	q.mu.Lock()
	it.Err = done.Err
	done = *it
	q.active = nil
	if !removed || done.Status != StatusCancelled {
		q.pushHistoryLocked(done)
	}
	q.mu.Unlock()
	q.changed()
	return nil
}

func (q *Queue) pushHistoryLocked(it Item) {
	q.history = append(q.history, it)
	if len(q.history) > historyLimit {
		q.history = q.history[len(q.history)-historyLimit:]
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Snapshot returns the active item (if any) followed by pending items.
func (q *Queue) Snapshot() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

func (q *Queue) snapshotLocked() []Item {
	out := make([]Item, 0, len(q.pending)+1)
	if q.active != nil {
		out = append(out, *q.active)
	}
	for _, p := range q.pending {
		out = append(out, *p)
	}
	return out
}

func (q *Queue) Pending() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, 0, len(q.pending))
	for _, p := range q.pending {
		out = append(out, *p)
	}
	return out
}

// Active returns the item being downloaded.
func (q *Queue) Active() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active == nil {
		return Item{}, false
	}
	return *q.active, true
}

// History returns finished items, most recent last.
func (q *Queue) History() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Item(nil), q.history...)
}

// Len counts the active item plus pending ones.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.pending)
	if q.active != nil {
		n++
	}
	return n
}

func (q *Queue) OnUpdate(fn func([]Item)) {
	q.mu.Lock()
	q.listeners = append(q.listeners, fn)
	q.mu.Unlock()
}

// changed persists the queue and notifies listeners. Listeners must not
// mutate the queue.
func (q *Queue) changed() {
	q.pmu.Lock()
	defer q.pmu.Unlock()
	q.mu.Lock()
	snap := q.snapshotLocked()
	listeners := append([]func([]Item){}, q.listeners...)
	q.mu.Unlock()

	if q.st != nil {
		rows := make([]state.QueueRow, 0, len(snap))
		for _, it := range snap {
			rows = append(rows, state.QueueRow{
				ID: it.ID, ModelName: it.ModelName, VersionName: it.VersionName,
				ModelID: it.ModelID, VersionID: it.VersionID, URL: it.URL,
				Filename: it.Filename, Dir: it.Dir, SHA256: it.SHA256,
				ContentType: it.ContentType, SaveInfo: it.SaveInfo,
				Status: string(it.Status), Error: it.Err, CreatedAt: it.Added,
			})
		}
		if err := q.st.SaveQueue(rows); err != nil {
			q.log.Warnf("persist queue: %v", err)
		}
	}
	if q.m != nil {
		q.m.SetQueueLength(len(snap))
	}
	for _, fn := range listeners {
		fn(snap)
	}
}
