package tabledb

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jmcleod/assetledger/storage"
	"github.com/jmcleod/assetledger/storage/memory"
)

// recordingBackend counts calls per operation and can be told to fail them.
// It deliberately does not implement storage.KeyedWriter.
type recordingBackend struct {
	next storage.Backend

	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
}

func newRecording() *recordingBackend {
	return &recordingBackend{next: memory.New(), calls: map[string]int{}, fail: map[string]error{}}
}

func (r *recordingBackend) record(op string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[op]++
	return r.fail[op]
}

func (r *recordingBackend) count(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[op]
}

func (r *recordingBackend) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		n += c
	}
	return n
}

func (r *recordingBackend) failOn(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.fail, op)
		return
	}
	r.fail[op] = err
}

func (r *recordingBackend) HasTable(ctx context.Context, table string) (bool, error) {
	if err := r.record("HasTable"); err != nil {
		return false, err
	}
	return r.next.HasTable(ctx, table)
}

func (r *recordingBackend) CreateTable(ctx context.Context, table string) error {
	if err := r.record("CreateTable"); err != nil {
		return err
	}
	return r.next.CreateTable(ctx, table)
}

func (r *recordingBackend) ReadAll(ctx context.Context, table string) ([]storage.Row, error) {
	if err := r.record("ReadAll"); err != nil {
		return nil, err
	}
	return r.next.ReadAll(ctx, table)
}

func (r *recordingBackend) ReadRow(ctx context.Context, table string, physicalRow int) (storage.Row, error) {
	if err := r.record("ReadRow"); err != nil {
		return nil, err
	}
	return r.next.ReadRow(ctx, table, physicalRow)
}

func (r *recordingBackend) Append(ctx context.Context, table string, row storage.Row) error {
	if err := r.record("Append"); err != nil {
		return err
	}
	return r.next.Append(ctx, table, row)
}

func (r *recordingBackend) UpdateRow(ctx context.Context, table string, physicalRow int, row storage.Row) error {
	if err := r.record("UpdateRow"); err != nil {
		return err
	}
	return r.next.UpdateRow(ctx, table, physicalRow, row)
}

func (r *recordingBackend) DeleteRow(ctx context.Context, table string, physicalRow int) error {
	if err := r.record("DeleteRow"); err != nil {
		return err
	}
	return r.next.DeleteRow(ctx, table, physicalRow)
}

// keyedRecording adds keyed writes on top of recordingBackend.
type keyedRecording struct {
	*recordingBackend
}

func (k keyedRecording) UpdateWhere(ctx context.Context, table string, column int, key string, row storage.Row) error {
	if err := k.record("UpdateWhere"); err != nil {
		return err
	}
	return k.next.(storage.KeyedWriter).UpdateWhere(ctx, table, column, key, row)
}

func (k keyedRecording) DeleteWhere(ctx context.Context, table string, column int, key string) error {
	if err := k.record("DeleteWhere"); err != nil {
		return err
	}
	return k.next.(storage.KeyedWriter).DeleteWhere(ctx, table, column, key)
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

// newTestEngine returns an engine over rb with an unthrottled handle and a
// fake clock.
func newTestEngine(rb storage.Backend, opts ...Option) (*Engine, *fakeClock) {
	clock := newFakeClock()
	logger, _ := testLogger()
	cache := NewCache(WithClock(clock.Now), WithCacheLogger(logger))
	opts = append([]Option{WithCache(cache), WithLogger(logger)}, opts...)
	return New(Connected(rb), opts...), clock
}
