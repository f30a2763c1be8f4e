package tabledb

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/jmcleod/assetledger/storage"
)

// DefaultMinInterval is the spacing between outbound calls to the remote
// store.
const DefaultMinInterval = time.Second

// Throttle admits callers one at a time, at least an interval apart, across
// the whole process. A nil Throttle admits immediately.
type Throttle struct {
	interval time.Duration
	limiter  *rate.Limiter

	// turn holds one token; whoever holds it is being admitted.
	turn chan struct{}
	last time.Time
	// admitted, when set, observes each admission time. Tests only.
	admitted func(time.Time)
}

// NewThrottle returns a Throttle spacing admissions by minInterval. An
// interval of zero or less disables spacing.
func NewThrottle(minInterval time.Duration) *Throttle {
	t := &Throttle{turn: make(chan struct{}, 1)}
	t.turn <- struct{}{}
	if minInterval <= 0 {
		t.limiter = rate.NewLimiter(rate.Inf, 1)
		return t
	}
	t.interval = minInterval
	t.limiter = rate.NewLimiter(rate.Every(minInterval), 1)
	return t
}

// Interval returns the configured spacing.
func (t *Throttle) Interval() time.Duration {
	if t == nil {
		return 0
	}
	return t.interval
}

// Wait blocks until the caller may issue its request or ctx is done.
// Consecutive admissions are at least Interval apart in wall time, measured
// from the moment the previous Wait returned.
func (t *Throttle) Wait(ctx context.Context) error {
	if t == nil {
		return ctx.Err()
	}
	select {
	case <-t.turn:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { t.turn <- struct{}{} }()

	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	if !t.last.IsZero() {
		if d := time.Until(t.last.Add(t.interval)); d > 0 {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	t.last = time.Now()
	if t.admitted != nil {
		t.admitted(t.last)
	}
	return nil
}

// throttled passes every call through a Throttle and records it.
type throttled struct {
	next     storage.Backend
	throttle *Throttle
	metrics  *Metrics
}

// throttledKeyed additionally forwards keyed writes.
type throttledKeyed struct {
	*throttled
	keyed storage.KeyedWriter
}

// Throttled wraps b so that every call first waits on t. The result
// implements storage.KeyedWriter exactly when b does.
func Throttled(b storage.Backend, t *Throttle, m *Metrics) storage.Backend {
	tb := &throttled{next: b, throttle: t, metrics: m}
	if kw, ok := b.(storage.KeyedWriter); ok {
		return &throttledKeyed{throttled: tb, keyed: kw}
	}
	return tb
}

func (t *throttled) call(ctx context.Context, op string, fn func() error) error {
	start := time.Now()
	if err := t.throttle.Wait(ctx); err != nil {
		return err
	}
	admitted := time.Now()
	t.metrics.observeWait(admitted.Sub(start))
	err := fn()
	t.metrics.observeCall(op, time.Since(admitted), err)
	return err
}

func (t *throttled) HasTable(ctx context.Context, table string) (ok bool, err error) {
	err = t.call(ctx, "has_table", func() error {
		ok, err = t.next.HasTable(ctx, table)
		return err
	})
	return ok, err
}

func (t *throttled) CreateTable(ctx context.Context, table string) error {
	return t.call(ctx, "create_table", func() error {
		return t.next.CreateTable(ctx, table)
	})
}

func (t *throttled) ReadAll(ctx context.Context, table string) (rows []storage.Row, err error) {
	err = t.call(ctx, "read_all", func() error {
		rows, err = t.next.ReadAll(ctx, table)
		return err
	})
	return rows, err
}

func (t *throttled) ReadRow(ctx context.Context, table string, physicalRow int) (row storage.Row, err error) {
	err = t.call(ctx, "read_row", func() error {
		row, err = t.next.ReadRow(ctx, table, physicalRow)
		return err
	})
	return row, err
}

func (t *throttled) Append(ctx context.Context, table string, row storage.Row) error {
	return t.call(ctx, "append", func() error {
		return t.next.Append(ctx, table, row)
	})
}

func (t *throttled) UpdateRow(ctx context.Context, table string, physicalRow int, row storage.Row) error {
	return t.call(ctx, "update_row", func() error {
		return t.next.UpdateRow(ctx, table, physicalRow, row)
	})
}

func (t *throttled) DeleteRow(ctx context.Context, table string, physicalRow int) error {
	return t.call(ctx, "delete_row", func() error {
		return t.next.DeleteRow(ctx, table, physicalRow)
	})
}

func (t *throttledKeyed) UpdateWhere(ctx context.Context, table string, column int, key string, row storage.Row) error {
	return t.call(ctx, "update_where", func() error {
		return t.keyed.UpdateWhere(ctx, table, column, key, row)
	})
}

func (t *throttledKeyed) DeleteWhere(ctx context.Context, table string, column int, key string) error {
	return t.call(ctx, "delete_where", func() error {
		return t.keyed.DeleteWhere(ctx, table, column, key)
	})
}
