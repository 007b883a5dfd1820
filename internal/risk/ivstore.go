package risk

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/tradenova/trading-core/pkg/types"
)

// ivHistoryCap bounds the rolling window per symbol to one trading year.
const ivHistoryCap = 252

// minIVSamples is the shortest history that yields a usable IV rank.
const minIVSamples = 20

// IVPoint is one day's implied-volatility observation for an underlying.
type IVPoint struct {
	Day time.Time `db:"day" json:"day"`
	IV  float64   `db:"iv" json:"iv"`
}

// IVStore is the rolling IV history the IV-regime layer reads. Record is
// called once per symbol per cycle; the day's value is overwritten, not
// appended, so intraday updates converge on the close.
type IVStore interface {
	Record(ctx context.Context, symbol string, day time.Time, iv float64) error
	History(ctx context.Context, symbol string, since time.Time) ([]IVPoint, error)
}

// PostgresIVStore persists IV history in Postgres, one row per symbol per
// day. A single writer (the cycle) upserts; reads may come from any worker.
type PostgresIVStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPostgresIVStore wraps an existing connection pool.
func NewPostgresIVStore(db *sqlx.DB) *PostgresIVStore {
	return &PostgresIVStore{db: db, timeout: 10 * time.Second}
}

// OpenPostgresIVStore connects, verifies the connection, and ensures the
// schema exists.
func OpenPostgresIVStore(ctx context.Context, dsn string) (*PostgresIVStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open iv store: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping iv store: %w", err)
	}
	s := NewPostgresIVStore(db)
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the iv_history table when absent.
func (s *PostgresIVStore) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	const ddl = `
		CREATE TABLE IF NOT EXISTS iv_history (
			symbol     TEXT             NOT NULL,
			day        DATE             NOT NULL,
			iv         DOUBLE PRECISION NOT NULL,
			updated_at TIMESTAMPTZ      NOT NULL DEFAULT now(),
			PRIMARY KEY (symbol, day)
		)`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure iv_history schema: %w", err)
	}
	return nil
}

// Record upserts the day's IV observation for symbol.
func (s *PostgresIVStore) Record(ctx context.Context, symbol string, day time.Time, iv float64) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	const q = `
		INSERT INTO iv_history (symbol, day, iv, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (symbol, day)
		DO UPDATE SET iv = EXCLUDED.iv, updated_at = now()`
	if _, err := s.db.ExecContext(ctx, q, symbol, dayOf(day), iv); err != nil {
		return fmt.Errorf("record iv %s: %w", symbol, err)
	}
	return nil
}

// History returns observations for symbol on or after since, oldest first.
func (s *PostgresIVStore) History(ctx context.Context, symbol string, since time.Time) ([]IVPoint, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	const q = `
		SELECT day, iv
		FROM iv_history
		WHERE symbol = $1 AND day >= $2
		ORDER BY day ASC
		LIMIT $3`
	var points []IVPoint
	if err := s.db.SelectContext(ctx, &points, q, symbol, dayOf(since), ivHistoryCap); err != nil {
		return nil, fmt.Errorf("iv history %s: %w", symbol, err)
	}
	return points, nil
}

// Close releases the connection pool.
func (s *PostgresIVStore) Close() error {
	return s.db.Close()
}

// MemoryIVStore keeps IV history in process. Used when no store DSN is
// configured; the session journal carries its contents across restarts
// via Dump and Load.
type MemoryIVStore struct {
	mu     sync.RWMutex
	points map[string][]IVPoint
}

// NewMemoryIVStore returns an empty in-process store.
func NewMemoryIVStore() *MemoryIVStore {
	return &MemoryIVStore{points: make(map[string][]IVPoint)}
}

// Record upserts the day's observation, keeping points sorted and capped.
func (m *MemoryIVStore) Record(_ context.Context, symbol string, day time.Time, iv float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := dayOf(day)
	pts := m.points[symbol]
	idx := sort.Search(len(pts), func(i int) bool { return !pts[i].Day.Before(d) })
	if idx < len(pts) && pts[idx].Day.Equal(d) {
		pts[idx].IV = iv
	} else {
		pts = append(pts, IVPoint{})
		copy(pts[idx+1:], pts[idx:])
		pts[idx] = IVPoint{Day: d, IV: iv}
	}
	if len(pts) > ivHistoryCap {
		pts = pts[len(pts)-ivHistoryCap:]
	}
	m.points[symbol] = pts
	return nil
}

// History returns observations on or after since, oldest first.
func (m *MemoryIVStore) History(_ context.Context, symbol string, since time.Time) ([]IVPoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d := dayOf(since)
	var out []IVPoint
	for _, p := range m.points[symbol] {
		if !p.Day.Before(d) {
			out = append(out, p)
		}
	}
	return out, nil
}

// Dump snapshots every recorded point for persistence. The result is
// detached from the store.
func (m *MemoryIVStore) Dump() map[string][]IVPoint {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string][]IVPoint, len(m.points))
	for sym, pts := range m.points {
		cp := make([]IVPoint, len(pts))
		copy(cp, pts)
		out[sym] = cp
	}
	return out
}

// Load replaces the store's contents with previously dumped points,
// re-sorting and re-capping each window in case the file was edited.
func (m *MemoryIVStore) Load(points map[string][]IVPoint) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.points = make(map[string][]IVPoint, len(points))
	for sym, pts := range points {
		cp := make([]IVPoint, len(pts))
		copy(cp, pts)
		sort.Slice(cp, func(i, j int) bool { return cp[i].Day.Before(cp[j].Day) })
		if len(cp) > ivHistoryCap {
			cp = cp[len(cp)-ivHistoryCap:]
		}
		m.points[sym] = cp
	}
}

var (
	_ IVStore = (*PostgresIVStore)(nil)
	_ IVStore = (*MemoryIVStore)(nil)
)

// dayOf truncates t to its UTC calendar date so both stores key history the
// same way.
func dayOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// IVRank places current inside the trailing window's range:
// 100 × (current − min) / (max − min). A flat window ranks 50. ok is false
// when the window holds fewer than minIVSamples points.
func IVRank(history []IVPoint, current float64) (rank float64, ok bool) {
	if len(history) < minIVSamples {
		return 0, false
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, p := range history {
		if p.IV < lo {
			lo = p.IV
		}
		if p.IV > hi {
			hi = p.IV
		}
	}
	if hi <= lo {
		return 50, true
	}
	r := 100 * (current - lo) / (hi - lo)
	return math.Max(0, math.Min(100, r)), true
}

// RepresentativeIV is the median implied vol across the chain's positive,
// finite entries. ok is false when no contract carries a usable vol.
func RepresentativeIV(chain []types.OptionContract) (iv float64, ok bool) {
	vols := make([]float64, 0, len(chain))
	for i := range chain {
		v := chain[i].ImpliedVol
		if v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v) {
			vols = append(vols, v)
		}
	}
	if len(vols) == 0 {
		return 0, false
	}
	sort.Float64s(vols)
	n := len(vols)
	if n%2 == 1 {
		return vols[n/2], true
	}
	return (vols[n/2-1] + vols[n/2]) / 2, true
}
