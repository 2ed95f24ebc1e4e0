// Package cooldown throttles proactive notifications. The ledger is
// the single serialization point for "may we speak about this now":
// checking the window and marking it consumed happen under one lock,
// so two concurrent events for the same kind and room can never both
// pass. Damping feedback persists across restarts.
package cooldown

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Damping multiplier bounds. A notification kind the household keeps
// dismissing backs off, but never to silence; one they engage with
// speeds up, but never below half the base window.
const (
	multiplierMin = 0.5
	multiplierMax = 8.0

	dismissFactor = 1.5
	engageFactor  = 0.75
)

// DefaultWindow applies to kinds with no configured base window.
const DefaultWindow = 15 * time.Minute

// Ledger tracks last-notified times and damping multipliers per
// notification kind and room.
type Ledger struct {
	db   *sql.DB
	base map[string]time.Duration

	mu  sync.Mutex
	now func() time.Time
}

// NewLedger opens (or creates) the ledger database at dbPath. base
// maps notification kind to its base cooldown window.
func NewLedger(dbPath string, base map[string]time.Duration) (*Ledger, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	l := &Ledger{db: db, base: base, now: time.Now}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return l, nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cooldowns (
		kind          TEXT NOT NULL,
		room          TEXT NOT NULL,
		last_notified TEXT NOT NULL,
		multiplier    REAL NOT NULL,
		PRIMARY KEY (kind, room)
	);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Window returns the effective cooldown window for a kind and room:
// base window times the current damping multiplier.
func (l *Ledger) Window(kind, room string) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	mult, _, err := l.lookup(kind, room)
	if err != nil {
		return 0, err
	}
	return l.effectiveWindow(kind, mult), nil
}

// Allow atomically checks whether the cooldown window for (kind, room)
// has elapsed and, if so, marks it consumed. The mark happens before
// the caller composes or speaks anything; a second event arriving in
// the same instant sees the fresh mark and is refused.
func (l *Ledger) Allow(kind, room string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	mult, last, err := l.lookup(kind, room)
	if err != nil {
		return false, err
	}

	now := l.now()
	if !last.IsZero() && now.Sub(last) < l.effectiveWindow(kind, mult) {
		return false, nil
	}

	_, err = l.db.Exec(`
		INSERT INTO cooldowns (kind, room, last_notified, multiplier)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(kind, room) DO UPDATE SET last_notified = excluded.last_notified`,
		kind, room, now.UTC().Format(time.RFC3339Nano), mult,
	)
	if err != nil {
		return false, fmt.Errorf("mark cooldown: %w", err)
	}
	return true, nil
}

// Feedback adjusts the damping multiplier for a kind and room.
// Dismissals widen the window, engagement narrows it, both bounded.
func (l *Ledger) Feedback(kind, room string, engaged bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	mult, last, err := l.lookup(kind, room)
	if err != nil {
		return err
	}

	if engaged {
		mult *= engageFactor
	} else {
		mult *= dismissFactor
	}
	mult = clamp(mult, multiplierMin, multiplierMax)

	lastStr := ""
	if !last.IsZero() {
		lastStr = last.UTC().Format(time.RFC3339Nano)
	}
	_, err = l.db.Exec(`
		INSERT INTO cooldowns (kind, room, last_notified, multiplier)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(kind, room) DO UPDATE SET multiplier = excluded.multiplier`,
		kind, room, lastStr, mult,
	)
	if err != nil {
		return fmt.Errorf("update multiplier: %w", err)
	}
	return nil
}

// lookup reads the stored multiplier and last-notified time. Missing
// rows report a multiplier of 1 and a zero time.
func (l *Ledger) lookup(kind, room string) (float64, time.Time, error) {
	var mult float64
	var lastStr string

	err := l.db.QueryRow(
		"SELECT multiplier, last_notified FROM cooldowns WHERE kind = ? AND room = ?",
		kind, room,
	).Scan(&mult, &lastStr)
	if err == sql.ErrNoRows {
		return 1.0, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("lookup cooldown: %w", err)
	}

	var last time.Time
	if lastStr != "" {
		if parsed, perr := time.Parse(time.RFC3339Nano, lastStr); perr == nil {
			last = parsed
		}
	}
	return mult, last, nil
}

func (l *Ledger) effectiveWindow(kind string, mult float64) time.Duration {
	base, ok := l.base[kind]
	if !ok {
		base = DefaultWindow
	}
	return time.Duration(float64(base) * mult)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
