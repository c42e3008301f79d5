// Package storage - SQLite-backed session store.
package storage

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/crosshatch-labs/crosshatch/internal/auction"
	"github.com/crosshatch-labs/crosshatch/internal/swap"
	"github.com/crosshatch-labs/crosshatch/internal/timelock"
	"github.com/crosshatch-labs/crosshatch/pkg/helpers"
	"github.com/crosshatch-labs/crosshatch/pkg/logging"
)

// SQLiteConfig holds durable store settings.
type SQLiteConfig struct {
	// DataDir is where the database file lives.
	DataDir string

	Capacity      int
	ExpiryGrace   time.Duration
	SweepInterval time.Duration
}

// SQLite persists sessions across restarts. The schema keeps hot
// fields in columns and structured state (deadlines, escrow refs,
// steps, quote) as JSON blobs.
type SQLite struct {
	db *sql.DB
	mu sync.RWMutex

	capacity int
	grace    time.Duration
	sweep    time.Duration

	log    *logging.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

var _ swap.Store = (*SQLite)(nil)

// NewSQLite opens (or creates) the session database under DataDir.
func NewSQLite(cfg *SQLiteConfig) (*SQLite, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(cfg.DataDir, "crosshatch.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &SQLite{
		db:       db,
		capacity: DefaultCapacity,
		grace:    DefaultExpiryGrace,
		sweep:    DefaultSweepInterval,
		log:      logging.GetDefault().Component("storage"),
	}
	if cfg.Capacity > 0 {
		s.capacity = cfg.Capacity
	}
	if cfg.ExpiryGrace > 0 {
		s.grace = cfg.ExpiryGrace
	}
	if cfg.SweepInterval > 0 {
		s.sweep = cfg.SweepInterval
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		source_chain TEXT NOT NULL,
		dest_chain TEXT NOT NULL,
		source_token TEXT NOT NULL DEFAULT '',
		dest_token TEXT NOT NULL DEFAULT '',
		source_amount TEXT NOT NULL,
		dest_amount TEXT NOT NULL,
		maker TEXT NOT NULL DEFAULT '',
		taker TEXT NOT NULL DEFAULT '',
		slippage_bps INTEGER NOT NULL DEFAULT 0,
		hashlock TEXT NOT NULL,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		deadlines TEXT NOT NULL,
		quote TEXT NOT NULL DEFAULT '',
		source_escrow TEXT NOT NULL DEFAULT '',
		dest_escrow TEXT NOT NULL DEFAULT '',
		revealed_secret TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		passive INTEGER NOT NULL DEFAULT 0,
		order_blob BLOB,
		steps TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_hashlock ON sessions(hashlock);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Start launches the TTL janitor.
func (s *SQLite) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.sweep)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if purged, err := s.purge(time.Now()); err != nil {
					s.log.Warn("Session purge failed", "err", err)
				} else if purged > 0 {
					s.log.Debug("Purged terminal sessions", "count", purged)
				}
			}
		}
	}()
}

// Stop halts the janitor.
func (s *SQLite) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
		s.cancel = nil
	}
}

// Put stores a new session, or replaces an existing one wholesale.
func (s *SQLite) Put(sess *swap.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE id = ?`, sess.ID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		active, err := s.activeCount()
		if err != nil {
			return err
		}
		if active >= s.capacity {
			return fmt.Errorf("%w: %d active sessions", swap.ErrSessionLimit, s.capacity)
		}
	}
	return s.save(sess)
}

// Get loads one session.
func (s *SQLite) Get(id string) (*swap.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(selectColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// Update loads the session, applies mutate, and writes the result back
// in place. A mutate error leaves the stored row untouched.
func (s *SQLite) Update(id string, mutate func(*swap.Session) error) (*swap.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(selectColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err != nil {
		return nil, err
	}
	if err := mutate(sess); err != nil {
		return nil, err
	}
	if err := s.save(sess); err != nil {
		return nil, err
	}
	return sess.Clone(), nil
}

// Delete removes a session.
func (s *SQLite) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return swap.ErrSessionNotFound
	}
	return nil
}

// IterateActive visits every non-terminal session, oldest first. Rows
// are fully read before the callback runs so fn may call back into the
// store.
func (s *SQLite) IterateActive(fn func(*swap.Session) bool) error {
	s.mu.RLock()
	rows, err := s.db.Query(selectColumns + `
		FROM sessions
		WHERE status NOT IN ('completed', 'cancelled', 'refunded', 'failed')
		ORDER BY created_at ASC`)
	if err != nil {
		s.mu.RUnlock()
		return err
	}

	var active []*swap.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			rows.Close()
			s.mu.RUnlock()
			return err
		}
		active = append(active, sess)
	}
	rows.Close()
	s.mu.RUnlock()

	if err := rows.Err(); err != nil {
		return err
	}
	for _, sess := range active {
		if !fn(sess) {
			break
		}
	}
	return nil
}

// Count reports how many sessions the table holds.
func (s *SQLite) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		return 0
	}
	return n
}

// Close stops the janitor and closes the database.
func (s *SQLite) Close() error {
	s.Stop()
	return s.db.Close()
}

func (s *SQLite) activeCount() (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM sessions
		WHERE status NOT IN ('completed', 'cancelled', 'refunded', 'failed')`).Scan(&n)
	return n, err
}

func (s *SQLite) purge(now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		DELETE FROM sessions
		WHERE status IN ('completed', 'cancelled', 'refunded', 'failed')
		AND updated_at <= ?`, now.Add(-s.grace).Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const selectColumns = `
	SELECT id, source_chain, dest_chain, source_token, dest_token,
		source_amount, dest_amount, maker, taker, slippage_bps,
		hashlock, status, progress, deadlines, quote,
		source_escrow, dest_escrow, revealed_secret, last_error,
		passive, order_blob, steps, created_at, updated_at`

// save upserts one session row.
func (s *SQLite) save(sess *swap.Session) error {
	deadlines, err := json.Marshal(sess.Deadlines)
	if err != nil {
		return fmt.Errorf("encode deadlines: %w", err)
	}
	steps, err := json.Marshal(sess.Steps)
	if err != nil {
		return fmt.Errorf("encode steps: %w", err)
	}
	quote, err := marshalOrEmpty(sess.Quote)
	if err != nil {
		return fmt.Errorf("encode quote: %w", err)
	}
	srcEscrow, err := marshalOrEmpty(sess.SourceEscrow)
	if err != nil {
		return fmt.Errorf("encode source escrow: %w", err)
	}
	dstEscrow, err := marshalOrEmpty(sess.DestEscrow)
	if err != nil {
		return fmt.Errorf("encode dest escrow: %w", err)
	}

	query := `
		INSERT INTO sessions (
			id, source_chain, dest_chain, source_token, dest_token,
			source_amount, dest_amount, maker, taker, slippage_bps,
			hashlock, status, progress, deadlines, quote,
			source_escrow, dest_escrow, revealed_secret, last_error,
			passive, order_blob, steps, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			progress = excluded.progress,
			quote = excluded.quote,
			source_escrow = excluded.source_escrow,
			dest_escrow = excluded.dest_escrow,
			revealed_secret = excluded.revealed_secret,
			last_error = excluded.last_error,
			passive = excluded.passive,
			order_blob = excluded.order_blob,
			steps = excluded.steps,
			updated_at = excluded.updated_at
	`
	_, err = s.db.Exec(query,
		sess.ID,
		sess.SourceChain,
		sess.DestChain,
		sess.SourceToken,
		sess.DestToken,
		sess.SourceAmount.String(),
		sess.DestAmount.String(),
		sess.Maker,
		sess.Taker,
		sess.SlippageBPS,
		hex.EncodeToString(sess.Hashlock[:]),
		string(sess.Status),
		sess.Progress,
		string(deadlines),
		quote,
		srcEscrow,
		dstEscrow,
		hex.EncodeToString(sess.RevealedSecret),
		sess.LastError,
		boolToInt(sess.Passive),
		sess.Order,
		string(steps),
		sess.CreatedAt.Unix(),
		sess.UpdatedAt.Unix(),
	)
	return err
}

// scanner covers both sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scanner) (*swap.Session, error) {
	var sess swap.Session
	var srcAmount, dstAmount, hashlock, status string
	var deadlines, quote, steps string
	var srcEscrow, dstEscrow, revealed string
	var passive, createdAt, updatedAt int64
	err := row.Scan(
		&sess.ID, &sess.SourceChain, &sess.DestChain, &sess.SourceToken, &sess.DestToken,
		&srcAmount, &dstAmount, &sess.Maker, &sess.Taker, &sess.SlippageBPS,
		&hashlock, &status, &sess.Progress, &deadlines, &quote,
		&srcEscrow, &dstEscrow, &revealed, &sess.LastError,
		&passive, &sess.Order, &steps, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, swap.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	sess.Status = swap.Status(status)
	sess.Passive = passive != 0
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.UpdatedAt = time.Unix(updatedAt, 0)

	var ok bool
	if sess.SourceAmount, ok = new(big.Int).SetString(srcAmount, 10); !ok {
		return nil, fmt.Errorf("corrupt source amount %q for session %s", srcAmount, sess.ID)
	}
	if sess.DestAmount, ok = new(big.Int).SetString(dstAmount, 10); !ok {
		return nil, fmt.Errorf("corrupt dest amount %q for session %s", dstAmount, sess.ID)
	}

	if sess.Hashlock, err = helpers.HexToHash32(hashlock); err != nil {
		return nil, fmt.Errorf("corrupt hashlock for session %s", sess.ID)
	}

	if revealed != "" {
		if sess.RevealedSecret, err = hex.DecodeString(revealed); err != nil {
			return nil, fmt.Errorf("corrupt revealed secret for session %s", sess.ID)
		}
	}

	sess.Deadlines = new(timelock.Set)
	if err := json.Unmarshal([]byte(deadlines), sess.Deadlines); err != nil {
		return nil, fmt.Errorf("decode deadlines: %w", err)
	}
	if err := json.Unmarshal([]byte(steps), &sess.Steps); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}
	if quote != "" {
		sess.Quote = new(auction.Quote)
		if err := json.Unmarshal([]byte(quote), sess.Quote); err != nil {
			return nil, fmt.Errorf("decode quote: %w", err)
		}
	}
	if srcEscrow != "" {
		sess.SourceEscrow = new(swap.EscrowRef)
		if err := json.Unmarshal([]byte(srcEscrow), sess.SourceEscrow); err != nil {
			return nil, fmt.Errorf("decode source escrow: %w", err)
		}
	}
	if dstEscrow != "" {
		sess.DestEscrow = new(swap.EscrowRef)
		if err := json.Unmarshal([]byte(dstEscrow), sess.DestEscrow); err != nil {
			return nil, fmt.Errorf("decode dest escrow: %w", err)
		}
	}
	return &sess, nil
}

func marshalOrEmpty(v interface{}) (string, error) {
	switch t := v.(type) {
	case *auction.Quote:
		if t == nil {
			return "", nil
		}
	case *swap.EscrowRef:
		if t == nil {
			return "", nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
