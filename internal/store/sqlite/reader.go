package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"log"

	"ohlc-engine/internal/model"
)

// maxReadLimit caps a single ReadBars page.
const maxReadLimit = 5000

// Reader provides read-only access to stored bars for the gateway's REST API.
type Reader struct {
	db *sql.DB
}

// NewReader opens a SQLite connection for reading.
// The schema is created if missing so a reader may start before the writer.
func NewReader(dbPath string) (*Reader, error) {
	db, err := open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite open reader: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite-reader] opened %s", dbPath)
	return &Reader{db: db}, nil
}

// DB returns the underlying sql.DB for health checks.
func (r *Reader) DB() *sql.DB { return r.db }

// ReadBars returns up to limit bars for symbol with ts > afterTS, ordered
// by timestamp ascending. limit <= 0 or above maxReadLimit is clamped.
func (r *Reader) ReadBars(symbol string, afterTS uint64, limit int) ([]model.Bar, error) {
	if limit <= 0 || limit > maxReadLimit {
		limit = maxReadLimit
	}
	rows, err := r.db.Query(`
		SELECT symbol, ts, open, high, low, close
		FROM bars
		WHERE symbol = ? AND ts > ?
		ORDER BY ts ASC
		LIMIT ?
	`, symbol, int64(afterTS), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query bars: %w", err)
	}
	defer rows.Close()

	bars := make([]model.Bar, 0)
	for rows.Next() {
		b, err := scanBar(rows)
		if err != nil {
			return nil, err
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// LatestBar returns the newest stored bar for symbol.
// ok is false when the symbol has no bars.
func (r *Reader) LatestBar(symbol string) (model.Bar, bool, error) {
	row := r.db.QueryRow(`
		SELECT symbol, ts, open, high, low, close
		FROM bars
		WHERE symbol = ?
		ORDER BY ts DESC
		LIMIT 1
	`, symbol)
	b, err := scanBar(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Bar{}, false, nil
	}
	if err != nil {
		return model.Bar{}, false, err
	}
	return b, true, nil
}

// Symbols lists every symbol with stored bars, sorted.
func (r *Reader) Symbols() ([]string, error) {
	rows, err := r.db.Query(`SELECT DISTINCT symbol FROM bars ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("sqlite query symbols: %w", err)
	}
	defer rows.Close()

	syms := make([]string, 0)
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("sqlite scan symbol: %w", err)
		}
		syms = append(syms, s)
	}
	return syms, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBar(s scanner) (model.Bar, error) {
	var b model.Bar
	var ts int64
	if err := s.Scan(&b.Symbol, &ts, &b.Open, &b.High, &b.Low, &b.Close); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return b, err
		}
		return b, fmt.Errorf("sqlite scan bar: %w", err)
	}
	b.TS = uint64(ts)
	return b, nil
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}
