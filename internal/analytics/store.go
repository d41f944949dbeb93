// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package analytics persists detection events to an embedded SQLite
// database for the admin API and offline review. Writes go through an
// adaptive batcher so a packet storm degrades into larger flush
// latency instead of a blocked pipeline.
package analytics

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"grimm.is/rampart/internal/classify"
	"grimm.is/rampart/internal/clock"
	"grimm.is/rampart/internal/errors"
)

// DetectionEvent is one classified packet observation worth keeping.
type DetectionEvent struct {
	Timestamp  time.Time           `json:"timestamp"`
	SrcIP      string              `json:"src_ip"`
	DstIP      string              `json:"dst_ip"`
	SrcMAC     string              `json:"src_mac,omitempty"`
	Protocol   string              `json:"protocol"`
	SrcPort    int                 `json:"src_port,omitempty"`
	DstPort    int                 `json:"dst_port,omitempty"`
	PacketSize int                 `json:"packet_size"`
	Frequency  int                 `json:"frequency"`
	AttackType classify.AttackType `json:"attack_type"`
	Severity   classify.Severity   `json:"severity"`
	Confidence float64             `json:"confidence"`
	Blocked    bool                `json:"blocked"`
}

// OffenderSummary aggregates detections per source for the API.
type OffenderSummary struct {
	SrcIP    string    `json:"src_ip"`
	Events   int64     `json:"events"`
	LastSeen time.Time `json:"last_seen"`
}

const schema = `
CREATE TABLE IF NOT EXISTS detections (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	ts          INTEGER NOT NULL,
	src_ip      TEXT NOT NULL,
	dst_ip      TEXT,
	src_mac     TEXT,
	proto       TEXT,
	src_port    INTEGER,
	dst_port    INTEGER,
	packet_size INTEGER,
	frequency   INTEGER,
	attack_type TEXT,
	severity    TEXT,
	confidence  REAL,
	blocked     INTEGER DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_detections_ts ON detections (ts);
CREATE INDEX IF NOT EXISTS idx_detections_severity ON detections (severity, ts);
CREATE INDEX IF NOT EXISTS idx_detections_src ON detections (src_ip);
`

// Store persists detection events to SQLite.
type Store struct {
	db  *sql.DB
	clk clock.Clock
}

// Open creates or opens the event database. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	return OpenWithClock(path, clock.System)
}

// OpenWithClock opens a store with an injected time source.
func OpenWithClock(path string, clk clock.Clock) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStoreUnavailable, "open analytics db")
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.KindStoreUnavailable, "create analytics schema")
	}
	return &Store{db: db, clk: clk}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Insert writes a single event, outside any batch.
func (s *Store) Insert(ev DetectionEvent) error {
	_, err := s.db.Exec(insertSQL, insertArgs(ev)...)
	return errors.Wrap(err, errors.KindStoreUnavailable, "insert detection")
}

const insertSQL = `
	INSERT INTO detections (ts, src_ip, dst_ip, src_mac, proto, src_port, dst_port,
		packet_size, frequency, attack_type, severity, confidence, blocked)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func insertArgs(ev DetectionEvent) []any {
	return []any{
		ev.Timestamp.UnixMilli(), ev.SrcIP, ev.DstIP, ev.SrcMAC, ev.Protocol,
		ev.SrcPort, ev.DstPort, ev.PacketSize, ev.Frequency,
		string(ev.AttackType), string(ev.Severity), ev.Confidence, ev.Blocked,
	}
}

// InsertBatch writes a batch of events in one transaction.
func (s *Store) InsertBatch(events []DetectionEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, errors.KindStoreUnavailable, "begin detection batch")
	}
	stmt, err := tx.Prepare(insertSQL)
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, errors.KindStoreUnavailable, "prepare detection batch")
	}
	defer stmt.Close()

	for _, ev := range events {
		if _, err := stmt.Exec(insertArgs(ev)...); err != nil {
			tx.Rollback()
			return errors.Wrap(err, errors.KindStoreUnavailable, "insert detection")
		}
	}
	return errors.Wrap(tx.Commit(), errors.KindStoreUnavailable, "commit detection batch")
}

const selectCols = `ts, src_ip, dst_ip, src_mac, proto, src_port, dst_port,
	packet_size, frequency, attack_type, severity, confidence, blocked`

func scanEvent(rows *sql.Rows) (DetectionEvent, error) {
	var ev DetectionEvent
	var ts int64
	var attack, severity string
	err := rows.Scan(&ts, &ev.SrcIP, &ev.DstIP, &ev.SrcMAC, &ev.Protocol,
		&ev.SrcPort, &ev.DstPort, &ev.PacketSize, &ev.Frequency,
		&attack, &severity, &ev.Confidence, &ev.Blocked)
	if err != nil {
		return ev, err
	}
	ev.Timestamp = time.UnixMilli(ts)
	ev.AttackType = classify.AttackType(attack)
	ev.Severity = classify.Severity(severity)
	return ev, nil
}

// Recent returns the newest events, newest first.
func (s *Store) Recent(limit int) ([]DetectionEvent, error) {
	rows, err := s.db.Query(
		`SELECT `+selectCols+` FROM detections ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStoreUnavailable, "query detections")
	}
	return collectEvents(rows)
}

// QueryRange returns events inside [from, to], optionally filtered by
// severity, newest first.
func (s *Store) QueryRange(from, to time.Time, severity classify.Severity, limit, offset int) ([]DetectionEvent, error) {
	query := `SELECT ` + selectCols + ` FROM detections WHERE ts >= ? AND ts <= ?`
	args := []any{from.UnixMilli(), to.UnixMilli()}
	if severity != "" {
		query += ` AND severity = ?`
		args = append(args, string(severity))
	}
	query += ` ORDER BY ts DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStoreUnavailable, "query detections")
	}
	return collectEvents(rows)
}

func collectEvents(rows *sql.Rows) ([]DetectionEvent, error) {
	defer rows.Close()
	var out []DetectionEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindStoreUnavailable, "scan detection")
		}
		out = append(out, ev)
	}
	return out, errors.Wrap(rows.Err(), errors.KindStoreUnavailable, "scan detections")
}

// TopOffenders returns the sources with the most detections in a range.
func (s *Store) TopOffenders(from, to time.Time, limit int) ([]OffenderSummary, error) {
	rows, err := s.db.Query(`
		SELECT src_ip, COUNT(*), MAX(ts)
		FROM detections WHERE ts >= ? AND ts <= ?
		GROUP BY src_ip ORDER BY COUNT(*) DESC LIMIT ?`,
		from.UnixMilli(), to.UnixMilli(), limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStoreUnavailable, "query offenders")
	}
	defer rows.Close()

	var out []OffenderSummary
	for rows.Next() {
		var o OffenderSummary
		var last int64
		if err := rows.Scan(&o.SrcIP, &o.Events, &last); err != nil {
			return nil, errors.Wrap(err, errors.KindStoreUnavailable, "scan offender")
		}
		o.LastSeen = time.UnixMilli(last)
		out = append(out, o)
	}
	return out, errors.Wrap(rows.Err(), errors.KindStoreUnavailable, "scan offenders")
}

// Cleanup removes events older than the retention period.
func (s *Store) Cleanup(retention time.Duration) (int64, error) {
	cutoff := s.clk.Now().Add(-retention).UnixMilli()
	res, err := s.db.Exec(`DELETE FROM detections WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, errors.KindStoreUnavailable, "cleanup detections")
	}
	return res.RowsAffected()
}
