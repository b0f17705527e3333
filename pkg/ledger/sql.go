package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLBackend is a database/sql-backed ledger, usable with either the
// pure-Go SQLite driver or the Postgres driver depending on which dollar-
// vs-question placeholder style is configured.
type SQLBackend struct {
	db        *sql.DB
	postgres  bool
}

// NewSQLiteBackend opens (and migrates) a SQLite-backed ledger.
func NewSQLiteBackend(db *sql.DB) (*SQLBackend, error) {
	b := &SQLBackend{db: db}
	if err := b.migrate(); err != nil {
		return nil, err
	}
	return b, nil
}

// NewPostgresBackend opens (and migrates) a Postgres-backed ledger.
func NewPostgresBackend(db *sql.DB) (*SQLBackend, error) {
	b := &SQLBackend{db: db, postgres: true}
	if err := b.migrate(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *SQLBackend) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS ledger_events (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		id          TEXT NOT NULL,
		ts_ns       BIGINT NOT NULL,
		kind        TEXT NOT NULL,
		out_cid     TEXT NOT NULL,
		in_cid      TEXT,
		map         TEXT,
		stage       TEXT,
		receipt_key TEXT,
		receipt_url TEXT,
		extra       TEXT
	);`
	if b.postgres {
		query = `
		CREATE TABLE IF NOT EXISTS ledger_events (
			seq         BIGSERIAL PRIMARY KEY,
			id          TEXT NOT NULL,
			ts_ns       BIGINT NOT NULL,
			kind        TEXT NOT NULL,
			out_cid     TEXT NOT NULL,
			in_cid      TEXT,
			map         TEXT,
			stage       TEXT,
			receipt_key TEXT,
			receipt_url TEXT,
			extra       TEXT
		);`
	}
	_, err := b.db.ExecContext(context.Background(), query)
	return err
}

func (b *SQLBackend) placeholder(n int) string {
	if b.postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (b *SQLBackend) Append(ctx context.Context, e Event) (Event, error) {
	extraJSON, err := json.Marshal(e.Extra)
	if err != nil {
		return Event{}, fmt.Errorf("ledger: marshal extra: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO ledger_events (id, ts_ns, kind, out_cid, in_cid, map, stage, receipt_key, receipt_url, extra)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		b.placeholder(1), b.placeholder(2), b.placeholder(3), b.placeholder(4),
		b.placeholder(5), b.placeholder(6), b.placeholder(7), b.placeholder(8), b.placeholder(9), b.placeholder(10))

	res, err := b.db.ExecContext(ctx, query, e.ID, e.TsNs, e.Kind, e.OutCID, e.InCID, e.Map, e.Stage, e.ReceiptKey, e.ReceiptURL, string(extraJSON))
	if err != nil {
		return Event{}, fmt.Errorf("ledger: insert failed: %w", err)
	}
	if id, idErr := res.LastInsertId(); idErr == nil {
		e.seq = uint64(id)
	}
	return e, nil
}

func (b *SQLBackend) List(ctx context.Context, limit int) ([]Event, error) {
	query := `SELECT seq, id, ts_ns, kind, out_cid, in_cid, map, stage, receipt_key, receipt_url, extra
		FROM ledger_events ORDER BY ts_ns DESC, seq DESC`
	args := []any{}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %s", b.placeholder(1))
		args = append(args, limit)
	}
	return b.query(ctx, query, args...)
}

func (b *SQLBackend) Query(ctx context.Context, f Filters) ([]Event, error) {
	query := `SELECT seq, id, ts_ns, kind, out_cid, in_cid, map, stage, receipt_key, receipt_url, extra FROM ledger_events WHERE 1=1`
	var args []any
	n := 1
	if f.Map != "" {
		query += fmt.Sprintf(" AND map = %s", b.placeholder(n))
		args = append(args, f.Map)
		n++
	}
	if f.SinceNs != 0 {
		query += fmt.Sprintf(" AND ts_ns >= %s", b.placeholder(n))
		args = append(args, f.SinceNs)
		n++
	}
	if f.CIDPrefix != "" {
		query += fmt.Sprintf(" AND (out_cid LIKE %s OR in_cid LIKE %s)", b.placeholder(n), b.placeholder(n+1))
		args = append(args, f.CIDPrefix+"%", f.CIDPrefix+"%")
		n += 2
	}
	query += " ORDER BY ts_ns DESC, seq DESC"
	return b.query(ctx, query, args...)
}

func (b *SQLBackend) query(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var (
			seq        uint64
			e          Event
			inCID      sql.NullString
			mapName    sql.NullString
			stage      sql.NullString
			receiptKey sql.NullString
			receiptURL sql.NullString
			extraJSON  sql.NullString
		)
		if err := rows.Scan(&seq, &e.ID, &e.TsNs, &e.Kind, &e.OutCID, &inCID, &mapName, &stage, &receiptKey, &receiptURL, &extraJSON); err != nil {
			return nil, fmt.Errorf("ledger: scan failed: %w", err)
		}
		e.seq = seq
		e.InCID = inCID.String
		e.Map = mapName.String
		e.Stage = stage.String
		e.ReceiptKey = receiptKey.String
		e.ReceiptURL = receiptURL.String
		if extraJSON.Valid && extraJSON.String != "" {
			_ = json.Unmarshal([]byte(extraJSON.String), &e.Extra)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

var _ Backend = (*SQLBackend)(nil)
