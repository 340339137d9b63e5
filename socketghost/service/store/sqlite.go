package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"modernc.org/sqlite"

	"github.com/go-appsec/interceptor/socketghost/protocol"
)

// SQLiteFileName is the database file created in the data directory.
const SQLiteFileName = "flows.db"

// The built-in lower() only folds ASCII; query matching goes through
// foldCase so both backends agree on non-ASCII URLs.
func init() {
	sqlite.MustRegisterDeterministicScalarFunction("fold_case", 1,
		func(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
			switch v := args[0].(type) {
			case string:
				return foldCase(v), nil
			case []byte:
				return foldCase(string(v)), nil
			default:
				return v, nil
			}
		})
}

// sizePruneBatch is how many of the oldest rows each size-pruning iteration removes.
const sizePruneBatch = 100

// SQLiteStore is the relational FlowStore. Each flow is one row whose indexed
// columns mirror the list projection; the full record is a msgpack payload.
type SQLiteStore struct {
	path string
	db   *sql.DB
}

var _ FlowStore = (*SQLiteStore)(nil)

// NewSQLiteStore returns a store backed by the database file at path.
// Initialize must be called before use.
func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Initialize(ctx context.Context) error {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	db, err := sql.Open("sqlite", "file:"+s.path+"?"+q.Encode())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS flows (
			id TEXT PRIMARY KEY,
			captured_at INTEGER NOT NULL,
			pid INTEGER NOT NULL DEFAULT 0,
			method TEXT NOT NULL,
			url TEXT NOT NULL,
			status_code INTEGER NOT NULL DEFAULT 0,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			via_update INTEGER NOT NULL DEFAULT 0,
			via_manual_resend INTEGER NOT NULL DEFAULT 0,
			payload BLOB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_flows_captured_at ON flows(captured_at)`,
		`CREATE INDEX IF NOT EXISTS idx_flows_pid ON flows(pid)`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return fmt.Errorf("initialize schema: %w", err)
		}
	}
	s.db = db
	return nil
}

func (s *SQLiteStore) Store(ctx context.Context, flow *protocol.StoredFlow) error {
	payload, err := Serialize(flow)
	if err != nil {
		return fmt.Errorf("encode flow: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO flows
			(id, captured_at, pid, method, url, status_code, size_bytes, via_update, via_manual_resend, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		flow.ID, flow.CapturedAt.UnixNano(), flow.PID, flow.Method, flow.URL,
		flow.Response.StatusCode, flow.SizeBytes, flow.ViaUpdate, flow.ViaManualResend, payload)
	if err != nil {
		return fmt.Errorf("insert flow: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*protocol.StoredFlow, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM flows WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("query flow: %w", err)
	}
	var flow protocol.StoredFlow
	if err := Deserialize(payload, &flow); err != nil {
		return nil, fmt.Errorf("decode flow %s: %w", id, err)
	}
	return &flow, nil
}

func (s *SQLiteStore) List(ctx context.Context, limit, offset int, filter protocol.FlowFilter) ([]protocol.FlowMetadata, error) {
	limit, offset = normalizePage(limit, offset)

	var where []string
	var args []any
	if filter.PID != nil {
		where = append(where, "pid = ?")
		args = append(args, *filter.PID)
	}
	if filter.Method != "" {
		where = append(where, "method = ?")
		args = append(args, filter.Method)
	}
	if filter.Query != "" {
		q := foldCase(filter.Query)
		where = append(where, `(instr(fold_case(url), ?) > 0 OR instr(fold_case(method), ?) > 0)`)
		args = append(args, q, q)
	}
	if filter.Since != nil {
		where = append(where, "captured_at >= ?")
		args = append(args, filter.Since.UnixNano())
	}

	query := `SELECT id, captured_at, pid, method, url, status_code, size_bytes, via_update, via_manual_resend FROM flows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY captured_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]protocol.FlowMetadata, 0, limit)
	for rows.Next() {
		var m protocol.FlowMetadata
		var capturedAt int64
		if err := rows.Scan(&m.ID, &capturedAt, &m.PID, &m.Method, &m.URL,
			&m.StatusCode, &m.SizeBytes, &m.ViaUpdate, &m.ViaManualResend); err != nil {
			return nil, fmt.Errorf("scan flow: %w", err)
		}
		m.CapturedAt = time.Unix(0, capturedAt)
		result = append(result, m)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM flows WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete flow: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Prune(ctx context.Context, retentionDays int, maxTotalBytes int64) (int, error) {
	var removed int
	if retentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -retentionDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM flows WHERE captured_at < ?`, cutoff.UnixNano())
		if err != nil {
			return removed, fmt.Errorf("prune by age: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += int(n)
	}

	if maxTotalBytes > 0 {
		for {
			total, err := s.TotalSize(ctx)
			if err != nil {
				return removed, err
			} else if total <= maxTotalBytes {
				break
			}
			res, err := s.db.ExecContext(ctx,
				`DELETE FROM flows WHERE id IN (SELECT id FROM flows ORDER BY captured_at ASC, id ASC LIMIT ?)`,
				sizePruneBatch)
			if err != nil {
				return removed, fmt.Errorf("prune by size: %w", err)
			}
			n, _ := res.RowsAffected()
			if n == 0 {
				break
			}
			removed += int(n)
		}
	}

	if removed > 0 {
		if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
			log.Warn().Err(err).Msg("store: vacuum after prune failed")
		}
	}
	return removed, nil
}

func (s *SQLiteStore) TotalSize(ctx context.Context) (int64, error) {
	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size_bytes), 0) FROM flows`).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum flow sizes: %w", err)
	}
	return total, nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
