// Package storage persists schedule rules and the execution log in SQLite.
//
// Every write is a single statement, so partial field application can never
// be observed. The execution log is append-only.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"homehub/internal/schedule"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Store is the SQLite-backed schedule.Store.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

var _ schedule.Store = (*Store)(nil)

func Open(cfg Config, log zerolog.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &Store{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) CreateRule(ctx context.Context, r schedule.Rule) (int64, error) {
	params, err := marshalJSON(r.Parameters)
	if err != nil {
		return 0, err
	}
	trig, err := marshalJSON(r.Trigger)
	if err != nil {
		return 0, err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules(name, device_type, action, parameters, trigger_kind, trigger_fields, enabled, created_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		r.Name, string(r.DeviceType), r.Action, params, string(r.Trigger.Kind), trig,
		boolInt(r.Enabled), r.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateRule applies the non-nil fields in one UPDATE statement.
func (s *Store) UpdateRule(ctx context.Context, id int64, fields schedule.RuleUpdate) error {
	var sets []string
	var args []any

	if fields.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *fields.Name)
	}
	if fields.DeviceType != nil {
		sets = append(sets, "device_type = ?")
		args = append(args, string(*fields.DeviceType))
	}
	if fields.Action != nil {
		sets = append(sets, "action = ?")
		args = append(args, *fields.Action)
	}
	if fields.Parameters != nil {
		params, err := marshalJSON(*fields.Parameters)
		if err != nil {
			return err
		}
		sets = append(sets, "parameters = ?")
		args = append(args, params)
	}
	if fields.Trigger != nil {
		trig, err := marshalJSON(*fields.Trigger)
		if err != nil {
			return err
		}
		sets = append(sets, "trigger_kind = ?", "trigger_fields = ?")
		args = append(args, string(fields.Trigger.Kind), trig)
	}
	if fields.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*fields.Enabled))
	}
	if len(sets) == 0 {
		// Nothing to change; still report unknown ids as not found.
		_, err := s.GetRule(ctx, id)
		return err
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		"UPDATE schedules SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schedule.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteRule(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schedule.ErrNotFound
	}
	return nil
}

const ruleColumns = `id, name, device_type, action, parameters, trigger_kind, trigger_fields, enabled, created_at`

func (s *Store) GetRule(ctx context.Context, id int64) (schedule.Rule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM schedules WHERE id = ?`, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Rule{}, schedule.ErrNotFound
	}
	return r, err
}

func (s *Store) ListEnabled(ctx context.Context) ([]schedule.Rule, error) {
	return s.listRules(ctx, `SELECT `+ruleColumns+` FROM schedules WHERE enabled = 1 ORDER BY id`)
}

func (s *Store) ListRules(ctx context.Context) ([]schedule.Rule, error) {
	return s.listRules(ctx, `SELECT `+ruleColumns+` FROM schedules ORDER BY id`)
}

func (s *Store) listRules(ctx context.Context, query string) ([]schedule.Rule, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schedule.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) AppendExecution(ctx context.Context, rec schedule.ExecutionRecord) (int64, error) {
	params, err := marshalJSON(rec.Parameters)
	if err != nil {
		return 0, err
	}
	if rec.ExecutedAt.IsZero() {
		rec.ExecutedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_log(rule_id, device_type, action, parameters, executed_at)
		 VALUES(?,?,?,?,?)`,
		rec.RuleID, string(rec.DeviceType), rec.Action, params, rec.ExecutedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) ListExecutions(ctx context.Context, ruleID int64, limit int) ([]schedule.ExecutionRecord, error) {
	query := `SELECT id, rule_id, device_type, action, parameters, executed_at FROM execution_log`
	var args []any
	if ruleID > 0 {
		query += ` WHERE rule_id = ?`
		args = append(args, ruleID)
	}
	query += ` ORDER BY executed_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schedule.ExecutionRecord
	for rows.Next() {
		var (
			rec        schedule.ExecutionRecord
			deviceType string
			params     sql.NullString
			executedAt string
		)
		if err := rows.Scan(&rec.ID, &rec.RuleID, &deviceType, &rec.Action, &params, &executedAt); err != nil {
			return nil, err
		}
		rec.DeviceType = schedule.DeviceType(deviceType)
		if rec.Parameters, err = unmarshalParams(params); err != nil {
			return nil, err
		}
		if rec.ExecutedAt, err = parseTime(executedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (schedule.Rule, error) {
	var (
		r           schedule.Rule
		deviceType  string
		params      sql.NullString
		triggerKind string
		triggerJSON string
		enabled     int
		createdAt   string
	)
	err := row.Scan(&r.ID, &r.Name, &deviceType, &r.Action, &params, &triggerKind, &triggerJSON, &enabled, &createdAt)
	if err != nil {
		return schedule.Rule{}, err
	}
	r.DeviceType = schedule.DeviceType(deviceType)
	r.Enabled = enabled != 0
	if r.Parameters, err = unmarshalParams(params); err != nil {
		return schedule.Rule{}, err
	}
	if err := json.Unmarshal([]byte(triggerJSON), &r.Trigger); err != nil {
		return schedule.Rule{}, fmt.Errorf("rule %d: bad trigger: %w", r.ID, err)
	}
	// The column is authoritative for the kind.
	r.Trigger.Kind = schedule.TriggerKind(triggerKind)
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return schedule.Rule{}, err
	}
	return r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalParams(s sql.NullString) (map[string]any, error) {
	if !s.Valid || strings.TrimSpace(s.String) == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t, nil
}
