package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"qrattend/internal/model"
)

const configColumns = `id, owner_id, department, batch, section, course, class_type, active, total_sessions, last_used, created_at`

func scanConfig(row interface{ Scan(...any) error }) (model.ClassConfig, error) {
	var (
		cfg      model.ClassConfig
		lastUsed sql.NullTime
	)
	if err := row.Scan(&cfg.ID, &cfg.OwnerID, &cfg.Department, &cfg.Batch, &cfg.Section, &cfg.Course,
		&cfg.ClassType, &cfg.Active, &cfg.TotalSessions, &lastUsed, &cfg.CreatedAt); err != nil {
		return model.ClassConfig{}, mapError(err)
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		cfg.LastUsed = &t
	}
	return cfg, nil
}

// CreateConfig inserts cfg. An active configuration with the same owner and
// cohort tuple yields ErrConflict.
func (d *DB) CreateConfig(ctx context.Context, cfg model.ClassConfig) (model.ClassConfig, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now().UTC()
	}
	cfg.Active = true
	res, err := d.Client.ExecContext(ctx, `
		INSERT INTO class_configs (id, owner_id, department, batch, section, course, class_type, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT DO NOTHING
	`, cfg.ID, cfg.OwnerID, cfg.Department, cfg.Batch, cfg.Section, cfg.Course, cfg.ClassType, cfg.CreatedAt)
	if err != nil {
		return model.ClassConfig{}, mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ClassConfig{}, ErrConflict
	}
	return cfg, nil
}

func (d *DB) GetConfig(ctx context.Context, id string) (model.ClassConfig, error) {
	row := d.Client.QueryRowContext(ctx, `SELECT `+configColumns+` FROM class_configs WHERE id = $1`, id)
	return scanConfig(row)
}

func (d *DB) ListConfigs(ctx context.Context, ownerID string) ([]model.ClassConfig, error) {
	rows, err := d.Client.QueryContext(ctx, `
		SELECT `+configColumns+` FROM class_configs
		WHERE owner_id = $1 AND active
		ORDER BY last_used DESC NULLS LAST, created_at DESC
	`, ownerID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var out []model.ClassConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func (d *DB) DeactivateConfig(ctx context.Context, ownerID, id string) error {
	res, err := d.Client.ExecContext(ctx, `
		UPDATE class_configs SET active = FALSE
		WHERE id = $1 AND owner_id = $2 AND active
	`, id, ownerID)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const sessionColumns = `id, config_id, owner_id, token, created_at, expires_at, active, total_scans, unique_attendees`

func scanSession(row interface{ Scan(...any) error }) (model.Session, error) {
	var s model.Session
	if err := row.Scan(&s.ID, &s.ConfigID, &s.OwnerID, &s.Token, &s.CreatedAt, &s.ExpiresAt,
		&s.Active, &s.TotalScans, &s.UniqueAttendees); err != nil {
		return model.Session{}, mapError(err)
	}
	return s, nil
}

func (d *DB) FindLiveSession(ctx context.Context, configID string, now time.Time) (model.Session, error) {
	row := d.Client.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM qr_sessions
		WHERE config_id = $1 AND active AND expires_at > $2
		ORDER BY created_at DESC
		LIMIT 1
	`, configID, now)
	return scanSession(row)
}

// CreateSession deactivates expired sessions of the configuration, inserts s
// and bumps the configuration counters in one transaction. A live session
// holding the one-active slot yields ErrConflict.
func (d *DB) CreateSession(ctx context.Context, s model.Session, now time.Time) (model.Session, error) {
	tx, err := d.Client.BeginTx(ctx, nil)
	if err != nil {
		return model.Session{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE qr_sessions SET active = FALSE
		WHERE config_id = $1 AND active AND expires_at <= $2
	`, s.ConfigID, now); err != nil {
		return model.Session{}, mapError(err)
	}

	s.Active = true
	res, err := tx.ExecContext(ctx, `
		INSERT INTO qr_sessions (id, config_id, owner_id, token, created_at, expires_at, active)
		VALUES ($1,$2,$3,$4,$5,$6,TRUE)
		ON CONFLICT (config_id) WHERE active DO NOTHING
	`, s.ID, s.ConfigID, s.OwnerID, s.Token, s.CreatedAt, s.ExpiresAt)
	if err != nil {
		return model.Session{}, mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Session{}, ErrConflict
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE class_configs
		SET total_sessions = total_sessions + 1, last_used = $2
		WHERE id = $1
	`, s.ConfigID, s.CreatedAt)
	if err != nil {
		return model.Session{}, mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Session{}, ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return model.Session{}, mapError(err)
	}
	return s, nil
}

func (d *DB) GetSession(ctx context.Context, id string) (model.Session, error) {
	row := d.Client.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM qr_sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (d *DB) AddSessionCounters(ctx context.Context, id string, scans, attendees int) error {
	res, err := d.Client.ExecContext(ctx, `
		UPDATE qr_sessions
		SET total_scans = total_scans + $2, unique_attendees = unique_attendees + $3
		WHERE id = $1
	`, id, scans, attendees)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *DB) DeactivateSession(ctx context.Context, id string) error {
	res, err := d.Client.ExecContext(ctx, `UPDATE qr_sessions SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *DB) PurgeSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.Client.ExecContext(ctx, `DELETE FROM qr_sessions WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, mapError(err)
	}
	return res.RowsAffected()
}

const recordColumns = `id, session_id, config_id, student_id, student_name, student_email, student_number,
	department, batch, section, course, marked_at, status, fingerprint, ip_address, location, verified, flags`

func scanRecord(row interface{ Scan(...any) error }) (model.Record, error) {
	var (
		r        model.Record
		status   string
		location []byte
		flags    []byte
	)
	if err := row.Scan(&r.ID, &r.SessionID, &r.ConfigID, &r.Student.ID, &r.Student.Name, &r.Student.Email,
		&r.Student.StudentNumber, &r.Student.Department, &r.Student.Batch, &r.Student.Section, &r.Course,
		&r.MarkedAt, &status, &r.Fingerprint, &r.IPAddress, &location, &r.Verified, &flags); err != nil {
		return model.Record{}, mapError(err)
	}
	r.Status = model.Status(status)
	if len(location) > 0 && string(location) != "null" {
		var loc model.Location
		if err := json.Unmarshal(location, &loc); err != nil {
			return model.Record{}, fmt.Errorf("decode location: %w", err)
		}
		r.Location = &loc
	}
	if len(flags) > 0 {
		if err := json.Unmarshal(flags, &r.Flags); err != nil {
			return model.Record{}, fmt.Errorf("decode flags: %w", err)
		}
	}
	return r, nil
}

// InsertRecord stores r. An existing record for the same (session, student)
// pair yields ErrConflict.
func (d *DB) InsertRecord(ctx context.Context, r model.Record) (model.Record, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	var location any
	if r.Location != nil {
		b, err := json.Marshal(r.Location)
		if err != nil {
			return model.Record{}, err
		}
		location = string(b)
	}
	if r.Flags == nil {
		r.Flags = []string{}
	}
	flags, err := json.Marshal(r.Flags)
	if err != nil {
		return model.Record{}, err
	}
	res, err := d.Client.ExecContext(ctx, `
		INSERT INTO attendance_records (`+recordColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (session_id, student_id) DO NOTHING
	`, r.ID, r.SessionID, r.ConfigID, r.Student.ID, r.Student.Name, r.Student.Email, r.Student.StudentNumber,
		r.Student.Department, r.Student.Batch, r.Student.Section, r.Course, r.MarkedAt, string(r.Status),
		r.Fingerprint, r.IPAddress, location, r.Verified, string(flags))
	if err != nil {
		return model.Record{}, mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Record{}, ErrConflict
	}
	return r, nil
}

func (d *DB) GetRecord(ctx context.Context, sessionID, studentID string) (model.Record, error) {
	row := d.Client.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM attendance_records
		WHERE session_id = $1 AND student_id = $2
	`, sessionID, studentID)
	return scanRecord(row)
}

func (d *DB) LatestRecordByDevice(ctx context.Context, studentID, fingerprint string, since time.Time) (model.Record, error) {
	row := d.Client.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM attendance_records
		WHERE student_id = $1 AND fingerprint = $2 AND marked_at >= $3
		ORDER BY marked_at DESC
		LIMIT 1
	`, studentID, fingerprint, since)
	return scanRecord(row)
}

func (d *DB) DeviceUsedByOther(ctx context.Context, sessionID, fingerprint, studentID string) (bool, error) {
	var used bool
	err := d.Client.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM attendance_records
			WHERE session_id = $1 AND fingerprint = $2 AND student_id <> $3
		)
	`, sessionID, fingerprint, studentID).Scan(&used)
	return used, mapError(err)
}

// recordWhere builds the WHERE clause shared by listings and summaries.
func recordWhere(f model.RecordFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.StudentID != "" {
		add("student_id = $%d", f.StudentID)
	}
	if f.SessionID != "" {
		add("session_id = $%d", f.SessionID)
	}
	if f.ConfigID != "" {
		add("config_id = $%d", f.ConfigID)
	}
	if f.From != nil {
		add("marked_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("marked_at <= $%d", *f.To)
	}
	if f.Course != "" {
		add("course ILIKE '%%' || $%d || '%%'", f.Course)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (d *DB) ListRecords(ctx context.Context, f model.RecordFilter) ([]model.Record, int, error) {
	where, args := recordWhere(f)
	var total int
	if err := d.Client.QueryRowContext(ctx, `SELECT COUNT(*) FROM attendance_records`+where, args...).Scan(&total); err != nil {
		return nil, 0, mapError(err)
	}
	limit, offset := pageBounds(f.Limit, f.Offset)
	query := `SELECT ` + recordColumns + ` FROM attendance_records` + where +
		fmt.Sprintf(" ORDER BY marked_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	rows, err := d.Client.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, mapError(err)
	}
	defer rows.Close()
	var out []model.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

func (d *DB) SummarizeRecords(ctx context.Context, f model.RecordFilter) ([]model.StatusCount, error) {
	where, args := recordWhere(f)
	rows, err := d.Client.QueryContext(ctx, `
		SELECT course, status, COUNT(*) FROM attendance_records`+where+`
		GROUP BY course, status
		ORDER BY course, status
	`, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var out []model.StatusCount
	for rows.Next() {
		var (
			sc     model.StatusCount
			status string
		)
		if err := rows.Scan(&sc.Course, &status, &sc.Count); err != nil {
			return nil, err
		}
		sc.Status = model.Status(status)
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (d *DB) AppendEvent(ctx context.Context, e model.ActivityEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	details := []byte("{}")
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return err
		}
		details = b
	}
	_, err := d.Client.ExecContext(ctx, `
		INSERT INTO activity_events (id, user_id, action, details, ip_address, fingerprint, user_agent, suspicious, risk_score, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, e.ID, e.UserID, e.Action, string(details), e.IPAddress, e.Fingerprint, e.UserAgent, e.Suspicious, e.RiskScore, e.CreatedAt)
	return mapError(err)
}

func (d *DB) ListEvents(ctx context.Context, f model.ActivityFilter) ([]model.ActivityEvent, error) {
	var (
		clauses []string
		args    []any
	)
	if f.UserID != "" {
		args = append(args, f.UserID)
		clauses = append(clauses, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.SuspiciousOnly {
		clauses = append(clauses, "suspicious")
	}
	if f.Since != nil {
		args = append(args, *f.Since)
		clauses = append(clauses, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	query := `SELECT id, user_id, action, details, ip_address, fingerprint, user_agent, suspicious, risk_score, created_at FROM activity_events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	limit, _ := pageBounds(f.Limit, 0)
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := d.Client.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var out []model.ActivityEvent
	for rows.Next() {
		var (
			e       model.ActivityEvent
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &details, &e.IPAddress, &e.Fingerprint,
			&e.UserAgent, &e.Suspicious, &e.RiskScore, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("decode details: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (d *DB) PurgeEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.Client.ExecContext(ctx, `DELETE FROM activity_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, mapError(err)
	}
	return res.RowsAffected()
}
