// Package store manages the SQLite persistence the event core reads and
// writes: user accounts with a presence status, and call records.
//
// Two writers race on call records: the hangup event handler and the
// periodic recording matcher. Every finalizing write here is a single
// conditional UPDATE scoped by the expected prior status (and, for the
// matcher, an unset recording locator), so whichever writer applies first
// wins and the loser's write is a no-op. That conditional scoping is the
// load-bearing invariant; no locks are held across the two paths.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// Call statuses.
const (
	StatusInitiated = "initiated"
	StatusCompleted = "completed"
)

// Presence statuses.
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// User is an application account tied to a switch extension.
type User struct {
	ID          string
	Extension   string
	DisplayName string
	Status      string
}

// Call is one call record. Created in status "initiated" by the
// call-initiation endpoint; completed exactly once by the hangup handler
// or the recording matcher.
type Call struct {
	ID           string
	CallerID     string
	CalleeID     string
	SIPCallID    string
	Status       string
	StartTime    time.Time
	EndTime      *time.Time
	Duration     *int
	RecordingURL *string
}

// Completion carries the fields a finalizing write applies.
type Completion struct {
	RecordingURL string
	EndTime      time.Time
	Duration     int
}

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database and initializes the schema.
func New(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id           TEXT PRIMARY KEY,
		extension    TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL DEFAULT 'offline'
	);

	CREATE TABLE IF NOT EXISTS calls (
		id            TEXT PRIMARY KEY,
		caller_id     TEXT NOT NULL REFERENCES users(id),
		callee_id     TEXT NOT NULL REFERENCES users(id),
		sip_call_id   TEXT,
		status        TEXT NOT NULL DEFAULT 'initiated',
		start_time    TEXT NOT NULL,
		end_time      TEXT,
		duration      INTEGER,
		recording_url TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_calls_sip_call_id ON calls(sip_call_id);
	CREATE INDEX IF NOT EXISTS idx_calls_status_start ON calls(status, start_time);
	CREATE INDEX IF NOT EXISTS idx_calls_recording ON calls(recording_url);
	`
	_, err := s.db.Exec(schema)
	return err
}

// timeLayout is fixed-width so stored timestamps compare correctly as
// text; RFC3339Nano trims trailing zeros and breaks >= on TEXT columns.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func decodeTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

// CreateUser creates an account for an extension, initially offline.
func (s *Store) CreateUser(ctx context.Context, extension, displayName string) (*User, error) {
	u := &User{
		ID:          uuid.NewString(),
		Extension:   extension,
		DisplayName: displayName,
		Status:      PresenceOffline,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, extension, display_name, status) VALUES (?, ?, ?, ?)`,
		u.ID, u.Extension, u.DisplayName, u.Status,
	)
	if err != nil {
		return nil, fmt.Errorf("create user %s: %w", extension, err)
	}
	return u, nil
}

// UserByExtension looks up the account for an extension.
func (s *Store) UserByExtension(ctx context.Context, extension string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, extension, display_name, status FROM users WHERE extension = ?`,
		extension,
	)
	var u User
	if err := row.Scan(&u.ID, &u.Extension, &u.DisplayName, &u.Status); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("user by extension %s: %w", extension, err)
	}
	return &u, nil
}

// SetPresence marks one extension's status. A zero-row match is not an
// error; the extension may be unknown to the application.
func (s *Store) SetPresence(ctx context.Context, extension, status string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET status = ? WHERE extension = ?`,
		status, extension,
	)
	if err != nil {
		return 0, fmt.Errorf("set presence %s=%s: %w", extension, status, err)
	}
	return res.RowsAffected()
}

// SyncPresence overwrites presence from a registration snapshot: every
// listed extension goes online, every other account goes offline. A full
// overwrite, not a diff; an empty listing simply marks everyone offline.
func (s *Store) SyncPresence(ctx context.Context, online []string) error {
	if len(online) > 0 {
		placeholders := strings.Repeat("?,", len(online)-1) + "?"
		args := make([]any, 0, len(online)+1)
		args = append(args, PresenceOnline)
		for _, ext := range online {
			args = append(args, ext)
		}
		_, err := s.db.ExecContext(ctx,
			`UPDATE users SET status = ? WHERE extension IN (`+placeholders+`)`,
			args...,
		)
		if err != nil {
			return fmt.Errorf("sync presence online: %w", err)
		}

		args = args[:0]
		args = append(args, PresenceOffline)
		for _, ext := range online {
			args = append(args, ext)
		}
		_, err = s.db.ExecContext(ctx,
			`UPDATE users SET status = ? WHERE extension NOT IN (`+placeholders+`)`,
			args...,
		)
		if err != nil {
			return fmt.Errorf("sync presence offline: %w", err)
		}
		return nil
	}

	_, err := s.db.ExecContext(ctx, `UPDATE users SET status = ?`, PresenceOffline)
	if err != nil {
		return fmt.Errorf("sync presence offline: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

// CreateCall records a new call in status "initiated". This is the store
// boundary the call-initiation endpoint uses.
func (s *Store) CreateCall(ctx context.Context, callerID, calleeID, sipCallID string) (*Call, error) {
	c := &Call{
		ID:        uuid.NewString(),
		CallerID:  callerID,
		CalleeID:  calleeID,
		SIPCallID: sipCallID,
		Status:    StatusInitiated,
		StartTime: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calls (id, caller_id, callee_id, sip_call_id, status, start_time)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.CallerID, c.CalleeID, c.SIPCallID, c.Status, encodeTime(c.StartTime),
	)
	if err != nil {
		return nil, fmt.Errorf("create call: %w", err)
	}
	return c, nil
}

// CompleteBySIPCallID finalizes every call carrying the given protocol
// call identifier, regardless of current status. Re-applying the same
// completion is harmless.
func (s *Store) CompleteBySIPCallID(ctx context.Context, sipCallID string, c Completion) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE calls SET recording_url = ?, status = ?, end_time = ?, duration = ?
		 WHERE sip_call_id = ?`,
		c.RecordingURL, StatusCompleted, encodeTime(c.EndTime), c.Duration, sipCallID,
	)
	if err != nil {
		return 0, fmt.Errorf("complete by sip call id %s: %w", sipCallID, err)
	}
	return res.RowsAffected()
}

// CompleteRecentByParticipants finalizes the newest initiated call between
// a caller/callee account pair whose start time is at or after the cutoff.
// At most one record is touched, and the status filter keeps a duplicate
// hangup from clobbering a later call.
func (s *Store) CompleteRecentByParticipants(ctx context.Context, callerID, calleeID string, cutoff time.Time, c Completion) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE calls SET recording_url = ?, status = ?, end_time = ?, duration = ?
		 WHERE status = ? AND id = (
			SELECT id FROM calls
			WHERE caller_id = ? AND callee_id = ? AND status = ? AND start_time >= ?
			ORDER BY start_time DESC LIMIT 1
		 )`,
		c.RecordingURL, StatusCompleted, encodeTime(c.EndTime), c.Duration,
		StatusInitiated, callerID, calleeID, StatusInitiated, encodeTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("complete by participants %s->%s: %w", callerID, calleeID, err)
	}
	return res.RowsAffected()
}

// CompleteInitiatedCall finalizes one call by id, only while it is still
// initiated and has no recording locator. The conditional scope makes the
// matcher's write a no-op when the event path got there first.
func (s *Store) CompleteInitiatedCall(ctx context.Context, id string, c Completion) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE calls SET recording_url = ?, status = ?, end_time = ?, duration = ?
		 WHERE id = ? AND status = ? AND recording_url IS NULL`,
		c.RecordingURL, StatusCompleted, encodeTime(c.EndTime), c.Duration,
		id, StatusInitiated,
	)
	if err != nil {
		return 0, fmt.Errorf("complete call %s: %w", id, err)
	}
	return res.RowsAffected()
}

// InitiatedCallsSince lists initiated calls whose start time is at or
// after the cutoff, newest first.
func (s *Store) InitiatedCallsSince(ctx context.Context, cutoff time.Time) ([]Call, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, caller_id, callee_id, sip_call_id, status, start_time, end_time, duration, recording_url
		 FROM calls WHERE status = ? AND start_time >= ? ORDER BY start_time DESC`,
		StatusInitiated, encodeTime(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("initiated calls: %w", err)
	}
	defer rows.Close()

	var calls []Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, *c)
	}
	return calls, rows.Err()
}

// RecordingLinked reports whether any call already references the locator.
func (s *Store) RecordingLinked(ctx context.Context, recordingURL string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM calls WHERE recording_url = ?`, recordingURL,
	)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("recording linked %s: %w", recordingURL, err)
	}
	return n > 0, nil
}

// CallByID fetches one call record.
func (s *Store) CallByID(ctx context.Context, id string) (*Call, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, caller_id, callee_id, sip_call_id, status, start_time, end_time, duration, recording_url
		 FROM calls WHERE id = ?`, id,
	)
	c, err := scanCall(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("call %s not found", id)
		}
		return nil, err
	}
	return c, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (*Call, error) {
	var (
		c            Call
		sipCallID    sql.NullString
		startRaw     string
		endRaw       sql.NullString
		duration     sql.NullInt64
		recordingURL sql.NullString
	)
	if err := row.Scan(&c.ID, &c.CallerID, &c.CalleeID, &sipCallID, &c.Status,
		&startRaw, &endRaw, &duration, &recordingURL); err != nil {
		return nil, err
	}
	c.SIPCallID = sipCallID.String

	start, err := decodeTime(startRaw)
	if err != nil {
		return nil, fmt.Errorf("decode start time: %w", err)
	}
	c.StartTime = start

	if endRaw.Valid {
		end, err := decodeTime(endRaw.String)
		if err != nil {
			return nil, fmt.Errorf("decode end time: %w", err)
		}
		c.EndTime = &end
	}
	if duration.Valid {
		d := int(duration.Int64)
		c.Duration = &d
	}
	if recordingURL.Valid {
		c.RecordingURL = &recordingURL.String
	}
	return &c, nil
}
