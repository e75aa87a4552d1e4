package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/comigor/floatchat-go/internal/logger"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		mode TEXT NOT NULL,
		mode_locked INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		sender TEXT NOT NULL,
		content TEXT NOT NULL,
		ts INTEGER NOT NULL,
		state TEXT NOT NULL,
		link TEXT,
		qc_value REAL,
		qc_source TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, ts, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		mode TEXT NOT NULL,
		mode_locked INTEGER NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		sender TEXT NOT NULL,
		content TEXT NOT NULL,
		ts BIGINT NOT NULL,
		state TEXT NOT NULL,
		link TEXT,
		qc_value DOUBLE PRECISION,
		qc_source TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, ts, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at)`,
}

// SQLStore implements Store on database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

var _ Store = (*SQLStore)(nil)

// Open connects to the configured backend and creates the schema if it doesn't exist.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	var (
		d      dialect
		schema []string
		name   string
	)
	switch driver {
	case "sqlite":
		d, schema, name = dialectSQLite, sqliteSchema, "sqlite"
		dsn = sqliteDSN(dsn)
	case "postgres":
		d, schema, name = dialectPostgres, postgresSchema, "postgres"
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}

	db, err := sql.Open(name, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if d == dialectSQLite {
		// One writer at a time; also keeps :memory: databases on a single connection.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	logger.L.Info("conversation store initialized", "driver", driver)
	return &SQLStore{db: db, dialect: d, now: func() time.Time { return time.Now().UTC() }}, nil
}

func sqliteDSN(dsn string) string {
	if dsn == ":memory:" || strings.Contains(dsn, "?") {
		return dsn
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	return dsn + "?_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)"
}

func (s *SQLStore) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders into $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func (s *SQLStore) CreateConversation(ctx context.Context, c *Conversation) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Role == "" {
		c.Role = RoleDefault
	}
	if c.Mode == "" {
		c.Mode = ModeDefault
	}
	now := s.now()
	c.CreatedAt, c.UpdatedAt = now, now
	_, err := s.exec(ctx, `INSERT INTO conversations (id, user_id, title, role, mode, mode_locked, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.Title, string(c.Role), string(c.Mode), boolToInt(c.ModeLocked), now.UnixNano(), now.UnixNano())
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

const conversationColumns = `id, user_id, title, role, mode, mode_locked, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*Conversation, error) {
	var (
		c                Conversation
		role, mode       string
		locked           int64
		created, updated int64
	)
	if err := row.Scan(&c.ID, &c.UserID, &c.Title, &role, &mode, &locked, &created, &updated); err != nil {
		return nil, err
	}
	c.Role, c.Mode = Role(role), Mode(mode)
	c.ModeLocked = locked != 0
	c.CreatedAt, c.UpdatedAt = fromNanos(created), fromNanos(updated)
	return &c, nil
}

func (s *SQLStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	c, err := scanConversation(s.queryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func (s *SQLStore) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := s.query(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE user_id = ? ORDER BY updated_at DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := []Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// missingOr returns ErrNotFound when the conversation doesn't exist and fallback otherwise.
func (s *SQLStore) missingOr(ctx context.Context, id string, fallback error) error {
	var one int
	err := s.queryRow(ctx, `SELECT 1 FROM conversations WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup conversation: %w", err)
	}
	return fallback
}

func (s *SQLStore) UpdateConversationSettings(ctx context.Context, id string, mode Mode, role Role) error {
	res, err := s.exec(ctx, `UPDATE conversations SET mode = ?, role = ?, updated_at = ? WHERE id = ? AND mode_locked = 0`,
		string(mode), string(role), s.now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("update conversation settings: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.missingOr(ctx, id, ErrModeLocked)
	}
	return nil
}

func (s *SQLStore) UpdateConversationTitle(ctx context.Context, id, title string) error {
	res, err := s.exec(ctx, `UPDATE conversations SET title = ? WHERE id = ?`, title, id)
	if err != nil {
		return fmt.Errorf("update conversation title: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) TouchConversation(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, s.now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) ModeLocked(ctx context.Context, id string) (bool, error) {
	var locked int64
	err := s.queryRow(ctx, `SELECT mode_locked FROM conversations WHERE id = ?`, id).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("read mode lock: %w", err)
	}
	return locked != 0, nil
}

func (s *SQLStore) LockConversationMode(ctx context.Context, id string) (bool, error) {
	res, err := s.exec(ctx, `UPDATE conversations SET mode_locked = 1 WHERE id = ? AND mode_locked = 0`, id)
	if err != nil {
		return false, fmt.Errorf("lock conversation mode: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}
	return false, s.missingOr(ctx, id, nil)
}

func (s *SQLStore) CreateMessage(ctx context.Context, m *Message) error {
	return s.insertMessage(ctx, s.db, m)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) insertMessage(ctx context.Context, ex execer, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = s.now()
	}
	if m.State == nil {
		m.State = Pending{}
	}

	state, link, qcValue, qcSource := encodeState(m.State)
	_, err := ex.ExecContext(ctx, s.rebind(`INSERT INTO messages (id, conversation_id, sender, content, ts, state, link, qc_value, qc_source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		m.ID, m.ConversationID, string(m.Sender), m.Content, m.Timestamp.UnixNano(), state, link, qcValue, qcSource)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// RecordTurn stores a user message and locks the conversation's mode in one transaction.
// mode and role are applied first when they differ from the stored settings, which fails with
// ErrModeLocked on a locked conversation. locked reports whether this call took the lock.
func (s *SQLStore) RecordTurn(ctx context.Context, m *Message, mode Mode, role Role) (locked bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin turn: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	q := `SELECT mode, role, mode_locked FROM conversations WHERE id = ?`
	if s.dialect == dialectPostgres {
		q += ` FOR UPDATE`
	}
	var (
		curMode, curRole string
		wasLocked        int64
	)
	err = tx.QueryRowContext(ctx, s.rebind(q), m.ConversationID).Scan(&curMode, &curRole, &wasLocked)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("read conversation: %w", err)
	}

	now := s.now().UnixNano()
	if Mode(curMode) != mode || Role(curRole) != role {
		if wasLocked != 0 {
			return false, ErrModeLocked
		}
		if _, err = tx.ExecContext(ctx, s.rebind(`UPDATE conversations SET mode = ?, role = ? WHERE id = ?`),
			string(mode), string(role), m.ConversationID); err != nil {
			return false, fmt.Errorf("update conversation settings: %w", err)
		}
	}
	if err = s.insertMessage(ctx, tx, m); err != nil {
		return false, err
	}
	if _, err = tx.ExecContext(ctx, s.rebind(`UPDATE conversations SET mode_locked = 1, updated_at = ? WHERE id = ?`),
		now, m.ConversationID); err != nil {
		return false, fmt.Errorf("lock conversation mode: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit turn: %w", err)
	}
	return wasLocked == 0, nil
}

func encodeState(st MessageState) (state string, link sql.NullString, qcValue sql.NullFloat64, qcSource sql.NullString) {
	f, ok := st.(Final)
	if !ok {
		return statePending, link, qcValue, qcSource
	}
	if f.Link != nil {
		link = sql.NullString{String: *f.Link, Valid: true}
	}
	if f.QC != nil {
		qcValue = sql.NullFloat64{Float64: f.QC.Value, Valid: true}
		qcSource = sql.NullString{String: f.QC.Source, Valid: true}
	}
	return stateFinal, link, qcValue, qcSource
}

const messageColumns = `id, conversation_id, sender, content, ts, state, link, qc_value, qc_source`

func scanMessage(row scanner) (Message, error) {
	var (
		m        Message
		sender   string
		ts       int64
		state    string
		link     sql.NullString
		qcValue  sql.NullFloat64
		qcSource sql.NullString
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &sender, &m.Content, &ts, &state, &link, &qcValue, &qcSource); err != nil {
		return m, err
	}
	m.Sender = Sender(sender)
	m.Timestamp = fromNanos(ts)
	if state != stateFinal {
		m.State = Pending{}
		return m, nil
	}
	var f Final
	if link.Valid {
		l := link.String
		f.Link = &l
	}
	if qcValue.Valid {
		f.QC = &QualityScore{Value: qcValue.Float64, Source: qcSource.String}
	}
	m.State = f
	return m, nil
}

func (s *SQLStore) listMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := []Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	return s.listMessages(ctx, `SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY ts ASC, seq ASC`, conversationID)
}

func (s *SQLStore) LastMessages(ctx context.Context, conversationID string, n int) ([]Message, error) {
	return s.listMessages(ctx, `SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY ts DESC, seq DESC LIMIT ?`, conversationID, n)
}

func (s *SQLStore) FinalizeMessage(ctx context.Context, id string, final Final) error {
	_, link, qcValue, qcSource := encodeState(final)
	res, err := s.exec(ctx, `UPDATE messages SET state = ?, link = ?, qc_value = ?, qc_source = ? WHERE id = ?`,
		stateFinal, link, qcValue, qcSource, id)
	if err != nil {
		return fmt.Errorf("finalize message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
