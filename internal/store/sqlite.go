package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// Each in-memory store gets its own named database so that stores opened
	// by different tests in one process never see each other's rows.
	if dsn == ":memory:" {
		dsn = fmt.Sprintf("file:mem-%s?mode=memory&cache=shared", uuid.New().String())
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The relay appends from many goroutines; a single writer connection
	// avoids SQLITE_BUSY/SQLITE_LOCKED under shared cache.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT UNIQUE NOT NULL,
			user_name TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			file_tree TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS project_members (
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (project_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_project_members_user_id ON project_members(user_id)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			sender_id TEXT NOT NULL,
			sender_email TEXT NOT NULL DEFAULT '',
			sender_name TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			sent_at DATETIME NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_project_seq ON messages(project_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func sqliteErr(err error) error {
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

// --- Users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, email, user_name, password_hash, created_at) VALUES (?, ?, ?, ?, ?)",
		user.ID, user.Email, user.UserName, user.PasswordHash, user.CreatedAt,
	)
	return sqliteErr(err)
}

func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, email, user_name, password_hash, created_at FROM users WHERE email = ?", email,
	).Scan(&u.ID, &u.Email, &u.UserName, &u.PasswordHash, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, email, user_name, password_hash, created_at FROM users WHERE id = ?", id,
	).Scan(&u.ID, &u.Email, &u.UserName, &u.PasswordHash, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *SQLiteStore) ListUsersExcept(ctx context.Context, userID string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, email, user_name, created_at FROM users WHERE id != ? ORDER BY created_at", userID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.UserName, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// --- Projects ---

func (s *SQLiteStore) CreateProject(ctx context.Context, p *Project) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	tree := treeOrEmpty(p.FileTree)
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO projects (id, name, file_tree, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		p.ID, p.Name, string(tree), p.CreatedAt, p.UpdatedAt,
	); err != nil {
		return sqliteErr(err)
	}
	for _, uid := range p.Members {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO project_members (project_id, user_id) VALUES (?, ?)", p.ID, uid,
		); err != nil {
			return err
		}
	}
	p.FileTree = tree
	return tx.Commit()
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	var tree string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, file_tree, created_at, updated_at FROM projects WHERE id = ?", id,
	).Scan(&p.ID, &p.Name, &tree, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.FileTree = json.RawMessage(tree)

	p.Members, err = s.projectMembers(ctx, id)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteStore) projectMembers(ctx context.Context, projectID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id FROM project_members WHERE project_id = ? ORDER BY created_at, user_id", projectID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	members := []string{}
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		members = append(members, uid)
	}
	return members, rows.Err()
}

func (s *SQLiteStore) ListProjectsByUser(ctx context.Context, userID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.id, p.name, p.file_tree, p.created_at, p.updated_at
		 FROM projects p JOIN project_members m ON m.project_id = p.id
		 WHERE m.user_id = ? ORDER BY p.created_at`, userID,
	)
	if err != nil {
		return nil, err
	}

	var projects []Project
	for rows.Next() {
		var p Project
		var tree string
		if err := rows.Scan(&p.ID, &p.Name, &tree, &p.CreatedAt, &p.UpdatedAt); err != nil {
			_ = rows.Close()
			return nil, err
		}
		p.FileTree = json.RawMessage(tree)
		projects = append(projects, p)
	}
	err = rows.Err()
	_ = rows.Close()
	if err != nil {
		return nil, err
	}

	// Members are loaded after the cursor is released; the pool holds one connection.
	for i := range projects {
		if projects[i].Members, err = s.projectMembers(ctx, projects[i].ID); err != nil {
			return nil, err
		}
	}
	return projects, nil
}

func (s *SQLiteStore) AddProjectMembers(ctx context.Context, projectID string, userIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, uid := range userIDs {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO project_members (project_id, user_id) VALUES (?, ?)", projectID, uid,
		); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE projects SET updated_at = ? WHERE id = ?", time.Now().UTC(), projectID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) IsProjectMember(ctx context.Context, projectID, userID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM project_members WHERE project_id = ? AND user_id = ?", projectID, userID,
	).Scan(&count)
	return count > 0, err
}

func (s *SQLiteStore) UpdateFileTree(ctx context.Context, projectID string, tree json.RawMessage) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE projects SET file_tree = ?, updated_at = ? WHERE id = ?",
		string(treeOrEmpty(tree)), time.Now().UTC(), projectID,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Messages ---

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO messages (id, project_id, seq, sender_id, sender_email, sender_name, content, sent_at, created_at)
		 VALUES (?, ?, (SELECT COALESCE(MAX(seq),0)+1 FROM messages WHERE project_id = ?), ?, ?, ?, ?, ?, ?)
		 RETURNING seq`,
		msg.ID, msg.ProjectID, msg.ProjectID, msg.SenderID, msg.SenderEmail, msg.SenderName,
		msg.Content, msg.SentAt, msg.CreatedAt,
	).Scan(&seq)
	if err != nil {
		return 0, sqliteErr(err)
	}
	msg.Seq = seq
	return seq, nil
}

func (s *SQLiteStore) GetMessages(ctx context.Context, projectID string, afterSeq int64, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, seq, sender_id, sender_email, sender_name, content, sent_at, created_at
		 FROM messages WHERE project_id = ? AND seq > ? ORDER BY seq LIMIT ?`,
		projectID, afterSeq, limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.Seq, &m.SenderID, &m.SenderEmail, &m.SenderName,
			&m.Content, &m.SentAt, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *SQLiteStore) GetRecentMessages(ctx context.Context, projectID string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, seq, sender_id, sender_email, sender_name, content, sent_at, created_at
		 FROM (
		   SELECT id, project_id, seq, sender_id, sender_email, sender_name, content, sent_at, created_at
		   FROM messages WHERE project_id = ? ORDER BY seq DESC LIMIT ?
		 ) recent ORDER BY seq`,
		projectID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.Seq, &m.SenderID, &m.SenderEmail, &m.SenderName,
			&m.Content, &m.SentAt, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// --- Data Retention ---

func (s *SQLiteStore) PurgeOldMessages(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM messages WHERE created_at < ?", before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
