package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT UNIQUE NOT NULL,
			user_name TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			file_tree JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS project_members (
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (project_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_project_members_user_id ON project_members(user_id)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			seq BIGINT NOT NULL,
			sender_id TEXT NOT NULL,
			sender_email TEXT NOT NULL DEFAULT '',
			sender_name TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			sent_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(project_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func pgErr(err error) error {
	var pe *pgconn.PgError
	if errors.As(err, &pe) && pe.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicate, pe.ConstraintName)
	}
	return err
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, email, user_name, password_hash, created_at) VALUES ($1, $2, $3, $4, $5)",
		user.ID, user.Email, user.UserName, user.PasswordHash, user.CreatedAt,
	)
	return pgErr(err)
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, email, user_name, password_hash, created_at FROM users WHERE email = $1", email,
	).Scan(&u.ID, &u.Email, &u.UserName, &u.PasswordHash, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, email, user_name, password_hash, created_at FROM users WHERE id = $1", id,
	).Scan(&u.ID, &u.Email, &u.UserName, &u.PasswordHash, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *PostgresStore) ListUsersExcept(ctx context.Context, userID string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, email, user_name, created_at FROM users WHERE id <> $1 ORDER BY created_at", userID,
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

func (s *PostgresStore) CreateProject(ctx context.Context, p *Project) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	tree := treeOrEmpty(p.FileTree)
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO projects (id, name, file_tree, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)",
		p.ID, p.Name, string(tree), p.CreatedAt, p.UpdatedAt,
	); err != nil {
		return pgErr(err)
	}
	for _, uid := range p.Members {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO project_members (project_id, user_id) VALUES ($1, $2)
			 ON CONFLICT (project_id, user_id) DO NOTHING`, p.ID, uid,
		); err != nil {
			return err
		}
	}
	p.FileTree = tree
	return tx.Commit()
}

func (s *PostgresStore) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	var tree string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, file_tree::text, created_at, updated_at FROM projects WHERE id = $1", id,
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

func (s *PostgresStore) projectMembers(ctx context.Context, projectID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id FROM project_members WHERE project_id = $1 ORDER BY created_at, user_id", projectID,
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

func (s *PostgresStore) ListProjectsByUser(ctx context.Context, userID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.id, p.name, p.file_tree::text, p.created_at, p.updated_at
		 FROM projects p JOIN project_members m ON m.project_id = p.id
		 WHERE m.user_id = $1 ORDER BY p.created_at`, userID,
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

	for i := range projects {
		if projects[i].Members, err = s.projectMembers(ctx, projects[i].ID); err != nil {
			return nil, err
		}
	}
	return projects, nil
}

func (s *PostgresStore) AddProjectMembers(ctx context.Context, projectID string, userIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, uid := range userIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO project_members (project_id, user_id) VALUES ($1, $2)
			 ON CONFLICT (project_id, user_id) DO NOTHING`, projectID, uid,
		); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE projects SET updated_at = NOW() WHERE id = $1", projectID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) IsProjectMember(ctx context.Context, projectID, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM project_members WHERE project_id = $1 AND user_id = $2)", projectID, userID,
	).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) UpdateFileTree(ctx context.Context, projectID string, tree json.RawMessage) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE projects SET file_tree = $1, updated_at = NOW() WHERE id = $2",
		string(treeOrEmpty(tree)), projectID,
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

// AppendMessage assigns the next per-project seq. Appends to one project are
// serialized by a transaction-scoped advisory lock: under READ COMMITTED two
// concurrent MAX(seq)+1 reads would otherwise collide on UNIQUE(project_id, seq).
func (s *PostgresStore) AppendMessage(ctx context.Context, msg *Message) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, msg.ProjectID); err != nil {
		return 0, fmt.Errorf("lock project log: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO messages (id, project_id, seq, sender_id, sender_email, sender_name, content, sent_at, created_at)
		 VALUES ($1, $2, (SELECT COALESCE(MAX(seq),0)+1 FROM messages WHERE project_id = $3), $4, $5, $6, $7, $8, $9)
		 RETURNING seq`,
		msg.ID, msg.ProjectID, msg.ProjectID, msg.SenderID, msg.SenderEmail, msg.SenderName,
		msg.Content, msg.SentAt, msg.CreatedAt,
	).Scan(&seq)
	if err != nil {
		return 0, pgErr(err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	msg.Seq = seq
	return seq, nil
}

func (s *PostgresStore) GetMessages(ctx context.Context, projectID string, afterSeq int64, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, seq, sender_id, sender_email, sender_name, content, sent_at, created_at
		 FROM messages WHERE project_id = $1 AND seq > $2 ORDER BY seq LIMIT $3`,
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

func (s *PostgresStore) GetRecentMessages(ctx context.Context, projectID string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, seq, sender_id, sender_email, sender_name, content, sent_at, created_at
		 FROM (
		   SELECT id, project_id, seq, sender_id, sender_email, sender_name, content, sent_at, created_at
		   FROM messages WHERE project_id = $1 ORDER BY seq DESC LIMIT $2
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

func (s *PostgresStore) PurgeOldMessages(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM messages WHERE created_at < $1", before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
