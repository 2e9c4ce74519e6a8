package builder

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore persists builds and logs to Postgres.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(conn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", conn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS contract_builds (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    runner_image TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ,
    artifact_name TEXT,
    artifact_digest TEXT,
    message TEXT,
    error TEXT
);
ALTER TABLE contract_builds ADD COLUMN IF NOT EXISTS artifact_digest TEXT;
CREATE INDEX IF NOT EXISTS contract_builds_project_idx ON contract_builds (project_id, created_at DESC);
CREATE TABLE IF NOT EXISTS contract_build_logs (
    id BIGSERIAL PRIMARY KEY,
    build_id TEXT NOT NULL REFERENCES contract_builds(id) ON DELETE CASCADE,
    line TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *PostgresStore) Create(build Build) error {
	query := `INSERT INTO contract_builds (id, project_id, runner_image, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (id) DO UPDATE SET
    project_id = EXCLUDED.project_id,
    runner_image = EXCLUDED.runner_image,
    status = EXCLUDED.status,
    updated_at = EXCLUDED.updated_at`
	_, err := s.db.Exec(query,
		build.ID,
		build.ProjectID,
		build.RunnerImage,
		build.Status,
		build.CreatedAt,
		build.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) UpdateStatus(id string, status Status) error {
	_, err := s.db.Exec(`UPDATE contract_builds SET status=$1, updated_at=$2 WHERE id=$3`, status, time.Now().UTC(), id)
	return err
}

func (s *PostgresStore) Finish(id string, c Completion, finishedAt time.Time) error {
	query := `UPDATE contract_builds SET status=$1, updated_at=$2, finished_at=$2, artifact_name=$3, artifact_digest=$4, message=$5, error=$6 WHERE id=$7`
	_, err := s.db.Exec(query, c.Status, finishedAt, nullString(c.ArtifactName), nullString(c.ArtifactDigest), nullString(c.Message), nullString(c.Error), id)
	return err
}

func (s *PostgresStore) AppendLog(id string, line string) error {
	_, err := s.db.Exec(`INSERT INTO contract_build_logs (build_id, line) VALUES ($1,$2)`, id, line)
	return err
}

const buildColumns = `id, project_id, runner_image, status, created_at, updated_at, finished_at, artifact_name, artifact_digest, message, error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBuild(row rowScanner) (Build, error) {
	var b Build
	var finishedAt sql.NullTime
	var artifactName, artifactDigest, message, errMsg sql.NullString
	if err := row.Scan(&b.ID, &b.ProjectID, &b.RunnerImage, &b.Status, &b.CreatedAt, &b.UpdatedAt, &finishedAt, &artifactName, &artifactDigest, &message, &errMsg); err != nil {
		return Build{}, err
	}
	if finishedAt.Valid {
		b.FinishedAt = finishedAt.Time
	}
	b.ArtifactName = artifactName.String
	b.ArtifactDigest = artifactDigest.String
	b.Message = message.String
	b.Error = errMsg.String
	return b, nil
}

func (s *PostgresStore) List() ([]Build, error) {
	rows, err := s.db.Query(`SELECT ` + buildColumns + ` FROM contract_builds ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var builds []Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		builds = append(builds, b)
	}
	return builds, rows.Err()
}

func (s *PostgresStore) Get(id string) (Build, error) {
	b, err := scanBuild(s.db.QueryRow(`SELECT `+buildColumns+` FROM contract_builds WHERE id=$1`, id))
	if err == sql.ErrNoRows {
		return Build{}, ErrBuildNotFound
	}
	return b, err
}

func (s *PostgresStore) ListLogs(id string, limit int) ([]string, error) {
	rows, err := s.db.Query(`SELECT line FROM contract_build_logs WHERE build_id=$1 ORDER BY id ASC LIMIT $2`, id, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
