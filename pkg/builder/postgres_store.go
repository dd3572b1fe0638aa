package builder

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/keelhq/forge/pkg/buildspec"
)

// PostgresStore persists build records and their logs.
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
CREATE TABLE IF NOT EXISTS forge_builds (
    id TEXT PRIMARY KEY,
    context_dir TEXT NOT NULL,
    spec JSONB NOT NULL,
    tag TEXT,
    status TEXT NOT NULL,
    image_digest TEXT,
    image_path TEXT,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ,
    error TEXT
);
CREATE TABLE IF NOT EXISTS forge_build_logs (
    id BIGSERIAL PRIMARY KEY,
    build_id TEXT NOT NULL REFERENCES forge_builds(id) ON DELETE CASCADE,
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
	spec, err := json.Marshal(build.Spec)
	if err != nil {
		return fmt.Errorf("encode build spec: %w", err)
	}
	query := `INSERT INTO forge_builds (id, context_dir, spec, tag, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (id) DO UPDATE SET
    context_dir = EXCLUDED.context_dir,
    spec = EXCLUDED.spec,
    tag = EXCLUDED.tag,
    status = EXCLUDED.status,
    updated_at = EXCLUDED.updated_at`
	_, err = s.db.Exec(query,
		build.ID,
		build.ContextDir,
		spec,
		nullable(build.Tag),
		build.Status,
		build.CreatedAt,
		build.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) UpdateStatus(id string, status Status, finishedAt *time.Time, errMsg string) error {
	query := `UPDATE forge_builds SET status=$1, updated_at=$2, finished_at=$3, error=$4 WHERE id=$5`
	_, err := s.db.Exec(query, status, time.Now().UTC(), finishedAt, nullable(errMsg), id)
	return err
}

func (s *PostgresStore) SetImage(id, digest, layoutPath string) error {
	query := `UPDATE forge_builds SET image_digest=$1, image_path=$2, updated_at=$3 WHERE id=$4`
	_, err := s.db.Exec(query, digest, layoutPath, time.Now().UTC(), id)
	return err
}

func (s *PostgresStore) AppendLog(id string, line string) error {
	_, err := s.db.Exec(`INSERT INTO forge_build_logs (build_id, line) VALUES ($1,$2)`, id, line)
	return err
}

const buildColumns = `id, context_dir, spec, tag, status, image_digest, image_path, created_at, updated_at, finished_at, error`

func (s *PostgresStore) List() ([]Build, error) {
	rows, err := s.db.Query(`SELECT ` + buildColumns + ` FROM forge_builds ORDER BY created_at DESC`)
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
	row := s.db.QueryRow(`SELECT `+buildColumns+` FROM forge_builds WHERE id=$1`, id)
	b, err := scanBuild(row)
	if err == sql.ErrNoRows {
		return Build{}, ErrNotFound
	}
	if err != nil {
		return Build{}, err
	}
	return b, nil
}

func (s *PostgresStore) ListLogs(id string, limit int) ([]string, error) {
	rows, err := s.db.Query(`SELECT line FROM forge_build_logs WHERE build_id=$1 ORDER BY id ASC LIMIT $2`, id, limit)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBuild(row rowScanner) (Build, error) {
	var (
		b          Build
		specRaw    []byte
		tag        sql.NullString
		digest     sql.NullString
		imagePath  sql.NullString
		finishedAt sql.NullTime
		errMsg     sql.NullString
	)
	if err := row.Scan(&b.ID, &b.ContextDir, &specRaw, &tag, &b.Status, &digest, &imagePath, &b.CreatedAt, &b.UpdatedAt, &finishedAt, &errMsg); err != nil {
		return Build{}, err
	}
	var spec buildspec.Spec
	if err := json.Unmarshal(specRaw, &spec); err != nil {
		return Build{}, fmt.Errorf("decode build spec: %w", err)
	}
	b.Spec = spec
	if tag.Valid {
		b.Tag = tag.String
	}
	if digest.Valid {
		b.ImageDigest = digest.String
	}
	if imagePath.Valid {
		b.ImagePath = imagePath.String
	}
	if finishedAt.Valid {
		b.FinishedAt = finishedAt.Time
	}
	if errMsg.Valid {
		b.Error = errMsg.String
	}
	return b, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
