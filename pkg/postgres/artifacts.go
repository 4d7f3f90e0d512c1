package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"

	"github.com/witlox/dmfgate/internal/dmf"
	"github.com/witlox/dmfgate/pkg/errors"
	"github.com/witlox/dmfgate/pkg/models"
)

// ArtifactRepository implements dmf.ArtifactManagement and serves artifact
// content for download redemption.
type ArtifactRepository struct {
	db *DB
}

// NewArtifactRepository creates a new artifact repository.
func NewArtifactRepository(db *DB) *ArtifactRepository {
	return &ArtifactRepository{db: db}
}

var _ dmf.ArtifactManagement = (*ArtifactRepository)(nil)

const artifactColumns = `id, tenant, software_module_id, filename, size, sha1, md5, sha256, last_modified`

func queryArtifacts(ctx context.Context, q queryer, where string, args ...any) ([]*models.Artifact, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+artifactColumns+` FROM artifacts `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var artifacts []*models.Artifact
	for rows.Next() {
		a := &models.Artifact{}
		if err := rows.Scan(&a.ID, &a.Tenant, &a.SoftwareModuleID, &a.Filename, &a.Size,
			&a.SHA1, &a.MD5, &a.SHA256, &a.LastModified); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

func (r *ArtifactRepository) findOne(ctx context.Context, where string, args ...any) (*models.Artifact, error) {
	tenant, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	artifacts, err := queryArtifacts(ctx, r.db, `WHERE tenant = $1 AND `+where+` ORDER BY id LIMIT 1`,
		append([]any{tenant}, args...)...)
	if err != nil {
		return nil, err
	}
	if len(artifacts) == 0 {
		return nil, errors.ErrNotFound
	}
	return artifacts[0], nil
}

// FindArtifactBySHA1 returns the first artifact with the given hash.
func (r *ArtifactRepository) FindArtifactBySHA1(ctx context.Context, sha1 string) (*models.Artifact, error) {
	return r.findOne(ctx, `sha1 = $2`, sha1)
}

// FindArtifactByFilename returns the first artifact with the given name.
func (r *ArtifactRepository) FindArtifactByFilename(ctx context.Context, filename string) (*models.Artifact, error) {
	return r.findOne(ctx, `filename = $2`, filename)
}

// FindArtifactByModuleFilename returns the named artifact of a module.
func (r *ArtifactRepository) FindArtifactByModuleFilename(ctx context.Context, moduleID int64, filename string) (*models.Artifact, error) {
	return r.findOne(ctx, `software_module_id = $2 AND filename = $3`, moduleID, filename)
}

// OpenArtifact returns the artifact with the given hash and its content.
func (r *ArtifactRepository) OpenArtifact(ctx context.Context, sha1 string) (*models.Artifact, io.ReadCloser, error) {
	art, err := r.FindArtifactBySHA1(ctx, sha1)
	if err != nil {
		return nil, nil, err
	}
	var content []byte
	err = r.db.QueryRowContext(ctx,
		`SELECT content FROM artifact_binaries WHERE tenant = $1 AND sha1 = $2`,
		art.Tenant, sha1,
	).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read artifact content: %w", err)
	}
	return art, io.NopCloser(bytes.NewReader(content)), nil
}
