package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/layerx/content-processing-service/internal/domain/entity"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type ProgressRepository struct {
	pool *pgxpool.Pool
}

func NewProgressRepository(pool *pgxpool.Pool) *ProgressRepository {
	return &ProgressRepository{pool: pool}
}

const progressColumns = `id, project_id, source_file_path, request_type, annotation_version,
			status, progress, task_count, frames_per_task, frame_rate,
			error_message, created_at, updated_at, finished_at, task_ids`

func (r *ProgressRepository) Create(ctx context.Context, rec *entity.ProgressRecord) error {
	query := `
		INSERT INTO content_uploads (` + progressColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`

	_, err := r.pool.Exec(ctx, query,
		rec.ID, rec.ProjectID.Hex(), rec.SourceFilePath, int(rec.RequestType), rec.AnnotationVersion,
		int(rec.Status), rec.Progress, rec.TaskCount, rec.FramesPerTask, rec.FrameRate,
		rec.ErrorMessage, rec.CreatedAt, rec.UpdatedAt, rec.FinishedAt, hexIDs(rec.TaskIDs),
	)
	if err != nil {
		return fmt.Errorf("insert progress record: %w: %w", entity.ErrWrite, err)
	}
	return nil
}

func (r *ProgressRepository) Update(ctx context.Context, rec *entity.ProgressRecord) error {
	query := `
		UPDATE content_uploads SET
			status=$2, progress=$3, task_count=$4, error_message=$5,
			updated_at=$6, finished_at=$7
		WHERE id=$1`

	tag, err := r.pool.Exec(ctx, query,
		rec.ID, int(rec.Status), rec.Progress, rec.TaskCount, rec.ErrorMessage,
		rec.UpdatedAt, rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("update progress record: %w: %w", entity.ErrWrite, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update progress record %s: %w", rec.ID, entity.ErrNotFound)
	}
	return nil
}

func (r *ProgressRepository) UpdateProgress(ctx context.Context, id uuid.UUID, progress float64, taskCount int) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE content_uploads SET progress=$2, task_count=$3, updated_at=now() WHERE id=$1`,
		id, progress, taskCount,
	)
	if err != nil {
		return fmt.Errorf("update progress: %w: %w", entity.ErrWrite, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update progress %s: %w", id, entity.ErrNotFound)
	}
	return nil
}

func (r *ProgressRepository) FindByID(ctx context.Context, id uuid.UUID) (*entity.ProgressRecord, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+progressColumns+` FROM content_uploads WHERE id=$1`, id)
	rec, err := scanProgress(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("find progress record %s: %w", id, entity.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find progress record: %w: %w", entity.ErrRead, err)
	}
	return rec, nil
}

func (r *ProgressRepository) FindBySource(ctx context.Context, projectID primitive.ObjectID, source string) ([]*entity.ProgressRecord, error) {
	return r.query(ctx,
		`SELECT `+progressColumns+` FROM content_uploads WHERE project_id=$1 AND source_file_path=$2 ORDER BY created_at`,
		projectID.Hex(), source,
	)
}

func (r *ProgressRepository) ListPending(ctx context.Context) ([]*entity.ProgressRecord, error) {
	return r.query(ctx,
		`SELECT `+progressColumns+` FROM content_uploads WHERE status=$1 ORDER BY created_at`,
		int(entity.ProgressPending),
	)
}

func (r *ProgressRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM content_uploads WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete progress record: %w: %w", entity.ErrWrite, err)
	}
	return nil
}

func (r *ProgressRepository) query(ctx context.Context, sql string, args ...any) ([]*entity.ProgressRecord, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query progress records: %w: %w", entity.ErrRead, err)
	}
	defer rows.Close()

	var out []*entity.ProgressRecord
	for rows.Next() {
		rec, err := scanProgress(rows)
		if err != nil {
			return nil, fmt.Errorf("scan progress record: %w: %w", entity.ErrRead, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate progress records: %w: %w", entity.ErrRead, err)
	}
	return out, nil
}

func scanProgress(row pgx.Row) (*entity.ProgressRecord, error) {
	rec := &entity.ProgressRecord{}
	var projectHex string
	var taskHexes []string
	var reqType, status int
	err := row.Scan(
		&rec.ID, &projectHex, &rec.SourceFilePath, &reqType, &rec.AnnotationVersion,
		&status, &rec.Progress, &rec.TaskCount, &rec.FramesPerTask, &rec.FrameRate,
		&rec.ErrorMessage, &rec.CreatedAt, &rec.UpdatedAt, &rec.FinishedAt, &taskHexes,
	)
	if err != nil {
		return nil, err
	}
	projectID, err := entity.ParseObjectID(projectHex)
	if err != nil {
		return nil, err
	}
	rec.ProjectID = projectID
	for _, h := range taskHexes {
		id, err := entity.ParseObjectID(h)
		if err != nil {
			return nil, err
		}
		rec.TaskIDs = append(rec.TaskIDs, id)
	}
	rec.RequestType = entity.RequestType(reqType)
	rec.Status = entity.ProgressStatus(status)
	return rec, nil
}

func hexIDs(ids []primitive.ObjectID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.Hex())
	}
	return out
}
