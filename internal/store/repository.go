package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence contract consumed by the orchestrator and the
// HTTP API. SQLiteRepository is the production implementation.
type Store interface {
	// Positions
	QueryPositions(ctx context.Context, activeOnly bool) ([]Position, error)
	QueryPosition(ctx context.Context, x, y int) (*Position, error)
	UpsertPosition(ctx context.Context, x, y int) (*Position, error)
	DeactivatePosition(ctx context.Context, x, y int) error

	// Check history
	QueryLastCheck(ctx context.Context, positionID int64, wateredOnly bool) (*CheckRecord, error)
	QueryChecks(ctx context.Context, positionID int64, limit int) ([]CheckRecord, error)
	QueryCheck(ctx context.Context, id int64) (*CheckRecord, error)
	InsertCheck(ctx context.Context, rec *CheckRecord) (int64, error)
	UpdateCheckStage(ctx context.Context, id, stageID int64, box Box) error

	// Stage configuration
	QueryStageConfig(ctx context.Context, label string) (*StageConfig, error)
	QueryStageByID(ctx context.Context, id int64) (*StageConfig, error)
	QueryStages(ctx context.Context) ([]StageConfig, error)
	UpsertStageConfig(ctx context.Context, cfg *StageConfig) error

	// Images
	InsertImage(ctx context.Context, data []byte) (*Image, error)
	QueryImage(ctx context.Context, ref string) (*Image, error)
	QueryImageByID(ctx context.Context, id int64) (*Image, error)
	UpdateImage(ctx context.Context, id int64, data []byte) error
}

const checkColumns = `c.id, c.position_id, p.x, p.y, c.stage_id, s.stage,
		COALESCE(c.image_id, 0), COALESCE(i.ref, ''), c.box_x, c.box_y, c.box_width, c.box_height,
		c.created_at, c.watered`

const checkJoins = `FROM checks c
		JOIN positions p ON p.id = c.position_id
		JOIN stages s ON s.id = c.stage_id
		LEFT JOIN images i ON i.id = c.image_id`

const stageColumns = `id, stage, first_stage, check_period, water_period, water_duration`

// SQLiteRepository implements Store using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository. The schema
// must already be migrated.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// ─── Positions ─────────────────────────────────────────────────────────────

// QueryPositions lists positions ordered by (x, y).
func (r *SQLiteRepository) QueryPositions(ctx context.Context, activeOnly bool) ([]Position, error) {
	query := `SELECT id, x, y, active, created_at FROM positions`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY x, y`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying positions: %w", err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating positions: %w", err)
	}
	return out, nil
}

// QueryPosition returns the position at (x, y), active or not.
func (r *SQLiteRepository) QueryPosition(ctx context.Context, x, y int) (*Position, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, x, y, active, created_at FROM positions WHERE x = ? AND y = ?`, x, y)
	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPositionNotFound
		}
		return nil, err
	}
	return p, nil
}

// UpsertPosition creates the position or reactivates an existing one.
func (r *SQLiteRepository) UpsertPosition(ctx context.Context, x, y int) (*Position, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO positions (x, y, active, created_at) VALUES (?, ?, 1, ?)
		ON CONFLICT (x, y) DO UPDATE SET active = 1`,
		x, y, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("upserting position: %w", err)
	}
	return r.QueryPosition(ctx, x, y)
}

// DeactivatePosition soft-deletes the position so its history survives.
func (r *SQLiteRepository) DeactivatePosition(ctx context.Context, x, y int) error {
	res, err := r.db.ExecContext(ctx, `UPDATE positions SET active = 0 WHERE x = ? AND y = ?`, x, y)
	if err != nil {
		return fmt.Errorf("deactivating position: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // sqlite always reports
		return ErrPositionNotFound
	}
	return nil
}

// ─── Checks ────────────────────────────────────────────────────────────────

// QueryLastCheck returns the newest check for a position, optionally only
// among watered checks. Returns ErrCheckNotFound when there is none.
func (r *SQLiteRepository) QueryLastCheck(ctx context.Context, positionID int64, wateredOnly bool) (*CheckRecord, error) {
	query := `SELECT ` + checkColumns + ` ` + checkJoins + ` WHERE c.position_id = ?`
	if wateredOnly {
		query += ` AND c.watered = 1`
	}
	query += ` ORDER BY c.id DESC LIMIT 1`

	rec, err := scanCheck(r.db.QueryRowContext(ctx, query, positionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCheckNotFound
		}
		return nil, err
	}
	return rec, nil
}

// QueryChecks returns up to limit checks for a position, newest first.
// A non-positive limit returns all of them.
func (r *SQLiteRepository) QueryChecks(ctx context.Context, positionID int64, limit int) ([]CheckRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+checkColumns+` `+checkJoins+` WHERE c.position_id = ? ORDER BY c.id DESC LIMIT ?`,
		positionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying checks: %w", err)
	}
	defer rows.Close()

	var out []CheckRecord
	for rows.Next() {
		rec, err := scanCheck(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating checks: %w", err)
	}
	return out, nil
}

// QueryCheck returns a check by ID.
func (r *SQLiteRepository) QueryCheck(ctx context.Context, id int64) (*CheckRecord, error) {
	rec, err := scanCheck(r.db.QueryRowContext(ctx, `SELECT `+checkColumns+` `+checkJoins+` WHERE c.id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCheckNotFound
		}
		return nil, err
	}
	return rec, nil
}

// InsertCheck appends a check and returns its ID. rec.ID is set too.
func (r *SQLiteRepository) InsertCheck(ctx context.Context, rec *CheckRecord) (int64, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO checks (position_id, stage_id, image_id, created_at, watered, box_x, box_y, box_width, box_height)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.PositionID,
		rec.StageID,
		nullableID(rec.ImageID),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		boolToInt(rec.Watered),
		rec.Box.X, rec.Box.Y, rec.Box.Width, rec.Box.Height,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting check: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading check id: %w", err)
	}
	rec.ID = id
	return id, nil
}

// UpdateCheckStage reclassifies an existing check after re-detection.
func (r *SQLiteRepository) UpdateCheckStage(ctx context.Context, id, stageID int64, box Box) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE checks SET stage_id = ?, box_x = ?, box_y = ?, box_width = ?, box_height = ? WHERE id = ?`,
		stageID, box.X, box.Y, box.Width, box.Height, id,
	)
	if err != nil {
		return fmt.Errorf("updating check: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // sqlite always reports
		return ErrCheckNotFound
	}
	return nil
}

// ─── Stages ────────────────────────────────────────────────────────────────

// QueryStageConfig returns the config for a stage label.
func (r *SQLiteRepository) QueryStageConfig(ctx context.Context, label string) (*StageConfig, error) {
	return r.queryStage(ctx, `SELECT `+stageColumns+` FROM stages WHERE stage = ?`, label)
}

// QueryStageByID returns the config with the given ID.
func (r *SQLiteRepository) QueryStageByID(ctx context.Context, id int64) (*StageConfig, error) {
	return r.queryStage(ctx, `SELECT `+stageColumns+` FROM stages WHERE id = ?`, id)
}

func (r *SQLiteRepository) queryStage(ctx context.Context, query string, arg any) (*StageConfig, error) {
	cfg, err := scanStage(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrStageNotFound
		}
		return nil, err
	}
	return cfg, nil
}

// QueryStages lists every stage config by label.
func (r *SQLiteRepository) QueryStages(ctx context.Context) ([]StageConfig, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+stageColumns+` FROM stages ORDER BY stage`)
	if err != nil {
		return nil, fmt.Errorf("querying stages: %w", err)
	}
	defer rows.Close()

	var out []StageConfig
	for rows.Next() {
		cfg, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating stages: %w", err)
	}
	return out, nil
}

// UpsertStageConfig inserts or replaces the config for cfg.Stage and sets
// cfg.ID.
func (r *SQLiteRepository) UpsertStageConfig(ctx context.Context, cfg *StageConfig) error {
	if cfg.Stage == "" {
		return fmt.Errorf("%w: empty label", ErrInvalidStage)
	}
	if cfg.CheckPeriod < 0 || cfg.WaterPeriod < 0 || cfg.WaterDuration < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidStage)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO stages (stage, first_stage, check_period, water_period, water_duration)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (stage) DO UPDATE SET
			first_stage = excluded.first_stage,
			check_period = excluded.check_period,
			water_period = excluded.water_period,
			water_duration = excluded.water_duration`,
		cfg.Stage,
		boolToInt(cfg.FirstStage),
		int64(cfg.CheckPeriod/time.Second),
		int64(cfg.WaterPeriod/time.Second),
		cfg.WaterDuration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("upserting stage: %w", err)
	}

	stored, err := r.QueryStageConfig(ctx, cfg.Stage)
	if err != nil {
		return err
	}
	cfg.ID = stored.ID
	return nil
}

// ─── Images ────────────────────────────────────────────────────────────────

// InsertImage stores a JPEG under a fresh random reference.
func (r *SQLiteRepository) InsertImage(ctx context.Context, data []byte) (*Image, error) {
	img := &Image{
		Ref:         uuid.NewString(),
		ContentType: "image/jpeg",
		Data:        data,
		CreatedAt:   time.Now().UTC(),
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO images (ref, content_type, data, created_at) VALUES (?, ?, ?, ?)`,
		img.Ref, img.ContentType, img.Data, img.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting image: %w", err)
	}
	if img.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("reading image id: %w", err)
	}
	return img, nil
}

// QueryImage returns the image with the given public reference.
func (r *SQLiteRepository) QueryImage(ctx context.Context, ref string) (*Image, error) {
	return r.queryImage(ctx, `SELECT id, ref, content_type, data, created_at FROM images WHERE ref = ?`, ref)
}

// QueryImageByID returns the image with the given ID.
func (r *SQLiteRepository) QueryImageByID(ctx context.Context, id int64) (*Image, error) {
	return r.queryImage(ctx, `SELECT id, ref, content_type, data, created_at FROM images WHERE id = ?`, id)
}

func (r *SQLiteRepository) queryImage(ctx context.Context, query string, arg any) (*Image, error) {
	var img Image
	var createdAt string
	err := r.db.QueryRowContext(ctx, query, arg).Scan(&img.ID, &img.Ref, &img.ContentType, &img.Data, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrImageNotFound
		}
		return nil, fmt.Errorf("querying image: %w", err)
	}
	img.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // Format is controlled
	return &img, nil
}

// UpdateImage replaces the stored bytes of an image.
func (r *SQLiteRepository) UpdateImage(ctx context.Context, id int64, data []byte) error {
	res, err := r.db.ExecContext(ctx, `UPDATE images SET data = ? WHERE id = ?`, data, id)
	if err != nil {
		return fmt.Errorf("updating image: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // sqlite always reports
		return ErrImageNotFound
	}
	return nil
}

// ─── Scanning helpers ──────────────────────────────────────────────────────

type scanner interface {
	Scan(dest ...any) error
}

func scanPosition(s scanner) (*Position, error) {
	var p Position
	var active int
	var createdAt string
	if err := s.Scan(&p.ID, &p.X, &p.Y, &active, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning position: %w", err)
	}
	p.Active = active != 0
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // Format is controlled
	return &p, nil
}

func scanCheck(s scanner) (*CheckRecord, error) {
	var c CheckRecord
	var watered int
	var createdAt string
	err := s.Scan(&c.ID, &c.PositionID, &c.X, &c.Y, &c.StageID, &c.Stage,
		&c.ImageID, &c.ImageRef, &c.Box.X, &c.Box.Y, &c.Box.Width, &c.Box.Height,
		&createdAt, &watered)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning check: %w", err)
	}
	c.Watered = watered != 0
	c.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing check time %q: %w", createdAt, err)
	}
	return &c, nil
}

func scanStage(s scanner) (*StageConfig, error) {
	var cfg StageConfig
	var first int
	var checkSec, waterSec, durationMS int64
	if err := s.Scan(&cfg.ID, &cfg.Stage, &first, &checkSec, &waterSec, &durationMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning stage: %w", err)
	}
	cfg.FirstStage = first != 0
	cfg.CheckPeriod = time.Duration(checkSec) * time.Second
	cfg.WaterPeriod = time.Duration(waterSec) * time.Second
	cfg.WaterDuration = time.Duration(durationMS) * time.Millisecond
	return &cfg, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

var _ Store = (*SQLiteRepository)(nil)
