package services

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"mp3converter/models"

	_ "github.com/lib/pq"
)

// Conversion statuses recorded in the ledger.
const (
	StatusQueued    = "queued"
	StatusConverted = "converted"
	StatusNotified  = "notified"
)

// statusOrder is the only direction a conversion's status may move. Stages
// write independently, so a late "queued" must not overwrite "converted".
var statusOrder = []string{StatusQueued, StatusConverted, StatusNotified}

// statusRankSQL renders a CASE expression ranking col by statusOrder.
func statusRankSQL(col string) string {
	var b strings.Builder
	b.WriteString("CASE " + col)
	for i, st := range statusOrder {
		fmt.Fprintf(&b, " WHEN '%s' THEN %d", st, i)
	}
	b.WriteString(" ELSE -1 END")
	return b.String()
}

var upsertConversion = fmt.Sprintf(`
INSERT INTO conversions (video_fid, username, status, mp3_fid, created_at, updated_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $5, $6)
ON CONFLICT (video_fid) DO UPDATE SET
	status = CASE WHEN (%s) >= (%s) THEN EXCLUDED.status ELSE conversions.status END,
	mp3_fid = COALESCE(EXCLUDED.mp3_fid, conversions.mp3_fid),
	updated_at = EXCLUDED.updated_at,
	completed_at = COALESCE(EXCLUDED.completed_at, conversions.completed_at)`,
	statusRankSQL("EXCLUDED.status"), statusRankSQL("conversions.status"))

const schema = `
CREATE TABLE IF NOT EXISTS conversions (
	video_fid     TEXT PRIMARY KEY,
	username      TEXT NOT NULL,
	status        TEXT NOT NULL,
	mp3_fid       TEXT,
	retry_count   INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	completed_at  TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS leaked_blobs (
	id         BIGSERIAL PRIMARY KEY,
	store      TEXT NOT NULL,
	blob_id    TEXT NOT NULL,
	reason     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);`

// DatabaseService is the conversion ledger. It is bookkeeping only: the
// pipeline's correctness never depends on a ledger write succeeding.
type DatabaseService struct {
	db *sql.DB
}

func NewDatabaseService(databaseURL string) (*DatabaseService, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DatabaseService{db: db}, nil
}

func (d *DatabaseService) EnsureSchema(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create ledger schema: %w", err)
	}
	return nil
}

// RecordConversion upserts the job's status. Status only moves forward;
// mp3_fid and completed_at are kept from whichever write supplied them.
func (d *DatabaseService) RecordConversion(ctx context.Context, job models.Job, status string) error {
	now := time.Now()

	var mp3FID sql.NullString
	if job.MP3FID != nil {
		mp3FID = sql.NullString{String: string(*job.MP3FID), Valid: true}
	}

	var completedAt sql.NullTime
	if status == StatusConverted {
		completedAt = sql.NullTime{Time: now, Valid: true}
	}

	_, err := d.db.ExecContext(ctx, upsertConversion, string(job.VideoFID), job.Username, status, mp3FID, now, completedAt)
	return err
}

// RecordFailure stores the last error and counts the retry.
func (d *DatabaseService) RecordFailure(ctx context.Context, videoFID models.BlobID, errorMsg string) error {
	query := `UPDATE conversions SET error_message = $1, retry_count = retry_count + 1, updated_at = $2 WHERE video_fid = $3`
	_, err := d.db.ExecContext(ctx, query, errorMsg, time.Now(), string(videoFID))
	return err
}

// RecordLeakedBlob registers a blob a failed rollback left behind, for operator cleanup.
func (d *DatabaseService) RecordLeakedBlob(ctx context.Context, store string, id models.BlobID, reason string) error {
	query := `INSERT INTO leaked_blobs (store, blob_id, reason, created_at) VALUES ($1, $2, $3, $4)`
	_, err := d.db.ExecContext(ctx, query, store, string(id), reason, time.Now())
	return err
}

func (d *DatabaseService) Close() error {
	return d.db.Close()
}
