package services

import (
	"context"
	"os"
	"strings"
	"testing"

	"mp3converter/models"

	"github.com/google/uuid"
)

func TestStatusRankSQL(t *testing.T) {
	got := statusRankSQL("EXCLUDED.status")
	want := "CASE EXCLUDED.status WHEN 'queued' THEN 0 WHEN 'converted' THEN 1 WHEN 'notified' THEN 2 ELSE -1 END"
	if got != want {
		t.Fatalf("statusRankSQL() = %q, want %q", got, want)
	}
	if !strings.Contains(upsertConversion, "THEN EXCLUDED.status ELSE conversions.status END") {
		t.Fatalf("upsert does not guard status:\n%s", upsertConversion)
	}
}

// These tests talk to a real Postgres and are skipped unless DATABASE_TEST_URL is set.
func newTestLedger(t *testing.T) *DatabaseService {
	t.Helper()

	url := os.Getenv("DATABASE_TEST_URL")
	if url == "" {
		t.Skip("DATABASE_TEST_URL not set")
	}

	d, err := NewDatabaseService(url)
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	if err := d.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	return d
}

func ledgerRow(t *testing.T, d *DatabaseService, videoFID models.BlobID) (status, mp3FID string) {
	t.Helper()
	var mp3 *string
	err := d.db.QueryRowContext(context.Background(),
		`SELECT status, mp3_fid FROM conversions WHERE video_fid = $1`, string(videoFID)).Scan(&status, &mp3)
	if err != nil {
		t.Fatalf("read ledger row: %v", err)
	}
	if mp3 != nil {
		mp3FID = *mp3
	}
	return status, mp3FID
}

func TestDatabaseService_StatusOnlyMovesForward(t *testing.T) {
	d := newTestLedger(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		writes     []string
		wantStatus string
	}{
		{"in order", []string{StatusQueued, StatusConverted, StatusNotified}, StatusNotified},
		{"converter beats gateway", []string{StatusConverted, StatusQueued}, StatusConverted},
		{"notifier beats converter", []string{StatusQueued, StatusNotified, StatusConverted}, StatusNotified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := models.NewJob(models.BlobID("test-"+uuid.NewString()), "owner@example.com")
			t.Cleanup(func() {
				_, _ = d.db.ExecContext(ctx, `DELETE FROM conversions WHERE video_fid = $1`, string(job.VideoFID))
			})

			for _, st := range tt.writes {
				j := job
				if st != StatusQueued {
					j.Complete("mp3-1")
				}
				if err := d.RecordConversion(ctx, j, st); err != nil {
					t.Fatalf("RecordConversion(%s) error = %v", st, err)
				}
			}

			status, mp3 := ledgerRow(t, d, job.VideoFID)
			if status != tt.wantStatus {
				t.Fatalf("status = %q, want %q", status, tt.wantStatus)
			}
			if mp3 != "mp3-1" {
				t.Fatalf("mp3_fid = %q, want mp3-1", mp3)
			}
		})
	}
}
