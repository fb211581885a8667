package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"mp3converter/models"
	"mp3converter/services"
)

type conversionFixture struct {
	broker    *memBroker
	videos    *trackingStore
	mp3s      *trackingStore
	extractor *fakeExtractor
	ledger    *fakeLedger
	scratch   string
	worker    *ConversionWorker
}

func newConversionFixture(t *testing.T) *conversionFixture {
	t.Helper()
	f := &conversionFixture{
		broker:    newMemBroker(),
		videos:    newTrackingStore(t, "videos"),
		mp3s:      newTrackingStore(t, "mp3s"),
		extractor: &fakeExtractor{},
		ledger:    &fakeLedger{},
		scratch:   t.TempDir(),
	}
	f.worker = NewConversionWorker(f.videos, f.mp3s, f.extractor, f.broker, "mp3",
		WithTempDir(f.scratch), WithConversionLedger(f.ledger))
	return f
}

func TestConversionWorker_Process(t *testing.T) {
	f := newConversionFixture(t)
	videoFID := f.videos.seed(t, "frames")
	job := models.NewJob(videoFID, "owner@example.com")

	ev, err := f.worker.Process(context.Background(), job)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if ev.VideoFID != videoFID || ev.Username != "owner@example.com" || ev.MP3FID == "" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if got := f.mp3s.read(t, ev.MP3FID); got != "mp3:frames" {
		t.Fatalf("mp3 content = %q", got)
	}

	published := f.broker.pending("mp3")
	if len(published) != 1 {
		t.Fatalf("expected 1 completion event, got %d", len(published))
	}
	decoded, err := models.DecodeCompletionEvent(published[0])
	if err != nil {
		t.Fatalf("published event does not decode: %v", err)
	}
	if decoded != ev {
		t.Fatalf("published %+v, returned %+v", decoded, ev)
	}

	if f.extractor.inputs[0][len(f.extractor.inputs[0])-len(videoFID):] != string(videoFID) {
		t.Errorf("scratch file not named after the video id: %s", f.extractor.inputs[0])
	}
	assertEmptyDir(t, f.scratch)

	if len(f.ledger.statuses) != 1 || f.ledger.statuses[0] != services.StatusConverted {
		t.Errorf("ledger statuses = %v", f.ledger.statuses)
	}
}

func TestConversionWorker_PublishFailureRollsBack(t *testing.T) {
	f := newConversionFixture(t)
	f.broker.failPublishing("mp3", errors.New("connection reset"))
	videoFID := f.videos.seed(t, "frames")

	_, err := f.worker.Process(context.Background(), models.NewJob(videoFID, "owner@example.com"))
	if !errors.Is(err, models.ErrUpstream) {
		t.Fatalf("Process() error = %v, want ErrUpstream", err)
	}
	if errors.Is(err, models.ErrRollback) {
		t.Fatalf("rollback should have succeeded: %v", err)
	}

	if len(f.mp3s.puts) != 1 {
		t.Fatalf("expected one mp3 put, got %d", len(f.mp3s.puts))
	}
	if live := f.mp3s.live(t); len(live) != 0 {
		t.Fatalf("mp3 blob survived failed publish: %v", live)
	}
	if len(f.broker.pending("mp3")) != 0 {
		t.Fatal("event published despite failure")
	}
	assertEmptyDir(t, f.scratch)
}

func TestConversionWorker_RollbackFailureLeaks(t *testing.T) {
	f := newConversionFixture(t)
	f.broker.failPublishing("mp3", errors.New("connection reset"))
	f.mp3s.deleteErr = errors.New("access denied")
	videoFID := f.videos.seed(t, "frames")

	_, err := f.worker.Process(context.Background(), models.NewJob(videoFID, "owner@example.com"))
	if !errors.Is(err, models.ErrRollback) || !errors.Is(err, models.ErrUpstream) {
		t.Fatalf("Process() error = %v, want ErrRollback and ErrUpstream", err)
	}
	if len(f.ledger.leaked) != 1 || f.ledger.leaked[0] != f.mp3s.puts[0] {
		t.Fatalf("leak not recorded: %v", f.ledger.leaked)
	}
}

func TestConversionWorker_TransformFailureLeavesStoresAlone(t *testing.T) {
	f := newConversionFixture(t)
	f.extractor.err = errors.New("moov atom not found")
	videoFID := f.videos.seed(t, "not really a video")

	_, err := f.worker.Process(context.Background(), models.NewJob(videoFID, "owner@example.com"))
	if !errors.Is(err, models.ErrTransform) {
		t.Fatalf("Process() error = %v, want ErrTransform", err)
	}

	if len(f.mp3s.puts) != 0 {
		t.Fatalf("mp3 store mutated on transform failure: %v", f.mp3s.puts)
	}
	if len(f.broker.pending("mp3")) != 0 {
		t.Fatal("event published on transform failure")
	}
	if f.videos.read(t, videoFID) != "not really a video" {
		t.Fatal("source blob changed")
	}
	assertEmptyDir(t, f.scratch)
}

func TestConversionWorker_MissingSource(t *testing.T) {
	f := newConversionFixture(t)

	_, err := f.worker.Process(context.Background(), models.NewJob("gone", "owner@example.com"))
	if !errors.Is(err, models.ErrBlobNotFound) {
		t.Fatalf("Process() error = %v, want ErrBlobNotFound", err)
	}
	if len(f.extractor.inputs) != 0 {
		t.Fatal("extractor ran without a source")
	}
	assertEmptyDir(t, f.scratch)
}

func TestConversionWorker_RedeliveryIsNotDeduplicated(t *testing.T) {
	f := newConversionFixture(t)
	job := models.NewJob(f.videos.seed(t, "frames"), "owner@example.com")

	first, err := f.worker.Process(context.Background(), job)
	if err != nil {
		t.Fatalf("first Process() error = %v", err)
	}
	second, err := f.worker.Process(context.Background(), job)
	if err != nil {
		t.Fatalf("second Process() error = %v", err)
	}

	if first.MP3FID == second.MP3FID {
		t.Fatal("expected independent result blobs")
	}
	if live := f.mp3s.live(t); len(live) != 2 {
		t.Fatalf("expected 2 mp3 blobs, got %d", len(live))
	}
	if n := len(f.broker.pending("mp3")); n != 2 {
		t.Fatalf("expected 2 events, got %d", n)
	}
}

func TestConversionWorker_Handle(t *testing.T) {
	f := newConversionFixture(t)

	tests := []struct {
		name string
		body string
		want error
	}{
		{"not json", `video please`, models.ErrValidation},
		{"no video", `{"video_fid":"","mp3_fid":null,"username":"owner@example.com"}`, models.ErrValidation},
		{"already converted", `{"video_fid":"v","mp3_fid":"m","username":"owner@example.com"}`, models.ErrValidation},
		{"unknown source", `{"video_fid":"v","mp3_fid":null,"username":"owner@example.com"}`, models.ErrBlobNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := services.NewDelivery("video", []byte(tt.body), 1, f.broker)
			if err := f.worker.Handle(context.Background(), d); !errors.Is(err, tt.want) {
				t.Fatalf("Handle() error = %v, want %v", err, tt.want)
			}
		})
	}

	videoFID := f.videos.seed(t, "frames")
	body, _ := json.Marshal(models.NewJob(videoFID, "owner@example.com"))
	if err := f.worker.Handle(context.Background(), services.NewDelivery("video", body, 1, f.broker)); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
}

func TestScratchName(t *testing.T) {
	tests := map[models.BlobID]string{
		"65f0c1":       "65f0c1",
		"../../etc/pw": "pw",
		"..":           "source",
		"":             "source",
	}
	for id, want := range tests {
		if got := scratchName(id); got != want {
			t.Errorf("scratchName(%q) = %q, want %q", id, got, want)
		}
	}
}
