//go:build integration

package steps

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"time"

	"mp3converter/gateway"
	"mp3converter/models"
	"mp3converter/services"
	"mp3converter/worker"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/cucumber/godog"
)

const (
	videoQueue = "video"
	mp3Queue   = "mp3"
	testSecret = "integration-secret-that-is-long-enough-for-hs256"
)

// memQueue keeps published bodies per queue and can be told to refuse them.
type memQueue struct {
	mu       sync.Mutex
	messages map[string][][]byte
	refuse   map[string]bool
}

func newMemQueue() *memQueue {
	return &memQueue{messages: map[string][][]byte{}, refuse: map[string]bool{}}
}

func (q *memQueue) Publish(ctx context.Context, queue string, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.refuse[queue] {
		return fmt.Errorf("%w: %s: connection refused", models.ErrUpstream, queue)
	}
	q.messages[queue] = append(q.messages[queue], append([]byte(nil), body...))
	return nil
}

func (q *memQueue) peek(queue string) ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.messages[queue]) == 0 {
		return nil, false
	}
	return q.messages[queue][0], true
}

func (q *memQueue) pop(queue string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages[queue] = q.messages[queue][1:]
}

func (q *memQueue) depth(queue string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages[queue])
}

// blobStore tracks the ids it issued so scenarios can count live blobs.
type blobStore struct {
	services.ContentStore
	mu  sync.Mutex
	ids []models.BlobID
}

func (s *blobStore) Put(ctx context.Context, r io.Reader, contentType string) (models.BlobID, error) {
	id, err := s.ContentStore.Put(ctx, r, contentType)
	if err == nil {
		s.mu.Lock()
		s.ids = append(s.ids, id)
		s.mu.Unlock()
	}
	return id, err
}

func (s *blobStore) live() (int, error) {
	s.mu.Lock()
	ids := append([]models.BlobID(nil), s.ids...)
	s.mu.Unlock()

	n := 0
	for _, id := range ids {
		rc, err := s.ContentStore.Open(context.Background(), id)
		if errors.Is(err, models.ErrBlobNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		rc.Close()
		n++
	}
	return n, nil
}

// copyExtractor stands in for ffmpeg by prefixing the input bytes.
type copyExtractor struct {
	err error
}

func (e *copyExtractor) Extract(ctx context.Context, inputPath, outputPath string) error {
	if e.err != nil {
		return fmt.Errorf("%w: ffmpeg: %w", models.ErrTransform, e.err)
	}
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return err
	}
	return os.WriteFile(outputPath, append([]byte("mp3:"), data...), 0o644)
}

type outbox struct {
	mu   sync.Mutex
	sent []models.Email
}

func (o *outbox) Send(ctx context.Context, msg models.Email) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, msg)
	return nil
}

type pipelineContext struct {
	db        *pebble.DB
	queue     *memQueue
	videos    *blobStore
	mp3s      *blobStore
	extractor *copyExtractor
	outbox    *outbox
	scratch   string
	tokens    map[string]string
	signer    *services.JWTVerifier
	handler   http.Handler
	converter *worker.ConversionWorker
	notifier  *worker.NotificationWorker

	uploadStatus   int
	downloadStatus int
	downloadBody   string
	lastJob        []byte
	convertErr     error
}

// SharedPipelineContext is reset before each scenario via Before hook
var SharedPipelineContext *pipelineContext

func getPipelineContext() *pipelineContext {
	return SharedPipelineContext
}

func InitializePipelineScenario(ctx *godog.ScenarioContext) {
	ctx.Before(func(c context.Context, sc *godog.Scenario) (context.Context, error) {
		SharedPipelineContext = &pipelineContext{tokens: map[string]string{}}
		return c, nil
	})

	ctx.After(func(c context.Context, sc *godog.Scenario, err error) (context.Context, error) {
		p := getPipelineContext()
		if p != nil && p.db != nil {
			p.db.Close()
		}
		if p != nil && p.scratch != "" {
			os.RemoveAll(p.scratch)
		}
		SharedPipelineContext = nil
		return c, nil
	})

	ctx.Step(`^the pipeline is running$`, thePipelineIsRunning)
	ctx.Step(`^"([^"]*)" holds an admin token$`, holdsAnAdminToken)
	ctx.Step(`^"([^"]*)" holds a user token$`, holdsAUserToken)
	ctx.Step(`^"([^"]*)" uploads a video containing "([^"]*)"$`, uploadsAVideoContaining)
	ctx.Step(`^"([^"]*)" has uploaded a video containing "([^"]*)"$`, hasUploadedAVideoContaining)
	ctx.Step(`^the upload response status should be (\d+)$`, theUploadResponseStatusShouldBe)
	ctx.Step(`^(\d+) jobs? should be waiting on the video queue$`, jobsShouldBeWaitingOnTheVideoQueue)
	ctx.Step(`^(\d+) events? should be waiting on the mp3 queue$`, eventsShouldBeWaitingOnTheMP3Queue)
	ctx.Step(`^the (video|mp3) queue rejects messages$`, theQueueRejectsMessages)
	ctx.Step(`^the mp3 queue recovers$`, theMP3QueueRecovers)
	ctx.Step(`^ffmpeg cannot decode the input$`, ffmpegCannotDecodeTheInput)
	ctx.Step(`^the converter processes the next job$`, theConverterProcessesTheNextJob)
	ctx.Step(`^the converter processes the same job again$`, theConverterProcessesTheSameJobAgain)
	ctx.Step(`^the conversion should fail$`, theConversionShouldFail)
	ctx.Step(`^the conversion should fail with a transform error$`, theConversionShouldFailWithATransformError)
	ctx.Step(`^the notifier processes the next event$`, theNotifierProcessesTheNextEvent)
	ctx.Step(`^"([^"]*)" should receive an email with subject "([^"]*)"$`, shouldReceiveAnEmailWithSubject)
	ctx.Step(`^the email should name the stored mp3$`, theEmailShouldNameTheStoredMP3)
	ctx.Step(`^"([^"]*)" downloads the stored mp3$`, downloadsTheStoredMP3)
	ctx.Step(`^"([^"]*)" downloads "([^"]*)"$`, downloads)
	ctx.Step(`^the download response status should be (\d+)$`, theDownloadResponseStatusShouldBe)
	ctx.Step(`^the downloaded audio should be "([^"]*)"$`, theDownloadedAudioShouldBe)
	ctx.Step(`^the (video|mp3) store should be empty$`, theStoreShouldBeEmpty)
	ctx.Step(`^the mp3 store should hold (\d+) blobs?$`, theMP3StoreShouldHoldBlobs)
}

func thePipelineIsRunning() error {
	p := getPipelineContext()

	db, err := services.OpenPebble("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return err
	}
	p.db = db

	scratch, err := os.MkdirTemp("", "pipeline-feature-*")
	if err != nil {
		return err
	}
	p.scratch = scratch

	signer, err := services.NewJWTVerifier(testSecret, "mp3converter")
	if err != nil {
		return err
	}
	p.signer = signer

	p.queue = newMemQueue()
	p.videos = &blobStore{ContentStore: services.NewPebbleStore(db, "videos")}
	p.mp3s = &blobStore{ContentStore: services.NewPebbleStore(db, "mp3s")}
	p.extractor = &copyExtractor{}
	p.outbox = &outbox{}

	orchestrator := gateway.NewUploadOrchestrator(p.videos, p.queue, videoQueue, nil)
	p.handler = gateway.NewHandler(orchestrator, p.mp3s, signer, nil, 4).Routes()
	p.converter = worker.NewConversionWorker(p.videos, p.mp3s, p.extractor, p.queue, mp3Queue, worker.WithTempDir(scratch))
	p.notifier = worker.NewNotificationWorker(p.outbox, nil)
	return nil
}

func issueToken(username string, admin bool) error {
	p := getPipelineContext()
	token, err := p.signer.Sign(models.Claims{Username: username, Admin: admin}, time.Hour)
	if err != nil {
		return err
	}
	p.tokens[username] = token
	return nil
}

func holdsAnAdminToken(username string) error {
	return issueToken(username, true)
}

func holdsAUserToken(username string) error {
	return issueToken(username, false)
}

func uploadsAVideoContaining(username, content string) error {
	p := getPipelineContext()

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	part, err := mw.CreateFormFile("video", "clip.mp4")
	if err != nil {
		return err
	}
	if _, err := part.Write([]byte(content)); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+p.tokens[username])
	rec := httptest.NewRecorder()
	p.handler.ServeHTTP(rec, req)

	p.uploadStatus = rec.Code
	return nil
}

func hasUploadedAVideoContaining(username, content string) error {
	if err := uploadsAVideoContaining(username, content); err != nil {
		return err
	}
	return theUploadResponseStatusShouldBe(http.StatusOK)
}

func theUploadResponseStatusShouldBe(status int) error {
	p := getPipelineContext()
	if p.uploadStatus != status {
		return fmt.Errorf("upload status = %d, want %d", p.uploadStatus, status)
	}
	return nil
}

func jobsShouldBeWaitingOnTheVideoQueue(n int) error {
	if got := getPipelineContext().queue.depth(videoQueue); got != n {
		return fmt.Errorf("video queue depth = %d, want %d", got, n)
	}
	return nil
}

func eventsShouldBeWaitingOnTheMP3Queue(n int) error {
	if got := getPipelineContext().queue.depth(mp3Queue); got != n {
		return fmt.Errorf("mp3 queue depth = %d, want %d", got, n)
	}
	return nil
}

func theQueueRejectsMessages(queue string) error {
	p := getPipelineContext()
	p.queue.mu.Lock()
	defer p.queue.mu.Unlock()
	p.queue.refuse[queue] = true
	return nil
}

func theMP3QueueRecovers() error {
	p := getPipelineContext()
	p.queue.mu.Lock()
	defer p.queue.mu.Unlock()
	delete(p.queue.refuse, mp3Queue)
	return nil
}

func ffmpegCannotDecodeTheInput() error {
	getPipelineContext().extractor.err = errors.New("invalid data found when processing input")
	return nil
}

// theConverterProcessesTheNextJob settles like the worker pool does: the job
// leaves the queue only when handling succeeds.
func theConverterProcessesTheNextJob() error {
	p := getPipelineContext()
	body, ok := p.queue.peek(videoQueue)
	if !ok {
		return errors.New("video queue is empty")
	}
	p.lastJob = body
	p.convertErr = p.converter.Handle(context.Background(), services.NewDelivery(videoQueue, body, 1, nil))
	if p.convertErr == nil {
		p.queue.pop(videoQueue)
	}
	return nil
}

func theConverterProcessesTheSameJobAgain() error {
	p := getPipelineContext()
	if p.lastJob == nil {
		return errors.New("no job was processed yet")
	}
	p.convertErr = p.converter.Handle(context.Background(), services.NewDelivery(videoQueue, p.lastJob, 2, nil))
	if p.convertErr != nil {
		return fmt.Errorf("redelivered job failed: %w", p.convertErr)
	}
	p.queue.pop(videoQueue)
	return nil
}

func theConversionShouldFail() error {
	if getPipelineContext().convertErr == nil {
		return errors.New("conversion succeeded, expected a failure")
	}
	return nil
}

func theConversionShouldFailWithATransformError() error {
	err := getPipelineContext().convertErr
	if !errors.Is(err, models.ErrTransform) {
		return fmt.Errorf("conversion error = %v, want a transform error", err)
	}
	return nil
}

func theNotifierProcessesTheNextEvent() error {
	p := getPipelineContext()
	body, ok := p.queue.peek(mp3Queue)
	if !ok {
		return errors.New("mp3 queue is empty")
	}
	if err := p.notifier.Handle(context.Background(), services.NewDelivery(mp3Queue, body, 1, nil)); err != nil {
		return err
	}
	p.queue.pop(mp3Queue)
	return nil
}

func lastEmail() (models.Email, error) {
	o := getPipelineContext().outbox
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.sent) == 0 {
		return models.Email{}, errors.New("no email was sent")
	}
	return o.sent[len(o.sent)-1], nil
}

func shouldReceiveAnEmailWithSubject(to, subject string) error {
	msg, err := lastEmail()
	if err != nil {
		return err
	}
	if msg.To != to || msg.Subject != subject {
		return fmt.Errorf("sent %q to %q, want %q to %q", msg.Subject, msg.To, subject, to)
	}
	return nil
}

func storedMP3() (models.BlobID, error) {
	p := getPipelineContext()
	p.mp3s.mu.Lock()
	defer p.mp3s.mu.Unlock()
	if len(p.mp3s.ids) == 0 {
		return "", errors.New("no mp3 was stored")
	}
	return p.mp3s.ids[len(p.mp3s.ids)-1], nil
}

func theEmailShouldNameTheStoredMP3() error {
	msg, err := lastEmail()
	if err != nil {
		return err
	}
	id, err := storedMP3()
	if err != nil {
		return err
	}
	if want := fmt.Sprintf("mp3 file_id: %s is now ready!", id); msg.Body != want {
		return fmt.Errorf("email body = %q, want %q", msg.Body, want)
	}
	return nil
}

func downloadsTheStoredMP3(username string) error {
	id, err := storedMP3()
	if err != nil {
		return err
	}
	return downloads(username, string(id))
}

func downloads(username, fid string) error {
	p := getPipelineContext()
	target := "/download"
	if fid != "" {
		target += "?fid=" + fid
	}
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("Authorization", "Bearer "+p.tokens[username])
	rec := httptest.NewRecorder()
	p.handler.ServeHTTP(rec, req)

	p.downloadStatus = rec.Code
	p.downloadBody = rec.Body.String()
	return nil
}

func theDownloadResponseStatusShouldBe(status int) error {
	p := getPipelineContext()
	if p.downloadStatus != status {
		return fmt.Errorf("download status = %d, want %d", p.downloadStatus, status)
	}
	return nil
}

func theDownloadedAudioShouldBe(want string) error {
	if got := getPipelineContext().downloadBody; got != want {
		return fmt.Errorf("downloaded %q, want %q", got, want)
	}
	return nil
}

func storeNamed(name string) *blobStore {
	p := getPipelineContext()
	if name == "video" {
		return p.videos
	}
	return p.mp3s
}

func theStoreShouldBeEmpty(name string) error {
	n, err := storeNamed(name).live()
	if err != nil {
		return err
	}
	if n != 0 {
		return fmt.Errorf("%s store holds %d blobs, want none", name, n)
	}
	return nil
}

func theMP3StoreShouldHoldBlobs(n int) error {
	got, err := getPipelineContext().mp3s.live()
	if err != nil {
		return err
	}
	if got != n {
		return fmt.Errorf("mp3 store holds %d blobs, want %d", got, n)
	}
	if entries, err := os.ReadDir(filepath.Clean(getPipelineContext().scratch)); err == nil && len(entries) != 0 {
		return fmt.Errorf("scratch directory not cleaned: %d entries", len(entries))
	}
	return nil
}
