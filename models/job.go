package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// BlobID is the opaque identifier a content store hands back from Put.
type BlobID string

// Job is what the gateway pushes onto the video queue.
// No bytes here: the converter fetches the source by VideoFID.
type Job struct {
	VideoFID BlobID  `json:"video_fid" validate:"required"`
	MP3FID   *BlobID `json:"mp3_fid" validate:"isdefault"` // null until the converter stores a result
	Username string  `json:"username" validate:"required,email"`
}

// CompletionEvent is the job re-published on the mp3 queue once the audio exists.
type CompletionEvent struct {
	VideoFID BlobID `json:"video_fid" validate:"required"`
	MP3FID   BlobID `json:"mp3_fid" validate:"required"`
	Username string `json:"username" validate:"required,email"`
}

// Claims is the verified identity attached to an authenticated request.
type Claims struct {
	Username string `json:"username" validate:"required,email"`
	Admin    bool   `json:"admin"`
}

// Email is a single outbound notification.
type Email struct {
	To      string
	Subject string
	Body    string
}

// NewJob builds a conversion request for a freshly stored source blob.
func NewJob(videoFID BlobID, owner string) Job {
	return Job{VideoFID: videoFID, Username: owner}
}

// Complete records the converted blob and returns the event to publish.
func (j *Job) Complete(mp3FID BlobID) CompletionEvent {
	id := mp3FID
	j.MP3FID = &id
	return CompletionEvent{
		VideoFID: j.VideoFID,
		MP3FID:   mp3FID,
		Username: j.Username,
	}
}

var validate = newValidator()

// newValidator reports fields by their wire names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks v against its validate tags.
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %s", ErrValidation, describe(err))
	}
	return nil
}

// ValidateAddress checks that username can receive the completion email.
// Display-name forms such as "Bob <bob@x.com>" are rejected because the
// value is used verbatim as the SMTP recipient.
func ValidateAddress(username string) error {
	if err := validate.Var(username, "required,email"); err != nil {
		return fmt.Errorf("%w: username %q is not an email address", ErrValidation, username)
	}
	return nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fe.Field()+" is required")
		case "isdefault":
			parts = append(parts, fe.Field()+" must be null")
		case "email":
			parts = append(parts, fmt.Sprintf("%s %q is not an email address", fe.Field(), fe.Value()))
		default:
			parts = append(parts, fe.Field()+" failed "+fe.Tag())
		}
	}
	return strings.Join(parts, ", ")
}

// DecodeJob parses a video queue payload.
func DecodeJob(raw []byte) (Job, error) {
	var job Job
	if err := strictUnmarshal(raw, &job); err != nil {
		return Job{}, fmt.Errorf("%w: decode job: %v", ErrValidation, err)
	}
	if err := Validate(job); err != nil {
		return Job{}, fmt.Errorf("job %s: %w", job.VideoFID, err)
	}
	return job, nil
}

// DecodeCompletionEvent parses an mp3 queue payload.
func DecodeCompletionEvent(raw []byte) (CompletionEvent, error) {
	var ev CompletionEvent
	if err := strictUnmarshal(raw, &ev); err != nil {
		return CompletionEvent{}, fmt.Errorf("%w: decode completion event: %v", ErrValidation, err)
	}
	if err := Validate(ev); err != nil {
		return CompletionEvent{}, fmt.Errorf("completion event %s: %w", ev.VideoFID, err)
	}
	return ev, nil
}

func strictUnmarshal(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
