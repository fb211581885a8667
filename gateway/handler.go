package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"mp3converter/models"
	"mp3converter/services"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Uploader is the ingest side of the pipeline.
type Uploader interface {
	Upload(ctx context.Context, file io.Reader, contentType, owner string) (models.Job, error)
}

// BlobOpener reads finished MP3s.
type BlobOpener interface {
	Open(ctx context.Context, id models.BlobID) (io.ReadCloser, error)
}

// Authenticator exchanges basic credentials for a token.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (string, error)
}

// DefaultMaxUploadMB applies when NewHandler is given no positive limit.
const DefaultMaxUploadMB = 512

type APIError struct {
	Error string `json:"error"`
}

type Handler struct {
	uploader       Uploader
	mp3s           BlobOpener
	verifier       services.Verifier
	authenticator  Authenticator
	maxUploadBytes int64
}

// NewHandler wires the HTTP surface. authenticator may be nil, in which case
// POST /login is not served.
func NewHandler(uploader Uploader, mp3s BlobOpener, verifier services.Verifier, authenticator Authenticator, maxUploadMB int64) *Handler {
	if maxUploadMB <= 0 {
		maxUploadMB = DefaultMaxUploadMB
	}
	return &Handler{
		uploader:       uploader,
		mp3s:           mp3s,
		verifier:       verifier,
		authenticator:  authenticator,
		maxUploadBytes: maxUploadMB << 20,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	if h.authenticator != nil {
		r.Post("/login", h.Login)
	}

	r.Group(func(r chi.Router) {
		r.Use(h.requireAdmin)
		r.Post("/upload", h.Upload)
		r.Get("/download", h.Download)
	})

	return r
}

type claimsKey struct{}

func claimsFrom(ctx context.Context) (models.Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(models.Claims)
	return c, ok
}

func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		if strings.TrimSpace(token) == "" {
			writeJSONError(w, "missing credentials", http.StatusUnauthorized)
			return
		}

		claims, err := h.verifier.Verify(r.Context(), token)
		if err != nil {
			if errors.Is(err, models.ErrUnauthorized) {
				writeJSONError(w, "invalid credentials", http.StatusUnauthorized)
				return
			}
			slog.Error("token validation failed", "error", err)
			writeJSONError(w, "auth service unreachable", http.StatusInternalServerError)
			return
		}

		if !claims.Admin {
			writeJSONError(w, "not authorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	username, password, ok := r.BasicAuth()
	if !ok {
		writeJSONError(w, "missing credentials", http.StatusUnauthorized)
		return
	}

	token, err := h.authenticator.Login(r.Context(), username, password)
	if err != nil {
		if errors.Is(err, models.ErrUnauthorized) {
			writeJSONError(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		slog.Error("login failed", "error", err)
		writeJSONError(w, "auth service unreachable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(token))
}

func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeMultipartError(w, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	fh, ok := singleFile(r.MultipartForm)
	if !ok {
		writeJSONError(w, "exactly 1 file required", http.StatusBadRequest)
		return
	}

	file, err := fh.Open()
	if err != nil {
		writeJSONError(w, "an error occurred while reading the file: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()

	contentType, err := sniff(file)
	if err != nil {
		writeJSONError(w, "internal server error", http.StatusInternalServerError)
		return
	}

	job, err := h.uploader.Upload(r.Context(), file, contentType, claims.Username)
	if err != nil {
		if errors.Is(err, models.ErrValidation) {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		slog.Error("upload failed", "owner", claims.Username, "error", err)
		writeJSONError(w, "internal server error", http.StatusInternalServerError)
		return
	}

	slog.Info("upload accepted", "video_fid", job.VideoFID, "owner", claims.Username, "filename", fh.Filename)
	_, _ = w.Write([]byte("success!"))
}

func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	fid := r.URL.Query().Get("fid")
	if fid == "" {
		writeJSONError(w, "fid is required", http.StatusBadRequest)
		return
	}

	rc, err := h.mp3s.Open(r.Context(), models.BlobID(fid))
	if err != nil {
		slog.Error("download failed", "mp3_fid", fid, "error", err)
		writeJSONError(w, "internal server error", http.StatusInternalServerError)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": fid + ".mp3"}))
	if _, err := io.Copy(w, rc); err != nil {
		slog.Warn("download interrupted", "mp3_fid", fid, "error", err)
	}
}

// singleFile returns the only file in form, counting every file field.
func singleFile(form *multipart.Form) (*multipart.FileHeader, bool) {
	var found *multipart.FileHeader
	count := 0
	for _, headers := range form.File {
		for _, fh := range headers {
			found = fh
			count++
		}
	}
	return found, count == 1
}

// sniff detects the content type from the leading bytes and rewinds file.
func sniff(file multipart.File) (string, error) {
	mt, err := mimetype.DetectReader(file)
	if err != nil {
		return "", err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return mt.String(), nil
}

func writeMultipartError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr), strings.Contains(strings.ToLower(err.Error()), "too large"):
		writeJSONError(w, "uploaded file exceeds maximum allowed size", http.StatusRequestEntityTooLarge)
	case errors.Is(err, http.ErrNotMultipart):
		writeJSONError(w, "invalid content type, expected multipart/form-data", http.StatusBadRequest)
	default:
		writeJSONError(w, err.Error(), http.StatusBadRequest)
	}
}

func writeJSONError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	_ = json.NewEncoder(w).Encode(APIError{
		Error: message,
	})
}
