package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/yashenkoxciv/image-moderation-platform/internal/api/response"
	"github.com/yashenkoxciv/image-moderation-platform/internal/moderation"
	"github.com/yashenkoxciv/image-moderation-platform/pkg/models"
)

// multipartOverhead is allowed on top of the image limit for form fields
// and part headers.
const multipartOverhead = 1 << 20

// Moderator defines the interface the moderation handlers depend on.
type Moderator interface {
	Submit(ctx context.Context, sub moderation.Submission) (*moderation.JobView, error)
	Status(ctx context.Context, id uuid.UUID) (*moderation.JobView, error)
}

// NewUploadHandler returns an http.HandlerFunc for POST /api/v1/images/moderation.
//
// The image arrives as the multipart part "image". Moderation parameters are
// read from form fields or the query string; categories may be repeated or
// comma-separated.
func NewUploadHandler(svc Moderator, maxImageBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxImageBytes+multipartOverhead)
		if err := r.ParseMultipartForm(maxImageBytes); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				response.Error(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE",
					"Upload exceeds the size limit", map[string]int64{"max_bytes": maxImageBytes})
				return
			}
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Expected a multipart/form-data body", nil)
			return
		}
		defer r.MultipartForm.RemoveAll()

		file, header, err := r.FormFile("image")
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "image is required", nil)
			return
		}
		defer file.Close()

		if header.Size > maxImageBytes {
			response.Error(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE",
				"Image exceeds the size limit", map[string]int64{"max_bytes": maxImageBytes})
			return
		}
		image, err := io.ReadAll(file)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Could not read image", nil)
			return
		}

		hide, err := formBool(r, "hide_categories")
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "hide_categories must be a boolean", nil)
			return
		}
		removeMetadata, err := formBool(r, "remove_image_metadata")
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "remove_image_metadata must be a boolean", nil)
			return
		}

		sub := moderation.Submission{
			Image:               image,
			ContentType:         header.Header.Get("Content-Type"),
			Categories:          formList(r, "categories"),
			HideCategories:      hide,
			RemoveImageMetadata: removeMetadata,
		}
		if _, ok := r.Form["extra"]; ok {
			extra := r.Form.Get("extra")
			sub.Extra = &extra
		}

		view, err := svc.Submit(r.Context(), sub)
		if err != nil {
			switch {
			case errors.Is(err, models.ErrUnknownCategory):
				response.Error(w, http.StatusBadRequest, "INVALID_CATEGORY", err.Error(),
					map[string]any{"allowed": models.AllCategories})
			case errors.Is(err, moderation.ErrMissingImage):
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "image is required", nil)
			case errors.Is(err, moderation.ErrUnsupportedMediaType):
				response.Error(w, http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE",
					"Only image uploads are accepted", nil)
			case errors.Is(err, moderation.ErrStorageUnavailable):
				response.Error(w, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE",
					"Object storage is temporarily unavailable", nil)
			default:
				slog.Error("submit failed", "error", err)
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"An unexpected error occurred", nil)
			}
			return
		}

		response.Created(w, view)
	}
}

// NewStatusHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewStatusHandler(svc Moderator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_JOB_ID", "Job ID must be a valid UUID", nil)
			return
		}

		view, err := svc.Status(r.Context(), id)
		if err != nil {
			if errors.Is(err, moderation.ErrJobNotFound) {
				response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
				return
			}
			slog.Error("status lookup failed", "job_id", id, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		response.JSON(w, view)
	}
}

// formList merges repeated and comma-separated values of key from the
// form body and the query string.
func formList(r *http.Request, key string) []string {
	var out []string
	for _, v := range r.Form[key] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func formBool(r *http.Request, key string) (bool, error) {
	v := strings.TrimSpace(r.Form.Get(key))
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}
