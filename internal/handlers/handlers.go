package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Brownie44l1/cardio-api/internal/model"
	"github.com/Brownie44l1/cardio-api/internal/pipeline"
	"github.com/Brownie44l1/cardio-api/internal/storage"
)

// Models is the registry surface the handlers need.
type Models interface {
	EnsureReady(ctx context.Context) (*model.Handle, error)
	Status() model.Status
}

type Handler struct {
	service        *pipeline.Service
	models         Models
	store          *storage.Store
	maxUploadBytes int64
	logger         *slog.Logger
}

func NewHandler(service *pipeline.Service, models Models, store *storage.Store, maxUploadBytes int64, logger *slog.Logger) *Handler {
	return &Handler{
		service:        service,
		models:         models,
		store:          store,
		maxUploadBytes: maxUploadBytes,
		logger:         logger,
	}
}

func (h *Handler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "service is running"})
}

// Health loads the model on first use and reports its state.
func (h *Handler) Health(c *gin.Context) {
	_, err := h.models.EnsureReady(c.Request.Context())
	st := h.models.Status()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "unhealthy", "model": st.State})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "model": st.State, "device": st.Device})
}

// Upload accepts multipart "image" and "json" files and runs the pipeline. The
// reclaim scope covers form parsing too, so rejected bodies are reclaimed as well.
func (h *Handler) Upload(c *gin.Context) {
	scope := h.service.Begin()
	defer scope.Release()

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)

	parts, err := readParts(c)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, pipeline.ErrorBody{Error: "Upload is too large"})
			return
		}
		h.logger.Warn("upload.form_invalid", "error", err)
		c.JSON(pipeline.CodeValidation.Status(), pipeline.ErrorBody{Error: pipeline.CodeValidation.Message()})
		return
	}

	res, err := h.service.ProcessIn(c.Request.Context(), scope, parts)
	status, body := pipeline.Assemble(res, err)
	// PureJSON keeps the submitted annotations byte-for-byte, without HTML escaping.
	c.PureJSON(status, body)
}

// Preflight acknowledges OPTIONS /upload. Allowed-origin preflights are answered
// earlier by the CORS middleware.
func (h *Handler) Preflight(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// Artifact serves a stored file by its exact name.
func (h *Handler) Artifact(cat storage.Category) gin.HandlerFunc {
	return func(c *gin.Context) {
		f, info, err := h.store.Open(cat, c.Param("name"))
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				c.JSON(http.StatusNotFound, pipeline.ErrorBody{Error: "not found"})
				return
			}
			h.logger.Error("artifact.open_failed", "category", cat, "error", err)
			c.JSON(http.StatusInternalServerError, pipeline.ErrorBody{Error: pipeline.CodeInternal.Message()})
			return
		}
		defer f.Close()

		http.ServeContent(c.Writer, c.Request, info.Name(), info.ModTime(), f)
	}
}

func readParts(c *gin.Context) (pipeline.Parts, error) {
	img, err := readPart(c, "image")
	if err != nil {
		return pipeline.Parts{}, err
	}
	doc, err := readPart(c, "json")
	if err != nil {
		return pipeline.Parts{}, err
	}
	return pipeline.Parts{Image: img, JSON: doc}, nil
}

// readPart returns nil when the field is absent so validation can report it.
func readPart(c *gin.Context, field string) (*pipeline.Part, error) {
	fh, err := c.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return &pipeline.Part{Filename: fh.Filename, Data: data}, nil
}
