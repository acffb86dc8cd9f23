package server

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"invisimark/internal/media"
	"invisimark/internal/models"
)

func (s *Server) handleUpload(c *gin.Context) {
	const op = "server.handleUpload"

	data, filename, ok := s.readImage(c, op)
	if !ok {
		return
	}
	contentType, ext, err := media.Sniff(data)
	if err != nil {
		writeError(c, op, err)
		return
	}
	info, err := media.Probe(data)
	if err != nil {
		writeError(c, op, err)
		return
	}

	sum := sha256.Sum256(data)
	name := uuid.NewString()
	locator, size, err := s.files.Put(filepath.Join("original", name+ext), bytes.NewReader(data))
	if err != nil {
		writeError(c, op, err)
		return
	}

	original := models.Original{
		Locator:     locator,
		Filename:    filename,
		Size:        size,
		ContentType: contentType,
		Hash:        hex.EncodeToString(sum[:]),
		Width:       info.Width,
		Height:      info.Height,
	}
	var thumb bytes.Buffer
	if err := media.Thumbnail(data, &thumb); err != nil {
		log.Printf("%s: thumbnail for %s: %v", op, filename, err)
	} else if loc, _, err := s.files.Put(filepath.Join("thumbs", name+".jpg"), &thumb); err != nil {
		log.Printf("%s: save thumbnail: %v", op, err)
	} else {
		original.ThumbnailLocator = loc
	}

	job, err := s.svc.CreateJob(c.Request.Context(), caller(c), original)
	if err != nil {
		_ = s.files.Remove(locator)
		writeError(c, op, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "uploaded", "image": job})
}

func (s *Server) handleListImages(c *gin.Context) {
	const op = "server.handleListImages"

	page := queryInt(c, "page", 1)
	limit := queryInt(c, "limit", 20)
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	items, total, err := s.svc.ListJobs(c.Request.Context(), caller(c), page, limit)
	if err != nil {
		writeError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"page": page, "limit": limit, "total": total, "items": items})
}

func (s *Server) handleGetImage(c *gin.Context) {
	const op = "server.handleGetImage"

	id, ok := parseID(c, op)
	if !ok {
		return
	}
	job, err := s.svc.GetJob(c.Request.Context(), id, caller(c))
	if err != nil {
		writeError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleGetStatus(c *gin.Context) {
	const op = "server.handleGetStatus"

	id, ok := parseID(c, op)
	if !ok {
		return
	}
	wm, err := s.svc.GetStatus(c.Request.Context(), id, caller(c))
	if err != nil {
		writeError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, wm)
}

func (s *Server) handleDownload(c *gin.Context) {
	const op = "server.handleDownload"

	id, ok := parseID(c, op)
	if !ok {
		return
	}
	job, err := s.svc.GetJob(c.Request.Context(), id, caller(c))
	if err != nil {
		writeError(c, op, err)
		return
	}
	if job.Watermark.Status != models.StatusDone {
		writeErrorCode(c, http.StatusConflict, "NotReady",
			fmt.Sprintf("watermark is %s", job.Watermark.Status))
		return
	}
	path, err := s.files.Path(job.Watermark.ResultLocator)
	if err != nil {
		writeError(c, op, err)
		return
	}
	if _, err := os.Stat(path); err != nil {
		writeErrorCode(c, http.StatusNotFound, "NotFound", "result file is missing")
		return
	}
	c.FileAttachment(path, "wm-"+job.Original.Filename)
}

// readImage reads the "image" form file, bounded by the upload limit.
func (s *Server) readImage(c *gin.Context, op string) ([]byte, string, bool) {
	file, err := c.FormFile("image")
	if err != nil {
		writeError(c, op, fmt.Errorf("%w: %v", models.ErrInvalidInput, err))
		return nil, "", false
	}
	if file.Size > s.cfg.MaxUploadBytes {
		writeErrorCode(c, http.StatusRequestEntityTooLarge, "TooLarge",
			fmt.Sprintf("file exceeds %d bytes", s.cfg.MaxUploadBytes))
		return nil, "", false
	}
	data, err := readAll(file, s.cfg.MaxUploadBytes)
	if err != nil {
		writeError(c, op, err)
		return nil, "", false
	}
	if len(data) == 0 {
		writeError(c, op, fmt.Errorf("%w: empty file", models.ErrInvalidInput))
		return nil, "", false
	}
	return data, filepath.Base(file.Filename), true
}

func readAll(fh *multipart.FileHeader, limit int64) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, limit))
}

func parseID(c *gin.Context, op string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeError(c, op, fmt.Errorf("%w: bad image id", models.ErrInvalidInput))
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	return v
}
