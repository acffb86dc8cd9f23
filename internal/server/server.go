package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"invisimark/internal/auth"
	"invisimark/internal/blob"
	"invisimark/internal/models"
	"invisimark/internal/watermark"
)

type Server struct {
	cfg    *models.Config
	router *gin.Engine
	http   *http.Server
	svc    *watermark.Service
	files  blob.LocalFS
	auth   *auth.Authenticator
}

func NewServer(cfg *models.Config, svc *watermark.Service, files blob.LocalFS, authn *auth.Authenticator) *Server {
	r := gin.Default()
	r.MaxMultipartMemory = cfg.MaxUploadBytes + 1<<20
	r.Static(files.Locator(""), files.Root)

	s := &Server{cfg: cfg, router: r, svc: svc, files: files, auth: authn}

	r.GET("/", s.handleHealth)

	user := r.Group("/", authn.RequireIdentity())
	user.POST("/upload", s.handleUpload)
	user.GET("/images", s.handleListImages)
	user.GET("/images/:id", s.handleGetImage)
	user.GET("/images/:id/status", s.handleGetStatus)
	user.GET("/images/:id/download", s.handleDownload)
	user.POST("/watermark/apply", s.handleApply)
	user.POST("/watermark/extract", s.handleExtract)

	r.POST("/watermark/callback", auth.RequireInternalToken(cfg.Worker.InternalToken), s.handleCallback)

	s.http = &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Stop is called.
func (s *Server) Start() error {
	log.Printf("listening on %s", s.cfg.ServerAddr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.Start: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

var statusByKind = map[string]int{
	"NotFound":           http.StatusNotFound,
	"Forbidden":          http.StatusForbidden,
	"PreconditionFailed": http.StatusPreconditionFailed,
	"WorkerUnreachable":  http.StatusBadGateway,
	"WorkerRejected":     http.StatusBadGateway,
	"Unauthenticated":    http.StatusUnauthorized,
	"BadRequest":         http.StatusBadRequest,
	"InvalidTransition":  http.StatusConflict,
}

func writeError(c *gin.Context, op string, err error) {
	kind := models.KindOf(err)
	status, ok := statusByKind[kind]
	if !ok {
		log.Printf("%s: %v", op, err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": kind, "message": "internal error"},
		})
		return
	}
	if status == http.StatusBadGateway {
		log.Printf("%s: %v", op, err)
	}
	c.JSON(status, gin.H{
		"error": gin.H{"code": kind, "message": fmt.Sprintf("%s: %v", op, err)},
	})
}

func writeErrorCode(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{"error": gin.H{"code": code, "message": msg}})
}

func caller(c *gin.Context) models.Identity {
	identity, _ := auth.IdentityFrom(c)
	return identity
}
