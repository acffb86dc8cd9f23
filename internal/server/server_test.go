package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invisimark/internal/auth"
	"invisimark/internal/blob"
	"invisimark/internal/models"
	"invisimark/internal/payload"
	"invisimark/internal/storage"
	"invisimark/internal/watermark"
	"invisimark/internal/worker"
)

func init() { gin.SetMode(gin.TestMode) }

const internalToken = "internal-token"

var (
	alice = models.Identity{Subject: "u-alice", Email: "alice@example.com"}
	bob   = models.Identity{Subject: "u-bob", Email: "bob@example.com"}
)

type fakeWorker struct {
	mu        sync.Mutex
	embeds    []worker.EmbedRequest
	extracted string
	down      bool
}

func (f *fakeWorker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"busy"}`))
		return
	}
	switch r.URL.Path {
	case "/apply":
		var req worker.EmbedRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.embeds = append(f.embeds, req)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"ok":true}`))
	case "/extract":
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "payload": f.extracted})
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeWorker) last(t *testing.T) worker.EmbedRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.embeds)
	return f.embeds[len(f.embeds)-1]
}

type env struct {
	handler http.Handler
	worker  *fakeWorker
	tokens  map[string]string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.OpenSQLite(context.Background(), filepath.Join(dir, "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fw := &fakeWorker{}
	ws := httptest.NewServer(fw)
	t.Cleanup(ws.Close)

	cfg := &models.Config{
		ServerAddr:     ":0",
		PublicBaseURL:  "http://api.test",
		StoragePath:    filepath.Join(dir, "uploads"),
		MaxUploadBytes: 1 << 20,
		Worker:         models.WorkerConfig{URL: ws.URL, InternalToken: internalToken, Method: "dwtDct"},
	}
	gen, err := payload.New("hmac-secret")
	require.NoError(t, err)
	authn, err := auth.NewAuthenticator("jwt-secret")
	require.NoError(t, err)

	files := blob.NewLocalFS(cfg.StoragePath)
	svc := watermark.NewService(store, worker.New(ws.URL, internalToken), gen, files,
		watermark.Config{CallbackURL: cfg.CallbackURL(), DefaultMethod: cfg.Worker.Method})

	e := &env{handler: NewServer(cfg, svc, files, authn).Handler(), worker: fw, tokens: map[string]string{}}
	for _, id := range []models.Identity{alice, bob} {
		tok, err := authn.Issue(id, time.Hour)
		require.NoError(t, err)
		e.tokens[id.Subject] = tok
	}
	return e
}

func (e *env) do(t *testing.T, who models.Identity, method, target string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if tok := e.tokens[who.Subject]; tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *env) callback(t *testing.T, token string, msg models.CallbackMessage) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(msg)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/watermark/callback", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(auth.InternalTokenHeader, token)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func pngImage(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 20))
	for x := 0; x < 40; x++ {
		img.Set(x, x%20, color.RGBA{200, 10, 10, 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func form(t *testing.T, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func (e *env) upload(t *testing.T, who models.Identity) models.ImageJob {
	t.Helper()
	body, ct := form(t, "cat.png", pngImage(t))
	w := e.do(t, who, http.MethodPost, "/upload", body, ct)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var out struct {
		Image models.ImageJob `json:"image"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out.Image
}

func (e *env) apply(t *testing.T, who models.Identity, id string) *httptest.ResponseRecorder {
	t.Helper()
	body := bytes.NewBufferString(`{"imageId":"` + id + `","options":{"method":"dwtDct"}}`)
	return e.do(t, who, http.MethodPost, "/watermark/apply", body, "application/json")
}

func decodeStatus(t *testing.T, w *httptest.ResponseRecorder) models.Watermark {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var wm models.Watermark
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &wm))
	return wm
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var out struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out.Error.Code
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	w := e.do(t, models.Identity{}, http.MethodGet, "/", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUpload(t *testing.T) {
	e := newEnv(t)
	job := e.upload(t, alice)

	assert.Equal(t, alice, job.Owner)
	assert.Equal(t, "cat.png", job.Original.Filename)
	assert.Equal(t, "image/png", job.Original.ContentType)
	assert.Equal(t, 40, job.Original.Width)
	assert.Equal(t, 20, job.Original.Height)
	assert.Len(t, job.Original.Hash, 64)
	assert.True(t, strings.HasPrefix(job.Original.Locator, "/uploads/original/"))
	assert.NotEmpty(t, job.Original.ThumbnailLocator)
	assert.Equal(t, models.StatusNone, job.Watermark.Status)

	w := e.do(t, models.Identity{}, http.MethodGet, job.Original.Locator, nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	t.Run("rejects non-images", func(t *testing.T) {
		body, ct := form(t, "notes.txt", []byte("plain text, not an image"))
		w := e.do(t, alice, http.MethodPost, "/upload", body, ct)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "BadRequest", errorCode(t, w))
	})

	t.Run("rejects oversized files", func(t *testing.T) {
		body, ct := form(t, "big.png", make([]byte, 2<<20))
		w := e.do(t, alice, http.MethodPost, "/upload", body, ct)
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})

	t.Run("requires a token", func(t *testing.T) {
		body, ct := form(t, "cat.png", pngImage(t))
		w := e.do(t, models.Identity{}, http.MethodPost, "/upload", body, ct)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestWatermarkLifecycle(t *testing.T) {
	e := newEnv(t)
	job := e.upload(t, alice)
	id := job.ID.String()

	w := e.do(t, alice, http.MethodGet, "/images/"+id+"/download", nil, "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = e.apply(t, alice, id)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"queued"`)

	req := e.worker.last(t)
	assert.Equal(t, id, req.JobID)
	assert.Equal(t, "http://api.test/watermark/callback", req.CallbackURL)
	assert.Len(t, req.Payload, payload.Length)

	w = e.callback(t, internalToken, models.CallbackMessage{ImageID: id, DispatchID: req.DispatchID, Status: "processing"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	wm := decodeStatus(t, e.do(t, alice, http.MethodGet, "/images/"+id+"/status", nil, ""))
	assert.Equal(t, models.StatusProcessing, wm.Status)

	require.NoError(t, os.MkdirAll(filepath.Dir(req.DestPath), 0o755))
	require.NoError(t, os.WriteFile(req.DestPath, pngImage(t), 0o644))
	w = e.callback(t, internalToken, models.CallbackMessage{
		ImageID:    id,
		DispatchID: req.DispatchID,
		Status:     "done",
		ResultPath: filepath.Base(req.DestPath),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	wm = decodeStatus(t, e.do(t, alice, http.MethodGet, "/images/"+id+"/status", nil, ""))
	assert.Equal(t, models.StatusDone, wm.Status)
	assert.Equal(t, "/uploads/watermarked/"+filepath.Base(req.DestPath), wm.ResultLocator)

	w = e.callback(t, internalToken, models.CallbackMessage{ImageID: id, DispatchID: req.DispatchID, Status: "done"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, alice, http.MethodGet, "/images/"+id+"/download", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "wm-cat.png")

	w = e.do(t, alice, http.MethodGet, "/images/"+id+"/download?token="+e.tokens[alice.Subject], nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	t.Run("verify matches for any caller", func(t *testing.T) {
		e.worker.mu.Lock()
		e.worker.extracted = req.Payload
		e.worker.mu.Unlock()

		body, ct := form(t, "suspect.png", pngImage(t))
		w := e.do(t, bob, http.MethodPost, "/watermark/extract", body, ct)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var res watermark.VerifyResult
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
		assert.True(t, res.Matched)
		require.NotNil(t, res.Job)
		assert.Equal(t, job.ID, res.Job.ID)
		assert.Equal(t, alice.Subject, res.Job.Owner.Subject)
	})

	t.Run("verify without a watermark", func(t *testing.T) {
		e.worker.mu.Lock()
		e.worker.extracted = ""
		e.worker.mu.Unlock()

		body, ct := form(t, "plain.png", pngImage(t))
		w := e.do(t, bob, http.MethodPost, "/watermark/extract", body, ct)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"matched":false`)
		assert.Contains(t, w.Body.String(), watermark.ReasonExtractionFailed)
	})
}

func TestOwnership(t *testing.T) {
	e := newEnv(t)
	job := e.upload(t, alice)
	id := job.ID.String()

	w := e.apply(t, bob, id)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "Forbidden", errorCode(t, w))

	w = e.do(t, bob, http.MethodGet, "/images/"+id, nil, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	wm := decodeStatus(t, e.do(t, alice, http.MethodGet, "/images/"+id+"/status", nil, ""))
	assert.Equal(t, models.StatusNone, wm.Status)

	w = e.apply(t, alice, "00000000-0000-0000-0000-000000000000")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(t, alice, http.MethodGet, "/images/not-a-uuid", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestApplyWorkerDown(t *testing.T) {
	e := newEnv(t)
	job := e.upload(t, alice)
	id := job.ID.String()

	e.worker.mu.Lock()
	e.worker.down = true
	e.worker.mu.Unlock()

	w := e.apply(t, alice, id)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "WorkerRejected", errorCode(t, w))

	wm := decodeStatus(t, e.do(t, alice, http.MethodGet, "/images/"+id+"/status", nil, ""))
	assert.Equal(t, models.StatusQueued, wm.Status)
}

func TestCallbackAuthentication(t *testing.T) {
	e := newEnv(t)
	job := e.upload(t, alice)

	for name, msg := range map[string]models.CallbackMessage{
		"existing job": {ImageID: job.ID.String(), Status: "done", ResultPath: "x.png"},
		"unknown job":  {ImageID: "00000000-0000-0000-0000-000000000000", Status: "done"},
		"garbage":      {},
	} {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, http.StatusUnauthorized, e.callback(t, "wrong", msg).Code)
			assert.Equal(t, http.StatusUnauthorized, e.callback(t, "", msg).Code)
		})
	}

	wm := decodeStatus(t, e.do(t, alice, http.MethodGet, "/images/"+job.ID.String()+"/status", nil, ""))
	assert.Equal(t, models.StatusNone, wm.Status)

	w := e.callback(t, internalToken, models.CallbackMessage{ImageID: job.ID.String(), Status: "bogus"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.callback(t, internalToken, models.CallbackMessage{ImageID: "00000000-0000-0000-0000-000000000000", Status: "failed"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListImages(t *testing.T) {
	e := newEnv(t)
	for i := 0; i < 3; i++ {
		e.upload(t, alice)
	}
	e.upload(t, bob)

	w := e.do(t, alice, http.MethodGet, "/images?page=1&limit=2", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		Page  int               `json:"page"`
		Limit int               `json:"limit"`
		Total int               `json:"total"`
		Items []models.ImageJob `json:"items"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, 1, out.Page)
	assert.Equal(t, 2, out.Limit)
	assert.Equal(t, 3, out.Total)
	assert.Len(t, out.Items, 2)

	w = e.do(t, alice, http.MethodGet, "/images?limit=1000", nil, "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, 20, out.Limit)
	assert.Len(t, out.Items, 3)
}
