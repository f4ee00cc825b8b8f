package handlers

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/palmvein/internal/audit"
	"github.com/example/palmvein/internal/auth"
	"github.com/example/palmvein/internal/classifier"
	"github.com/example/palmvein/internal/middleware"
	"github.com/example/palmvein/internal/usecase"
)

// MaxUploadSize is the default largest accepted image, in bytes.
const MaxUploadSize = 10 << 20

// multipartOverhead leaves room for form fields and part headers.
const multipartOverhead = 1 << 20

//go:embed templates/index.html
var templateFS embed.FS

var indexTemplate = template.Must(template.ParseFS(templateFS, "templates/index.html"))

// Service is the application surface the routes depend on.
type Service interface {
	Ready() bool
	Authenticate(ctx context.Context, req usecase.AuthRequest) *usecase.Decision
	Predict(ctx context.Context, requestID, filename string, image []byte) (*classifier.Prediction, error)
	LockoutStatus(ctx context.Context, id string) (*usecase.LockoutStatus, error)
	ResetLockout(ctx context.Context, id, operator string) error
	RecentAttempts(ctx context.Context, id string, limit int) ([]audit.Record, error)
	GetAttemptSummary(ctx context.Context) (*usecase.AttemptSummary, error)
}

// Options tunes RegisterRoutes.
type Options struct {
	MaxUploadBytes int64
	// UploadLimiter runs before the upload endpoints, typically a per-IP rate limit.
	UploadLimiter gin.HandlerFunc
	// Metrics is served on GET /metrics when set.
	Metrics http.Handler
}

// RegisterRoutes wires the HTTP handlers to the Gin router. Operator routes
// are only registered when authMiddleware is non-nil.
func RegisterRoutes(router *gin.Engine, svc Service, authMiddleware gin.HandlerFunc, opts ...Options) {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	if o.MaxUploadBytes <= 0 {
		o.MaxUploadBytes = MaxUploadSize
	}
	h := &handler{svc: svc, maxUpload: o.MaxUploadBytes}

	router.SetHTMLTemplate(indexTemplate)

	router.GET("/", func(c *gin.Context) {
		c.HTML(http.StatusOK, "index.html", pageData{})
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "model_ready": svc.Ready()})
	})

	if o.Metrics != nil {
		router.GET("/metrics", gin.WrapH(o.Metrics))
	}

	uploads := router.Group("/")
	if o.UploadLimiter != nil {
		uploads.Use(o.UploadLimiter)
	}
	uploads.POST("/authenticate", h.authenticate)
	uploads.POST("/predict", h.predict)

	if authMiddleware != nil {
		admin := router.Group("/admin", authMiddleware)
		admin.GET("/lockouts/:identity", h.lockoutStatus)
		admin.DELETE("/lockouts/:identity", h.resetLockout)
		admin.GET("/attempts/:identity", h.recentAttempts)
		admin.GET("/summary", h.summary)
	}
}

type handler struct {
	svc       Service
	maxUpload int64
}

// pageData feeds templates/index.html.
type pageData struct {
	ClaimedIdentity   string
	Prediction        string
	ConfidencePercent float64
	Filename          string
	Error             string
	AccessGranted     bool
	MatchStatus       string
	RetryAfter        int
}

// upload is the image part of a multipart request.
type upload struct {
	filename string
	data     []byte
}

// readUpload returns the "file" part. A missing part or an unparseable
// multipart body yields a nil upload and no error, so the service still
// decides and audits the attempt; the status is non-zero only when the
// request must be rejected before reaching the service.
func (h *handler) readUpload(c *gin.Context) (*upload, int, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload+multipartOverhead)

	file, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, http.StatusRequestEntityTooLarge, errors.New("uploaded file is too large")
		}
		if !errors.Is(err, http.ErrMissingFile) && !errors.Is(err, http.ErrNotMultipart) {
			middleware.GetRequestLogger(c).Info("malformed multipart body", zap.Error(err))
		}
		return nil, 0, nil
	}
	if file.Size > h.maxUpload {
		return nil, http.StatusRequestEntityTooLarge, errors.New("uploaded file is too large")
	}

	src, err := file.Open()
	if err != nil {
		return nil, http.StatusBadRequest, errors.New("unable to open uploaded file")
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, h.maxUpload+1))
	if err != nil {
		return nil, http.StatusInternalServerError, errors.New("failed to read uploaded file")
	}
	if int64(len(data)) > h.maxUpload {
		return nil, http.StatusRequestEntityTooLarge, errors.New("uploaded file is too large")
	}
	return &upload{filename: file.Filename, data: data}, 0, nil
}

func (h *handler) wantsHTML(c *gin.Context) bool {
	return c.NegotiateFormat(gin.MIMEJSON, gin.MIMEHTML) == gin.MIMEHTML
}

func (h *handler) authenticate(c *gin.Context) {
	up, status, err := h.readUpload(c)
	if err != nil {
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	req := usecase.AuthRequest{
		RequestID:       middleware.GetRequestID(c),
		ClaimedIdentity: c.PostForm("claimed_identity"),
	}
	if up != nil {
		req.Filename = up.filename
		req.Image = up.data
	}

	decision := h.svc.Authenticate(c.Request.Context(), req)
	resp := decision.Response
	if resp.RetryAfter != nil {
		c.Header("Retry-After", strconv.Itoa(*resp.RetryAfter))
	}

	if h.wantsHTML(c) {
		c.HTML(decision.Status, "index.html", toPageData(resp))
		return
	}
	c.JSON(decision.Status, resp)
}

func toPageData(resp usecase.AuthResponse) pageData {
	var p pageData
	if resp.ClaimedIdentity != nil {
		p.ClaimedIdentity = *resp.ClaimedIdentity
	}
	if resp.Prediction != nil {
		p.Prediction = *resp.Prediction
	}
	if resp.Confidence != nil {
		p.ConfidencePercent = round2(*resp.Confidence * 100)
	}
	if resp.Filename != nil {
		p.Filename = *resp.Filename
	}
	if resp.Error != nil {
		p.Error = *resp.Error
	}
	if resp.MatchStatus != nil {
		p.MatchStatus = string(*resp.MatchStatus)
	}
	if resp.RetryAfter != nil {
		p.RetryAfter = *resp.RetryAfter
	}
	p.AccessGranted = resp.AccessGranted
	return p
}

func (h *handler) predict(c *gin.Context) {
	up, status, err := h.readUpload(c)
	if err != nil {
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	if up == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no file uploaded"})
		return
	}

	pred, err := h.svc.Predict(c.Request.Context(), middleware.GetRequestID(c), up.filename, up.data)
	if err != nil {
		var inputErr *usecase.InputError
		if errors.As(err, &inputErr) {
			c.JSON(inputErr.Status, gin.H{"error": inputErr.Message})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"predicted_class": string(pred.ClassName),
		"confidence":      round2(pred.Confidence),
		"class_id":        pred.ClassID,
	})
}

func (h *handler) lockoutStatus(c *gin.Context) {
	status, err := h.svc.LockoutStatus(c.Request.Context(), c.Param("identity"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *handler) resetLockout(c *gin.Context) {
	operator, _ := auth.GetOperator(c.Request.Context())
	if err := h.svc.ResetLockout(c.Request.Context(), c.Param("identity"), operator); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) recentAttempts(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 500 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
		return
	}

	records, err := h.svc.RecentAttempts(c.Request.Context(), c.Param("identity"), limit)
	if err != nil {
		if errors.Is(err, usecase.ErrHistoryUnavailable) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"identity": c.Param("identity"), "attempts": records})
}

func (h *handler) summary(c *gin.Context) {
	summary, err := h.svc.GetAttemptSummary(c.Request.Context())
	if err != nil {
		if errors.Is(err, usecase.ErrHistoryUnavailable) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
