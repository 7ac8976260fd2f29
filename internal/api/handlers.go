package api

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"voicerelay/internal/config"
	"voicerelay/internal/metrics"
	"voicerelay/internal/models"
	"voicerelay/internal/redis"
	"voicerelay/internal/service/conversation"
	"voicerelay/internal/service/transcribe"
	"voicerelay/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const maxReadLimit = 200

// Pipeline is the turn machinery the handlers drive.
type Pipeline interface {
	Submit(ctx context.Context, text string) (*models.Message, error)
	Respond(ctx context.Context, text string) (*models.Message, error)
	AwaitingAsset(entryID int64) bool
	Progress(turnID int64) (*models.TurnProgress, error)
}

// Transcriber converts an uploaded audio blob to text.
type Transcriber interface {
	Transcribe(ctx context.Context, reqID string, audio io.Reader) (string, error)
}

type Handler struct {
	store       *conversation.Service
	pipeline    Pipeline
	transcriber Transcriber
	db          *sql.DB
	rdb         *redis.Client
	audioDir    string
	pollLimit   int
	histLimit   int
	log         zerolog.Logger
}

func NewHandler(store *conversation.Service, pipeline Pipeline, transcriber Transcriber,
	db *sql.DB, rdb *redis.Client, cfg *config.Config, log zerolog.Logger) *Handler {
	return &Handler{
		store:       store,
		pipeline:    pipeline,
		transcriber: transcriber,
		db:          db,
		rdb:         rdb,
		audioDir:    cfg.BasicConfig.AudioDir,
		pollLimit:   cfg.BasicConfig.PollLimit,
		histLimit:   cfg.BasicConfig.HistoryLimit,
		log:         log,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(h.requestLogger())

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/speak", h.speak)
		apiGroup.POST("/respond", h.respond)
		apiGroup.GET("/poll", h.poll)
		apiGroup.GET("/history", h.history)
		apiGroup.POST("/delivered/:id", h.delivered)
		apiGroup.POST("/transcribe", h.transcribeUpload)
		apiGroup.GET("/turns/:id", h.turnProgress)
	}
	router.GET("/audio/:filename", h.audio)
	router.GET("/healthz", h.healthz)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("http request")
	}
}

type speakRequest struct {
	Text  string `json:"text"`
	ReqID string `json:"req_id"`
}

// speak ingests one user utterance. The response carries only the assigned
// entry id; the agent's reply arrives later through poll.
func (h *Handler) speak(c *gin.Context) {
	var req speakRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.ReqID == "" {
		req.ReqID = uuid.NewString()
	}
	msg, err := h.pipeline.Submit(c.Request.Context(), req.Text)
	if err != nil {
		if errors.Is(err, worker.ErrEmptyUtterance) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "text must not be empty", "req_id": req.ReqID})
			return
		}
		h.log.Error().Err(err).Str("req_id", req.ReqID).Msg("ingest failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store message", "req_id": req.ReqID})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message_id": msg.ID, "req_id": req.ReqID})
}

type respondRequest struct {
	Text string `json:"text"`
}

// respond persists an out-of-band agent message, synthesized inline.
func (h *Handler) respond(c *gin.Context) {
	var req respondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	msg, err := h.pipeline.Respond(c.Request.Context(), req.Text)
	if err != nil {
		if errors.Is(err, worker.ErrEmptyUtterance) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "text must not be empty"})
			return
		}
		h.log.Error().Err(err).Msg("respond failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store message"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message_id": msg.ID, "asset_ref": msg.AssetRef})
}

// poll returns entries with id greater than the caller's cursor, in
// ascending order. The batch stops early at the first agent entry whose
// synthesis has not settled, so replies are never delivered audio-less while
// their asset is seconds away, and never skipped or reordered.
func (h *Handler) poll(c *gin.Context) {
	metrics.PollRequests.Inc()
	since, err := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil || since < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since cursor"})
		return
	}
	limit := h.readLimit(c, h.pollLimit)

	batch, err := h.store.ReadSince(c.Request.Context(), since, limit)
	if err != nil {
		h.log.Error().Err(err).Msg("poll read failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read messages"})
		return
	}

	cursor := since
	out := make([]models.Message, 0, len(batch))
	for _, msg := range batch {
		if msg.Direction == models.DirectionAgent && h.pipeline.AwaitingAsset(msg.ID) {
			break
		}
		out = append(out, msg)
		cursor = msg.ID
	}
	c.JSON(http.StatusOK, gin.H{"messages": out, "cursor": cursor})
}

// history returns the most recent entries in ascending order, for seeding a
// client at startup.
func (h *Handler) history(c *gin.Context) {
	limit := h.readLimit(c, h.histLimit)
	msgs, err := h.store.ReadRecent(c.Request.Context(), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("history read failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read messages"})
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *Handler) readLimit(c *gin.Context, def int) int {
	limit := def
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxReadLimit {
		limit = maxReadLimit
	}
	return limit
}

// delivered acks one entry. Unknown and repeated ids succeed the same way;
// the flag is advisory and never gates reads.
func (h *Handler) delivered(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}
	if err := h.store.MarkDelivered(c.Request.Context(), id); err != nil {
		h.log.Error().Err(err).Int64("id", id).Msg("mark delivered failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to ack message"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// transcribeUpload accepts a multipart "audio" file and returns its
// transcript. No speech comes back as the "(silence)" sentinel the clients
// already understand.
func (h *Handler) transcribeUpload(c *gin.Context) {
	reqID := uuid.NewString()

	fileHeader, err := c.FormFile("audio")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "audio file required", "req_id": reqID})
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable audio file", "req_id": reqID})
		return
	}
	defer file.Close()

	transcript, err := h.transcriber.Transcribe(c.Request.Context(), reqID, file)
	if err != nil {
		if errors.Is(err, transcribe.ErrNoSpeech) {
			metrics.Transcriptions.WithLabelValues("silence").Inc()
			c.JSON(http.StatusOK, gin.H{"transcript": "(silence)", "req_id": reqID})
			return
		}
		metrics.Transcriptions.WithLabelValues("error").Inc()
		h.log.Error().Err(err).Str("req_id", reqID).Msg("transcription failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "transcription failed", "req_id": reqID})
		return
	}
	metrics.Transcriptions.WithLabelValues("ok").Inc()
	c.JSON(http.StatusOK, gin.H{"transcript": transcript, "req_id": reqID})
}

var assetNamePattern = regexp.MustCompile(`^agent_\d+\.mp3$`)

// audio serves a synthesized asset. Names are restricted to the
// synthesizer's output pattern, so no path can escape the audio dir.
func (h *Handler) audio(c *gin.Context) {
	name := c.Param("filename")
	if !assetNamePattern.MatchString(name) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	path := filepath.Join(h.audioDir, name)
	if _, err := os.Stat(path); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.File(path)
}

// turnProgress exposes the pipeline's view of one turn.
func (h *Handler) turnProgress(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid turn id"})
		return
	}
	tp, err := h.pipeline.Progress(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown turn"})
		return
	}
	c.JSON(http.StatusOK, tp)
}

func (h *Handler) healthz(c *gin.Context) {
	status := gin.H{"status": "ok"}
	if err := h.db.PingContext(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "store": err.Error()})
		return
	}
	if h.rdb != nil {
		if err := h.rdb.Ping(c.Request.Context()); err != nil {
			status["redis"] = "unreachable"
		} else {
			status["redis"] = "ok"
		}
	}
	c.JSON(http.StatusOK, status)
}
