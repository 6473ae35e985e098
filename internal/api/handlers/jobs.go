package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"talkgen/internal/core"
	"talkgen/internal/history"
)

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".bmp": true, ".gif": true,
}

var audioExtensions = map[string]bool{
	".wav": true, ".mp3": true, ".flac": true, ".aac": true, ".ogg": true,
}

type JobResponse struct {
	RequestID       string               `json:"request_id"`
	Status          core.JobStatus       `json:"status"`
	Message         string               `json:"message,omitempty"`
	SubmittedAt     time.Time            `json:"submitted_at"`
	StartedAt       *time.Time           `json:"started_at,omitempty"`
	FinishedAt      *time.Time           `json:"finished_at,omitempty"`
	PositionInQueue int                  `json:"position_in_queue,omitempty"`
	ResultURL       string               `json:"result_url,omitempty"`
	Error           *core.ExecutionError `json:"error,omitempty"`
}

type QueueStatusResponse struct {
	core.QueueStats
	Requests []JobResponse `json:"requests"`
}

type JobHandler struct {
	queue      *core.Queue
	history    *history.Store
	uploadsDir string
}

func NewJobHandler(queue *core.Queue, historyStore *history.Store, uploadsDir string) *JobHandler {
	return &JobHandler{
		queue:      queue,
		history:    historyStore,
		uploadsDir: uploadsDir,
	}
}

// Generate accepts a multipart image+audio submission and admits it into the
// queue. Admission never waits for a worker slot.
func (h *JobHandler) Generate(c *gin.Context) {
	image, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return
	}

	audio, err := c.FormFile("audio")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "audio file is required"})
		return
	}

	imageExt := strings.ToLower(filepath.Ext(image.Filename))
	if !imageExtensions[imageExt] {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid image file type %q (supported: jpg, jpeg, png, bmp, gif)", imageExt)})
		return
	}

	audioExt := strings.ToLower(filepath.Ext(audio.Filename))
	if !audioExtensions[audioExt] {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid audio file type %q (supported: wav, mp3, flac, aac, ogg)", audioExt)})
		return
	}

	token := uuid.New().String()
	imagePath := filepath.Join(h.uploadsDir, token+"_image"+imageExt)
	audioPath := filepath.Join(h.uploadsDir, token+"_audio"+audioExt)

	if err := c.SaveUploadedFile(image, imagePath); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store image upload"})
		return
	}
	if err := c.SaveUploadedFile(audio, audioPath); err != nil {
		os.Remove(imagePath)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store audio upload"})
		return
	}

	job, err := h.queue.Submit(core.Inputs{
		ImagePath: imagePath,
		AudioPath: audioPath,
		Prompt:    c.PostForm("prompt"),
	})
	if err != nil {
		os.Remove(imagePath)
		os.Remove(audioPath)
		if errors.Is(err, core.ErrQueueFull) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "Queue is full. Please try again later."})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit job"})
		return
	}

	c.JSON(http.StatusOK, JobResponse{
		RequestID:       job.ID,
		Status:          job.Status,
		Message:         "Request added to queue",
		SubmittedAt:     job.SubmittedAt,
		PositionInQueue: h.queue.QueuePosition(job.ID),
	})
}

func (h *JobHandler) Status(c *gin.Context) {
	id := c.Param("id")

	job, err := h.queue.Get(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "request not found"})
		return
	}

	c.JSON(http.StatusOK, h.jobResponse(job))
}

func (h *JobHandler) QueueStatus(c *gin.Context) {
	resp := QueueStatusResponse{
		QueueStats: h.queue.Stats(),
		Requests:   []JobResponse{},
	}

	for _, job := range h.queue.List() {
		if job.Status.IsTerminal() {
			continue
		}
		resp.Requests = append(resp.Requests, h.jobResponse(job))
	}

	c.JSON(http.StatusOK, resp)
}

func (h *JobHandler) Result(c *gin.Context) {
	id := c.Param("id")

	job, err := h.queue.Get(id)
	if err != nil || job.Status != core.JobStatusCompleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "video not ready or request not found"})
		return
	}

	if _, err := os.Stat(job.ResultPath); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "video file not found"})
		return
	}

	c.FileAttachment(job.ResultPath, "talkgen_"+job.ID+".mp4")
}

// Cancel requests cancellation. Queued jobs are cancelled on the spot;
// processing jobs are stopped cooperatively and report cancelled once the
// worker finishes.
func (h *JobHandler) Cancel(c *gin.Context) {
	id := c.Param("id")

	job, err := h.queue.Cancel(id)
	switch {
	case errors.Is(err, core.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "request not found"})
		return
	case errors.Is(err, core.ErrAlreadyTerminal):
		c.JSON(http.StatusConflict, gin.H{"error": "request already finished"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel request"})
		return
	}

	message := "cancellation requested"
	if job.Status == core.JobStatusCancelled {
		message = "request cancelled"
	}
	c.JSON(http.StatusOK, gin.H{"status": job.Status, "message": message})
}

// Delete removes a finished job's record and its files. Processing jobs must
// be cancelled first.
func (h *JobHandler) Delete(c *gin.Context) {
	id := c.Param("id")

	job, err := h.queue.Get(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "request not found"})
		return
	}

	if job.Status == core.JobStatusProcessing {
		c.JSON(http.StatusConflict, gin.H{"error": "request is processing, cancel it first"})
		return
	}

	if err := h.queue.Remove(id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete request"})
		return
	}

	for _, path := range []string{job.ResultPath, job.Inputs.ImagePath, job.Inputs.AudioPath} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("error deleting files: %v", err)})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"message": "request and associated files deleted"})
}

// History lists recently finished jobs from the on-disk history store.
func (h *JobHandler) History(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusOK, gin.H{"entries": []history.Entry{}})
		return
	}

	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	entries, err := h.history.Recent(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load history"})
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h *JobHandler) jobResponse(job core.Job) JobResponse {
	resp := JobResponse{
		RequestID:   job.ID,
		Status:      job.Status,
		Message:     job.ProgressMessage,
		SubmittedAt: job.SubmittedAt,
		StartedAt:   job.StartedAt,
		FinishedAt:  job.FinishedAt,
	}

	switch job.Status {
	case core.JobStatusQueued:
		resp.PositionInQueue = h.queue.QueuePosition(job.ID)
	case core.JobStatusCompleted:
		resp.ResultURL = "/api/result/" + job.ID
	case core.JobStatusFailed:
		resp.Error = job.Error
	}

	return resp
}
