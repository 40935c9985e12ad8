package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xinyiqin/x2v-batch/internal/audio"
	"github.com/xinyiqin/x2v-batch/internal/engine"
	"github.com/xinyiqin/x2v-batch/internal/model"
	"github.com/xinyiqin/x2v-batch/internal/store"
)

const (
	maxImageBytes = 10 << 20
	maxAudioBytes = 30 << 20
)

// createBatch accepts multipart form data: 1..50 "images" files, one
// "audio" file, optional "prompt" and "name" fields. Media is spooled before
// the engine sees the batch so a resume or restart can resubmit from the
// refs alone.
func (s *Server) createBatch(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Expected multipart form data", false, nil)
		return
	}
	images := form.File["images"]
	if len(images) == 0 {
		writeError(c, http.StatusBadRequest, "NO_IMAGES", "At least one image is required", false, nil)
		return
	}
	audios := form.File["audio"]
	if len(audios) != 1 {
		writeError(c, http.StatusBadRequest, "NO_AUDIO", "Exactly one audio file is required", false, nil)
		return
	}

	audioData, err := readUpload(audios[0], maxAudioBytes)
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_AUDIO", err.Error(), false, nil)
		return
	}
	audioRef, err := s.spool.Save(audios[0].Filename, audioData)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "SPOOL_FAILED", "Failed to store audio", true, nil)
		return
	}
	durationSec := audio.Duration(audios[0].Filename, audioData)

	in := engine.CreateBatchInput{
		UserID:           userIDFromContext(c),
		UserName:         usernameFromContext(c),
		Name:             c.PostForm("name"),
		Prompt:           c.PostForm("prompt"),
		AudioName:        audios[0].Filename,
		AudioRef:         audioRef,
		AudioDurationSec: durationSec,
	}
	for _, fh := range images {
		data, err := readUpload(fh, maxImageBytes)
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_IMAGE", fmt.Sprintf("%s: %v", fh.Filename, err), false, nil)
			return
		}
		ref, err := s.spool.Save(fh.Filename, data)
		if err != nil {
			writeError(c, http.StatusInternalServerError, "SPOOL_FAILED", "Failed to store image", true, nil)
			return
		}
		in.Images = append(in.Images, engine.NewItem{ImageName: fh.Filename, ImageRef: ref})
	}

	batch, err := s.engine.CreateBatch(in)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrTooManyItems):
			writeError(c, http.StatusBadRequest, "TOO_MANY_IMAGES", "Batch exceeds the image limit", false,
				map[string]any{"limit": 50})
		case errors.Is(err, engine.ErrInsufficientCredits):
			writeError(c, http.StatusPaymentRequired, "INSUFFICIENT_CREDITS", "Not enough credits for this batch", false, nil)
		default:
			writeError(c, http.StatusInternalServerError, "CREATE_FAILED", "Failed to create batch", true, nil)
		}
		return
	}
	writeData(c, http.StatusCreated, batchView(batch, time.Now().UTC()))
}

func (s *Server) getBatch(c *gin.Context) {
	batch, ok := s.ownedBatch(c)
	if !ok {
		return
	}
	writeData(c, http.StatusOK, batchView(batch, time.Now().UTC()))
}

func (s *Server) listBatches(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	batches, err := s.engine.ListBatches(userIDFromContext(c), limit, offset)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "LIST_FAILED", "Failed to list batches", true, nil)
		return
	}
	now := time.Now().UTC()
	out := make([]gin.H, 0, len(batches))
	for _, b := range batches {
		out = append(out, batchView(b, now))
	}
	writeData(c, http.StatusOK, gin.H{"batches": out})
}

func (s *Server) cancelItem(c *gin.Context) {
	batch, ok := s.ownedBatch(c)
	if !ok {
		return
	}
	if err := s.engine.CancelItem(batch.ID, c.Param("item_id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(c, http.StatusNotFound, "ITEM_NOT_FOUND", "Item not found", false, nil)
			return
		}
		writeError(c, http.StatusInternalServerError, "CANCEL_FAILED", "Failed to cancel item", true, nil)
		return
	}
	writeData(c, http.StatusOK, gin.H{"ok": true})
}

func (s *Server) resumeItem(c *gin.Context) {
	batch, ok := s.ownedBatch(c)
	if !ok {
		return
	}
	if err := s.engine.ResumeItem(batch.ID, c.Param("item_id")); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(c, http.StatusNotFound, "ITEM_NOT_FOUND", "Item not found", false, nil)
		case errors.Is(err, engine.ErrInvalidItemState):
			writeError(c, http.StatusConflict, "INVALID_ITEM_STATE", "Only failed or cancelled items can resume", false, nil)
		case errors.Is(err, engine.ErrInsufficientCredits):
			writeError(c, http.StatusPaymentRequired, "INSUFFICIENT_CREDITS", "Not enough credits to resume", false, nil)
		default:
			writeError(c, http.StatusInternalServerError, "RESUME_FAILED", "Failed to resume item", true, nil)
		}
		return
	}
	writeData(c, http.StatusOK, gin.H{"ok": true})
}

func (s *Server) retryFailed(c *gin.Context) {
	batch, ok := s.ownedBatch(c)
	if !ok {
		return
	}
	n, err := s.engine.RetryFailed(batch.ID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "RETRY_FAILED", "Failed to retry batch", true, nil)
		return
	}
	writeData(c, http.StatusOK, gin.H{"retried": n})
}

func (s *Server) streamBatchEvents(c *gin.Context) {
	batch, ok := s.ownedBatch(c)
	if !ok {
		return
	}

	fromSeq := parseLastEventSeq(c.GetHeader("Last-Event-ID"))
	if q := c.Query("from_seq"); q != "" {
		if v, err := strconv.ParseInt(q, 10, 64); err == nil && v > 0 {
			fromSeq = v
		}
	}

	backlog := s.hub.ReplayFrom(batch.ID, fromSeq)
	_, sub, unsubscribe := s.hub.Subscribe(batch.ID, 128)
	defer unsubscribe()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		writeError(c, http.StatusInternalServerError, "SSE_UNSUPPORTED", "Streaming unsupported", false, nil)
		return
	}

	for _, evt := range backlog {
		writeSSE(c, evt)
	}
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			writeSSE(c, evt)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprintf(c.Writer, ": ping %d\n\n", time.Now().Unix())
			flusher.Flush()
		}
	}
}

// ownedBatch loads the :batch_id batch and enforces ownership; admins may
// read any batch.
func (s *Server) ownedBatch(c *gin.Context) (model.Batch, bool) {
	batch, _, err := s.engine.GetBatch(c.Param("batch_id"))
	if err != nil {
		writeError(c, http.StatusNotFound, "BATCH_NOT_FOUND", "Batch not found", false, nil)
		return model.Batch{}, false
	}
	if batch.UserID != userIDFromContext(c) && roleFromContext(c) != string(model.RoleAdmin) {
		writeForbidden(c, "No access to batch")
		return model.Batch{}, false
	}
	return batch, true
}

func batchView(b model.Batch, now time.Time) gin.H {
	items := make([]gin.H, 0, len(b.Items))
	for i := range b.Items {
		it := &b.Items[i]
		items = append(items, gin.H{
			"id":               it.ID,
			"source_image":     it.SourceImage,
			"status":           it.Status,
			"progress":         it.CurrentProgress(now),
			"elapsed_sec":      it.ElapsedTime(now),
			"result_url":       it.ResultURL,
			"error_message":    it.ErrorMessage,
			"credits_charged":  it.CreditsCharged,
			"cancel_requested": it.CancelRequested,
			"created_at":       it.CreatedAt,
			"updated_at":       it.UpdatedAt,
		})
	}
	return gin.H{
		"id":                 b.ID,
		"name":               b.Name,
		"status":             b.Status,
		"prompt":             b.Prompt,
		"audio_name":         b.AudioName,
		"audio_duration_sec": b.AudioDurationSec,
		"image_count":        b.ImageCount,
		"credits_per_item":   b.CreditsPerItem,
		"credits_charged":    b.CreditsCharged(),
		"progress":           b.Progress(now),
		"items":              items,
		"created_at":         b.CreatedAt,
		"updated_at":         b.UpdatedAt,
	}
}

func readUpload(fh *multipart.FileHeader, limit int64) ([]byte, error) {
	if fh.Size > limit {
		return nil, fmt.Errorf("file exceeds %d byte limit", limit)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, limit))
}

