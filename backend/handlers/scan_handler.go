package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ravigill3969/fitscan/backend/logger"
	"github.com/ravigill3969/fitscan/backend/models"
	"github.com/ravigill3969/fitscan/backend/queue"
	"github.com/ravigill3969/fitscan/backend/scans"
	"github.com/ravigill3969/fitscan/backend/utils"
)

const (
	maxFormMemory  = 32 << 20
	eventKeepAlive = 25 * time.Second
)

// UpdateSubscriber opens a live status feed for one scan.
type UpdateSubscriber interface {
	Subscribe(ctx context.Context, uid, scanID string) (*redis.PubSub, error)
}

type ScanHandler struct {
	Scans         *scans.Service
	Updates       UpdateSubscriber
	MaxPhotoBytes int64
}

func (h *ScanHandler) maxPhoto() int64 {
	if h.MaxPhotoBytes <= 0 {
		return 8 << 20
	}
	return h.MaxPhotoBytes
}

func (h *ScanHandler) Create(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUser(w, r)
	if !ok {
		return
	}

	scan, err := h.Scans.Start(r.Context(), uid)
	if err != nil {
		respondErr(w, r, err, "Failed to start scan")
		return
	}
	utils.RespondSuccess(w, http.StatusCreated, scan)
}

func (h *ScanHandler) List(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUser(w, r)
	if !ok {
		return
	}

	limit, ok := queryLimit(w, r, 20, 100)
	if !ok {
		return
	}

	list, err := h.Scans.List(r.Context(), uid, limit)
	if err != nil {
		respondErr(w, r, err, "Failed to list scans")
		return
	}
	if list == nil {
		list = []*models.ScanSession{}
	}
	utils.RespondSuccess(w, http.StatusOK, list)
}

func (h *ScanHandler) Get(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUser(w, r)
	if !ok {
		return
	}

	scan, err := h.Scans.Get(r.Context(), uid, r.PathValue("id"))
	if err != nil {
		respondErr(w, r, err, "Failed to load scan")
		return
	}
	utils.RespondSuccess(w, http.StatusOK, scan)
}

// UploadPhotos accepts a multipart form with one file field per pose.
func (h *ScanHandler) UploadPhotos(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUser(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, int64(len(models.Poses))*h.maxPhoto()+1<<20)
	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "Could not parse multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	var unknown []string
	for field := range r.MultipartForm.File {
		if !models.ValidPose(field) {
			unknown = append(unknown, field)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		utils.RespondValidationError(w, "Unknown pose fields, use front, back, left or right", unknown)
		return
	}

	var uploads []scans.PoseUpload
	for field, headers := range r.MultipartForm.File {
		if len(headers) != 1 {
			utils.RespondError(w, http.StatusBadRequest, fmt.Sprintf("Send exactly one file for %s", field))
			return
		}
		fh := headers[0]
		if fh.Size > h.maxPhoto() {
			respondErr(w, r, fmt.Errorf("%w: %s", scans.ErrPhotoTooLarge, field), "")
			return
		}
		f, err := fh.Open()
		if err != nil {
			utils.RespondInternal(w, r, err, "Failed to read upload")
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			utils.RespondInternal(w, r, err, "Failed to read upload")
			return
		}
		uploads = append(uploads, scans.PoseUpload{
			Pose:        models.Pose(field),
			ContentType: mediaType(fh.Header.Get("Content-Type")),
			Data:        data,
		})
	}
	if len(uploads) == 0 {
		utils.RespondError(w, http.StatusBadRequest, "No photos uploaded. Use form fields front, back, left, right.")
		return
	}

	h.storePoses(w, r, uid, uploads)
}

// PutPhoto accepts one pose as the raw request body.
func (h *ScanHandler) PutPhoto(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUser(w, r)
	if !ok {
		return
	}

	pose := r.PathValue("pose")
	if !models.ValidPose(pose) {
		respondErr(w, r, fmt.Errorf("%w: %q", scans.ErrInvalidPose, pose), "")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxPhoto())
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondErr(w, r, fmt.Errorf("%w: %s", scans.ErrPhotoTooLarge, pose), "")
			return
		}
		utils.RespondError(w, http.StatusBadRequest, "Could not read photo body")
		return
	}

	h.storePoses(w, r, uid, []scans.PoseUpload{{
		Pose:        models.Pose(pose),
		ContentType: mediaType(r.Header.Get("Content-Type")),
		Data:        data,
	}})
}

func (h *ScanHandler) storePoses(w http.ResponseWriter, r *http.Request, uid string, uploads []scans.PoseUpload) {
	res, err := h.Scans.UploadPoses(r.Context(), uid, r.PathValue("id"), uploads)
	switch {
	case err == nil:
		utils.RespondSuccess(w, http.StatusOK, res)
	case errors.Is(err, scans.ErrPartialUpload) && len(res.Stored)+len(res.Skipped) > 0:
		utils.RespondSuccess(w, http.StatusPartialContent, res)
	case errors.Is(err, scans.ErrPartialUpload):
		utils.RespondError(w, http.StatusServiceUnavailable, "Photo storage is unavailable, try again")
	default:
		respondErr(w, r, err, "Failed to store photos")
	}
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return contentType
	}
	return mt
}

func (h *ScanHandler) Submit(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUser(w, r)
	if !ok {
		return
	}

	scan, remaining, err := h.Scans.Submit(r.Context(), uid, r.PathValue("id"))
	if err != nil {
		respondErr(w, r, err, "Failed to submit scan")
		return
	}
	utils.Respond(w, http.StatusAccepted, scan, utils.WithRemaining(remaining))
}

func (h *ScanHandler) Abort(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUser(w, r)
	if !ok {
		return
	}

	out, err := h.Scans.Abort(r.Context(), uid, r.PathValue("id"))
	if err != nil {
		respondErr(w, r, err, "Failed to abort scan")
		return
	}
	utils.Respond(w, http.StatusOK, out, utils.WithRefund(out.Refunded, out.Reason))
}

// Events streams status changes as server-sent events. The first event is the current
// state; the stream ends once the scan reaches a terminal status.
func (h *ScanHandler) Events(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUser(w, r)
	if !ok {
		return
	}
	if h.Updates == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "Live updates are not available")
		return
	}
	scanID := r.PathValue("id")
	ctx := r.Context()

	sub, err := h.Updates.Subscribe(ctx, uid, scanID)
	if err != nil {
		utils.RespondInternal(w, r, err, "Failed to subscribe to scan updates")
		return
	}
	defer sub.Close()

	// read after subscribing so no change can fall between the snapshot and the feed
	scan, err := h.Scans.Get(ctx, uid, scanID)
	if err != nil {
		respondErr(w, r, err, "Failed to load scan")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	log := logger.FromContext(ctx)

	send := func(u queue.StatusUpdate) bool {
		raw, err := json.Marshal(u)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "event: status\ndata: %s\n\n", raw); err != nil {
			return false
		}
		return rc.Flush() == nil
	}

	if !send(queue.UpdateFor(scan)) || scan.Status.Terminal() {
		return
	}

	keepAlive := time.NewTicker(eventKeepAlive)
	defer keepAlive.Stop()
	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil || rc.Flush() != nil {
				return
			}
		case msg, open := <-msgs:
			if !open {
				return
			}
			u, err := queue.DecodeUpdate(msg)
			if err != nil {
				log.Warn("bad scan update", zap.Error(err))
				continue
			}
			if !send(u) || u.Status.Terminal() {
				return
			}
		}
	}
}
