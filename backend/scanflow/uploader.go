package scanflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ravigill3969/fitscan/backend/models"
)

var ErrIncompleteUpload = errors.New("not every pose was uploaded")

// PoseHeader names the pose on both upload paths so proxies and logs can tell attempts apart.
const PoseHeader = "X-Scan-Pose"

type Photo struct {
	Pose        models.Pose
	ContentType string
	Data        []byte
}

type UploadError struct {
	Pose     models.Pose
	Code     Code
	Bytes    int64
	Attempts int
	Err      error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s failed (%s) after %d attempts: %v", e.Pose, e.Code, e.Attempts, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

type Report struct {
	Uploaded []models.Pose
	Failed   map[models.Pose]*UploadError
}

// Uploader sends pose photos to the scans API. Each pose is tried on the streamed PUT
// endpoint first and falls back to a single multipart POST once its retries run out on a
// transport failure.
type Uploader struct {
	BaseURL      string
	Token        string
	Client       *http.Client
	StallTimeout time.Duration
	StallTick    time.Duration
	MaxAttempts  int
	Backoff      time.Duration
	Logger       *zap.Logger
}

func NewUploader(baseURL, token string, logger *zap.Logger) *Uploader {
	return &Uploader{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		Token:        token,
		Client:       &http.Client{Transport: newTransport()},
		StallTimeout: 20 * time.Second,
		MaxAttempts:  3,
		Backoff:      500 * time.Millisecond,
		Logger:       logger,
	}
}

// UploadAll uploads every photo concurrently. A failing pose never cancels its siblings;
// failures are collected in the report and ErrIncompleteUpload is returned if any occurred.
func (u *Uploader) UploadAll(ctx context.Context, scanID string, photos []Photo) (Report, error) {
	report := Report{Failed: make(map[models.Pose]*UploadError)}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(len(models.Poses))
	for _, p := range photos {
		g.Go(func() error {
			uerr := u.uploadPose(ctx, scanID, p)

			mu.Lock()
			defer mu.Unlock()
			if uerr != nil {
				report.Failed[p.Pose] = uerr
			} else {
				report.Uploaded = append(report.Uploaded, p.Pose)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(report.Uploaded, func(i, j int) bool {
		return poseIndex(report.Uploaded[i]) < poseIndex(report.Uploaded[j])
	})
	if len(report.Failed) > 0 {
		return report, ErrIncompleteUpload
	}
	return report, nil
}

func poseIndex(p models.Pose) int {
	for i, q := range models.Poses {
		if q == p {
			return i
		}
	}
	return len(models.Poses)
}

func (u *Uploader) uploadPose(ctx context.Context, scanID string, p Photo) *UploadError {
	put := u.putAttempt(scanID, p)

	var last *UploadError
	for attempt := 1; attempt <= u.MaxAttempts; attempt++ {
		last = u.send(ctx, p, put)
		if last == nil {
			return nil
		}
		last.Attempts = attempt

		u.Logger.Warn("pose upload attempt failed",
			zap.String("scan_id", scanID),
			zap.String("pose", string(p.Pose)),
			zap.Int("attempt", attempt),
			zap.String("code", string(last.Code)),
			zap.Int64("bytes", last.Bytes),
			zap.Error(last.Err))

		if !ShouldRetry(last.Code, last.Bytes) {
			return last
		}
		if attempt < u.MaxAttempts && !sleep(ctx, u.Backoff*time.Duration(attempt)) {
			last.Code = CodeCanceled
			return last
		}
	}

	form, err := u.multipartAttempt(scanID, p)
	if err != nil {
		return &UploadError{Pose: p.Pose, Code: CodeInvalidArgument, Attempts: u.MaxAttempts, Err: err}
	}
	fb := u.send(ctx, p, form)
	if fb == nil {
		u.Logger.Info("pose uploaded via multipart fallback", zap.String("scan_id", scanID), zap.String("pose", string(p.Pose)))
		return nil
	}
	fb.Attempts = u.MaxAttempts + 1
	return fb
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// request is one fully encoded upload, replayable across attempts.
type request struct {
	method      string
	url         string
	contentType string
	body        []byte
}

func (u *Uploader) putAttempt(scanID string, p Photo) request {
	return request{
		method:      http.MethodPut,
		url:         fmt.Sprintf("%s/api/scans/%s/photos/%s", u.BaseURL, scanID, p.Pose),
		contentType: contentType(p),
		body:        p.Data,
	}
}

func (u *Uploader) multipartAttempt(scanID string, p Photo) (request, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, p.Pose, p.Pose))
	h.Set("Content-Type", contentType(p))
	part, err := mw.CreatePart(h)
	if err != nil {
		return request{}, err
	}
	if _, err := part.Write(p.Data); err != nil {
		return request{}, err
	}
	if err := mw.Close(); err != nil {
		return request{}, err
	}

	return request{
		method:      http.MethodPost,
		url:         fmt.Sprintf("%s/api/scans/%s/photos", u.BaseURL, scanID),
		contentType: mw.FormDataContentType(),
		body:        buf.Bytes(),
	}, nil
}

func (u *Uploader) send(ctx context.Context, p Photo, r request) *UploadError {
	wd, wctx := NewWatchdog(ctx, u.StallTimeout, u.StallTick)
	defer wd.Stop()

	// The task stays running until the response is read, so a server that takes every byte
	// and never answers trips the watchdog StallTimeout after the last byte went out.
	body := &progressReader{r: bytes.NewReader(r.body), wd: wd}
	req, err := http.NewRequestWithContext(wctx, r.method, r.url, body)
	if err != nil {
		return &UploadError{Pose: p.Pose, Code: CodeInvalidArgument, Err: err}
	}
	req.ContentLength = int64(len(r.body))
	req.Header.Set("Content-Type", r.contentType)
	req.Header.Set(PoseHeader, string(p.Pose))
	if u.Token != "" {
		req.Header.Set("Authorization", "Bearer "+u.Token)
	}

	resp, err := u.Client.Do(req)
	if err != nil {
		code := CodeNetwork
		var stall *StallError
		switch {
		case errors.As(context.Cause(wctx), &stall):
			code = Code(stall.Reason)
			err = stall
		case ctx.Err() != nil:
			code = CodeCanceled
		}
		return &UploadError{Pose: p.Pose, Code: code, Bytes: wd.Bytes(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		wd.SetState(TaskError)
		return &UploadError{
			Pose:  p.Pose,
			Code:  CodeForStatus(resp.StatusCode),
			Bytes: wd.Bytes(),
			Err:   fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))),
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	wd.SetState(TaskSuccess)
	return nil
}

// newTransport bounds the wait for response headers as a backstop behind the per-attempt
// watchdog.
func newTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.ResponseHeaderTimeout = 2 * time.Minute
	return t
}

func contentType(p Photo) string {
	if p.ContentType != "" {
		return p.ContentType
	}
	return http.DetectContentType(p.Data)
}

type progressReader struct {
	r  io.Reader
	n  int64
	wd *Watchdog
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.n += int64(n)
		p.wd.Progress(p.n)
	}
	return n, err
}
