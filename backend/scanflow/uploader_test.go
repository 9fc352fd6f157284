package scanflow

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ravigill3969/fitscan/backend/models"
)

type received struct {
	mu        sync.Mutex
	puts      map[string]string
	multipart map[string]string
	putCalls  map[string]int
}

func newReceived() *received {
	return &received{puts: map[string]string{}, multipart: map[string]string{}, putCalls: map[string]int{}}
}

// fakeScanAPI serves both upload paths. failPut lists poses whose PUT always answers with
// the given status.
func fakeScanAPI(t *testing.T, rec *received, failPut map[string]int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /api/scans/{id}/photos/{pose}", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		pose := r.PathValue("pose")
		body, _ := io.ReadAll(r.Body)

		rec.mu.Lock()
		rec.putCalls[pose]++
		rec.mu.Unlock()

		if status, ok := failPut[pose]; ok {
			http.Error(w, "nope", status)
			return
		}
		rec.mu.Lock()
		rec.puts[pose] = string(body)
		rec.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /api/scans/{id}/photos", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for _, pose := range models.Poses {
			f, _, err := r.FormFile(string(pose))
			if err != nil {
				continue
			}
			body, _ := io.ReadAll(f)
			f.Close()
			rec.mu.Lock()
			rec.multipart[string(pose)] = string(body)
			rec.mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testPhotos() []Photo {
	var out []Photo
	for _, p := range models.Poses {
		out = append(out, Photo{Pose: p, ContentType: "image/jpeg", Data: []byte("jpeg-" + string(p))})
	}
	return out
}

func testUploader(baseURL string) *Uploader {
	u := NewUploader(baseURL, "tok", zap.NewNop())
	u.Backoff = time.Millisecond
	u.StallTimeout = time.Second
	u.StallTick = 10 * time.Millisecond
	return u
}

func TestUploadAllSendsEveryPose(t *testing.T) {
	rec := newReceived()
	srv := fakeScanAPI(t, rec, nil)

	report, err := testUploader(srv.URL).UploadAll(context.Background(), "scan-1", testPhotos())
	require.NoError(t, err)
	assert.Equal(t, models.Poses, report.Uploaded)
	assert.Empty(t, report.Failed)
	for _, p := range models.Poses {
		assert.Equal(t, "jpeg-"+string(p), rec.puts[string(p)])
	}
	assert.Empty(t, rec.multipart)
}

func TestUploadFallsBackToMultipart(t *testing.T) {
	rec := newReceived()
	srv := fakeScanAPI(t, rec, map[string]int{"left": http.StatusServiceUnavailable})

	u := testUploader(srv.URL)
	report, err := u.UploadAll(context.Background(), "scan-1", testPhotos())
	require.NoError(t, err)
	assert.Len(t, report.Uploaded, 4)
	assert.Equal(t, u.MaxAttempts, rec.putCalls["left"])
	assert.Equal(t, "jpeg-left", rec.multipart["left"])
}

func TestUploadDoesNotRetryRejectedPose(t *testing.T) {
	rec := newReceived()
	srv := fakeScanAPI(t, rec, map[string]int{"back": http.StatusRequestEntityTooLarge})

	report, err := testUploader(srv.URL).UploadAll(context.Background(), "scan-1", testPhotos())
	require.ErrorIs(t, err, ErrIncompleteUpload)

	require.Contains(t, report.Failed, models.PoseBack)
	assert.Equal(t, CodeTooLarge, report.Failed[models.PoseBack].Code)
	assert.Equal(t, 1, report.Failed[models.PoseBack].Attempts)
	assert.Equal(t, 1, rec.putCalls["back"])
	assert.Empty(t, rec.multipart)

	assert.ElementsMatch(t, []models.Pose{models.PoseFront, models.PoseLeft, models.PoseRight}, report.Uploaded)
}

func TestUploadUnauthenticated(t *testing.T) {
	rec := newReceived()
	srv := fakeScanAPI(t, rec, nil)

	u := testUploader(srv.URL)
	u.Token = "wrong"
	report, err := u.UploadAll(context.Background(), "scan-1", testPhotos()[:1])
	require.ErrorIs(t, err, ErrIncompleteUpload)
	assert.Equal(t, CodeUnauthenticated, report.Failed[models.PoseFront].Code)
}

// hangingTransport never reads the request body for the named pose, so no bytes move and
// only the watchdog can end the attempt.
type hangingTransport struct {
	pose string
	next http.RoundTripper
}

func (h hangingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if r.Header.Get(PoseHeader) == h.pose {
		<-r.Context().Done()
		return nil, r.Context().Err()
	}
	return h.next.RoundTrip(r)
}

func TestStalledPoseDoesNotBlockSiblings(t *testing.T) {
	rec := newReceived()
	srv := fakeScanAPI(t, rec, nil)

	u := testUploader(srv.URL)
	u.StallTimeout = 40 * time.Millisecond
	u.MaxAttempts = 2
	u.Client = &http.Client{Transport: hangingTransport{pose: "right", next: http.DefaultTransport}}

	report, err := u.UploadAll(context.Background(), "scan-1", testPhotos())
	require.ErrorIs(t, err, ErrIncompleteUpload)

	failed := report.Failed[models.PoseRight]
	require.NotNil(t, failed)
	assert.Equal(t, CodeNoProgress, failed.Code)
	assert.Equal(t, int64(0), failed.Bytes)
	assert.Equal(t, 3, failed.Attempts)
	assert.True(t, strings.Contains(failed.Error(), "no_progress"))

	assert.Len(t, report.Uploaded, 3)
}

func TestUploadCanceledContext(t *testing.T) {
	rec := newReceived()
	srv := fakeScanAPI(t, rec, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := testUploader(srv.URL).UploadAll(ctx, "scan-1", testPhotos()[:1])
	require.ErrorIs(t, err, ErrIncompleteUpload)
	assert.Equal(t, CodeCanceled, report.Failed[models.PoseFront].Code)
}

func TestUploadGivesUpOnSilentServer(t *testing.T) {
	release := make(chan struct{})
	var bodies sync.Map
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		bodies.Store(r.Method, len(data))
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	u := testUploader(srv.URL)
	u.StallTimeout = 100 * time.Millisecond
	u.MaxAttempts = 1

	done := make(chan struct{})
	var (
		report Report
		err    error
	)
	go func() {
		defer close(done)
		report, err = u.UploadAll(context.Background(), "scan-1", testPhotos()[:1])
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("upload still waiting on a server that never answers")
	}

	require.ErrorIs(t, err, ErrIncompleteUpload)
	failed := report.Failed[models.PoseFront]
	require.NotNil(t, failed)
	assert.Equal(t, CodeStalled, failed.Code)
	assert.Equal(t, 2, failed.Attempts)
	assert.Greater(t, failed.Bytes, int64(0))

	sent, ok := bodies.Load(http.MethodPut)
	require.True(t, ok)
	assert.Equal(t, len("jpeg-front"), sent)
}
