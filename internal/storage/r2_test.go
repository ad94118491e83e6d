package storage

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rotarydesk/internal/config"
	"rotarydesk/internal/types"
)

type fakeObject struct {
	data        []byte
	contentType string
}

// fakeS3 implements the handful of path-style S3 calls the store makes.
type fakeS3 struct {
	mu      sync.Mutex
	bucket  string
	objects map[string]fakeObject
	failAll bool
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failAll {
		writeS3Error(w, http.StatusForbidden, "AccessDenied", r.Method != http.MethodHead)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/")
	bucket, key, _ := strings.Cut(path, "/")
	if bucket != f.bucket {
		writeS3Error(w, http.StatusNotFound, "NoSuchBucket", r.Method != http.MethodHead)
		return
	}
	if key == "" {
		// BucketExists
		w.WriteHeader(http.StatusOK)
		return
	}

	switch r.Method {
	case http.MethodHead, http.MethodGet:
		obj, ok := f.objects[key]
		if !ok {
			writeS3Error(w, http.StatusNotFound, "NoSuchKey", r.Method == http.MethodGet)
			return
		}
		w.Header().Set("Content-Type", obj.contentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(obj.data)))
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.Header().Set("Last-Modified", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(obj.data)
		}
	case http.MethodPut:
		body, err := readPutBody(r)
		if err != nil {
			writeS3Error(w, http.StatusBadRequest, "IncompleteBody", true)
			return
		}
		f.objects[key] = fakeObject{data: body, contentType: r.Header.Get("Content-Type")}
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func writeS3Error(w http.ResponseWriter, status int, code string, withBody bool) {
	if !withBody {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>%s</Message></Error>`, code, code)
}

// readPutBody returns the object payload, decoding aws-chunked framing when
// the client used a streaming signature.
func readPutBody(r *http.Request) ([]byte, error) {
	if !strings.HasPrefix(r.Header.Get("X-Amz-Content-Sha256"), "STREAMING-") {
		return io.ReadAll(r.Body)
	}
	br := bufio.NewReader(r.Body)
	var out bytes.Buffer
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		sizeHex, _, _ := strings.Cut(strings.TrimSpace(line), ";")
		n, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return out.Bytes(), nil
		}
		if _, err := io.CopyN(&out, br, n); err != nil {
			return nil, err
		}
		if _, err := br.ReadString('\n'); err != nil {
			return nil, err
		}
	}
}

func newTestStore(t *testing.T) (*R2Store, *fakeS3) {
	t.Helper()
	fake := &fakeS3{bucket: "rotary-assets", objects: map[string]fakeObject{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	store, err := NewR2Store(config.StorageConfig{
		Endpoint:        srv.URL,
		AccessKeyID:     "test",
		SecretAccessKey: "test-secret",
		Bucket:          "rotary-assets",
		Region:          "auto",
	})
	require.NoError(t, err)
	return store, fake
}

func TestR2Store_GetReturnsBodyAndContentType(t *testing.T) {
	store, fake := newTestStore(t)
	fake.objects["42.jpg"] = fakeObject{data: []byte("jpeg-bytes"), contentType: "image/jpeg"}

	obj, err := store.Get(context.Background(), "42.jpg")
	require.NoError(t, err)
	assert.Equal(t, "42.jpg", obj.Key)
	assert.Equal(t, "image/jpeg", obj.ContentType)
	assert.Equal(t, []byte("jpeg-bytes"), obj.Data)
}

func TestR2Store_GetMissingKey(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Get(context.Background(), "missing.jpg")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrObjectNotFound))

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundObject, appErr.Code)
}

func TestR2Store_GetServerError(t *testing.T) {
	store, fake := newTestStore(t)
	fake.failAll = true

	_, err := store.Get(context.Background(), "42.jpg")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrObjectNotFound))
}

func TestR2Store_PutThenGet(t *testing.T) {
	store, fake := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "templates/daily.html", []byte("<html></html>"), "text/html"))
	assert.Equal(t, []byte("<html></html>"), fake.objects["templates/daily.html"].data)

	obj, err := store.Get(ctx, "templates/daily.html")
	require.NoError(t, err)
	assert.Equal(t, "<html></html>", string(obj.Data))
}

func TestR2Store_Delete(t *testing.T) {
	store, fake := newTestStore(t)
	fake.objects["42_poster.jpg"] = fakeObject{data: []byte("x"), contentType: "image/jpeg"}

	require.NoError(t, store.Delete(context.Background(), "42_poster.jpg"))
	_, ok := fake.objects["42_poster.jpg"]
	assert.False(t, ok)

	require.NoError(t, store.Delete(context.Background(), "42_poster.jpg"))
}

func TestR2Store_Ping(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.Ping(context.Background()))
}

func TestIsNotFound(t *testing.T) {
	assert.False(t, IsNotFound(nil))
	assert.True(t, IsNotFound(fmt.Errorf("wrapped: %w", ErrObjectNotFound)))
	assert.True(t, IsNotFound(minio.ErrorResponse{Code: "NoSuchKey", StatusCode: http.StatusNotFound}))
	assert.False(t, IsNotFound(minio.ErrorResponse{Code: "NoSuchBucket", StatusCode: http.StatusNotFound}))
	assert.False(t, IsNotFound(minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden}))
}

func TestEndpointHost(t *testing.T) {
	tests := []struct {
		in         string
		useSSL     bool
		wantHost   string
		wantSecure bool
	}{
		{"https://acct.r2.cloudflarestorage.com", false, "acct.r2.cloudflarestorage.com", true},
		{"http://127.0.0.1:9000/", true, "127.0.0.1:9000", false},
		{"acct.r2.cloudflarestorage.com", true, "acct.r2.cloudflarestorage.com", true},
	}
	for _, tt := range tests {
		host, secure := endpointHost(tt.in, tt.useSSL)
		assert.Equal(t, tt.wantHost, host, tt.in)
		assert.Equal(t, tt.wantSecure, secure, tt.in)
	}
}
