package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/erp/migrator/internal/infrastructure/config"
)

// fakeS3 serves path-style requests for a single bucket from memory
type fakeS3 struct {
	mu      sync.Mutex
	bucket  string
	objects map[string]string
}

func newFakeS3(bucket string, objects map[string]string) *fakeS3 {
	if objects == nil {
		objects = map[string]string{}
	}
	return &fakeS3{bucket: bucket, objects: objects}
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	if parts[0] != f.bucket {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if len(parts) == 1 || parts[1] == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	key := parts[1]
	switch r.Method {
	case http.MethodGet:
		body, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return
		}
		_, _ = io.WriteString(w, body)
	case http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		f.objects[key] = string(data)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeS3) object(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.objects[key]
	return v, ok
}

func newTestStorage(t *testing.T, server *httptest.Server, opts ...S3ObjectStorageOption) *S3ObjectStorage {
	t.Helper()
	cfg := &config.StorageConfig{
		Endpoint:        server.URL,
		Region:          "us-east-1",
		AccessKeyID:     "test-key",
		SecretAccessKey: "test-secret",
		Bucket:          "legacy-exports",
		UsePathStyle:    true,
	}
	s, err := NewS3ObjectStorage(context.Background(), cfg, append([]S3ObjectStorageOption{WithLogger(zaptest.NewLogger(t))}, opts...)...)
	require.NoError(t, err)
	return s
}

func TestNewS3ObjectStorage_Validation(t *testing.T) {
	ctx := context.Background()

	t.Run("nil config returns error", func(t *testing.T) {
		_, err := NewS3ObjectStorage(ctx, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "configuration is required")
	})

	t.Run("missing bucket returns error", func(t *testing.T) {
		_, err := NewS3ObjectStorage(ctx, &config.StorageConfig{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bucket is required")
	})

	t.Run("bucket option satisfies missing configured bucket", func(t *testing.T) {
		s, err := NewS3ObjectStorage(ctx, &config.StorageConfig{
			AccessKeyID:     "k",
			SecretAccessKey: "s",
		}, WithBucket("from-uri"))
		require.NoError(t, err)
		assert.Equal(t, "from-uri", s.Bucket())
	})

	t.Run("half-configured credentials are rejected", func(t *testing.T) {
		_, err := NewS3ObjectStorage(ctx, &config.StorageConfig{Bucket: "b", AccessKeyID: "k"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must be set together")
	})
}

func TestParseObjectURI(t *testing.T) {
	tests := []struct {
		uri    string
		bucket string
		prefix string
		ok     bool
	}{
		{"s3://exports/erp-v1/2026", "exports", "erp-v1/2026", true},
		{"s3://exports", "exports", "", true},
		{"s3://exports/", "exports", "", true},
		{"/var/lib/legacy", "", "", false},
		{"https://exports.example.com/x", "", "", false},
		{"s3:///nobucket", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			bucket, prefix, ok := ParseObjectURI(tt.uri)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.bucket, bucket)
			assert.Equal(t, tt.prefix, prefix)
		})
	}
}

func TestS3ObjectStorage_Key(t *testing.T) {
	server := httptest.NewServer(newFakeS3("legacy-exports", nil))
	defer server.Close()

	assert.Equal(t, "customers.csv", newTestStorage(t, server).Key("customers.csv"))
	assert.Equal(t, "erp-v1/customers.csv", newTestStorage(t, server, WithPrefix("/erp-v1/")).Key("customers.csv"))
}

func TestS3ObjectStorage_Open(t *testing.T) {
	fake := newFakeS3("legacy-exports", map[string]string{
		"erp-v1/customers.csv": "id,name\n1,Acme\n",
	})
	server := httptest.NewServer(fake)
	defer server.Close()
	s := newTestStorage(t, server, WithPrefix("erp-v1"))

	t.Run("streams object body", func(t *testing.T) {
		rc, err := s.Open(context.Background(), "customers.csv")
		require.NoError(t, err)
		defer rc.Close()
		body, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, "id,name\n1,Acme\n", string(body))
	})

	t.Run("missing object returns error", func(t *testing.T) {
		_, err := s.Open(context.Background(), "products.csv")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "s3://legacy-exports/erp-v1/products.csv")
	})

	t.Run("empty name returns error", func(t *testing.T) {
		_, err := s.Open(context.Background(), "")
		require.Error(t, err)
	})
}

func TestS3ObjectStorage_Ping(t *testing.T) {
	server := httptest.NewServer(newFakeS3("legacy-exports", nil))
	defer server.Close()

	require.NoError(t, newTestStorage(t, server).Ping(context.Background()))

	err := newTestStorage(t, server, WithBucket("other")).Ping(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "other")
}

func TestS3ObjectStorage_Upload(t *testing.T) {
	fake := newFakeS3("legacy-exports", nil)
	server := httptest.NewServer(fake)
	defer server.Close()
	s := newTestStorage(t, server, WithPrefix("staging"))

	require.NoError(t, s.Upload(context.Background(), "products.csv", []byte("sku,name\nA-1,Bolt\n"), "text/csv"))

	body, ok := fake.object("staging/products.csv")
	require.True(t, ok)
	assert.Contains(t, body, "A-1,Bolt")

	require.Error(t, s.Upload(context.Background(), "", nil, "text/csv"))
}

// ============================================================================
// Integration Tests (require a running S3-compatible endpoint)
// ============================================================================

func skipIfNoS3(t *testing.T) {
	if os.Getenv("INTEGRATION_TEST") != "1" {
		t.Skip("Skipping integration test. Set INTEGRATION_TEST=1 to run.")
	}
}

func TestIntegration_UploadAndOpen(t *testing.T) {
	skipIfNoS3(t)

	cfg := &config.StorageConfig{
		Endpoint:        getEnvOrDefault("STORAGE_ENDPOINT", "http://localhost:9000"),
		Region:          "us-east-1",
		AccessKeyID:     getEnvOrDefault("STORAGE_ACCESS_KEY", "minioadmin"),
		SecretAccessKey: getEnvOrDefault("STORAGE_SECRET_KEY", "minioadmin"),
		Bucket:          getEnvOrDefault("STORAGE_BUCKET", "legacy-exports"),
		UsePathStyle:    true,
	}
	ctx := context.Background()
	s, err := NewS3ObjectStorage(ctx, cfg, WithPrefix("integration"))
	require.NoError(t, err)
	require.NoError(t, s.Ping(ctx))

	require.NoError(t, s.Upload(ctx, "customers.csv", []byte("id,name\n1,Acme\n"), "text/csv"))
	rc, err := s.Open(ctx, "customers.csv")
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "id,name\n1,Acme\n", string(body))
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
