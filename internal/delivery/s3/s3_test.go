package s3

import (
	"context"
	"io"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	minio "github.com/minio/minio-go/v7"

	"pkt.systems/ingestd/internal/delivery"
)

func setupFakeS3(t *testing.T) (*httptest.Server, Config) {
	t.Helper()
	backend := s3mem.New()
	fs := gofakes3.New(backend)
	server := httptest.NewServer(fs.Server())
	bucket := "ingestd-test"
	if err := backend.CreateBucket(bucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	endpoint := strings.TrimPrefix(server.URL, "http://")
	os.Setenv("AWS_ACCESS_KEY_ID", "test")
	os.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	cfg := Config{
		Endpoint:       endpoint,
		Region:         "us-east-1",
		Bucket:         bucket,
		Prefix:         "outbox",
		Insecure:       true,
		ForcePathStyle: true,
	}
	return server, cfg
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for missing bucket")
	}
}

func TestCommitUploadsObjectsWithMetadata(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()

	sink, err := New(cfg)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	ctx := context.Background()

	sess := sink.Sessions().New()
	handle, err := sess.Stage(ctx, delivery.Item{
		ContentType: "application/json",
		Metadata:    map[string]string{"source": "sensor-9"},
	}, strings.NewReader(`{"reading":42}`))
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if err := sess.Commit(ctx, "hold-s3"); err != nil {
		t.Fatalf("commit: %v", err)
	}

	key := sink.ObjectKey("hold-s3", 0, handle.ID)
	obj, err := sink.Client().GetObject(ctx, cfg.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		t.Fatalf("get object: %v", err)
	}
	defer obj.Close()
	body, err := io.ReadAll(obj)
	if err != nil {
		t.Fatalf("read object: %v", err)
	}
	if string(body) != `{"reading":42}` {
		t.Fatalf("object body = %q", body)
	}

	stat, err := sink.Client().StatObject(ctx, cfg.Bucket, key, minio.StatObjectOptions{})
	if err != nil {
		t.Fatalf("stat object: %v", err)
	}
	if !userMetadataHas(stat.UserMetadata, "source", "sensor-9") {
		t.Fatalf("user metadata missing source attribute: %v", stat.UserMetadata)
	}
}

func TestRollbackUploadsNothing(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()

	sink, err := New(cfg)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	ctx := context.Background()

	sess := sink.Sessions().New()
	if _, err := sess.Stage(ctx, delivery.Item{}, strings.NewReader("discarded")); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if err := sess.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	found := 0
	for range sink.Client().ListObjects(ctx, cfg.Bucket, minio.ListObjectsOptions{Recursive: true}) {
		found++
	}
	if found != 0 {
		t.Fatalf("rollback left %d objects in bucket", found)
	}
}

func TestObjectKeyIncludesPrefixAndSequence(t *testing.T) {
	t.Parallel()

	sink := &Sink{cfg: Config{Prefix: "outbox"}}
	if got, want := sink.ObjectKey("h1", 2, "abc"), "outbox/h1/2-abc"; got != want {
		t.Fatalf("object key = %q, want %q", got, want)
	}
}

func userMetadataHas(meta map[string]string, key, want string) bool {
	for k, v := range meta {
		if strings.EqualFold(k, key) && v == want {
			return true
		}
	}
	return false
}
