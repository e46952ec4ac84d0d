package aws

import (
	"context"
	"io"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"

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
	os.Setenv("AWS_ACCESS_KEY_ID", "test")
	os.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	cfg := Config{
		Endpoint:       server.URL,
		Region:         "us-east-1",
		Bucket:         bucket,
		Prefix:         "outbox",
		Insecure:       true,
		ForcePathStyle: true,
	}
	return server, cfg
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{Region: "us-east-1"}); err == nil {
		t.Fatal("expected error for missing bucket")
	}
	if _, err := New(Config{Bucket: "b"}); err == nil {
		t.Fatal("expected error for missing region")
	}
}

func TestCommitUploadsObjects(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()

	sink, err := New(cfg)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	ctx := context.Background()

	sess := sink.Sessions().New()
	handle, err := sess.Stage(ctx, delivery.Item{
		ContentType: "text/plain",
		Metadata:    map[string]string{"origin": "edge-3"},
	}, strings.NewReader("native s3 payload"))
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if err := sess.Commit(ctx, "hold-aws"); err != nil {
		t.Fatalf("commit: %v", err)
	}

	key := sink.ObjectKey("hold-aws", 0, handle.ID)
	out, err := sink.Client().GetObject(ctx, &s3.GetObjectInput{
		Bucket: awssdk.String(cfg.Bucket),
		Key:    awssdk.String(key),
	})
	if err != nil {
		t.Fatalf("get object: %v", err)
	}
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		t.Fatalf("read object: %v", err)
	}
	if string(body) != "native s3 payload" {
		t.Fatalf("object body = %q", body)
	}
	if !metadataHas(out.Metadata, "origin", "edge-3") {
		t.Fatalf("object metadata missing origin attribute: %v", out.Metadata)
	}
}

func TestEnsureBucketToleratesExisting(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()

	sink, err := New(cfg)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	if err := sink.EnsureBucket(context.Background()); err != nil {
		t.Fatalf("ensure bucket on existing bucket: %v", err)
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

	list, err := sink.Client().ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: awssdk.String(cfg.Bucket),
	})
	if err != nil {
		t.Fatalf("list objects: %v", err)
	}
	if len(list.Contents) != 0 {
		t.Fatalf("rollback left %d objects in bucket", len(list.Contents))
	}
}

func metadataHas(meta map[string]string, key, want string) bool {
	for k, v := range meta {
		if strings.EqualFold(k, key) && v == want {
			return true
		}
	}
	return false
}
