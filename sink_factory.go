package ingestd

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/ingestd/internal/delivery"
	awssink "pkt.systems/ingestd/internal/delivery/aws"
	azuresink "pkt.systems/ingestd/internal/delivery/azure"
	dirsink "pkt.systems/ingestd/internal/delivery/dir"
	"pkt.systems/ingestd/internal/delivery/memory"
	s3sink "pkt.systems/ingestd/internal/delivery/s3"
)

func openSink(cfg Config) (delivery.Sink, error) {
	u, err := url.Parse(cfg.Deliver)
	if err != nil {
		return nil, fmt.Errorf("parse deliver URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem", "":
		return memory.NewWithConfig(memory.Config{SpoolThreshold: cfg.SpoolThreshold}), nil
	case "dir", "file":
		dirCfg, err := buildDirConfig(cfg)
		if err != nil {
			return nil, err
		}
		return dirsink.New(dirCfg)
	case "s3":
		s3Cfg, err := buildS3Config(cfg)
		if err != nil {
			return nil, err
		}
		return s3sink.New(s3Cfg)
	case "aws":
		awsCfg, err := buildAWSConfig(cfg)
		if err != nil {
			return nil, err
		}
		return awssink.New(awsCfg)
	case "azure":
		azureCfg, err := buildAzureConfig(cfg)
		if err != nil {
			return nil, err
		}
		return azuresink.New(azureCfg)
	default:
		return nil, fmt.Errorf("deliver scheme %q not supported", u.Scheme)
	}
}

// buildDirConfig parses dir:// URLs into a dir sink configuration.
func buildDirConfig(cfg Config) (dirsink.Config, error) {
	u, err := url.Parse(cfg.Deliver)
	if err != nil {
		return dirsink.Config{}, fmt.Errorf("parse deliver URL: %w", err)
	}
	pathPart := strings.TrimSpace(u.Path)
	host := strings.TrimSpace(u.Host)
	if host != "" {
		if pathPart == "" || pathPart == "/" {
			pathPart = "/" + host
		} else {
			pathPart = "/" + host + "/" + strings.TrimPrefix(pathPart, "/")
		}
	}
	if pathPart == "" || pathPart == "/" {
		return dirsink.Config{}, fmt.Errorf("dir deliver path required (e.g. dir:///var/spool/ingestd)")
	}
	return dirsink.Config{
		Root:           filepath.Clean(pathPart),
		SpoolThreshold: cfg.SpoolThreshold,
	}, nil
}

// buildS3Config parses s3:// URLs that target generic S3-compatible services
// (MinIO, etc.).
func buildS3Config(cfg Config) (s3sink.Config, error) {
	u, err := url.Parse(cfg.Deliver)
	if err != nil {
		return s3sink.Config{}, fmt.Errorf("parse deliver URL: %w", err)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3sink.Config{}, fmt.Errorf("s3 deliver missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix, err := splitBucketPrefix(u.Path)
	if err != nil || bucket == "" {
		return s3sink.Config{}, fmt.Errorf("s3 deliver missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	query := u.Query()
	insecure := false
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			insecure = ok
		}
	}
	forcePath := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	creds, err := resolveS3Credentials()
	if err != nil {
		return s3sink.Config{}, err
	}
	return s3sink.Config{
		Endpoint:       endpoint,
		Region:         strings.TrimSpace(query.Get("region")),
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       insecure,
		ForcePathStyle: forcePath,
		CustomCreds:    creds,
		SpoolThreshold: cfg.SpoolThreshold,
	}, nil
}

// buildAWSConfig parses aws:// URLs that target AWS S3 with regional
// configuration, authenticated through the SDK default credential chain.
func buildAWSConfig(cfg Config) (awssink.Config, error) {
	u, err := url.Parse(cfg.Deliver)
	if err != nil {
		return awssink.Config{}, fmt.Errorf("parse deliver URL: %w", err)
	}
	region := strings.TrimSpace(u.Host)
	if region == "" {
		region = firstEnv("AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if region == "" {
		return awssink.Config{}, fmt.Errorf("aws deliver requires region (expected aws://region/bucket[/prefix] or AWS_REGION)")
	}
	bucket, prefix, err := splitBucketPrefix(u.Path)
	if err != nil || bucket == "" {
		return awssink.Config{}, fmt.Errorf("aws deliver missing bucket (expected aws://region/bucket[/prefix])")
	}
	query := u.Query()
	insecure := false
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			insecure = ok
		}
	}
	forcePath := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	return awssink.Config{
		Endpoint:       strings.TrimSpace(query.Get("endpoint")),
		Region:         region,
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       insecure,
		ForcePathStyle: forcePath,
		SpoolThreshold: cfg.SpoolThreshold,
	}, nil
}

// buildAzureConfig parses azure:// URLs into an Azure Blob sink
// configuration. Account key and SAS token come from the environment.
func buildAzureConfig(cfg Config) (azuresink.Config, error) {
	u, err := url.Parse(cfg.Deliver)
	if err != nil {
		return azuresink.Config{}, fmt.Errorf("parse deliver URL: %w", err)
	}
	account := strings.TrimSpace(u.Host)
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME", "AZURE_ACCOUNT_NAME")
	}
	if account == "" {
		return azuresink.Config{}, fmt.Errorf("azure deliver requires account (expected azure://account/container[/prefix] or AZURE_STORAGE_ACCOUNT)")
	}
	container, prefix, err := splitBucketPrefix(u.Path)
	if err != nil || container == "" {
		return azuresink.Config{}, fmt.Errorf("azure deliver missing container (expected azure://account/container[/prefix])")
	}
	query := u.Query()
	sas := strings.TrimSpace(query.Get("sas"))
	if sas == "" {
		sas = firstEnv("INGESTD_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN", "AZURE_SAS_TOKEN")
	}
	return azuresink.Config{
		Account:        account,
		AccountKey:     firstEnv("INGESTD_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_ACCOUNT_KEY", "AZURE_STORAGE_KEY"),
		Endpoint:       strings.TrimSpace(query.Get("endpoint")),
		SASToken:       sas,
		Container:      container,
		Prefix:         prefix,
		SpoolThreshold: cfg.SpoolThreshold,
	}, nil
}

// resolveS3Credentials builds static credentials from the environment.
// Anonymous access is allowed when nothing is set.
func resolveS3Credentials() (*minioCredentials.Credentials, error) {
	accessKey := strings.TrimSpace(os.Getenv("INGESTD_S3_ACCESS_KEY_ID"))
	secretKey := os.Getenv("INGESTD_S3_SECRET_ACCESS_KEY")
	sessionToken := os.Getenv("INGESTD_S3_SESSION_TOKEN")
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("INGESTD_S3_ROOT_USER"))
		secretKey = os.Getenv("INGESTD_S3_ROOT_PASSWORD")
	}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		return minioCredentials.NewStaticV4("", "", ""), nil
	}
	if accessKey == "" || secretKey == "" {
		return nil, fmt.Errorf("s3 credentials incomplete (need INGESTD_S3_ACCESS_KEY_ID and INGESTD_S3_SECRET_ACCESS_KEY)")
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken), nil
}

// splitBucketPrefix splits the URL path into bucket and optional key prefix.
func splitBucketPrefix(path string) (string, string, error) {
	trimmed := strings.Trim(strings.TrimPrefix(path, "/"), "/")
	if trimmed == "" {
		return "", "", fmt.Errorf("missing bucket")
	}
	parts := strings.SplitN(trimmed, "/", 2)
	bucket := strings.TrimSpace(parts[0])
	if bucket == "" {
		return "", "", fmt.Errorf("missing bucket")
	}
	var prefix string
	if len(parts) == 2 {
		prefix = strings.Trim(parts[1], "/")
	}
	return bucket, prefix, nil
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if name == "" {
			continue
		}
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}
