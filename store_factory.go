package tenantd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"
	"pkt.systems/pslog"

	"pkt.systems/tenantd/internal/clock"
	"pkt.systems/tenantd/internal/storage"
	awsstore "pkt.systems/tenantd/internal/storage/aws"
	azurestore "pkt.systems/tenantd/internal/storage/azure"
	"pkt.systems/tenantd/internal/storage/disk"
	loggingbackend "pkt.systems/tenantd/internal/storage/logging"
	"pkt.systems/tenantd/internal/storage/memory"
	"pkt.systems/tenantd/internal/storage/retry"
	"pkt.systems/tenantd/internal/storage/s3"
)

// CredentialSummary describes which credentials were selected for object
// storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// OpenBackend builds the record backend named by cfg.Store without any
// wrappers.
func OpenBackend(ctx context.Context, cfg Config) (storage.Backend, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem", "":
		return memory.New(), nil
	case "disk":
		diskCfg, err := BuildDiskConfig(cfg)
		if err != nil {
			return nil, err
		}
		return disk.New(diskCfg)
	case "s3":
		s3cfg, _, err := BuildGenericS3Config(cfg)
		if err != nil {
			return nil, err
		}
		backend, err := s3.New(s3cfg)
		if err != nil {
			return nil, err
		}
		if err := ensureBucket(ctx, s3cfg.Bucket, backend.BucketExists); err != nil {
			_ = backend.Close()
			return nil, err
		}
		return backend, nil
	case "aws":
		awscfg, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, err
		}
		return awsstore.New(awscfg)
	case "azure":
		azureCfg, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, err
		}
		return azurestore.New(azureCfg)
	default:
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

// wrapBackend layers span/log instrumentation and transient retries on
// backend. Retries sit outermost so each attempt is traced.
func wrapBackend(backend storage.Backend, cfg Config, logger pslog.Logger, clk clock.Clock) storage.Backend {
	storageLogger := logger.With("svc", "storage")
	if !cfg.DisableStorageTracing {
		backend = loggingbackend.Wrap(backend, storageLogger.With("layer", "backend"), "storage.backend")
	}
	return retry.Wrap(backend, storageLogger.With("layer", "retry"), clk, retry.Config{
		MaxAttempts: cfg.StorageRetryMaxAttempts,
		BaseDelay:   cfg.StorageRetryBaseDelay,
		MaxDelay:    cfg.StorageRetryMaxDelay,
		Multiplier:  cfg.StorageRetryMultiplier,
	})
}

func ensureBucket(ctx context.Context, bucket string, exists func(context.Context) (bool, error)) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ok, err := exists(timeoutCtx)
	if err != nil {
		return fmt.Errorf("object store connectivity check failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("object store bucket %s does not exist", bucket)
	}
	return nil
}

// BuildDiskConfig parses disk:///path URLs.
func BuildDiskConfig(cfg Config) (disk.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return disk.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "disk" {
		return disk.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	pathPart := strings.TrimSpace(u.Path)
	if host := strings.TrimSpace(u.Host); host != "" {
		pathPart = "/" + host + "/" + strings.TrimPrefix(pathPart, "/")
	}
	if pathPart == "" || pathPart == "/" {
		return disk.Config{}, fmt.Errorf("disk store path required (e.g. disk:///var/lib/tenantd)")
	}
	return disk.Config{Root: filepath.Clean(pathPart)}, nil
}

// BuildGenericS3Config parses s3://host[:port]/bucket[/prefix] URLs that
// target S3-compatible services such as MinIO.
func BuildGenericS3Config(cfg Config) (s3.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix := splitBucket(u.Path)
	if bucket == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	query := u.Query()
	secure := true
	if boolParam(query, "insecure") {
		secure = false
	}
	if v := query.Get("tls"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			secure = ok
		}
	}
	cred, summary, err := resolveGenericS3Credentials(cfg)
	if err != nil {
		return s3.Config{}, summary, err
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         strings.TrimSpace(query.Get("region")),
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       !secure,
		ForcePathStyle: boolParam(query, "path-style"),
		CustomCreds:    cred,
	}, summary, nil
}

// BuildAWSConfig parses aws://bucket[/prefix]?region= URLs.
func BuildAWSConfig(cfg Config) (awsstore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return awsstore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "aws" {
		return awsstore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return awsstore.Config{}, fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	query := u.Query()
	region := strings.TrimSpace(cfg.AWSRegion)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		region = firstEnv("AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if region == "" {
		return awsstore.Config{}, fmt.Errorf("aws store requires region (set --aws-region or ?region=)")
	}
	return awsstore.Config{
		Endpoint:       strings.TrimSpace(query.Get("endpoint")),
		Region:         region,
		Bucket:         bucket,
		Prefix:         strings.Trim(u.Path, "/"),
		Insecure:       boolParam(query, "insecure"),
		ForcePathStyle: boolParam(query, "path-style"),
	}, nil
}

// BuildAzureConfig parses azure://account/container[/prefix] URLs.
func BuildAzureConfig(cfg Config) (azurestore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return azurestore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "azure" {
		return azurestore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	if cfg.AzureAccount != "" {
		account = cfg.AzureAccount
	}
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME")
	}
	if account == "" {
		return azurestore.Config{}, fmt.Errorf("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	container, prefix := splitBucket(u.Path)
	if container == "" {
		return azurestore.Config{}, fmt.Errorf("azure store missing container (expected azure://account/container[/prefix])")
	}
	query := u.Query()
	endpoint := strings.TrimSpace(cfg.AzureEndpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	if endpoint == "" {
		endpoint = fmt.Sprintf(DefaultAzureEndpointPattern, account)
	}
	accountKey := strings.TrimSpace(cfg.AzureAccountKey)
	if accountKey == "" {
		accountKey = firstEnv("TENANTD_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	sas := strings.TrimSpace(cfg.AzureSASToken)
	if v := strings.TrimSpace(query.Get("sas")); v != "" {
		sas = v
	}
	if sas == "" {
		sas = firstEnv("TENANTD_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")
	}
	return azurestore.Config{
		Account:    account,
		AccountKey: accountKey,
		Endpoint:   endpoint,
		SASToken:   sas,
		Container:  container,
		Prefix:     prefix,
	}, nil
}

func resolveGenericS3Credentials(cfg Config) (*minioCredentials.Credentials, CredentialSummary, error) {
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := cfg.S3SecretAccessKey
	sessionToken := cfg.S3SessionToken
	source := "config"
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("TENANTD_S3_ACCESS_KEY_ID"))
		secretKey = os.Getenv("TENANTD_S3_SECRET_ACCESS_KEY")
		sessionToken = os.Getenv("TENANTD_S3_SESSION_TOKEN")
		source = "env:TENANTD_S3_ACCESS_KEY_ID"
	}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		// Fall through to the minio default chain (env, shared file, IAM).
		return nil, CredentialSummary{Source: "auto"}, nil
	}
	summary := CredentialSummary{AccessKey: accessKey, HasSecret: secretKey != "", Source: source}
	if accessKey == "" || secretKey == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken), summary, nil
}

func splitBucket(path string) (bucket, prefix string) {
	trimmed := strings.Trim(path, "/")
	bucket, prefix, _ = strings.Cut(trimmed, "/")
	return strings.TrimSpace(bucket), strings.Trim(prefix, "/")
}

func boolParam(query url.Values, name string) bool {
	v := query.Get(name)
	if v == "" {
		return false
	}
	ok, err := strconv.ParseBool(v)
	return err == nil && ok
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}
