package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/acgs-project/agentbus/pkg/config"
)

// NewBlobStore creates a bundle blob store from configuration.
//
// cfg.Backend selects the implementation: "file" (default), "s3", or "gcs".
// For S3, region and endpoint come from BUNDLE_S3_REGION (or AWS_REGION)
// and BUNDLE_S3_ENDPOINT.
func NewBlobStore(ctx context.Context, cfg config.BundleConfig) (BlobStore, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = "file"
	}

	switch backend {
	case "file":
		path := cfg.Path
		if path == "" {
			path = "data/bundles"
		}
		return NewFileBlobStore(path)
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("bundle bucket is required for s3 storage")
		}
		region := os.Getenv("BUNDLE_S3_REGION")
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		if region == "" {
			region = "us-east-1"
		}
		return NewS3BlobStore(ctx, S3BlobStoreConfig{
			Bucket:   cfg.Bucket,
			Region:   region,
			Endpoint: os.Getenv("BUNDLE_S3_ENDPOINT"),
			Prefix:   cfg.Prefix,
		})
	case "gcs":
		return newGCSBlobStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported bundle storage backend: %s", backend)
	}
}
