//go:build gcp

package policy

import (
	"context"
	"fmt"

	"github.com/acgs-project/agentbus/pkg/config"
)

func newGCSBlobStore(ctx context.Context, cfg config.BundleConfig) (BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bundle bucket is required for gcs storage")
	}
	return NewGCSBlobStore(ctx, GCSBlobStoreConfig{
		Bucket: cfg.Bucket,
		Prefix: cfg.Prefix,
	})
}
