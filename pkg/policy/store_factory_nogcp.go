//go:build !gcp

package policy

import (
	"context"
	"fmt"

	"github.com/acgs-project/agentbus/pkg/config"
)

func newGCSBlobStore(ctx context.Context, cfg config.BundleConfig) (BlobStore, error) {
	return nil, fmt.Errorf("gcs bundle storage is not enabled in this build (use -tags gcp)")
}
