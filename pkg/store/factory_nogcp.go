//go:build !gcp

package store

import (
	"context"
	"fmt"
)

func newGCSStore(context.Context, GCSStoreConfig) (Store, error) {
	return nil, fmt.Errorf("store: GCS storage is not enabled in this build (use -tags gcp)")
}
