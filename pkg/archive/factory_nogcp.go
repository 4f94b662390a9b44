//go:build !gcp

package archive

import (
	"context"
	"errors"
)

func newGCSBackend(_ context.Context, _ Config) (Store, error) {
	return nil, errors.New("archive: gcs backend requires the gcp build tag")
}
