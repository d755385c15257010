package patch

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/kidoz/esxi-patcher-go/internal/esxcli"
	"github.com/kidoz/esxi-patcher-go/internal/remote"
)

// ErrNoDatastore is returned when no VMFS volume can be found on the host.
var ErrNoDatastore = errors.New("no datastore found")

// DiscoverDatastore returns the host's first VMFS mount point. The
// filesystem listing is tried first, then the volumes root directory.
func DiscoverDatastore(ctx context.Context, r remote.Runner, log *zap.Logger) (string, error) {
	res, err := r.Run(ctx, esxcli.FilesystemListCommand)
	if err == nil && res.OK() {
		if ds := esxcli.ParseFilesystemList(res.Stdout); ds != "" {
			log.Info("Datastore found", zap.String("path", ds))
			return ds, nil
		}
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	log.Debug("Filesystem listing gave no datastore, falling back to volumes root")
	res, err = r.Run(ctx, esxcli.VolumesFallbackCmd)
	if err != nil {
		return "", err
	}
	if ds := esxcli.ParseVolumesFallback(res.Stdout); ds != "" {
		log.Info("Datastore found", zap.String("path", ds))
		return ds, nil
	}
	return "", ErrNoDatastore
}
