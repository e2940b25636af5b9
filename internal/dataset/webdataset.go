package dataset

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"segbench/internal/volume"
)

const (
	imageSuffix = ".image.npy"
	maskSuffix  = ".mask.npy"
)

// Sample is one image/mask pair read from a shard.
type Sample struct {
	Key   string
	Image *volume.Volume
	Mask  *volume.Volume
}

// ErrPendingOverflow indicates the pairing map exceeded the configured bound.
var ErrPendingOverflow = errors.New("webdataset: pending pair buffer exceeded")

const defaultPendingCap = 1024

// StreamShard streams paired samples from the shard at path.
func StreamShard(ctx context.Context, path string, pendingCap int) (<-chan Sample, <-chan error) {
	if pendingCap <= 0 {
		pendingCap = defaultPendingCap
	}
	out := make(chan Sample)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		f, err := os.Open(path)
		if err != nil {
			errCh <- fmt.Errorf("open shard: %w", err)
			return
		}
		defer f.Close()

		tr := tar.NewReader(bufio.NewReader(f))
		pending := make(map[string]*partial)

		for {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			default:
			}

			hdr, err := tr.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				errCh <- fmt.Errorf("read tar: %w", err)
				return
			}
			if hdr.FileInfo().IsDir() {
				continue
			}
			name := filepath.Base(hdr.Name)

			var key string
			var isMask bool
			switch {
			case strings.HasSuffix(name, imageSuffix):
				key = strings.TrimSuffix(name, imageSuffix)
			case strings.HasSuffix(name, maskSuffix):
				key = strings.TrimSuffix(name, maskSuffix)
				isMask = true
			default:
				continue
			}

			vol, err := volume.ReadNpy(tr)
			if err != nil {
				errCh <- fmt.Errorf("decode %s: %w", name, err)
				return
			}
			part := pending[key]
			if part == nil {
				part = &partial{}
				pending[key] = part
			}
			if isMask {
				part.mask = vol
			} else {
				part.image = vol
			}

			if len(pending) > pendingCap {
				errCh <- ErrPendingOverflow
				return
			}

			if part.ready() {
				sample := Sample{Key: key, Image: part.image, Mask: part.mask}
				delete(pending, key)

				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case out <- sample:
				}
			}
		}

		if len(pending) > 0 {
			errCh <- fmt.Errorf("%s: %d samples incomplete", filepath.Base(path), len(pending))
		}
	}()

	return out, errCh
}

type partial struct {
	image *volume.Volume
	mask  *volume.Volume
}

func (p *partial) ready() bool {
	return p.image != nil && p.mask != nil
}
