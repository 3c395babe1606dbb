package downloader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Reads local files, given either as file:// URLs or as plain
// paths. Anything with an http or https scheme is handed to
// HTTPGet.
//
// Relative paths are resolved against Root, if set.
type Filesystem struct {
	Root string
}

func (f *Filesystem) Get(
	ctx context.Context,
	url string,
	headers map[string]string,
	options GetOptions,
) ([]byte, error) {

	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		return HTTPGet(ctx, url, headers, options)
	}

	path := strings.TrimPrefix(url, "file://")
	if f.Root != "" && !filepath.IsAbs(path) {
		path = filepath.Join(f.Root, path)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening: %w", err)
	}
	defer fh.Close()

	return readLimited(fh, options.MaxSize)
}
