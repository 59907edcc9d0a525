package imagefile

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

var (
	ErrNotRegularFile = errors.New("not a regular file")
	ErrUnknownFormat  = errors.New("unrecognized image format")
)

// Info describes a source image on local disk.
type Info struct {
	AbsPath string `json:"abs_path"`
	Format  string `json:"format"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Size    int64  `json:"size"`
}

// Inspect resolves path and decodes only the image header, so the browser is
// never handed something the site will reject.
func Inspect(path string) (*Info, error) {
	if path == "" {
		return nil, fmt.Errorf("image path is empty")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %q: %w", path, err)
	}

	stat, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to stat image: %w", err)
	}
	if !stat.Mode().IsRegular() {
		return nil, fmt.Errorf("%s: %w", abs, ErrNotRegularFile)
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, fmt.Errorf("%s: %w", abs, ErrUnknownFormat)
		}
		return nil, fmt.Errorf("failed to decode image header: %w", err)
	}

	return &Info{
		AbsPath: abs,
		Format:  format,
		Width:   cfg.Width,
		Height:  cfg.Height,
		Size:    stat.Size(),
	}, nil
}
