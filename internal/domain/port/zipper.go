package port

import "context"

// ZipEntry maps a local file to its name inside the archive.
type ZipEntry struct {
	Path string
	Name string
}

type Zipper interface {
	CreateZip(ctx context.Context, entries []ZipEntry, outputPath string) error
}
