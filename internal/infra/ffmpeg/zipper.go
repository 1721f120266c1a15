package ffmpeg

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/layerx/content-processing-service/internal/domain/port"
)

type ZipCreator struct{}

func NewZipCreator() *ZipCreator {
	return &ZipCreator{}
}

func (z *ZipCreator) CreateZip(ctx context.Context, entries []port.ZipEntry, outputPath string) error {
	zipFile, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create zip file: %w", err)
	}
	defer zipFile.Close()

	zipWriter := zip.NewWriter(zipFile)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			zipWriter.Close()
			return err
		}
		if err := addEntry(zipWriter, entry); err != nil {
			zipWriter.Close()
			return fmt.Errorf("add %s to zip: %w", entry.Path, err)
		}
	}
	if err := zipWriter.Close(); err != nil {
		return fmt.Errorf("finalize zip: %w", err)
	}
	return nil
}

func addEntry(zw *zip.Writer, entry port.ZipEntry) error {
	file, err := os.Open(entry.Path)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = entry.Name
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, file)
	return err
}
