package service

import (
	"archive/tar"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	appErr "gradebox/pkg/errors"
)

// buildBundle packs a directory tree into a tar.zst file.
func buildBundle(srcDir, dstPath string) error {
	out, err := os.Create(dstPath)
	if err != nil {
		return appErr.Wrapf(err, appErr.ReportBundleFailed, "create bundle file: %v", err)
	}
	defer out.Close()

	zw, err := zstd.NewWriter(out)
	if err != nil {
		return appErr.Wrapf(err, appErr.ReportBundleFailed, "create zstd writer: %v", err)
	}
	tw := tar.NewWriter(zw)

	walkErr := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()
		_, err = io.Copy(tw, file)
		return err
	})
	if walkErr != nil {
		_ = tw.Close()
		_ = zw.Close()
		return appErr.Wrapf(walkErr, appErr.ReportBundleFailed, "pack bundle: %v", walkErr)
	}
	if err := tw.Close(); err != nil {
		_ = zw.Close()
		return appErr.Wrapf(err, appErr.ReportBundleFailed, "close tar writer: %v", err)
	}
	if err := zw.Close(); err != nil {
		return appErr.Wrapf(err, appErr.ReportBundleFailed, "close zstd writer: %v", err)
	}
	return nil
}
