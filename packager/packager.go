// Package packager bundles a chaincode source tree into the TAR.GZ code
// package carried by an install proposal.
package packager

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/arner/fabric-client/ferrors"
)

// Package archives the chaincode directory rooted at dir. Entries are
// placed under prefix (conventionally "src/<chaincode path>"), paths are
// UTF-8 with forward slashes, and mode bits are canonicalized to 0644 for
// files and 0755 for executables so the archive hashes identically across
// platforms.
func Package(dir, prefix string) ([]byte, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, ferrors.Wrapf(ferrors.Argument, err, "chaincode directory %s", dir)
	}
	if !info.IsDir() {
		return nil, ferrors.Errorf(ferrors.Argument, "%s is not a directory", dir)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		mode := int64(0644)
		if fi.Mode()&0111 != 0 {
			mode = 0755
		}
		hdr := &tar.Header{
			Name: prefix + "/" + filepath.ToSlash(rel),
			Mode: mode,
			Size: fi.Size(),
			// fixed timestamp keeps the package deterministic
			ModTime: time.Unix(0, 0),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		_, err = tw.Write(b)
		return err
	})
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Argument, err, "package chaincode")
	}

	if err := tw.Close(); err != nil {
		return nil, ferrors.Wrap(ferrors.Argument, err, "close tar")
	}
	if err := gz.Close(); err != nil {
		return nil, ferrors.Wrap(ferrors.Argument, err, "close gzip")
	}
	return buf.Bytes(), nil
}

// GoPackage archives a Go chaincode tree under the conventional
// src/<path> prefix.
func GoPackage(dir, ccPath string) ([]byte, error) {
	if ccPath == "" {
		return nil, ferrors.New(ferrors.Argument, "chaincode path is blank")
	}
	return Package(dir, "src/"+strings.Trim(ccPath, "/"))
}
