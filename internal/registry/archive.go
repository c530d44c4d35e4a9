package registry

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// Format is an archive container format
type Format int

const (
	FormatTarGz Format = iota
	FormatZip
)

// File is one extracted file, path relative to the package root
type File struct {
	Path string
	Data []byte
}

// extractOptions controls which entries survive extraction
type extractOptions struct {
	// strip maps an archive path to a package path; ok=false drops the entry
	strip       func(string) (string, bool)
	keep        func(string) bool
	maxFileSize int64
	maxTotal    int64
}

var errArchiveTooLarge = errors.New("archive exceeds extraction limit")

func extract(data []byte, format Format, opts extractOptions) ([]File, error) {
	switch format {
	case FormatZip:
		return extractZip(data, opts)
	default:
		return extractTarGz(data, opts)
	}
}

func extractTarGz(data []byte, opts extractOptions) ([]File, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()

	var files []File
	var total int64
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		rel, ok := opts.accept(hdr.Name, hdr.Size)
		if !ok {
			continue
		}
		content, err := readLimited(tr, opts.maxFileSize)
		if err != nil {
			continue
		}
		total += int64(len(content))
		if opts.maxTotal > 0 && total > opts.maxTotal {
			return nil, errArchiveTooLarge
		}
		if IsBinary(content) {
			continue
		}
		files = append(files, File{Path: rel, Data: content})
	}
	return files, nil
}

func extractZip(data []byte, opts extractOptions) ([]File, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}

	var files []File
	var total int64
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rel, ok := opts.accept(f.Name, int64(f.UncompressedSize64))
		if !ok {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			continue
		}
		content, err := readLimited(rc, opts.maxFileSize)
		rc.Close()
		if err != nil {
			continue
		}
		total += int64(len(content))
		if opts.maxTotal > 0 && total > opts.maxTotal {
			return nil, errArchiveTooLarge
		}
		if IsBinary(content) {
			continue
		}
		files = append(files, File{Path: rel, Data: content})
	}
	return files, nil
}

// accept normalizes and filters one entry name
func (o extractOptions) accept(name string, size int64) (string, bool) {
	// Rooting before Clean keeps ".." from escaping the package
	clean := path.Clean("/" + strings.ReplaceAll(name, "\\", "/"))[1:]
	if clean == "" {
		return "", false
	}
	rel := clean
	if o.strip != nil {
		var ok bool
		if rel, ok = o.strip(clean); !ok || rel == "" {
			return "", false
		}
	}
	if o.maxFileSize > 0 && size > o.maxFileSize {
		return "", false
	}
	if o.keep != nil && !o.keep(rel) {
		return "", false
	}
	return rel, true
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, errArchiveTooLarge
	}
	return b, nil
}

// stripComponents drops the first n path components
func stripComponents(n int) func(string) (string, bool) {
	return func(p string) (string, bool) {
		parts := strings.SplitN(p, "/", n+1)
		if len(parts) <= n {
			return "", false
		}
		return parts[n], true
	}
}

// stripPrefix drops a fixed prefix, rejecting entries outside it
func stripPrefix(prefix string) func(string) (string, bool) {
	return func(p string) (string, bool) {
		return strings.CutPrefix(p, prefix)
	}
}
