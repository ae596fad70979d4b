package plugin

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// archiveSuffixes are the package extensions FetchPackage can unpack, longest first.
var archiveSuffixes = []string{".tar.gz", ".tgz", ".tar", ".zip"}

// FetchPackage downloads a data package into the data directory and unpacks
// it into a directory named after the package.
//
// A transport error is logged and returned without crashing the plugin. A
// non-200 response or a failure to store the package crashes the plugin. A
// package that is already present is not downloaded again. Unpack failures
// are logged only.
func (c *Context) FetchPackage(ctx context.Context, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		c.logger.Error("failed to fetch data package", "url", rawURL, "error", err)
		return fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("failed to fetch data package", "url", rawURL, "error", err)
		return fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("failed to retrieve data package", "url", rawURL, "status", resp.StatusCode)
		return c.crash(fmt.Errorf("fetch %s: unexpected status %d", rawURL, resp.StatusCode))
	}

	name := packageName(resp.Header.Get("Content-Disposition"), rawURL)
	dest := filepath.Join(c.dataDir, name)

	if _, err := os.Stat(dest); err == nil {
		c.logger.Info("package already exists", "package", name)
	} else {
		c.logger.Info("downloading package", "package", name, "size", resp.ContentLength)
		if err := writeStream(dest, resp.Body); err != nil {
			c.logger.Error("failed to store data package", "package", name, "error", err)
			return c.crash(err)
		}
	}

	if err := unpack(dest, filepath.Join(c.dataDir, trimArchiveSuffix(name))); err != nil {
		c.logger.Error("failed to extract data package", "package", name, "error", err)
	}
	return nil
}

// packageName picks the file name from Content-Disposition, falling back to
// the last URL path segment.
func packageName(disposition, rawURL string) string {
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			if fn := filepath.Base(params["filename"]); fn != "" && fn != "." && fn != "/" {
				return fn
			}
		}
	}
	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "" && base != "." && base != "/" {
			return base
		}
	}
	return "package"
}

// trimArchiveSuffix strips a known archive extension, or the last extension.
func trimArchiveSuffix(name string) string {
	lower := strings.ToLower(name)
	for _, suffix := range archiveSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return name[:len(name)-len(suffix)]
		}
	}
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func writeStream(dest string, r io.Reader) error {
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(dest)
		return fmt.Errorf("writing %s: %w", dest, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(dest)
		return fmt.Errorf("writing %s: %w", dest, err)
	}
	return nil
}

// errNotArchive is returned by unpack for files it does not recognize.
var errNotArchive = errors.New("not a supported archive")

// unpack extracts src into outDir, overwriting existing files.
func unpack(src, outDir string) error {
	lower := strings.ToLower(src)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return unzip(src, outDir)
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		f, err := os.Open(src)
		if err != nil {
			return err
		}
		defer f.Close()
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("%s: %w", src, err)
		}
		defer gz.Close()
		return untar(gz, outDir)
	case strings.HasSuffix(lower, ".tar"):
		f, err := os.Open(src)
		if err != nil {
			return err
		}
		defer f.Close()
		return untar(f, outDir)
	}
	return fmt.Errorf("%s: %w", filepath.Base(src), errNotArchive)
}

// entryPath resolves an archive member name below outDir and rejects names
// that would escape it.
func entryPath(outDir, name string) (string, error) {
	target := filepath.Join(outDir, filepath.FromSlash(name))
	rel, err := filepath.Rel(outDir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes %s", name, outDir)
	}
	return target, nil
}

func unzip(src, outDir string) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("%s: %w", src, err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		target, err := entryPath(outDir, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("%s: %w", f.Name, err)
		}
		err = writeEntry(target, rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func untar(r io.Reader, outDir string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target, err := entryPath(outDir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeEntry(target, tr); err != nil {
				return err
			}
		}
	}
}

func writeEntry(target string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	os.Remove(target)
	return writeStream(target, r)
}
