package plugin

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func tarGzBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0644, Size: int64(len(content)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestFetchPackageZip(t *testing.T) {
	payload := zipBytes(t, map[string]string{"rules/a.yar": "rule a {}"})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Disposition", `attachment; filename="signatures.zip"`)
		w.Write(payload)
	}))
	defer srv.Close()

	pctx := newTestContext(t, ContextConfig{})
	require.NoError(t, pctx.FetchPackage(context.Background(), srv.URL+"/download?id=1"))

	data, err := os.ReadFile(filepath.Join(pctx.DataDir(), "signatures", "rules", "a.yar"))
	require.NoError(t, err)
	assert.Equal(t, "rule a {}", string(data))
	assert.FileExists(t, filepath.Join(pctx.DataDir(), "signatures.zip"))

	// An existing package is not downloaded again.
	pkg := filepath.Join(pctx.DataDir(), "signatures.zip")
	require.NoError(t, os.WriteFile(pkg, []byte("cached"), 0644))
	require.NoError(t, pctx.FetchPackage(context.Background(), srv.URL+"/download?id=1"))
	cached, err := os.ReadFile(pkg)
	require.NoError(t, err)
	assert.Equal(t, "cached", string(cached))
	assert.Equal(t, int32(2), hits.Load())
	assert.False(t, pctx.Crashed())
}

func TestFetchPackageTarGzFromPath(t *testing.T) {
	payload := tarGzBytes(t, map[string]string{"db.txt": "entries"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	pctx := newTestContext(t, ContextConfig{})
	require.NoError(t, pctx.FetchPackage(context.Background(), srv.URL+"/files/wordlist.tar.gz"))

	data, err := os.ReadFile(filepath.Join(pctx.DataDir(), "wordlist", "db.txt"))
	require.NoError(t, err)
	assert.Equal(t, "entries", string(data))
}

func TestFetchPackageBadArchiveIsLoggedOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not a zip"))
	}))
	defer srv.Close()

	pctx := newTestContext(t, ContextConfig{})
	require.NoError(t, pctx.FetchPackage(context.Background(), srv.URL+"/broken.zip"))
	assert.False(t, pctx.Crashed())

	require.NoError(t, pctx.FetchPackage(context.Background(), srv.URL+"/plain.txt"))
	assert.FileExists(t, filepath.Join(pctx.DataDir(), "plain.txt"))
}

func TestFetchPackageStatusCrashes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	pctx := newTestContext(t, ContextConfig{})
	err := pctx.FetchPackage(context.Background(), srv.URL+"/db.zip")
	assert.ErrorIs(t, err, ErrPluginCrashed)
	assert.True(t, pctx.Crashed())
}

func TestFetchPackageTransportErrorDoesNotCrash(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL + "/db.zip"
	srv.Close()

	pctx := newTestContext(t, ContextConfig{})
	err := pctx.FetchPackage(context.Background(), url)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPluginCrashed)
	assert.False(t, pctx.Crashed())
}

func TestPackageNameAndSuffix(t *testing.T) {
	assert.Equal(t, "x.zip", packageName(`attachment; filename="../x.zip"`, "http://h/ignored.tgz"))
	assert.Equal(t, "db.tgz", packageName("", "http://h/a/db.tgz?v=2"))
	assert.Equal(t, "package", packageName("", "http://h/"))

	assert.Equal(t, "data", trimArchiveSuffix("data.tar.gz"))
	assert.Equal(t, "data", trimArchiveSuffix("data.TGZ"))
	assert.Equal(t, "notes", trimArchiveSuffix("notes.txt"))
}

func TestUnpackRejectsEscapingEntries(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "evil.zip")
	require.NoError(t, os.WriteFile(src, zipBytes(t, map[string]string{"../escape.txt": "x"}), 0644))

	err := unpack(src, filepath.Join(dir, "out"))
	assert.Error(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "escape.txt"))
}
