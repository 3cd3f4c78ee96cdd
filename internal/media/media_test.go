package media

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
)

var errHookFailed = errors.New("hook failed")

func writeTestPNG(t *testing.T, dir string, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 0, 255})
		}
	}
	path := filepath.Join(dir, "source.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
	return path
}

// newFakeFileServer stands in for the remote file service, routed through
// echo like the teacher's own httptest.NewServer(api.Echo()) (see
// server_teacher/internal/httpapi/blob_test.go) rather than a raw
// net/http.HandlerFunc.
func newFakeFileServer(t *testing.T) *httptest.Server {
	t.Helper()
	nextID := 0
	e := echo.New()
	e.POST("/files", func(c echo.Context) error {
		file, err := c.FormFile("file")
		require.NoError(t, err)
		src, err := file.Open()
		require.NoError(t, err)
		defer src.Close()
		data, err := io.ReadAll(src)
		require.NoError(t, err)

		nextID++
		resp := blobUploadResponse{
			ID:          filepath.Base(file.Filename) + "-" + strconv.Itoa(nextID),
			URL:         "https://files.example/" + strconv.Itoa(nextID),
			ContentType: file.Header.Get("Content-Type"),
			SizeBytes:   int64(len(data)),
		}
		return c.JSON(http.StatusCreated, resp)
	})
	return httptest.NewServer(e)
}

func TestUploadFileRoundTripsMetadata(t *testing.T) {
	srv := newFakeFileServer(t)
	defer srv.Close()

	dir := t.TempDir()
	path := writeTestPNG(t, dir, 10, 10)

	p := New(Config{FileApiBaseUrl: srv.URL})
	var progressed []int64
	info, err := p.UploadFile(context.Background(), path, func(uploaded, total int64) {
		progressed = append(progressed, uploaded)
	})
	require.NoError(t, err)
	require.NotEmpty(t, info.FileID)
	require.NotEmpty(t, info.URL)
	require.Greater(t, info.SizeBytes, int64(0))
	require.NotEmpty(t, progressed, "progress observer must be invoked at least once")
}

func TestUploadImageAttachesThumbnail(t *testing.T) {
	srv := newFakeFileServer(t)
	defer srv.Close()

	dir := t.TempDir()
	path := writeTestPNG(t, dir, 800, 600)

	p := New(Config{FileApiBaseUrl: srv.URL})
	info, err := p.UploadImage(context.Background(), path, nil)
	require.NoError(t, err)
	require.NotEmpty(t, info.FileID)
	require.NotEmpty(t, info.ThumbnailFileID, "a resizable image must get an uploaded thumbnail")
}

func TestUploadVideoUsesFallbackThumbnailWithoutHook(t *testing.T) {
	srv := newFakeFileServer(t)
	defer srv.Close()

	dir := t.TempDir()
	path := writeTestPNG(t, dir, 10, 10) // stand-in "video" file; content is irrelevant to the upload path

	p := New(Config{FileApiBaseUrl: srv.URL})
	info, err := p.UploadVideo(context.Background(), path, "", nil)
	require.NoError(t, err)
	require.NotEmpty(t, info.FileID)
	require.NotEmpty(t, info.ThumbnailFileID, "no hook registered must still produce the 1x1 PNG fallback thumbnail")
}

func TestUploadVideoHookFalseThumbnailFallsBack(t *testing.T) {
	srv := newFakeFileServer(t)
	defer srv.Close()

	dir := t.TempDir()
	path := writeTestPNG(t, dir, 10, 10)

	p := New(Config{FileApiBaseUrl: srv.URL})
	p.SetVideoProcessHook(func(op VideoHookOp, sourcePath, metaPath, outPath string) (bool, error) {
		if op == Thumbnail {
			return false, nil // "skip — use the fallback"
		}
		return false, nil // "skip — original is fine"
	})

	info, err := p.UploadVideo(context.Background(), path, "", nil)
	require.NoError(t, err)
	require.NotEmpty(t, info.ThumbnailFileID)
}

func TestUploadVideoHookErrorFailsUpload(t *testing.T) {
	srv := newFakeFileServer(t)
	defer srv.Close()

	dir := t.TempDir()
	path := writeTestPNG(t, dir, 10, 10)

	p := New(Config{FileApiBaseUrl: srv.URL})
	p.SetVideoProcessHook(func(op VideoHookOp, sourcePath, metaPath, outPath string) (bool, error) {
		return false, errHookFailed
	})

	_, err := p.UploadVideo(context.Background(), path, "", nil)
	require.Error(t, err)
}

func TestGenerateImageThumbnailShrinksLargeImage(t *testing.T) {
	dir := t.TempDir()
	path := writeTestPNG(t, dir, 1200, 900)

	thumbPath, err := generateImageThumbnail(path)
	require.NoError(t, err)
	defer removeTempFile(thumbPath)

	thumb, err := imaging.Open(thumbPath)
	require.NoError(t, err)
	bounds := thumb.Bounds()
	require.LessOrEqual(t, bounds.Dx(), thumbnailMaxDimension)
	require.LessOrEqual(t, bounds.Dy(), thumbnailMaxDimension)
}

func TestWriteFallbackThumbnailIsOnePixelTransparent(t *testing.T) {
	path, err := writeFallbackThumbnail()
	require.NoError(t, err)
	defer removeTempFile(path)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	require.Equal(t, 1, img.Bounds().Dx())
	require.Equal(t, 1, img.Bounds().Dy())
	_, _, _, a := img.At(0, 0).RGBA()
	require.Equal(t, uint32(0), a)
}
