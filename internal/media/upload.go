package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// blobUploadResponse mirrors the teacher's handleBlobUpload JSON shape
// (SPEC_FULL.md §6.1), trimmed to the fields the pipeline needs.
type blobUploadResponse struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
}

// progressReader wraps an io.Reader, invoking onRead after every chunk so
// UploadFile/UploadImage/UploadVideo can surface a ProgressObserver.
type progressReader struct {
	r        io.Reader
	total    int64
	uploaded int64
	onRead   func(uploaded, total int64)
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 && p.onRead != nil {
		p.uploaded += int64(n)
		p.onRead(p.uploaded, p.total)
	}
	return n, err
}

// uploadPath POSTs path's contents as multipart/form-data to
// {FileApiBaseUrl}/files, retrying transient failures up to cfg.MaxRetries
// times with jittered exponential backoff (SPEC_FULL.md §4.J "upload ...
// with retry up to max_retries").
func (p *Pipeline) uploadPath(ctx context.Context, path, kind string, progress ProgressObserver) (AttachmentInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return AttachmentInfo{}, fmt.Errorf("stat %q: %w", path, err)
	}
	size := info.Size()
	contentType := detectMIME(path)

	var lastErr error
	attempts := 1
	if p.cfg.EnableRetry {
		attempts = p.cfg.MaxRetries + 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return AttachmentInfo{}, ctx.Err()
			case <-time.After(uploadBackoff(attempt)):
			}
		}
		resp, err := p.doUpload(ctx, path, kind, contentType, size, progress)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	return AttachmentInfo{}, fmt.Errorf("upload %q: %w", filepath.Base(path), lastErr)
}

func (p *Pipeline) doUpload(ctx context.Context, path, kind, contentType string, size int64, progress ProgressObserver) (AttachmentInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return AttachmentInfo{}, fmt.Errorf("open %q: %w", path, err)
	}
	defer f.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if kind != "" {
		_ = writer.WriteField("kind", kind)
	}
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return AttachmentInfo{}, fmt.Errorf("create multipart field: %w", err)
	}
	reader := io.Reader(f)
	if progress != nil {
		reader = &progressReader{r: f, total: size, onRead: progress}
	}
	if _, err := io.Copy(part, reader); err != nil {
		return AttachmentInfo{}, fmt.Errorf("write multipart body: %w", err)
	}
	if err := writer.Close(); err != nil {
		return AttachmentInfo{}, fmt.Errorf("close multipart writer: %w", err)
	}

	url := p.cfg.FileApiBaseUrl + "/files"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return AttachmentInfo{}, fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return AttachmentInfo{}, fmt.Errorf("send upload request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return AttachmentInfo{}, fmt.Errorf("upload rejected with status %d", resp.StatusCode)
	}

	var parsed blobUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return AttachmentInfo{}, fmt.Errorf("decode upload response: %w", err)
	}
	return AttachmentInfo{
		FileID:      parsed.ID,
		URL:         parsed.URL,
		ContentType: contentType,
		SizeBytes:   parsed.SizeBytes,
	}, nil
}

// DownloadURL builds the GET path for a previously uploaded file
// (SPEC_FULL.md §6.1: "GET {fileApiBaseUrl}/files/{file_id}").
func (p *Pipeline) DownloadURL(fileID string) string {
	return p.cfg.FileApiBaseUrl + "/files/" + fileID
}

const maxUploadBackoffSecs = 30

// uploadBackoff mirrors the sendqueue retry cadence (min(2^n, cap)
// seconds, ±10% jitter), kept package-local since media has no dependency
// on sendqueue.
func uploadBackoff(attempt int) time.Duration {
	base := int64(1) << uint(attempt)
	if base > maxUploadBackoffSecs || base <= 0 {
		base = maxUploadBackoffSecs
	}
	jitter := float64(base) * 0.1 * (rand.Float64()*2 - 1)
	return time.Duration(base+int64(jitter)) * time.Second
}
