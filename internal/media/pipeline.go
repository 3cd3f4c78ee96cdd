// Package media implements MediaPipeline (SPEC_FULL.md §4.J): MIME
// detection, HTTP upload with retry and progress reporting, and the
// video-thumbnail/compress capability hook.
//
// Grounded on rustyguts-bken/server/internal/httpapi/server.go's blob
// upload/download contract (§6.1: POST {base}/files, GET
// {base}/files/{file_id}, the {id, content_type, size_bytes} metadata
// shape) for the HTTP collaborator, and FallicoFunctions-OmniNudge's
// backend/internal/services/thumbnail.go for image-thumbnail generation
// via disintegration/imaging.
package media

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"time"
)

// VideoHookOp discriminates the two capabilities a VideoProcessHook may
// implement (SPEC_FULL.md §4.J).
type VideoHookOp int

const (
	Thumbnail VideoHookOp = iota
	Compress
)

// VideoProcessHook lets the embedder supply native video thumbnailing and
// compression. ok=false means "skip this step, original/fallback is fine";
// a non-nil error fails the whole upload with KindUploadFailed.
type VideoProcessHook func(op VideoHookOp, sourcePath, metaPath, outPath string) (ok bool, err error)

// ProgressObserver reports bytes uploaded so far against the known total
// (SPEC_FULL.md §4.J "upload ... emitting progress via a ProgressObserver").
type ProgressObserver func(uploaded, total int64)

// AttachmentInfo is the result embedded into the outgoing message payload
// (SPEC_FULL.md §4.J), shaped after the teacher's blob metadata response.
type AttachmentInfo struct {
	FileID      string
	URL         string
	ContentType string
	SizeBytes   int64

	ThumbnailFileID string // set only when a thumbnail was generated/uploaded
	ThumbnailURL    string
}

// Config tunes the HTTP collaborator (SPEC_FULL.md §6 HttpClientConfig).
type Config struct {
	FileApiBaseUrl string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	EnableRetry    bool
	MaxRetries     int
}

// Pipeline is the MediaPipeline.
type Pipeline struct {
	cfg        Config
	httpClient *http.Client
	videoHook  VideoProcessHook
}

// New constructs a Pipeline against cfg.FileApiBaseUrl.
func New(cfg Config) *Pipeline {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Pipeline{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
	}
}

// SetVideoProcessHook installs the native thumbnail/compress capability.
// A nil hook means every video upload uses the 1x1 transparent PNG
// fallback thumbnail and the original file unmodified.
func (p *Pipeline) SetVideoProcessHook(hook VideoProcessHook) {
	p.videoHook = hook
}

// detectMIME guesses a file's content type from its extension, falling
// back to a generic octet-stream (SPEC_FULL.md §4.J "compute MIME").
func detectMIME(path string) string {
	ext := filepath.Ext(path)
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// UploadFile uploads an arbitrary file (image, audio, or generic
// attachment) with no video-specific processing.
func (p *Pipeline) UploadFile(ctx context.Context, path string, progress ProgressObserver) (AttachmentInfo, error) {
	return p.uploadPath(ctx, path, "", progress)
}

// UploadImage uploads an image, additionally generating and uploading a
// thumbnail via disintegration/imaging.
func (p *Pipeline) UploadImage(ctx context.Context, path string, progress ProgressObserver) (AttachmentInfo, error) {
	info, err := p.uploadPath(ctx, path, "", progress)
	if err != nil {
		return AttachmentInfo{}, err
	}

	thumbPath, err := generateImageThumbnail(path)
	if err != nil {
		// A failed thumbnail does not fail the upload — the original
		// image is already usable.
		return info, nil
	}
	defer removeTempFile(thumbPath)

	thumbInfo, err := p.uploadPath(ctx, thumbPath, "", nil)
	if err != nil {
		return info, nil
	}
	info.ThumbnailFileID = thumbInfo.FileID
	info.ThumbnailURL = thumbInfo.URL
	return info, nil
}

// UploadVideo implements the two-step video pipeline of SPEC_FULL.md §4.J:
// a registered VideoProcessHook is consulted for a thumbnail and,
// optionally, a compressed replacement before the file is uploaded.
func (p *Pipeline) UploadVideo(ctx context.Context, sourcePath, metaPath string, progress ProgressObserver) (AttachmentInfo, error) {
	thumbPath, cleanupThumb, err := p.videoThumbnail(sourcePath, metaPath)
	if err != nil {
		return AttachmentInfo{}, fmt.Errorf("video thumbnail: %w", err)
	}
	if cleanupThumb != "" {
		defer removeTempFile(cleanupThumb)
	}

	uploadPath := sourcePath
	if p.videoHook != nil {
		outPath := sourcePath + ".compressed"
		ok, err := p.videoHook(Compress, sourcePath, metaPath, outPath)
		if err != nil {
			return AttachmentInfo{}, fmt.Errorf("video compress: %w", err)
		}
		if ok {
			uploadPath = outPath
			defer removeTempFile(outPath)
		}
	}

	info, err := p.uploadPath(ctx, uploadPath, "video", progress)
	if err != nil {
		return AttachmentInfo{}, err
	}

	thumbInfo, err := p.uploadPath(ctx, thumbPath, "", nil)
	if err == nil {
		info.ThumbnailFileID = thumbInfo.FileID
		info.ThumbnailURL = thumbInfo.URL
	}
	return info, nil
}

// videoThumbnail resolves the thumbnail source path for a video upload: the
// registered hook's output, or the 1x1 transparent PNG fallback
// (SPEC_FULL.md §4.J step 1). cleanup is the path to remove afterward, if
// any (the fallback lives in a temp file the caller must also clean up).
func (p *Pipeline) videoThumbnail(sourcePath, metaPath string) (path string, cleanup string, err error) {
	if p.videoHook != nil {
		outPath := sourcePath + ".thumb.png"
		ok, err := p.videoHook(Thumbnail, sourcePath, metaPath, outPath)
		if err != nil {
			return "", "", err
		}
		if ok {
			return outPath, outPath, nil
		}
	}
	fallback, err := writeFallbackThumbnail()
	if err != nil {
		return "", "", err
	}
	return fallback, fallback, nil
}
