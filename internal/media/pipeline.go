package media

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/Baaaki/bazaar-inbox/pkg/apperr"
	"github.com/Baaaki/bazaar-inbox/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	ImageBucket    = "chat-images"
	VideoBucket    = "chat-videos"
	DocumentBucket = "chat-files"
)

type Limits struct {
	ImageMaxSizeMB    float64
	ImageMaxDimension int
	VideoQuality      int
	VideoMaxSizeMB    float64
	MaxVideoDuration  time.Duration
	MaxDocumentSize   int64
}

var DefaultLimits = Limits{
	ImageMaxSizeMB:    1,
	ImageMaxDimension: 1920,
	VideoQuality:      28,
	VideoMaxSizeMB:    25,
	MaxVideoDuration:  75 * time.Second,
	MaxDocumentSize:   10 << 20,
}

// Result describes an uploaded attachment.
type Result struct {
	URL         string
	Path        string
	Name        string
	Size        int64
	ContentType string
	Category    Category
}

// Pipeline validates, transforms and uploads message attachments.
type Pipeline struct {
	store  BlobStore
	images ImageCompressor
	videos VideoCompressor
	prober VideoProber
	limits Limits
	log    *zap.Logger
}

func NewPipeline(store BlobStore, images ImageCompressor, videos VideoCompressor, prober VideoProber, limits Limits) *Pipeline {
	return &Pipeline{
		store:  store,
		images: images,
		videos: videos,
		prober: prober,
		limits: limits,
		log:    logger.Named("media"),
	}
}

// Upload routes f to the image, video or document track by content type.
// ownerID prefixes the stored path.
func (p *Pipeline) Upload(ctx context.Context, ownerID string, f File, onProgress ProgressFunc) (*Result, error) {
	contentType, err := DetectContentType(f)
	if err != nil {
		return nil, err
	}
	f.ContentType = contentType
	switch CategoryOf(f.ContentType) {
	case CategoryImage:
		return p.UploadImage(ctx, ownerID, f, onProgress)
	case CategoryVideo:
		return p.UploadVideo(ctx, ownerID, f, onProgress)
	default:
		return p.UploadDocument(ctx, ownerID, f, onProgress)
	}
}

func (p *Pipeline) UploadImage(ctx context.Context, ownerID string, f File, onProgress ProgressFunc) (*Result, error) {
	contentType, err := DetectContentType(f)
	if err != nil {
		return nil, err
	}
	if _, ok := imageTypes[contentType]; !ok {
		return nil, apperr.Validation(fmt.Sprintf("unsupported image type %q: use JPEG, PNG or WebP", contentType))
	}

	onProgress.report(0)
	compressed, err := p.images.CompressImage(ctx, f, ImageOptions{
		MaxSizeMB:    p.limits.ImageMaxSizeMB,
		MaxDimension: p.limits.ImageMaxDimension,
		OnProgress:   scaled(onProgress, 0, 80),
	})
	if err != nil {
		return nil, apperr.UploadFailed("image compression failed", err)
	}
	if compressed.ContentType == "" {
		compressed.ContentType = contentType
	}

	ext := imageTypes[compressed.ContentType]
	if ext == "" {
		ext = imageTypes[contentType]
	}
	res, err := p.put(ctx, ImageBucket, ownerID, ext, compressed)
	if err != nil {
		return nil, err
	}
	onProgress.report(100)
	res.Category = CategoryImage
	return res, nil
}

// UploadVideo rejects clips over the duration ceiling before compressing.
// The stored object is always video/mp4.
func (p *Pipeline) UploadVideo(ctx context.Context, ownerID string, f File, onProgress ProgressFunc) (*Result, error) {
	contentType, err := DetectContentType(f)
	if err != nil {
		return nil, err
	}
	if _, ok := videoTypes[contentType]; !ok {
		return nil, apperr.Validation(fmt.Sprintf("unsupported video type %q: use MP4, MOV, AVI or WebM", contentType))
	}

	meta, err := p.prober.GetVideoMetadata(ctx, f)
	if err != nil {
		return nil, apperr.UploadFailed("could not read video metadata", err)
	}
	if meta.Duration <= 0 {
		return nil, apperr.Validation("video duration could not be determined")
	}
	if meta.Duration > p.limits.MaxVideoDuration {
		return nil, apperr.Validation(fmt.Sprintf("video is %.0f seconds long; the maximum is %.0f seconds",
			meta.Duration.Seconds(), p.limits.MaxVideoDuration.Seconds()))
	}

	onProgress.report(0)
	compressed, err := p.videos.CompressVideo(ctx, f, VideoOptions{
		Quality:     p.limits.VideoQuality,
		MaxDuration: p.limits.MaxVideoDuration,
		MaxSizeMB:   p.limits.VideoMaxSizeMB,
		OnProgress:  scaled(onProgress, 0, 90),
	})
	if err != nil {
		return nil, apperr.UploadFailed("video compression failed", err)
	}
	compressed.ContentType = "video/mp4"

	res, err := p.put(ctx, VideoBucket, ownerID, "mp4", compressed)
	if err != nil {
		return nil, err
	}
	onProgress.report(100)
	res.Category = CategoryVideo
	return res, nil
}

func (p *Pipeline) UploadDocument(ctx context.Context, ownerID string, f File, onProgress ProgressFunc) (*Result, error) {
	contentType, err := DetectContentType(f)
	if err != nil {
		return nil, err
	}
	ext, ok := documentTypes[contentType]
	if !ok {
		return nil, apperr.Validation(fmt.Sprintf("unsupported file type %q: use PDF, Word, Excel, text or ZIP", contentType))
	}

	size := f.Size
	if size == 0 {
		size = int64(len(f.Data))
	}
	if size > p.limits.MaxDocumentSize {
		return nil, apperr.Validation(fmt.Sprintf("file is %.1f MB; the maximum is %d MB",
			float64(size)/(1<<20), p.limits.MaxDocumentSize>>20))
	}

	onProgress.report(0)
	f.ContentType = contentType
	res, err := p.put(ctx, DocumentBucket, ownerID, ext, f)
	if err != nil {
		return nil, err
	}
	onProgress.report(100)
	res.Category = CategoryDocument
	return res, nil
}

func (p *Pipeline) put(ctx context.Context, bucket, ownerID, ext string, f File) (*Result, error) {
	objectPath := path.Join(ownerID, uuid.NewString()+"."+ext)

	stored, err := p.store.Upload(ctx, bucket, objectPath, f.Data, f.ContentType)
	if err != nil {
		p.log.Error("Attachment upload failed",
			zap.String("bucket", bucket),
			zap.String("path", objectPath),
			zap.Error(err),
		)
		return nil, apperr.UploadFailed("upload failed", err)
	}

	p.log.Debug("Attachment uploaded",
		zap.String("bucket", bucket),
		zap.String("path", stored),
		zap.Int("bytes", len(f.Data)),
	)

	return &Result{
		URL:         p.store.PublicURL(bucket, stored),
		Path:        stored,
		Name:        f.Name,
		Size:        int64(len(f.Data)),
		ContentType: f.ContentType,
	}, nil
}

func (p *Pipeline) DeleteImage(ctx context.Context, objectPath string) bool {
	return p.remove(ctx, ImageBucket, objectPath)
}

func (p *Pipeline) DeleteVideo(ctx context.Context, objectPath string) bool {
	return p.remove(ctx, VideoBucket, objectPath)
}

func (p *Pipeline) DeleteDocument(ctx context.Context, objectPath string) bool {
	return p.remove(ctx, DocumentBucket, objectPath)
}

// remove is best effort; failures are logged and reported as false.
func (p *Pipeline) remove(ctx context.Context, bucket, objectPath string) bool {
	if err := p.store.Remove(ctx, bucket, objectPath); err != nil {
		p.log.Warn("Attachment removal failed",
			zap.String("bucket", bucket),
			zap.String("path", objectPath),
			zap.Error(err),
		)
		return false
	}
	return true
}

// scaled maps a collaborator's 0-100 progress onto [from, to] of the
// overall upload.
func scaled(onProgress ProgressFunc, from, to int) ProgressFunc {
	if onProgress == nil {
		return nil
	}
	return func(percent int) {
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		onProgress(from + (to-from)*percent/100)
	}
}
