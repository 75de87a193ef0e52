package media

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Baaaki/bazaar-inbox/pkg/apperr"
	"github.com/gabriel-vasile/mimetype"
)

// File is an attachment as received from the client.
type File struct {
	Name        string
	ContentType string
	Size        int64
	Data        []byte
}

type Category string

const (
	CategoryImage    Category = "image"
	CategoryVideo    Category = "video"
	CategoryDocument Category = "document"
)

// ProgressFunc receives a completion percentage between 0 and 100.
type ProgressFunc func(percent int)

func (f ProgressFunc) report(percent int) {
	if f != nil {
		f(percent)
	}
}

type ImageOptions struct {
	MaxSizeMB    float64
	MaxDimension int
	OnProgress   ProgressFunc
}

type VideoOptions struct {
	Quality     int
	MaxDuration time.Duration
	MaxSizeMB   float64
	OnProgress  ProgressFunc
}

type VideoMetadata struct {
	Duration time.Duration
}

type ImageCompressor interface {
	CompressImage(ctx context.Context, f File, opts ImageOptions) (File, error)
}

type VideoCompressor interface {
	CompressVideo(ctx context.Context, f File, opts VideoOptions) (File, error)
}

type VideoProber interface {
	GetVideoMetadata(ctx context.Context, f File) (VideoMetadata, error)
}

// BlobStore is bucket/path addressed object storage with public URLs.
type BlobStore interface {
	Upload(ctx context.Context, bucket, path string, data []byte, contentType string) (string, error)
	PublicURL(bucket, path string) string
	Remove(ctx context.Context, bucket, path string) error
}

var (
	imageTypes = map[string]string{
		"image/jpeg": "jpg",
		"image/png":  "png",
		"image/webp": "webp",
	}
	videoTypes = map[string]string{
		"video/mp4":       "mp4",
		"video/quicktime": "mov",
		"video/x-msvideo": "avi",
		"video/avi":       "avi",
		"video/webm":      "webm",
	}
	documentTypes = map[string]string{
		"application/pdf":    "pdf",
		"application/msword": "doc",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document": "docx",
		"text/plain":               "txt",
		"application/vnd.ms-excel": "xls",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": "xlsx",
		"application/zip":              "zip",
		"application/x-zip-compressed": "zip",
	}
)

// DetectContentType sniffs the bytes. A declared type is kept only when the
// content agrees with it; a missing or generic one is replaced by the
// sniffed type.
func DetectContentType(f File) (string, error) {
	sniffed := mimetype.Detect(f.Data)
	declared := normalize(f.ContentType)
	if declared == "" || declared == "application/octet-stream" {
		return normalize(sniffed.String()), nil
	}
	if !agrees(sniffed, declared) {
		return "", apperr.Validation(fmt.Sprintf("file content does not match its declared type %q", declared))
	}
	return declared, nil
}

// agrees reports whether declared is the sniffed type or one of its
// parents. Plain text carries no signature, so any text/* subtype is
// accepted for it.
func agrees(sniffed *mimetype.MIME, declared string) bool {
	for m := sniffed; m != nil; m = m.Parent() {
		if m.Is(declared) && !m.Is("application/octet-stream") {
			return true
		}
	}
	return sniffed.Is("text/plain") && strings.HasPrefix(declared, "text/")
}

// CategoryOf maps a MIME type to the track that handles it. Anything that
// is neither image nor video is a document.
func CategoryOf(contentType string) Category {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return CategoryImage
	case strings.HasPrefix(contentType, "video/"):
		return CategoryVideo
	default:
		return CategoryDocument
	}
}

func normalize(contentType string) string {
	base, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(base))
}
