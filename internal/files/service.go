package files

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/eteran/filebox/pkg/storage"
)

const maxKeyLength = 1024

// UploadRequest is the decoded body of an upload. Fields are pointers so a
// missing field can be told apart from an empty one.
type UploadRequest struct {
	FileName      *string `json:"fileName"`
	ContentBase64 *string `json:"contentBase64"`
}

// UploadResult describes a stored upload.
type UploadResult struct {
	Key  string
	Size int64
	URL  string
}

// FileInfo is one entry of a FileListing.
type FileInfo struct {
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	CreatedOn   time.Time `json:"createdOn"`
	URL         string    `json:"url"`
	ContentType string    `json:"contentType"`
}

// FileListing is the result of List. Entries follow the store's enumeration
// order.
type FileListing struct {
	Count int        `json:"count"`
	Files []FileInfo `json:"files"`
}

// UploadRecorder is notified of successfully stored payload sizes.
type UploadRecorder interface {
	AddUploadedBytes(n int64)
}

// Options configures a Service.
type Options struct {
	Container         string
	PropertyCacheSize int
	ListConcurrency   int
	Recorder          UploadRecorder

	// NewToken returns the unique prefix of generated keys. Defaults to a
	// random UUID.
	NewToken func() string
}

// Service implements upload, download, list and delete over one container.
type Service struct {
	store       storage.ObjectStore
	container   string
	properties  *PropertyCache
	concurrency int
	recorder    UploadRecorder
	newToken    func() string
}

// NewService creates a Service. store should already publish object-created
// events if thumbnails are wanted.
func NewService(store storage.ObjectStore, opts Options) *Service {
	if opts.ListConcurrency <= 0 {
		opts.ListConcurrency = 1
	}
	if opts.NewToken == nil {
		opts.NewToken = func() string { return uuid.NewString() }
	}

	return &Service{
		store:       store,
		container:   opts.Container,
		properties:  NewPropertyCache(store, opts.Container, opts.PropertyCacheSize),
		concurrency: opts.ListConcurrency,
		recorder:    opts.Recorder,
		newToken:    opts.NewToken,
	}
}

// validateFileName enforces the key constraints of the store: non-empty, no
// path separators and no control characters.
func validateFileName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return errors.New("file name is empty")
	case len(name) > maxKeyLength-len(uuid.Nil.String())-1:
		return errors.New("file name is too long")
	case strings.ContainsAny(name, `/\`):
		return errors.New("file name must not contain path separators")
	case strings.ContainsFunc(name, func(c rune) bool { return c < 0x20 || c == 0x7f }):
		return errors.New("file name must not contain control characters")
	}
	return nil
}

// decodeContent decodes standard base64, ignoring embedded whitespace such as
// line breaks.
func decodeContent(content string) ([]byte, error) {
	content = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, content)
	return base64.StdEncoding.DecodeString(content)
}

// Upload validates req, stores the decoded payload under a freshly generated
// key and returns where it went.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (UploadResult, error) {
	if req.FileName == nil || *req.FileName == "" || req.ContentBase64 == nil || *req.ContentBase64 == "" {
		return UploadResult{}, badRequest("fileName and contentBase64 are required", nil)
	}

	fileName := *req.FileName
	if err := validateFileName(fileName); err != nil {
		return UploadResult{}, badRequest("Invalid fileName", err)
	}

	data, err := decodeContent(*req.ContentBase64)
	if err != nil {
		return UploadResult{}, badRequest("contentBase64 is not valid base64", err)
	}
	if len(data) == 0 {
		return UploadResult{}, badRequest("fileName and contentBase64 are required", nil)
	}

	key := s.newToken() + "_" + fileName
	contentType := mimetype.Detect(data).String()

	info, err := s.store.PutObject(ctx, s.container, key, bytes.NewReader(data), int64(len(data)), contentType)
	if err != nil {
		return UploadResult{}, internalError("Failed to store file", err)
	}

	s.properties.Remember(info)
	if s.recorder != nil {
		s.recorder.AddUploadedBytes(info.Size)
	}

	slog.Info("File uploaded", "key", key, "size", info.Size, "content_type", contentType)

	return UploadResult{
		Key:  key,
		Size: int64(len(data)),
		URL:  s.store.ObjectURL(s.container, key),
	}, nil
}

// exists checks for key, mapping absence to a NotFound error.
func (s *Service) exists(ctx context.Context, key string) error {
	if key == "" {
		return notFound()
	}

	ok, err := s.store.ObjectExists(ctx, s.container, key)
	if err != nil {
		return internalError("Failed to look up file", err)
	}
	if !ok {
		return notFound()
	}
	return nil
}

// Download reads the whole object stored under key. A read failure part way
// through is reported as an internal error rather than a short payload.
func (s *Service) Download(ctx context.Context, key string) ([]byte, storage.ObjectInfo, error) {
	if err := s.exists(ctx, key); err != nil {
		return nil, storage.ObjectInfo{}, err
	}

	rc, info, err := s.store.GetObject(ctx, s.container, key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		// Deleted between the existence check and the read.
		return nil, storage.ObjectInfo{}, notFound()
	case err != nil:
		return nil, storage.ObjectInfo{}, internalError("Failed to read file", err)
	}
	defer rc.Close()

	buf := bytes.NewBuffer(make([]byte, 0, max(info.Size, 0)))
	if _, err := io.Copy(buf, rc); err != nil {
		return nil, storage.ObjectInfo{}, internalError("Failed to read file", err)
	}
	if info.Size >= 0 && int64(buf.Len()) != info.Size {
		return nil, storage.ObjectInfo{}, internalError("Failed to read file",
			fmt.Errorf("read %d bytes of %q, expected %d", buf.Len(), key, info.Size))
	}
	info.Size = int64(buf.Len())

	slog.Info("File downloaded", "key", key, "size", info.Size)
	return buf.Bytes(), info, nil
}

// Delete removes the object stored under key. Thumbnails derived from it are
// left in place.
func (s *Service) Delete(ctx context.Context, key string) error {
	if err := s.exists(ctx, key); err != nil {
		return err
	}

	err := s.store.DeleteObject(ctx, s.container, key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return notFound()
	case err != nil:
		return internalError("Failed to delete file", err)
	}

	s.properties.Forget(key)
	slog.Info("File deleted", "key", key)
	return nil
}

// List enumerates the container and resolves each object's content type with
// a properties lookup. Lookups run concurrently and results keep the
// enumeration order. Objects removed between enumeration and lookup are left
// out.
func (s *Service) List(ctx context.Context) (FileListing, error) {
	var listed []storage.ObjectInfo
	for info, err := range s.store.ListObjects(ctx, s.container) {
		if err != nil {
			return FileListing{}, internalError("Failed to list files", err)
		}
		listed = append(listed, info)
	}

	files := make([]FileInfo, len(listed))
	present := make([]bool, len(listed))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(s.concurrency)
	for i, info := range listed {
		eg.Go(func() error {
			contentType, err := s.properties.ContentType(egCtx, info)
			if errors.Is(err, storage.ErrNotFound) {
				slog.Debug("File vanished while listing", "key", info.Key)
				return nil
			}
			if err != nil {
				return err
			}

			files[i] = FileInfo{
				Name:        info.Key,
				Size:        info.Size,
				CreatedOn:   info.CreatedAt,
				URL:         s.store.ObjectURL(s.container, info.Key),
				ContentType: contentType,
			}
			present[i] = true
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return FileListing{}, internalError("Failed to read file properties", err)
	}

	listing := FileListing{Files: make([]FileInfo, 0, len(files))}
	for i, f := range files {
		if present[i] {
			listing.Files = append(listing.Files, f)
		}
	}
	listing.Count = len(listing.Files)

	slog.Info("Listed files", "count", listing.Count)
	return listing, nil
}
