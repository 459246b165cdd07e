// Package thumbnail turns newly uploaded images into bounded-size JPEG
// derivatives stored in a separate container.
package thumbnail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"

	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/bmp"

	"github.com/eteran/filebox/internal/trigger"
	"github.com/eteran/filebox/pkg/storage"
)

const (
	KeyPrefix      = "thumb_"
	DefaultSize    = 200
	DefaultQuality = 75
	ContentType    = "image/jpeg"

	// DefaultMaxPixels bounds the decoded size of a source image, about
	// 160 MiB of RGBA.
	DefaultMaxPixels = 40_000_000
)

// ErrImageTooLarge is returned for sources whose declared dimensions exceed
// the configured pixel limit.
var ErrImageTooLarge = errors.New("image dimensions exceed the pixel limit")

// Extensions lists the file extensions the pipeline processes. Matching is
// case-insensitive.
var Extensions = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp"}

// Stage identifies a step of the pipeline.
type Stage int

const (
	StageDecode Stage = iota
	StageResize
	StageEncode
	StageStore
)

func (s Stage) String() string {
	switch s {
	case StageDecode:
		return "decode"
	case StageResize:
		return "resize"
	case StageEncode:
		return "encode"
	case StageStore:
		return "store"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Outcome is the terminal state of one pipeline run.
type Outcome string

const (
	OutcomeDone    Outcome = "done"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// StageError reports the stage a run failed in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Result describes a finished run.
type Result struct {
	Outcome      Outcome
	SourceKey    string
	ThumbnailKey string
	SourceSize   image.Point
	Size         image.Point
	Bytes        int
}

// Recorder is notified of every run's outcome.
type Recorder interface {
	RecordThumbnail(outcome string)
}

// Options configures a Pipeline.
type Options struct {
	SourceContainer string
	TargetContainer string
	Size            int
	Quality         int
	Recorder        Recorder

	// MaxPixels is the largest width*height decoded. Defaults to
	// DefaultMaxPixels.
	MaxPixels int64
}

// Pipeline decodes source images, fits them into a square bounding box and
// stores the result as JPEG under "thumb_" + source key.
type Pipeline struct {
	store     storage.ObjectStore
	source    string
	target    string
	size      int
	quality   int
	maxPixels int64
	recorder  Recorder
}

// New creates a Pipeline reading from and writing to store.
func New(store storage.ObjectStore, opts Options) (*Pipeline, error) {
	if opts.SourceContainer == "" || opts.TargetContainer == "" {
		return nil, errors.New("source and target containers are required")
	}
	if opts.SourceContainer == opts.TargetContainer {
		return nil, fmt.Errorf("thumbnail container must differ from source container %q", opts.SourceContainer)
	}
	if opts.Size <= 0 {
		opts.Size = DefaultSize
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = DefaultQuality
	}
	if opts.MaxPixels <= 0 {
		opts.MaxPixels = DefaultMaxPixels
	}

	return &Pipeline{
		store:     store,
		source:    opts.SourceContainer,
		target:    opts.TargetContainer,
		size:      opts.Size,
		quality:   opts.Quality,
		maxPixels: opts.MaxPixels,
		recorder:  opts.Recorder,
	}, nil
}

// ThumbnailKey returns the derivative key for a source key.
func ThumbnailKey(sourceKey string) string {
	return KeyPrefix + sourceKey
}

// IsImage reports whether name carries one of the supported image extensions.
func IsImage(name string) bool {
	return slices.Contains(Extensions, strings.ToLower(filepath.Ext(name)))
}

// HandleObjectCreated is the trigger entry point. It opens the new object and
// runs the pipeline over it. Failures are logged and counted, never returned
// or retried.
func (p *Pipeline) HandleObjectCreated(ctx context.Context, ev trigger.ObjectCreated) {
	if ev.Container != p.source {
		slog.Debug("Ignoring object outside the source container", "container", ev.Container, "key", ev.Key)
		return
	}

	// Skip non-images before fetching anything from the store.
	if !IsImage(ev.Key) {
		_, _ = p.Process(ctx, ev.Key, nil)
		return
	}

	rc, _, err := p.store.GetObject(ctx, p.source, ev.Key)
	if err != nil {
		p.finish(ev.Key, Result{Outcome: OutcomeFailed, SourceKey: ev.Key}, &StageError{Stage: StageDecode, Err: err}, time.Now())
		return
	}
	defer rc.Close()

	_, _ = p.Process(ctx, ev.Key, rc)
}

// Process runs the pipeline over the source object named name whose payload
// is read from r. Skipped objects return a nil error.
func (p *Pipeline) Process(ctx context.Context, name string, r io.Reader) (res Result, err error) {
	start := time.Now()
	res = Result{SourceKey: name, ThumbnailKey: ThumbnailKey(name)}
	defer func() {
		p.finish(name, res, err, start)
	}()

	if !IsImage(name) {
		res.Outcome = OutcomeSkipped
		return res, nil
	}

	fail := func(stage Stage, err error) (Result, error) {
		res.Outcome = OutcomeFailed
		return res, &StageError{Stage: stage, Err: err}
	}

	if r == nil {
		return fail(StageDecode, errors.New("no payload"))
	}

	// The header is checked before decoding so a small file declaring huge
	// dimensions cannot allocate the full pixel buffer.
	payload, err := io.ReadAll(r)
	if err != nil {
		return fail(StageDecode, err)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(payload))
	if err != nil {
		return fail(StageDecode, err)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > p.maxPixels {
		res.SourceSize = image.Pt(cfg.Width, cfg.Height)
		return fail(StageDecode, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrImageTooLarge, cfg.Width, cfg.Height, p.maxPixels))
	}

	src, format, err := image.Decode(bytes.NewReader(payload))
	if err != nil {
		return fail(StageDecode, err)
	}
	res.SourceSize = src.Bounds().Size()

	slog.Debug("Decoded source image", "name", name, "format", format, "width", res.SourceSize.X, "height", res.SourceSize.Y)

	if err := ctx.Err(); err != nil {
		return fail(StageResize, err)
	}

	dst, err := Fit(src, p.size)
	if err != nil {
		return fail(StageResize, err)
	}
	res.Size = dst.Bounds().Size()

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: p.quality}); err != nil {
		return fail(StageEncode, err)
	}
	res.Bytes = buf.Len()

	if _, err := p.store.PutObject(ctx, p.target, res.ThumbnailKey, &buf, int64(res.Bytes), ContentType); err != nil {
		return fail(StageStore, err)
	}

	res.Outcome = OutcomeDone
	return res, nil
}

func (p *Pipeline) finish(name string, res Result, err error, start time.Time) {
	elapsed := float64(time.Since(start).Nanoseconds()) / float64(time.Millisecond)

	switch res.Outcome {
	case OutcomeSkipped:
		slog.Info("Skipping non-image file", "name", name)
	case OutcomeDone:
		slog.Info("Thumbnail created",
			"name", name,
			"thumbnail", res.ThumbnailKey,
			slog.Group("source", "width", res.SourceSize.X, "height", res.SourceSize.Y),
			slog.Group("thumb", "width", res.Size.X, "height", res.Size.Y, "bytes", res.Bytes),
			"duration_ms", elapsed,
		)
	default:
		stage := ""
		var stageErr *StageError
		if errors.As(err, &stageErr) {
			stage = stageErr.Stage.String()
		}
		slog.Error("Error processing image", "name", name, "stage", stage, "err", err, "duration_ms", elapsed)
	}

	if p.recorder != nil {
		p.recorder.RecordThumbnail(string(res.Outcome))
	}
}
