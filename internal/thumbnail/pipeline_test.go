package thumbnail_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"strings"
	"sync"
	"testing"

	"golang.org/x/image/bmp"

	"github.com/eteran/filebox/internal/thumbnail"
	"github.com/eteran/filebox/internal/trigger"
	"github.com/eteran/filebox/pkg/storage"

	"github.com/stretchr/testify/require"
)

const (
	uploads    = "uploads"
	thumbnails = "thumbnails"
)

type outcomes struct {
	mu     sync.Mutex
	counts map[string]int
}

func (o *outcomes) RecordThumbnail(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts == nil {
		o.counts = map[string]int{}
	}
	o.counts[outcome]++
}

func (o *outcomes) Count(outcome string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counts[outcome]
}

func newStore(t *testing.T) *storage.LocalFileStorage {
	t.Helper()
	store, err := storage.NewLocalFileStorage(t.Context(), t.TempDir(), "")
	require.NoError(t, err, "NewLocalFileStorage error")
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newPipeline(t *testing.T, store storage.ObjectStore, rec thumbnail.Recorder) *thumbnail.Pipeline {
	t.Helper()
	p, err := thumbnail.New(store, thumbnail.Options{
		SourceContainer: uploads,
		TargetContainer: thumbnails,
		Recorder:        rec,
	})
	require.NoError(t, err, "New error")
	return p
}

func testImage(w int, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	return img
}

func encodePNG(t *testing.T, w int, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, testImage(w, h)))
	return buf.Bytes()
}

func decodeThumb(t *testing.T, store storage.ObjectStore, key string) (image.Image, string) {
	t.Helper()
	rc, info, err := store.GetObject(t.Context(), thumbnails, key)
	require.NoError(t, err, "thumbnail should exist")
	defer rc.Close()

	img, format, err := image.Decode(rc)
	require.NoError(t, err, "decoding thumbnail")
	require.Equal(t, thumbnail.ContentType, info.ContentType)
	return img, format
}

func TestFitSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		w, h int
		want image.Point
	}{
		{w: 400, h: 300, want: image.Pt(200, 150)},
		{w: 300, h: 400, want: image.Pt(150, 200)},
		{w: 200, h: 200, want: image.Pt(200, 200)},
		{w: 50, h: 100, want: image.Pt(100, 200)},
		{w: 10, h: 10, want: image.Pt(200, 200)},
		{w: 1000, h: 3, want: image.Pt(200, 1)},
		{w: 3000, h: 1, want: image.Pt(200, 1)},
		{w: 0, h: 10, want: image.Point{}},
	}

	for _, tc := range tests {
		got := thumbnail.FitSize(tc.w, tc.h, 200)
		require.Equalf(t, tc.want, got, "FitSize(%d, %d)", tc.w, tc.h)
	}
}

func TestFitPreservesAspectRatio(t *testing.T) {
	t.Parallel()

	for _, dims := range [][2]int{{400, 300}, {37, 91}, {640, 480}, {123, 457}, {1, 1}} {
		w, h := dims[0], dims[1]
		got := thumbnail.FitSize(w, h, 200)

		require.Equal(t, 200, max(got.X, got.Y), "longer side equals the bound")

		// The shorter side is within one pixel of the exact ratio.
		if w >= h {
			exact := float64(h) * 200 / float64(w)
			require.InDelta(t, exact, float64(got.Y), 1)
		} else {
			exact := float64(w) * 200 / float64(h)
			require.InDelta(t, exact, float64(got.X), 1)
		}
	}
}

func TestIsImage(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"a.jpg", "a.JPEG", "x_cat.png", "b.Gif", "c.bmp"} {
		require.Truef(t, thumbnail.IsImage(name), "%s should be an image", name)
	}
	for _, name := range []string{"notes.txt", "archive.png.zip", "noext", "image.webp", "a.tiff"} {
		require.Falsef(t, thumbnail.IsImage(name), "%s should not be an image", name)
	}
}

func TestProcessPNG(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	rec := &outcomes{}
	p := newPipeline(t, store, rec)

	res, err := p.Process(t.Context(), "abc_cat.png", bytes.NewReader(encodePNG(t, 400, 300)))
	require.NoError(t, err, "Process error")
	require.Equal(t, thumbnail.OutcomeDone, res.Outcome)
	require.Equal(t, "thumb_abc_cat.png", res.ThumbnailKey)
	require.Equal(t, image.Pt(400, 300), res.SourceSize)

	img, format := decodeThumb(t, store, "thumb_abc_cat.png")
	require.Equal(t, "jpeg", format)
	require.Equal(t, image.Pt(200, 150), img.Bounds().Size())
	require.Equal(t, 1, rec.Count("done"))

	exists, err := store.ObjectExists(t.Context(), uploads, "thumb_abc_cat.png")
	require.NoError(t, err)
	require.False(t, exists, "pipeline never writes into the source container")
}

func TestProcessUpscalesSmallImages(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	p := newPipeline(t, store, nil)

	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, testImage(50, 100), nil))

	res, err := p.Process(t.Context(), "small.JPG", &buf)
	require.NoError(t, err)
	require.Equal(t, image.Pt(100, 200), res.Size)

	img, _ := decodeThumb(t, store, "thumb_small.JPG")
	require.Equal(t, image.Pt(100, 200), img.Bounds().Size())
}

func TestProcessGIFAndBMP(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	p := newPipeline(t, store, nil)

	var gifBuf bytes.Buffer
	require.NoError(t, gif.Encode(&gifBuf, testImage(300, 600), nil))
	_, err := p.Process(t.Context(), "anim.gif", &gifBuf)
	require.NoError(t, err, "gif")

	var bmpBuf bytes.Buffer
	require.NoError(t, bmp.Encode(&bmpBuf, testImage(800, 200)))
	_, err = p.Process(t.Context(), "scan.bmp", &bmpBuf)
	require.NoError(t, err, "bmp")

	img, _ := decodeThumb(t, store, "thumb_anim.gif")
	require.Equal(t, image.Pt(100, 200), img.Bounds().Size())

	img, _ = decodeThumb(t, store, "thumb_scan.bmp")
	require.Equal(t, image.Pt(200, 50), img.Bounds().Size())
}

func TestProcessFlattensTransparency(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	p := newPipeline(t, store, nil)

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, 40, 40))))

	_, err := p.Process(t.Context(), "clear.png", &buf)
	require.NoError(t, err)

	img, _ := decodeThumb(t, store, "thumb_clear.png")
	r, g, b, _ := img.At(100, 100).RGBA()
	require.Greater(t, r>>8, uint32(240), "transparent pixels become white")
	require.Greater(t, g>>8, uint32(240))
	require.Greater(t, b>>8, uint32(240))
}

func TestProcessSkipsNonImages(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	rec := &outcomes{}
	p := newPipeline(t, store, rec)

	res, err := p.Process(t.Context(), "abc_notes.txt", strings.NewReader("hello"))
	require.NoError(t, err, "skips are not failures")
	require.Equal(t, thumbnail.OutcomeSkipped, res.Outcome)

	exists, err := store.ObjectExists(t.Context(), thumbnails, "thumb_abc_notes.txt")
	require.NoError(t, err)
	require.False(t, exists)
	require.Equal(t, 1, rec.Count("skipped"))
}

func TestProcessCorruptImageFails(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	rec := &outcomes{}
	p := newPipeline(t, store, rec)

	res, err := p.Process(t.Context(), "broken.png", strings.NewReader("definitely not a png"))
	require.Error(t, err)
	require.Equal(t, thumbnail.OutcomeFailed, res.Outcome)

	var stageErr *thumbnail.StageError
	require.ErrorAs(t, err, &stageErr)
	require.Equal(t, thumbnail.StageDecode, stageErr.Stage)
	require.Equal(t, 1, rec.Count("failed"))

	exists, err := store.ObjectExists(t.Context(), thumbnails, "thumb_broken.png")
	require.NoError(t, err)
	require.False(t, exists)
}

// pngHeader returns just the signature and IHDR chunk of an 8-bit grayscale
// PNG declaring the given dimensions.
func pngHeader(w uint32, h uint32) []byte {
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:4], w)
	binary.BigEndian.PutUint32(ihdr[4:8], h)
	ihdr[8] = 8 // bit depth

	chunk := append([]byte("IHDR"), ihdr...)

	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(ihdr)))
	buf.Write(chunk)
	_ = binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return buf.Bytes()
}

func TestProcessRejectsOversizedDimensions(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	rec := &outcomes{}
	p := newPipeline(t, store, rec)

	res, err := p.Process(t.Context(), "huge.png", bytes.NewReader(pngHeader(16000, 16000)))
	require.ErrorIs(t, err, thumbnail.ErrImageTooLarge)
	require.Equal(t, thumbnail.OutcomeFailed, res.Outcome)
	require.Equal(t, image.Pt(16000, 16000), res.SourceSize)

	var stageErr *thumbnail.StageError
	require.ErrorAs(t, err, &stageErr)
	require.Equal(t, thumbnail.StageDecode, stageErr.Stage)
	require.Equal(t, 1, rec.Count("failed"))

	exists, err := store.ObjectExists(t.Context(), thumbnails, "thumb_huge.png")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestProcessHonoursMaxPixels(t *testing.T) {
	t.Parallel()

	p, err := thumbnail.New(newStore(t), thumbnail.Options{
		SourceContainer: uploads,
		TargetContainer: thumbnails,
		MaxPixels:       400 * 300,
	})
	require.NoError(t, err)

	res, err := p.Process(t.Context(), "exact.png", bytes.NewReader(encodePNG(t, 400, 300)))
	require.NoError(t, err, "an image at the limit is accepted")
	require.Equal(t, thumbnail.OutcomeDone, res.Outcome)

	_, err = p.Process(t.Context(), "over.png", bytes.NewReader(encodePNG(t, 401, 300)))
	require.ErrorIs(t, err, thumbnail.ErrImageTooLarge)
}

type failingStore struct {
	storage.ObjectStore
}

func (failingStore) PutObject(ctx context.Context, container string, key string, r io.Reader, size int64, contentType string) (storage.ObjectInfo, error) {
	return storage.ObjectInfo{}, errors.New("store unavailable")
}

func TestProcessStoreFailure(t *testing.T) {
	t.Parallel()

	p := newPipeline(t, failingStore{ObjectStore: newStore(t)}, nil)

	_, err := p.Process(t.Context(), "cat.png", bytes.NewReader(encodePNG(t, 20, 10)))
	var stageErr *thumbnail.StageError
	require.ErrorAs(t, err, &stageErr)
	require.Equal(t, thumbnail.StageStore, stageErr.Stage)
}

func TestProcessOverwritesExistingThumbnail(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	p := newPipeline(t, store, nil)

	_, err := p.Process(t.Context(), "k.png", bytes.NewReader(encodePNG(t, 400, 100)))
	require.NoError(t, err)
	_, err = p.Process(t.Context(), "k.png", bytes.NewReader(encodePNG(t, 100, 400)))
	require.NoError(t, err)

	img, _ := decodeThumb(t, store, "thumb_k.png")
	require.Equal(t, image.Pt(50, 200), img.Bounds().Size())
}

func TestNewRejectsSharedContainer(t *testing.T) {
	t.Parallel()

	_, err := thumbnail.New(newStore(t), thumbnail.Options{SourceContainer: "uploads", TargetContainer: "uploads"})
	require.Error(t, err)
}

func TestHandleObjectCreated(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	rec := &outcomes{}
	p := newPipeline(t, store, rec)

	payload := encodePNG(t, 300, 400)
	_, err := store.PutObject(t.Context(), uploads, "id_photo.png", bytes.NewReader(payload), int64(len(payload)), "image/png")
	require.NoError(t, err)

	p.HandleObjectCreated(t.Context(), trigger.ObjectCreated{Container: uploads, Key: "id_photo.png"})
	img, _ := decodeThumb(t, store, "thumb_id_photo.png")
	require.Equal(t, image.Pt(150, 200), img.Bounds().Size())

	// A source that disappeared before the run is a logged failure.
	p.HandleObjectCreated(t.Context(), trigger.ObjectCreated{Container: uploads, Key: "missing.png"})
	require.Equal(t, 1, rec.Count("failed"))

	// Events from other containers are ignored entirely.
	p.HandleObjectCreated(t.Context(), trigger.ObjectCreated{Container: thumbnails, Key: "thumb_id_photo.png"})
	require.Equal(t, 1, rec.Count("done"))
}
