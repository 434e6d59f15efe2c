package vault

import (
	"bytes"
	"image"
	"image/draw"
	"image/jpeg"
	"os"
	"strconv"
	"strings"

	xdraw "golang.org/x/image/draw"

	"github.com/vaulthalla/vaulthalla/internal/metrics"
	"github.com/vaulthalla/vaulthalla/internal/store"
	vherrors "github.com/vaulthalla/vaulthalla/pkg/errors"
	"github.com/vaulthalla/vaulthalla/pkg/logging"
)

// ThumbnailSizes are the square pixel dimensions generated per image, one
// file per size under the entry's backing alias in the thumbnail cache
// root (mirrors the original implementation's per-size cache layout).
var ThumbnailSizes = []int{128, 256, 512}

// ThumbnailTask generates every configured thumbnail size for one image
// file and records each as a cache_index row. Run does the work on the
// calling goroutine; nothing in the daemon creates or submits thumbnail
// tasks to the pool manager's "thumb" pool.
type ThumbnailTask struct {
	engine      *Engine
	buffer      []byte
	entry       *store.FSEntry
	mimeType    string
	thumbRoot   string
	logger      *logging.Logger
	metrics     *metrics.Collector
}

// NewThumbnailTask builds a task for one file's already-read content.
func NewThumbnailTask(engine *Engine, buffer []byte, entry *store.FSEntry, mimeType, thumbRoot string, logger *logging.Logger, m *metrics.Collector) *ThumbnailTask {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	return &ThumbnailTask{
		engine: engine, buffer: buffer, entry: entry,
		mimeType: mimeType, thumbRoot: thumbRoot, logger: logger.WithComponent("thumbnail"), metrics: m,
	}
}

// Run decodes the source image once and writes a resized JPEG per
// configured size. It never returns an error to its caller except a
// structural one (undecodable image, thumbnail directory not creatable);
// a missing MIME type is logged and skipped, a non-image type is skipped,
// and per-size failures are logged so one bad size doesn't abort the rest.
func (t *ThumbnailTask) Run() error {
	if t.mimeType == "" {
		t.logger.Warn("no mime type for file, skipping thumbnail generation", "entry_id", t.entry.ID)
		return nil
	}
	if !strings.HasPrefix(t.mimeType, "image/") {
		return nil
	}

	src, _, err := image.Decode(bytes.NewReader(t.buffer))
	if err != nil {
		return vherrors.New(vherrors.CodeInvalidArgument, "failed to decode image for thumbnailing").
			WithComponent("thumbnail").WithCause(err)
	}

	baseDir := BackingPath(t.thumbRoot, t.entry.BackingAlias.String)
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return vherrors.New(vherrors.CodeIOError, "failed to create thumbnail directory").
			WithComponent("thumbnail").WithCause(err)
	}

	for _, size := range ThumbnailSizes {
		if err := t.generateOne(src, baseDir, size); err != nil {
			t.logger.Error("error generating thumbnail size", "entry_id", t.entry.ID, "size", size, "error", err.Error())
			continue
		}
	}
	return nil
}

func (t *ThumbnailTask) generateOne(src image.Image, baseDir string, size int) error {
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 85}); err != nil {
		return vherrors.New(vherrors.CodeIOError, "failed to encode thumbnail jpeg").WithCause(err)
	}

	cachePath := baseDir + "/" + sizeFilename(size)
	if err := os.WriteFile(cachePath, buf.Bytes(), 0o600); err != nil {
		return vherrors.New(vherrors.CodeIOError, "failed to write thumbnail file").WithCause(err)
	}

	rec := &store.CacheRecord{
		VaultID: t.engine.vault.ID, EntryID: t.entry.ID, Type: store.CacheRecordTypeThumbnail, LocalPath: cachePath,
		ContentHash: "", SizeBytes: int64(buf.Len()), Dirty: false, LastAccess: nowUnix(),
	}
	if err := t.engine.st.UpsertCacheRecord(rec); err != nil {
		return err
	}
	if t.metrics != nil {
		t.metrics.UpdateCacheSize(t.engine.vault.ID, int64(buf.Len()))
	}
	return nil
}

func sizeFilename(size int) string {
	return strconv.Itoa(size) + ".jpg"
}
