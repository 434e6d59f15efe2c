package vault

import (
	"bytes"
	"database/sql"
	"image"
	"image/color"
	"image/jpeg"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaulthalla/vaulthalla/internal/store"
)

func sampleJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 4), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestThumbnailTaskGeneratesEverySize(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Create(Clean("/photo.jpg"), 0o644)
	require.NoError(t, err)
	require.NoError(t, e.Write(Clean("/photo.jpg"), sampleJPEG(t)))
	entry, err := e.Lookup(Clean("/photo.jpg"))
	require.NoError(t, err)

	fileRecBefore, err := e.st.GetCacheRecord(e.vault.ID, entry.ID, store.CacheRecordTypeFile)
	require.NoError(t, err)
	require.True(t, fileRecBefore.Dirty, "the file's own cache row must start dirty after the write above")

	thumbRoot := filepath.Join(t.TempDir(), "thumbs")
	task := NewThumbnailTask(e, sampleJPEG(t), entry, "image/jpeg", thumbRoot, nil, nil)
	require.NoError(t, task.Run())

	all, err := e.st.CacheRecordsForEntry(e.vault.ID, entry.ID)
	require.NoError(t, err)
	require.Len(t, all, 1+len(ThumbnailSizes), "one file row plus one row per configured thumbnail size")

	var fileRows, thumbRows int
	for _, rec := range all {
		switch rec.Type {
		case store.CacheRecordTypeFile:
			fileRows++
			assert.True(t, rec.Dirty, "generating a thumbnail must not clear the file row's dirty flag")
			assert.Equal(t, fileRecBefore.LocalPath, rec.LocalPath)
		case store.CacheRecordTypeThumbnail:
			thumbRows++
			assert.NotZero(t, rec.SizeBytes)
		}
	}
	assert.Equal(t, 1, fileRows)
	assert.Equal(t, len(ThumbnailSizes), thumbRows)
}

func TestThumbnailTaskSkipsWithoutMimeType(t *testing.T) {
	e := newTestEngine(t)
	entry := &store.FSEntry{ID: "missing", BackingAlias: sql.NullString{String: "alias", Valid: true}}
	task := NewThumbnailTask(e, sampleJPEG(t), entry, "", t.TempDir(), nil, nil)
	require.NoError(t, task.Run())
}

func TestThumbnailTaskIgnoresNonImageMimeType(t *testing.T) {
	e := newTestEngine(t)
	entry := &store.FSEntry{ID: "doc", BackingAlias: sql.NullString{String: "alias", Valid: true}}
	task := NewThumbnailTask(e, []byte("not an image"), entry, "application/pdf", t.TempDir(), nil, nil)
	require.NoError(t, task.Run())
}
