package fuseadapter

import (
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/vaulthalla/vaulthalla/internal/rbac"
	"github.com/vaulthalla/vaulthalla/internal/store"
	vherrors "github.com/vaulthalla/vaulthalla/pkg/errors"
)

// Code aliases the error taxonomy type so table-driven test cases below
// read naturally against vherrors.Code values.
type Code = vherrors.Code

func TestToErrnoMapsEveryCode(t *testing.T) {
	cases := []struct {
		code Code
		want syscall.Errno
	}{
		{vherrors.CodeNotFound, syscall.ENOENT},
		{vherrors.CodeAlreadyExists, syscall.EEXIST},
		{vherrors.CodePermissionDenied, syscall.EACCES},
		{vherrors.CodeInvalidArgument, syscall.EINVAL},
		{vherrors.CodeQuotaExceeded, syscall.EDQUOT},
		{vherrors.CodeIOError, syscall.EIO},
		{vherrors.CodeIntegrityError, syscall.EIO},
		{vherrors.CodeTransient, syscall.EAGAIN},
		{vherrors.CodeFatal, syscall.EIO},
	}
	for _, c := range cases {
		got := toErrno(vherrors.New(c.code, "boom"))
		if got != c.want {
			t.Errorf("code %s: got errno %v, want %v", c.code, got, c.want)
		}
	}
}

func TestToErrnoNilIsZero(t *testing.T) {
	if got := toErrno(nil); got != 0 {
		t.Fatalf("expected errno 0 for nil error, got %v", got)
	}
}

func TestToErrnoNonVaultErrorDefaultsToEIO(t *testing.T) {
	if got := toErrno(errPlain("unstructured failure")); got != syscall.EIO {
		t.Fatalf("expected EIO for an unstructured error, got %v", got)
	}
}

type errPlain string

func (e errPlain) Error() string { return string(e) }

func TestBitForMaskCombinesReadWriteExecute(t *testing.T) {
	const rOK, wOK, xOK = 0x4, 0x2, 0x1

	if got := bitForMask(rOK); got != rbac.BitRead {
		t.Errorf("R_OK: got %v, want BitRead", got)
	}
	if got := bitForMask(wOK); got != rbac.BitWrite {
		t.Errorf("W_OK: got %v, want BitWrite", got)
	}
	if got := bitForMask(xOK); got != rbac.BitExecute {
		t.Errorf("X_OK: got %v, want BitExecute", got)
	}
	if got := bitForMask(rOK | wOK); got != rbac.BitRead|rbac.BitWrite {
		t.Errorf("R_OK|W_OK: got %v, want BitRead|BitWrite", got)
	}
	// F_OK (mask 0) is an existence check; treat it as requiring read.
	if got := bitForMask(0); got != rbac.BitRead {
		t.Errorf("F_OK: got %v, want BitRead", got)
	}
}

func TestAttrFromEntrySetsDirAndFileModeBits(t *testing.T) {
	dir := &store.FSEntry{Kind: store.KindDir, Mode: 0o755, SizeBytes: 0, UpdatedAt: 42}
	attr := attrFromEntry(dir, 1000, 1000)
	if attr.Mode&fuse.S_IFDIR == 0 {
		t.Fatalf("expected S_IFDIR bit set, got mode %o", attr.Mode)
	}

	file := &store.FSEntry{Kind: store.KindFile, Mode: 0o644, SizeBytes: 17, UpdatedAt: 42}
	fileAttr := attrFromEntry(file, 1000, 1000)
	if fileAttr.Mode&fuse.S_IFDIR != 0 {
		t.Fatalf("file entry should not have S_IFDIR bit set, got mode %o", fileAttr.Mode)
	}
	if fileAttr.Size != 17 {
		t.Fatalf("expected size 17, got %d", fileAttr.Size)
	}
	if fileAttr.Owner.Uid != 1000 || fileAttr.Owner.Gid != 1000 {
		t.Fatalf("expected owner 1000:1000, got %+v", fileAttr.Owner)
	}
}

func TestResizeGrowsWithZeroesAndShrinksInPlace(t *testing.T) {
	grown := resize([]byte("abc"), 5)
	if len(grown) != 5 || string(grown[:3]) != "abc" || grown[3] != 0 || grown[4] != 0 {
		t.Fatalf("expected 'abc\\x00\\x00', got %q", grown)
	}

	shrunk := resize([]byte("abcdef"), 3)
	if string(shrunk) != "abc" {
		t.Fatalf("expected 'abc', got %q", shrunk)
	}

	same := resize([]byte("abc"), 3)
	if string(same) != "abc" {
		t.Fatalf("expected unchanged 'abc', got %q", same)
	}
}

func TestFileHandleTruncateMarksDirty(t *testing.T) {
	h := &FileHandle{data: []byte("hello world")}
	h.truncate(5)
	if string(h.data) != "hello" {
		t.Fatalf("expected 'hello', got %q", h.data)
	}
	if !h.dirty {
		t.Fatal("expected truncate to mark the handle dirty")
	}
}

func TestFileHandleWriteGrowsBufferPastCurrentEnd(t *testing.T) {
	h := &FileHandle{data: []byte("abc")}
	n, errno := h.Write(nil, []byte("XY"), 5)
	if errno != 0 {
		t.Fatalf("unexpected errno %v", errno)
	}
	if n != 2 {
		t.Fatalf("expected 2 bytes written, got %d", n)
	}
	if len(h.data) != 7 {
		t.Fatalf("expected buffer grown to 7 bytes, got %d", len(h.data))
	}
	if string(h.data[5:7]) != "XY" {
		t.Fatalf("expected trailing bytes 'XY', got %q", h.data[5:7])
	}
	if !h.dirty {
		t.Fatal("expected write to mark the handle dirty")
	}
}

func TestFileHandleReadClampsToBufferLength(t *testing.T) {
	h := &FileHandle{data: []byte("hello")}
	dest := make([]byte, 10)
	res, errno := h.Read(nil, dest, 2)
	if errno != 0 {
		t.Fatalf("unexpected errno %v", errno)
	}
	buf := make([]byte, 64)
	read, rerr := res.Bytes(buf)
	if rerr != fuse.OK {
		t.Fatalf("unexpected read result status %v", rerr)
	}
	if string(read) != "llo" {
		t.Fatalf("expected 'llo', got %q", read)
	}
}

func TestFileHandleReadPastEndOfBufferReturnsEmpty(t *testing.T) {
	h := &FileHandle{data: []byte("hi")}
	res, errno := h.Read(nil, make([]byte, 4), 10)
	if errno != 0 {
		t.Fatalf("unexpected errno %v", errno)
	}
	buf := make([]byte, 4)
	read, _ := res.Bytes(buf)
	if len(read) != 0 {
		t.Fatalf("expected empty read past end of buffer, got %q", read)
	}
}
