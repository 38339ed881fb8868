package vfs

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"
)

// staticHandle serves an immutable byte snapshot taken at open time.
type staticHandle struct {
	data []byte
}

func (h *staticHandle) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if off >= int64(len(h.data)) {
		return 0, io.EOF
	}
	return copy(p, h.data[off:]), nil
}

func (h *staticHandle) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	return 0, ErrPerm
}

func (h *staticHandle) Close(ctx context.Context) error { return nil }

// funcFile is a read-only file whose content is computed when opened.
type funcFile struct {
	qid   Qid
	mode  uint32
	mtime time.Time
	read  func(ctx context.Context) ([]byte, error)
}

func newFuncFile(mtime time.Time, read func(ctx context.Context) ([]byte, error), idParts ...string) *funcFile {
	return &funcFile{
		qid:   Qid{Path: qidPath(idParts...)},
		mode:  0444,
		mtime: mtime,
		read:  read,
	}
}

func (f *funcFile) Attr(ctx context.Context) (Attr, error) {
	data, err := f.read(ctx)
	if err != nil {
		return Attr{}, err
	}
	return Attr{Qid: f.qid, Mode: f.mode, Length: int64(len(data)), Mtime: f.mtime}, nil
}

func (f *funcFile) Open(ctx context.Context, flag OpenFlag) (Handle, error) {
	if flag.CanWrite() {
		return nil, ErrPerm
	}
	data, err := f.read(ctx)
	if err != nil {
		return nil, err
	}
	return &staticHandle{data: data}, nil
}

// lineHandle runs newline-terminated commands written to a control
// file. Reads serve a snapshot computed at open. A trailing command
// without a newline runs at close, where its error can only be logged
// by the caller.
type lineHandle struct {
	data []byte
	exec func(ctx context.Context, line string) error

	mu  sync.Mutex
	buf []byte
}

func (h *lineHandle) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if off >= int64(len(h.data)) {
		return 0, io.EOF
	}
	return copy(p, h.data[off:]), nil
}

func (h *lineHandle) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf = append(h.buf, p...)
	for {
		i := strings.IndexByte(string(h.buf), '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSpace(string(h.buf[:i]))
		h.buf = h.buf[i+1:]
		if line == "" {
			continue
		}
		if err := h.exec(ctx, line); err != nil {
			h.buf = nil
			return 0, err
		}
	}
	return len(p), nil
}

func (h *lineHandle) Close(ctx context.Context) error {
	h.mu.Lock()
	line := strings.TrimSpace(string(h.buf))
	h.buf = nil
	h.mu.Unlock()
	if line == "" {
		return nil
	}
	return h.exec(ctx, line)
}
