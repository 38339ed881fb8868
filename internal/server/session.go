package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/grovedb/grove/internal/ninep"
	"github.com/grovedb/grove/internal/vfs"
)

var sessionSeq atomic.Uint64

// trailEnt is one walked element. The trail gives every fid a path back
// to the root, which is how ".." works without parent pointers on
// nodes.
type trailEnt struct {
	name string
	node vfs.Node
}

type fidState struct {
	owner string

	mu      sync.Mutex
	trail   []trailEnt
	opened  bool
	dir     bool
	oflag   vfs.OpenFlag
	handle  vfs.Handle
	dirBuf  []byte
	dirNext uint64
}

func (f *fidState) node() vfs.Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trail[len(f.trail)-1].node
}

func (f *fidState) name() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trail[len(f.trail)-1].name
}

func (f *fidState) isOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

// pending is one in-flight request. flushed suppresses the reply when a
// Tflush won the race.
type pending struct {
	cancel  context.CancelFunc
	done    chan struct{}
	flushed atomic.Bool
}

type session struct {
	srv  *Server
	conn io.ReadWriteCloser
	log  *slog.Logger
	id   uint64

	wmu sync.Mutex

	mu        sync.Mutex
	versioned bool
	msize     uint32
	owner     string
	uname     string
	fids      map[uint32]*fidState
	tags      map[uint16]*pending
}

func newSession(s *Server, conn io.ReadWriteCloser) *session {
	id := sessionSeq.Add(1)
	return &session{
		srv:   s,
		conn:  conn,
		log:   s.log.With("session", id),
		id:    id,
		msize: s.msize,
		fids:  make(map[uint32]*fidState),
		tags:  make(map[uint16]*pending),
	}
}

func (se *session) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		// Unblocks the read loop when the serve context ends.
		<-ctx.Done()
		se.conn.Close()
	}()
	defer se.teardown()

	r := bufio.NewReaderSize(se.conn, 32*1024)
	for {
		m, tag, err := ninep.ReadMessage(r, se.curMsize())
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		se.dispatch(ctx, tag, m)
	}
}

func (se *session) curMsize() uint32 {
	se.mu.Lock()
	defer se.mu.Unlock()
	return se.msize
}

func (se *session) iounit() uint32 {
	return se.curMsize() - ninep.IOHdrSize
}

func (se *session) reply(tag uint16, m ninep.Msg) {
	se.wmu.Lock()
	defer se.wmu.Unlock()
	if err := ninep.WriteMessage(se.conn, tag, m); err != nil {
		se.log.Debug("reply failed", "msg", ninep.MsgName(m), "err", err)
		se.conn.Close()
	}
}

func (se *session) dispatch(ctx context.Context, tag uint16, m ninep.Msg) {
	if v, ok := m.(*ninep.Tversion); ok {
		se.handleVersion(tag, v)
		return
	}
	se.mu.Lock()
	if !se.versioned {
		se.mu.Unlock()
		se.reply(tag, &ninep.Rerror{Ename: "version not negotiated"})
		return
	}
	if tag == ninep.NoTag {
		se.mu.Unlock()
		se.reply(tag, &ninep.Rerror{Ename: "NOTAG is only valid for Tversion"})
		return
	}
	if _, busy := se.tags[tag]; busy {
		se.mu.Unlock()
		se.reply(tag, &ninep.Rerror{Ename: "tag already in flight"})
		return
	}
	reqCtx, cancel := context.WithCancel(ctx)
	p := &pending{cancel: cancel, done: make(chan struct{})}
	se.tags[tag] = p
	se.mu.Unlock()
	go se.handle(reqCtx, tag, p, m)
}

func (se *session) handle(ctx context.Context, tag uint16, p *pending, m ninep.Msg) {
	defer p.cancel()
	reply, err := se.process(ctx, tag, m)
	if err != nil {
		reply = &ninep.Rerror{Ename: ename(err)}
	}
	se.mu.Lock()
	delete(se.tags, tag)
	se.mu.Unlock()
	if !p.flushed.Load() {
		se.reply(tag, reply)
	}
	close(p.done)
}

func (se *session) process(ctx context.Context, tag uint16, m ninep.Msg) (ninep.Msg, error) {
	switch m := m.(type) {
	case *ninep.Tauth:
		return nil, errors.New("authentication not required")
	case *ninep.Tattach:
		return se.attach(ctx, m)
	case *ninep.Tflush:
		return se.flush(tag, m)
	case *ninep.Twalk:
		return se.walk(ctx, m)
	case *ninep.Topen:
		return se.open(ctx, m)
	case *ninep.Tcreate:
		return se.create(ctx, m)
	case *ninep.Tread:
		return se.read(ctx, m)
	case *ninep.Twrite:
		return se.write(ctx, m)
	case *ninep.Tclunk:
		return se.clunk(ctx, m)
	case *ninep.Tremove:
		return se.remove(ctx, m)
	case *ninep.Tstat:
		return se.stat(ctx, m)
	case *ninep.Twstat:
		return se.wstat(ctx, m)
	}
	return nil, fmt.Errorf("unexpected %s", ninep.MsgName(m))
}

// handleVersion runs synchronously in the read loop: a Tversion aborts
// everything outstanding and resets the session.
func (se *session) handleVersion(tag uint16, m *ninep.Tversion) {
	if tag != ninep.NoTag {
		se.reply(tag, &ninep.Rerror{Ename: "Tversion requires NOTAG"})
		return
	}
	if m.Msize < ninep.MinMsize {
		se.reply(tag, &ninep.Rerror{Ename: fmt.Sprintf("msize %d below minimum %d", m.Msize, ninep.MinMsize)})
		return
	}
	if m.Version != ninep.Version {
		se.reply(tag, &ninep.Rversion{Msize: m.Msize, Version: ninep.VersionUnknown})
		return
	}
	msize := min(se.srv.msize, m.Msize)

	se.mu.Lock()
	tags := se.tags
	se.tags = make(map[uint16]*pending)
	fids := se.fids
	se.fids = make(map[uint32]*fidState)
	se.versioned = true
	se.msize = msize
	se.mu.Unlock()

	for _, p := range tags {
		p.flushed.Store(true)
		p.cancel()
	}
	for _, f := range fids {
		f.closeHandle(context.Background())
	}
	se.reply(tag, &ninep.Rversion{Msize: msize, Version: ninep.Version})
}

func (f *fidState) closeHandle(ctx context.Context) error {
	f.mu.Lock()
	h := f.handle
	f.handle = nil
	f.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.Close(ctx)
}

func (se *session) bindFid(num uint32, f *fidState) error {
	se.mu.Lock()
	defer se.mu.Unlock()
	if _, busy := se.fids[num]; busy {
		return fmt.Errorf("fid %d already in use", num)
	}
	se.fids[num] = f
	return nil
}

func (se *session) lookupFid(num uint32) (*fidState, error) {
	se.mu.Lock()
	defer se.mu.Unlock()
	f, ok := se.fids[num]
	if !ok {
		return nil, fmt.Errorf("unknown fid %d", num)
	}
	return f, nil
}

// takeFid removes a fid from the table; clunk and remove invalidate the
// fid no matter how the rest of the operation goes.
func (se *session) takeFid(num uint32) (*fidState, error) {
	se.mu.Lock()
	defer se.mu.Unlock()
	f, ok := se.fids[num]
	if !ok {
		return nil, fmt.Errorf("unknown fid %d", num)
	}
	delete(se.fids, num)
	return f, nil
}

func (se *session) attach(ctx context.Context, m *ninep.Tattach) (ninep.Msg, error) {
	se.mu.Lock()
	if se.owner == "" {
		uname := m.Uname
		if uname == "" {
			uname = "none"
		}
		se.uname = uname
		se.owner = fmt.Sprintf("%s/%d", uname, se.id)
	}
	owner := se.owner
	se.mu.Unlock()

	node := vfs.Node(se.srv.ns.Root(owner))
	trail := []trailEnt{{name: "/", node: node}}
	if aname := strings.Trim(m.Aname, "/"); aname != "" {
		for _, name := range strings.Split(aname, "/") {
			d, ok := node.(vfs.Dir)
			if !ok {
				return nil, fmt.Errorf("%w: %s", vfs.ErrNotDir, name)
			}
			child, err := d.Child(ctx, name)
			if err != nil {
				return nil, err
			}
			node = child
			trail = append(trail, trailEnt{name: name, node: node})
		}
	}
	attr, err := node.Attr(ctx)
	if err != nil {
		return nil, err
	}
	if err := se.bindFid(m.Fid, &fidState{owner: owner, trail: trail}); err != nil {
		return nil, err
	}
	se.log.Debug("attached", "uname", m.Uname, "aname", m.Aname, "fid", m.Fid)
	return &ninep.Rattach{Qid: qid9(attr.Qid)}, nil
}

func (se *session) flush(tag uint16, m *ninep.Tflush) (ninep.Msg, error) {
	if m.Oldtag == tag {
		return &ninep.Rflush{}, nil
	}
	se.mu.Lock()
	p := se.tags[m.Oldtag]
	se.mu.Unlock()
	if p != nil {
		p.flushed.Store(true)
		p.cancel()
		<-p.done
	}
	return &ninep.Rflush{}, nil
}

func (se *session) walk(ctx context.Context, m *ninep.Twalk) (ninep.Msg, error) {
	f, err := se.lookupFid(m.Fid)
	if err != nil {
		return nil, err
	}
	if f.isOpen() {
		return nil, errors.New("cannot walk from an open fid")
	}

	f.mu.Lock()
	trail := append([]trailEnt(nil), f.trail...)
	f.mu.Unlock()

	var qids []ninep.Qid
	for i, name := range m.Names {
		var next vfs.Node
		switch name {
		case "..":
			if len(trail) > 1 {
				trail = trail[:len(trail)-1]
			}
			next = trail[len(trail)-1].node
		case ".", "":
			next = trail[len(trail)-1].node
		default:
			d, ok := trail[len(trail)-1].node.(vfs.Dir)
			if !ok {
				if i == 0 {
					return nil, fmt.Errorf("%w: %s", vfs.ErrNotDir, trail[len(trail)-1].name)
				}
				return &ninep.Rwalk{Qids: qids}, nil
			}
			child, err := d.Child(ctx, name)
			if err != nil {
				if i == 0 {
					return nil, err
				}
				return &ninep.Rwalk{Qids: qids}, nil
			}
			trail = append(trail, trailEnt{name: name, node: child})
			next = child
		}
		attr, err := next.Attr(ctx)
		if err != nil {
			if i == 0 {
				return nil, err
			}
			return &ninep.Rwalk{Qids: qids}, nil
		}
		qids = append(qids, qid9(attr.Qid))
	}

	nf := &fidState{owner: f.owner, trail: trail}
	if m.Newfid == m.Fid {
		se.mu.Lock()
		se.fids[m.Newfid] = nf
		se.mu.Unlock()
	} else if err := se.bindFid(m.Newfid, nf); err != nil {
		return nil, err
	}
	return &ninep.Rwalk{Qids: qids}, nil
}

func (se *session) open(ctx context.Context, m *ninep.Topen) (ninep.Msg, error) {
	f, err := se.lookupFid(m.Fid)
	if err != nil {
		return nil, err
	}
	flag, err := openFlag(m.Mode)
	if err != nil {
		return nil, err
	}
	node := f.node()
	attr, err := node.Attr(ctx)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.opened {
		return nil, errors.New("fid already open")
	}
	if attr.Qid.Dir {
		if flag.CanWrite() || flag&vfs.TruncFlag != 0 {
			return nil, fmt.Errorf("%w: %s", vfs.ErrIsDir, f.trail[len(f.trail)-1].name)
		}
		f.opened = true
		f.dir = true
		f.oflag = flag
		return &ninep.Ropen{Qid: qid9(attr.Qid), Iounit: se.iounit()}, nil
	}
	o, ok := node.(vfs.Opener)
	if !ok {
		return nil, vfs.ErrPerm
	}
	h, err := o.Open(ctx, flag)
	if err != nil {
		return nil, err
	}
	f.opened = true
	f.oflag = flag
	f.handle = h
	return &ninep.Ropen{Qid: qid9(attr.Qid), Iounit: se.iounit()}, nil
}

func (se *session) create(ctx context.Context, m *ninep.Tcreate) (ninep.Msg, error) {
	f, err := se.lookupFid(m.Fid)
	if err != nil {
		return nil, err
	}
	if f.isOpen() {
		return nil, errors.New("fid already open")
	}
	if m.Name == "." || m.Name == ".." || strings.Contains(m.Name, "/") {
		return nil, fmt.Errorf("%w: %q", vfs.ErrBadName, m.Name)
	}
	flag, err := openFlag(m.Mode)
	if err != nil {
		return nil, err
	}
	c, ok := f.node().(vfs.Creator)
	if !ok {
		return nil, fmt.Errorf("%w: cannot create here", vfs.ErrPerm)
	}
	dir := m.Perm&ninep.DMDIR != 0
	exec := !dir && m.Perm&0111 != 0
	node, h, err := c.Create(ctx, m.Name, dir, exec)
	if err != nil {
		return nil, err
	}
	attr, err := node.Attr(ctx)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.trail = append(f.trail, trailEnt{name: m.Name, node: node})
	f.opened = true
	f.dir = dir
	f.oflag = flag
	f.handle = h
	f.mu.Unlock()
	return &ninep.Rcreate{Qid: qid9(attr.Qid), Iounit: se.iounit()}, nil
}

func (se *session) read(ctx context.Context, m *ninep.Tread) (ninep.Msg, error) {
	f, err := se.lookupFid(m.Fid)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	opened, dir, flag, h := f.opened, f.dir, f.oflag, f.handle
	f.mu.Unlock()
	if !opened {
		return nil, errors.New("fid not open")
	}
	if !flag.CanRead() {
		return nil, errors.New("fid not open for reading")
	}
	count := m.Count
	if limit := se.iounit(); count > limit {
		count = limit
	}
	if dir {
		return se.readDir(ctx, f, m.Offset, count)
	}
	if h == nil {
		return nil, errors.New("fid has no I/O handle")
	}
	buf := make([]byte, count)
	n, err := h.ReadAt(ctx, buf, int64(m.Offset))
	if err != nil && err != io.EOF {
		return nil, err
	}
	return &ninep.Rread{Data: buf[:n]}, nil
}

// readDir serves directory entries with the 9P continuation rule: a
// read at offset zero takes a fresh snapshot, later reads must start
// where the previous one ended, and every reply holds whole entries.
func (se *session) readDir(ctx context.Context, f *fidState, offset uint64, count uint32) (ninep.Msg, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if offset == 0 {
		d, ok := f.trail[len(f.trail)-1].node.(vfs.Dir)
		if !ok {
			return nil, vfs.ErrNotDir
		}
		ents, err := d.Children(ctx)
		if err != nil {
			return nil, err
		}
		var buf []byte
		for _, ent := range ents {
			attr, err := ent.Node.Attr(ctx)
			if err != nil {
				// A child can go stale between listing and stat,
				// a vanished transaction for instance. Skip it.
				continue
			}
			buf = ninep.AppendStat(buf, se.statOf(ent.Name, attr))
		}
		f.dirBuf = buf
		f.dirNext = 0
	} else if offset != f.dirNext {
		return nil, errors.New("directory read offset must continue the previous read")
	}

	rest := f.dirBuf[f.dirNext:]
	served := 0
	for served < len(rest) {
		_, n, err := ninep.UnmarshalStat(rest[served:])
		if err != nil {
			return nil, err
		}
		if served+n > int(count) {
			break
		}
		served += n
	}
	if served == 0 && len(rest) > 0 {
		return nil, errors.New("read count too small for directory entry")
	}
	f.dirNext += uint64(served)
	return &ninep.Rread{Data: rest[:served]}, nil
}

func (se *session) write(ctx context.Context, m *ninep.Twrite) (ninep.Msg, error) {
	f, err := se.lookupFid(m.Fid)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	opened, dir, flag, h := f.opened, f.dir, f.oflag, f.handle
	f.mu.Unlock()
	if !opened {
		return nil, errors.New("fid not open")
	}
	if dir {
		return nil, vfs.ErrIsDir
	}
	if !flag.CanWrite() {
		return nil, errors.New("fid not open for writing")
	}
	if h == nil {
		return nil, errors.New("fid has no I/O handle")
	}
	n, err := h.WriteAt(ctx, m.Data, int64(m.Offset))
	if err != nil {
		return nil, err
	}
	return &ninep.Rwrite{Count: uint32(n)}, nil
}

func (se *session) clunk(ctx context.Context, m *ninep.Tclunk) (ninep.Msg, error) {
	f, err := se.takeFid(m.Fid)
	if err != nil {
		return nil, err
	}
	// The fid is gone either way; a close error still reaches the
	// client so buffered ctl commands can report failures.
	if err := f.closeHandle(ctx); err != nil {
		return nil, err
	}
	return &ninep.Rclunk{}, nil
}

func (se *session) remove(ctx context.Context, m *ninep.Tremove) (ninep.Msg, error) {
	f, err := se.takeFid(m.Fid)
	if err != nil {
		return nil, err
	}
	f.closeHandle(ctx)
	r, ok := f.node().(vfs.Remover)
	if !ok {
		return nil, fmt.Errorf("%w: cannot remove", vfs.ErrPerm)
	}
	if err := r.Remove(ctx); err != nil {
		return nil, err
	}
	return &ninep.Rremove{}, nil
}

func (se *session) stat(ctx context.Context, m *ninep.Tstat) (ninep.Msg, error) {
	f, err := se.lookupFid(m.Fid)
	if err != nil {
		return nil, err
	}
	attr, err := f.node().Attr(ctx)
	if err != nil {
		return nil, err
	}
	return &ninep.Rstat{Stat: se.statOf(f.name(), attr)}, nil
}

func (se *session) wstat(ctx context.Context, m *ninep.Twstat) (ninep.Msg, error) {
	f, err := se.lookupFid(m.Fid)
	if err != nil {
		return nil, err
	}
	st := m.Stat
	var req vfs.WstatReq
	if st.Name != "" {
		if st.Name == "." || st.Name == ".." || strings.Contains(st.Name, "/") {
			return nil, fmt.Errorf("%w: %q", vfs.ErrBadName, st.Name)
		}
		req.Name = &st.Name
	}
	if st.Mode != ninep.NoValue32 {
		exec := st.Mode&0111 != 0
		req.Exec = &exec
	}
	if st.Length != ninep.NoValue64 {
		return nil, errors.New("cannot change length")
	}
	if req.Name == nil && req.Exec == nil {
		// An all-defaults wstat is the conventional sync request.
		return &ninep.Rwstat{}, nil
	}
	w, ok := f.node().(vfs.Wstater)
	if !ok {
		return nil, fmt.Errorf("%w: cannot change metadata", vfs.ErrPerm)
	}
	if err := w.Wstat(ctx, req); err != nil {
		return nil, err
	}
	// A rename changes the name the fid reports on stat.
	if req.Name != nil {
		f.mu.Lock()
		f.trail[len(f.trail)-1].name = *req.Name
		f.mu.Unlock()
	}
	return &ninep.Rwstat{}, nil
}

func (se *session) teardown() {
	se.mu.Lock()
	tags := se.tags
	se.tags = make(map[uint16]*pending)
	fids := se.fids
	se.fids = make(map[uint32]*fidState)
	owner := se.owner
	se.mu.Unlock()

	for _, p := range tags {
		p.flushed.Store(true)
		p.cancel()
	}
	for _, f := range fids {
		f.closeHandle(context.Background())
	}
	if owner != "" {
		se.srv.ns.ReleaseOwner(owner)
	}
	se.conn.Close()
	se.log.Debug("session closed", "owner", owner)
}

func (se *session) statOf(name string, attr vfs.Attr) ninep.Stat {
	se.mu.Lock()
	uid := se.uname
	se.mu.Unlock()
	if uid == "" {
		uid = "grove"
	}
	mode := attr.Mode & 0777
	if attr.Qid.Dir {
		mode |= ninep.DMDIR
	}
	var mtime uint32
	if !attr.Mtime.IsZero() {
		mtime = uint32(attr.Mtime.Unix())
	}
	return ninep.Stat{
		Qid:    qid9(attr.Qid),
		Mode:   mode,
		Atime:  mtime,
		Mtime:  mtime,
		Length: uint64(attr.Length),
		Name:   name,
		Uid:    uid,
		Gid:    uid,
		Muid:   uid,
	}
}

func qid9(q vfs.Qid) ninep.Qid {
	typ := ninep.QTFILE
	if q.Dir {
		typ = ninep.QTDIR
	}
	return ninep.Qid{Type: typ, Vers: q.Vers, Path: q.Path}
}

// openFlag maps a 9P open mode onto vfs flags. ORCLOSE is not
// supported.
func openFlag(mode uint8) (vfs.OpenFlag, error) {
	if mode&0x40 != 0 {
		return 0, errors.New("ORCLOSE not supported")
	}
	var flag vfs.OpenFlag
	switch mode & 3 {
	case ninep.OREAD, ninep.OEXEC:
		flag = vfs.ReadFlag
	case ninep.OWRITE:
		flag = vfs.WriteFlag
	case ninep.ORDWR:
		flag = vfs.ReadFlag | vfs.WriteFlag
	}
	if mode&ninep.OTRUNC != 0 {
		flag |= vfs.TruncFlag
	}
	return flag, nil
}

func ename(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "interrupted"
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out"
	}
	return err.Error()
}
