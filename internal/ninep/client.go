package ninep

import (
	"fmt"
	"io"
	"sync"
)

// Client is a synchronous 9P2000 client, one outstanding request at a
// time. It serves the command line and the server tests; it is not a
// high-throughput client and does not try to be.
type Client struct {
	mu    sync.Mutex
	conn  io.ReadWriteCloser
	msize uint32
	tag   uint16
	nfid  uint32
}

// NewClient wraps an established connection. Call Negotiate before
// anything else.
func NewClient(conn io.ReadWriteCloser) *Client {
	return &Client{conn: conn}
}

// Negotiate runs the Tversion exchange. A zero msize asks for the
// default.
func (c *Client) Negotiate(msize uint32) error {
	if msize == 0 {
		msize = DefaultMsize
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := WriteMessage(c.conn, NoTag, &Tversion{Msize: msize, Version: Version}); err != nil {
		return err
	}
	m, _, err := ReadMessage(c.conn, 0)
	if err != nil {
		return err
	}
	r, ok := m.(*Rversion)
	if !ok {
		return fmt.Errorf("version: unexpected %s", MsgName(m))
	}
	if r.Version != Version {
		return fmt.Errorf("server speaks %q, want %q", r.Version, Version)
	}
	if r.Msize < MinMsize || r.Msize > msize {
		return fmt.Errorf("server msize %d out of range", r.Msize)
	}
	c.msize = r.Msize
	return nil
}

// Msize reports the negotiated message size.
func (c *Client) Msize() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msize
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) rpc(t Msg) (Msg, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tag++
	if c.tag == NoTag {
		c.tag = 1
	}
	tag := c.tag
	if err := WriteMessage(c.conn, tag, t); err != nil {
		return nil, err
	}
	m, rtag, err := ReadMessage(c.conn, c.msize)
	if err != nil {
		return nil, err
	}
	if rtag != tag {
		return nil, fmt.Errorf("reply tag %d, want %d", rtag, tag)
	}
	if e, ok := m.(*Rerror); ok {
		return nil, RemoteError(e.Ename)
	}
	return m, nil
}

func (c *Client) nextFid() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nfid++
	return c.nfid
}

// Fid is a client-side file handle.
type Fid struct {
	c      *Client
	num    uint32
	qid    Qid
	iounit uint32
}

// Attach establishes a fid for the namespace root.
func (c *Client) Attach(uname, aname string) (*Fid, error) {
	f := &Fid{c: c, num: c.nextFid()}
	m, err := c.rpc(&Tattach{Fid: f.num, Afid: NoFid, Uname: uname, Aname: aname})
	if err != nil {
		return nil, err
	}
	r, ok := m.(*Rattach)
	if !ok {
		return nil, fmt.Errorf("attach: unexpected %s", MsgName(m))
	}
	f.qid = r.Qid
	return f, nil
}

// Qid returns the qid from the last walk, open or create.
func (f *Fid) Qid() Qid { return f.qid }

// Walk derives a new fid by walking names from f. Long walks split into
// MaxWelem-sized legs; a partial walk is an error and leaves no fid
// behind.
func (f *Fid) Walk(names ...string) (*Fid, error) {
	nf := &Fid{c: f.c, num: f.c.nextFid(), qid: f.qid}
	from := f.num
	first := true
	for {
		leg := names
		if len(leg) > MaxWelem {
			leg = leg[:MaxWelem]
		}
		names = names[len(leg):]
		m, err := f.c.rpc(&Twalk{Fid: from, Newfid: nf.num, Names: leg})
		if err != nil {
			if !first {
				nf.Clunk()
			}
			return nil, err
		}
		r, ok := m.(*Rwalk)
		if !ok {
			if !first {
				nf.Clunk()
			}
			return nil, fmt.Errorf("walk: unexpected %s", MsgName(m))
		}
		if len(r.Qids) != len(leg) {
			// A short walk establishes the new fid only when it
			// made progress on an earlier leg.
			if !first {
				nf.Clunk()
			}
			return nil, fmt.Errorf("walk stopped at %q", leg[len(r.Qids)])
		}
		if len(r.Qids) > 0 {
			nf.qid = r.Qids[len(r.Qids)-1]
		}
		from = nf.num
		first = false
		if len(names) == 0 {
			return nf, nil
		}
	}
}

func (f *Fid) ioChunk() uint32 {
	if f.iounit != 0 {
		return f.iounit
	}
	return f.c.Msize() - IOHdrSize
}

// Open prepares the fid for I/O with an OREAD/OWRITE/ORDWR/OTRUNC mode.
func (f *Fid) Open(mode uint8) error {
	m, err := f.c.rpc(&Topen{Fid: f.num, Mode: mode})
	if err != nil {
		return err
	}
	r, ok := m.(*Ropen)
	if !ok {
		return fmt.Errorf("open: unexpected %s", MsgName(m))
	}
	f.qid = r.Qid
	f.iounit = r.Iounit
	return nil
}

// Create creates name in the directory f refers to and opens it; f then
// refers to the new file.
func (f *Fid) Create(name string, perm uint32, mode uint8) error {
	m, err := f.c.rpc(&Tcreate{Fid: f.num, Name: name, Perm: perm, Mode: mode})
	if err != nil {
		return err
	}
	r, ok := m.(*Rcreate)
	if !ok {
		return fmt.Errorf("create: unexpected %s", MsgName(m))
	}
	f.qid = r.Qid
	f.iounit = r.Iounit
	return nil
}

// Read reads up to len(p) bytes at offset. A zero count with nil error
// means end of file.
func (f *Fid) Read(p []byte, offset uint64) (int, error) {
	count := uint32(len(p))
	if limit := f.ioChunk(); count > limit {
		count = limit
	}
	m, err := f.c.rpc(&Tread{Fid: f.num, Offset: offset, Count: count})
	if err != nil {
		return 0, err
	}
	r, ok := m.(*Rread)
	if !ok {
		return 0, fmt.Errorf("read: unexpected %s", MsgName(m))
	}
	return copy(p, r.Data), nil
}

// ReadAll reads from offset zero until the server reports end of file.
func (f *Fid) ReadAll() ([]byte, error) {
	var out []byte
	buf := make([]byte, f.ioChunk())
	var off uint64
	for {
		n, err := f.Read(buf, off)
		if err != nil {
			return out, err
		}
		if n == 0 {
			return out, nil
		}
		out = append(out, buf[:n]...)
		off += uint64(n)
	}
}

// Write writes p at offset, splitting into iounit-sized pieces.
func (f *Fid) Write(p []byte, offset uint64) (int, error) {
	var done int
	chunk := int(f.ioChunk())
	for done < len(p) {
		piece := p[done:]
		if len(piece) > chunk {
			piece = piece[:chunk]
		}
		m, err := f.c.rpc(&Twrite{Fid: f.num, Offset: offset + uint64(done), Data: piece})
		if err != nil {
			return done, err
		}
		r, ok := m.(*Rwrite)
		if !ok {
			return done, fmt.Errorf("write: unexpected %s", MsgName(m))
		}
		done += int(r.Count)
		if r.Count == 0 {
			return done, io.ErrShortWrite
		}
	}
	return done, nil
}

// WriteString writes s at offset zero, the shape of every ctl command.
func (f *Fid) WriteString(s string) error {
	_, err := f.Write([]byte(s), 0)
	return err
}

// Clunk releases the fid.
func (f *Fid) Clunk() error {
	_, err := f.c.rpc(&Tclunk{Fid: f.num})
	return err
}

// Remove removes the file and releases the fid.
func (f *Fid) Remove() error {
	_, err := f.c.rpc(&Tremove{Fid: f.num})
	return err
}

// Stat fetches the fid's directory entry.
func (f *Fid) Stat() (Stat, error) {
	m, err := f.c.rpc(&Tstat{Fid: f.num})
	if err != nil {
		return Stat{}, err
	}
	r, ok := m.(*Rstat)
	if !ok {
		return Stat{}, fmt.Errorf("stat: unexpected %s", MsgName(m))
	}
	return r.Stat, nil
}

// Wstat updates the fields of st not left at their "don't touch"
// values.
func (f *Fid) Wstat(st Stat) error {
	_, err := f.c.rpc(&Twstat{Fid: f.num, Stat: st})
	return err
}

// ReadDir reads a directory fid to the end and decodes its entries.
func (f *Fid) ReadDir() ([]Stat, error) {
	data, err := f.ReadAll()
	if err != nil {
		return nil, err
	}
	var out []Stat
	for len(data) > 0 {
		st, n, err := UnmarshalStat(data)
		if err != nil {
			return nil, fmt.Errorf("directory entry %d: %w", len(out), err)
		}
		out = append(out, st)
		data = data[n:]
	}
	return out, nil
}
