package ninep

import "fmt"

// Tversion negotiates the protocol version and maximum message size.
type Tversion struct {
	Msize   uint32
	Version string
}

// Rversion is the server's side of the negotiation.
type Rversion struct {
	Msize   uint32
	Version string
}

// Tauth asks for an authentication fid. This server does not
// authenticate; it always answers with Rerror.
type Tauth struct {
	Afid  uint32
	Uname string
	Aname string
}

// Rauth carries the qid of the authentication file.
type Rauth struct {
	Aqid Qid
}

// Tattach establishes a fid for the root of the tree.
type Tattach struct {
	Fid   uint32
	Afid  uint32
	Uname string
	Aname string
}

// Rattach carries the root's qid.
type Rattach struct {
	Qid Qid
}

// Rerror is the reply to any request that failed.
type Rerror struct {
	Ename string
}

// Tflush asks the server to forget an outstanding request.
type Tflush struct {
	Oldtag uint16
}

// Rflush confirms the flush.
type Rflush struct{}

// Twalk walks Names from Fid, associating the result with Newfid.
type Twalk struct {
	Fid    uint32
	Newfid uint32
	Names  []string
}

// Rwalk carries one qid per walked element; fewer than requested means
// the walk stopped at the first failure.
type Rwalk struct {
	Qids []Qid
}

// Topen prepares a fid for I/O.
type Topen struct {
	Fid  uint32
	Mode uint8
}

// Ropen confirms the open.
type Ropen struct {
	Qid    Qid
	Iounit uint32
}

// Tcreate creates Name in the directory Fid and opens it.
type Tcreate struct {
	Fid  uint32
	Name string
	Perm uint32
	Mode uint8
}

// Rcreate confirms the create.
type Rcreate struct {
	Qid    Qid
	Iounit uint32
}

// Tread asks for Count bytes at Offset.
type Tread struct {
	Fid    uint32
	Offset uint64
	Count  uint32
}

// Rread carries the bytes read.
type Rread struct {
	Data []byte
}

// Twrite writes Data at Offset.
type Twrite struct {
	Fid    uint32
	Offset uint64
	Data   []byte
}

// Rwrite reports how many bytes were written.
type Rwrite struct {
	Count uint32
}

// Tclunk releases a fid.
type Tclunk struct {
	Fid uint32
}

// Rclunk confirms the clunk.
type Rclunk struct{}

// Tremove removes the file a fid refers to and clunks the fid.
type Tremove struct {
	Fid uint32
}

// Rremove confirms the remove.
type Rremove struct{}

// Tstat asks for a fid's directory entry.
type Tstat struct {
	Fid uint32
}

// Rstat carries the entry.
type Rstat struct {
	Stat Stat
}

// Twstat changes a fid's directory entry.
type Twstat struct {
	Fid  uint32
	Stat Stat
}

// Rwstat confirms the wstat.
type Rwstat struct{}

func (*Tversion) msgType() uint8 { return msgTversion }
func (*Rversion) msgType() uint8 { return msgRversion }
func (*Tauth) msgType() uint8    { return msgTauth }
func (*Rauth) msgType() uint8    { return msgRauth }
func (*Tattach) msgType() uint8  { return msgTattach }
func (*Rattach) msgType() uint8  { return msgRattach }
func (*Rerror) msgType() uint8   { return msgRerror }
func (*Tflush) msgType() uint8   { return msgTflush }
func (*Rflush) msgType() uint8   { return msgRflush }
func (*Twalk) msgType() uint8    { return msgTwalk }
func (*Rwalk) msgType() uint8    { return msgRwalk }
func (*Topen) msgType() uint8    { return msgTopen }
func (*Ropen) msgType() uint8    { return msgRopen }
func (*Tcreate) msgType() uint8  { return msgTcreate }
func (*Rcreate) msgType() uint8  { return msgRcreate }
func (*Tread) msgType() uint8    { return msgTread }
func (*Rread) msgType() uint8    { return msgRread }
func (*Twrite) msgType() uint8   { return msgTwrite }
func (*Rwrite) msgType() uint8   { return msgRwrite }
func (*Tclunk) msgType() uint8   { return msgTclunk }
func (*Rclunk) msgType() uint8   { return msgRclunk }
func (*Tremove) msgType() uint8  { return msgTremove }
func (*Rremove) msgType() uint8  { return msgRremove }
func (*Tstat) msgType() uint8    { return msgTstat }
func (*Rstat) msgType() uint8    { return msgRstat }
func (*Twstat) msgType() uint8   { return msgTwstat }
func (*Rwstat) msgType() uint8   { return msgRwstat }

func (m *Tversion) encodeTo(e *encoder) { e.u32(m.Msize); e.str(m.Version) }
func (m *Tversion) decodeFrom(d *decoder) {
	m.Msize = d.u32()
	m.Version = d.str()
}

func (m *Rversion) encodeTo(e *encoder) { e.u32(m.Msize); e.str(m.Version) }
func (m *Rversion) decodeFrom(d *decoder) {
	m.Msize = d.u32()
	m.Version = d.str()
}

func (m *Tauth) encodeTo(e *encoder) { e.u32(m.Afid); e.str(m.Uname); e.str(m.Aname) }
func (m *Tauth) decodeFrom(d *decoder) {
	m.Afid = d.u32()
	m.Uname = d.str()
	m.Aname = d.str()
}

func (m *Rauth) encodeTo(e *encoder)   { e.qid(m.Aqid) }
func (m *Rauth) decodeFrom(d *decoder) { m.Aqid = d.qid() }

func (m *Tattach) encodeTo(e *encoder) {
	e.u32(m.Fid)
	e.u32(m.Afid)
	e.str(m.Uname)
	e.str(m.Aname)
}
func (m *Tattach) decodeFrom(d *decoder) {
	m.Fid = d.u32()
	m.Afid = d.u32()
	m.Uname = d.str()
	m.Aname = d.str()
}

func (m *Rattach) encodeTo(e *encoder)   { e.qid(m.Qid) }
func (m *Rattach) decodeFrom(d *decoder) { m.Qid = d.qid() }

func (m *Rerror) encodeTo(e *encoder)   { e.str(m.Ename) }
func (m *Rerror) decodeFrom(d *decoder) { m.Ename = d.str() }

func (m *Tflush) encodeTo(e *encoder)   { e.u16(m.Oldtag) }
func (m *Tflush) decodeFrom(d *decoder) { m.Oldtag = d.u16() }

func (m *Rflush) encodeTo(*encoder)   {}
func (m *Rflush) decodeFrom(*decoder) {}

func (m *Twalk) encodeTo(e *encoder) {
	e.u32(m.Fid)
	e.u32(m.Newfid)
	e.u16(uint16(len(m.Names)))
	for _, name := range m.Names {
		e.str(name)
	}
}
func (m *Twalk) decodeFrom(d *decoder) {
	m.Fid = d.u32()
	m.Newfid = d.u32()
	n := int(d.u16())
	if n > MaxWelem {
		d.fail(fmt.Errorf("walk of %d elements exceeds %d", n, MaxWelem))
		return
	}
	for i := 0; i < n; i++ {
		m.Names = append(m.Names, d.str())
	}
}

func (m *Rwalk) encodeTo(e *encoder) {
	e.u16(uint16(len(m.Qids)))
	for _, q := range m.Qids {
		e.qid(q)
	}
}
func (m *Rwalk) decodeFrom(d *decoder) {
	n := int(d.u16())
	if n > MaxWelem {
		d.fail(fmt.Errorf("walk reply of %d qids exceeds %d", n, MaxWelem))
		return
	}
	for i := 0; i < n; i++ {
		m.Qids = append(m.Qids, d.qid())
	}
}

func (m *Topen) encodeTo(e *encoder) { e.u32(m.Fid); e.u8(m.Mode) }
func (m *Topen) decodeFrom(d *decoder) {
	m.Fid = d.u32()
	m.Mode = d.u8()
}

func (m *Ropen) encodeTo(e *encoder) { e.qid(m.Qid); e.u32(m.Iounit) }
func (m *Ropen) decodeFrom(d *decoder) {
	m.Qid = d.qid()
	m.Iounit = d.u32()
}

func (m *Tcreate) encodeTo(e *encoder) {
	e.u32(m.Fid)
	e.str(m.Name)
	e.u32(m.Perm)
	e.u8(m.Mode)
}
func (m *Tcreate) decodeFrom(d *decoder) {
	m.Fid = d.u32()
	m.Name = d.str()
	m.Perm = d.u32()
	m.Mode = d.u8()
}

func (m *Rcreate) encodeTo(e *encoder) { e.qid(m.Qid); e.u32(m.Iounit) }
func (m *Rcreate) decodeFrom(d *decoder) {
	m.Qid = d.qid()
	m.Iounit = d.u32()
}

func (m *Tread) encodeTo(e *encoder) {
	e.u32(m.Fid)
	e.u64(m.Offset)
	e.u32(m.Count)
}
func (m *Tread) decodeFrom(d *decoder) {
	m.Fid = d.u32()
	m.Offset = d.u64()
	m.Count = d.u32()
}

func (m *Rread) encodeTo(e *encoder)   { e.blob(m.Data) }
func (m *Rread) decodeFrom(d *decoder) { m.Data = d.blob() }

func (m *Twrite) encodeTo(e *encoder) {
	e.u32(m.Fid)
	e.u64(m.Offset)
	e.blob(m.Data)
}
func (m *Twrite) decodeFrom(d *decoder) {
	m.Fid = d.u32()
	m.Offset = d.u64()
	m.Data = d.blob()
}

func (m *Rwrite) encodeTo(e *encoder)   { e.u32(m.Count) }
func (m *Rwrite) decodeFrom(d *decoder) { m.Count = d.u32() }

func (m *Tclunk) encodeTo(e *encoder)   { e.u32(m.Fid) }
func (m *Tclunk) decodeFrom(d *decoder) { m.Fid = d.u32() }

func (m *Rclunk) encodeTo(*encoder)   {}
func (m *Rclunk) decodeFrom(*decoder) {}

func (m *Tremove) encodeTo(e *encoder)   { e.u32(m.Fid) }
func (m *Tremove) decodeFrom(d *decoder) { m.Fid = d.u32() }

func (m *Rremove) encodeTo(*encoder)   {}
func (m *Rremove) decodeFrom(*decoder) {}

func (m *Tstat) encodeTo(e *encoder)   { e.u32(m.Fid) }
func (m *Tstat) decodeFrom(d *decoder) { m.Fid = d.u32() }

// Rstat and Twstat carry stat[n]: a two-byte count followed by the stat
// bytes, which begin with their own size field.
func (m *Rstat) encodeTo(e *encoder) {
	st := AppendStat(nil, m.Stat)
	e.u16(uint16(len(st)))
	e.raw(st)
}
func (m *Rstat) decodeFrom(d *decoder) {
	n := int(d.u16())
	b := d.take(n)
	if d.err != nil {
		return
	}
	st, _, err := UnmarshalStat(b)
	if err != nil {
		d.fail(err)
		return
	}
	m.Stat = st
}

func (m *Twstat) encodeTo(e *encoder) {
	e.u32(m.Fid)
	st := AppendStat(nil, m.Stat)
	e.u16(uint16(len(st)))
	e.raw(st)
}
func (m *Twstat) decodeFrom(d *decoder) {
	m.Fid = d.u32()
	n := int(d.u16())
	b := d.take(n)
	if d.err != nil {
		return
	}
	st, _, err := UnmarshalStat(b)
	if err != nil {
		d.fail(err)
		return
	}
	m.Stat = st
}

func (m *Rwstat) encodeTo(*encoder)   {}
func (m *Rwstat) decodeFrom(*decoder) {}

// newMessage returns an empty message for a wire type byte. Terror and
// anything outside the 9P2000 set is refused.
func newMessage(typ uint8) (Msg, error) {
	switch typ {
	case msgTversion:
		return &Tversion{}, nil
	case msgRversion:
		return &Rversion{}, nil
	case msgTauth:
		return &Tauth{}, nil
	case msgRauth:
		return &Rauth{}, nil
	case msgTattach:
		return &Tattach{}, nil
	case msgRattach:
		return &Rattach{}, nil
	case msgRerror:
		return &Rerror{}, nil
	case msgTflush:
		return &Tflush{}, nil
	case msgRflush:
		return &Rflush{}, nil
	case msgTwalk:
		return &Twalk{}, nil
	case msgRwalk:
		return &Rwalk{}, nil
	case msgTopen:
		return &Topen{}, nil
	case msgRopen:
		return &Ropen{}, nil
	case msgTcreate:
		return &Tcreate{}, nil
	case msgRcreate:
		return &Rcreate{}, nil
	case msgTread:
		return &Tread{}, nil
	case msgRread:
		return &Rread{}, nil
	case msgTwrite:
		return &Twrite{}, nil
	case msgRwrite:
		return &Rwrite{}, nil
	case msgTclunk:
		return &Tclunk{}, nil
	case msgRclunk:
		return &Rclunk{}, nil
	case msgTremove:
		return &Tremove{}, nil
	case msgRremove:
		return &Rremove{}, nil
	case msgTstat:
		return &Tstat{}, nil
	case msgRstat:
		return &Rstat{}, nil
	case msgTwstat:
		return &Twstat{}, nil
	case msgRwstat:
		return &Rwstat{}, nil
	}
	return nil, fmt.Errorf("unknown message type %d", typ)
}
