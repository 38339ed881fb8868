package ninep

import (
	"encoding/binary"
	"fmt"
	"io"
)

// 9P2000 is little-endian on the wire.
var order = binary.LittleEndian

type encoder struct {
	b []byte
}

func (e *encoder) u8(v uint8)   { e.b = append(e.b, v) }
func (e *encoder) u16(v uint16) { e.b = order.AppendUint16(e.b, v) }
func (e *encoder) u32(v uint32) { e.b = order.AppendUint32(e.b, v) }
func (e *encoder) u64(v uint64) { e.b = order.AppendUint64(e.b, v) }

func (e *encoder) str(s string) {
	e.u16(uint16(len(s)))
	e.b = append(e.b, s...)
}

// blob writes a count-prefixed byte field (data[count]).
func (e *encoder) blob(p []byte) {
	e.u32(uint32(len(p)))
	e.b = append(e.b, p...)
}

// raw writes bytes with no prefix.
func (e *encoder) raw(p []byte) { e.b = append(e.b, p...) }

func (e *encoder) qid(q Qid) {
	e.u8(q.Type)
	e.u32(q.Vers)
	e.u64(q.Path)
}

// decoder consumes a message body, going sticky on the first error so
// per-field code stays unconditional.
type decoder struct {
	b   []byte
	off int
	err error
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.off+n > len(d.b) {
		d.fail(io.ErrUnexpectedEOF)
		return nil
	}
	p := d.b[d.off : d.off+n]
	d.off += n
	return p
}

func (d *decoder) u8() uint8 {
	p := d.take(1)
	if p == nil {
		return 0
	}
	return p[0]
}

func (d *decoder) u16() uint16 {
	p := d.take(2)
	if p == nil {
		return 0
	}
	return order.Uint16(p)
}

func (d *decoder) u32() uint32 {
	p := d.take(4)
	if p == nil {
		return 0
	}
	return order.Uint32(p)
}

func (d *decoder) u64() uint64 {
	p := d.take(8)
	if p == nil {
		return 0
	}
	return order.Uint64(p)
}

func (d *decoder) str() string {
	n := int(d.u16())
	return string(d.take(n))
}

func (d *decoder) blob() []byte {
	n := int(d.u32())
	if n == 0 {
		return nil
	}
	p := d.take(n)
	if p == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, p)
	return out
}

func (d *decoder) qid() Qid {
	return Qid{Type: d.u8(), Vers: d.u32(), Path: d.u64()}
}

// WriteMessage frames and writes one message: size[4] type[1] tag[2] body.
func WriteMessage(w io.Writer, tag uint16, m Msg) error {
	e := encoder{b: make([]byte, 7, 64)}
	e.b[4] = m.msgType()
	order.PutUint16(e.b[5:7], tag)
	m.encodeTo(&e)
	order.PutUint32(e.b[0:4], uint32(len(e.b)))
	if _, err := w.Write(e.b); err != nil {
		return fmt.Errorf("write %s: %w", MsgName(m), err)
	}
	return nil
}

// ReadMessage reads one framed message, refusing frames larger than max.
func ReadMessage(r io.Reader, max uint32) (Msg, uint16, error) {
	var hdr [7]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, 0, err
	}
	size := order.Uint32(hdr[0:4])
	if size < 7 {
		return nil, 0, fmt.Errorf("message size %d below minimum", size)
	}
	if max > 0 && size > max {
		return nil, 0, fmt.Errorf("message size %d exceeds msize %d", size, max)
	}
	typ := hdr[4]
	tag := order.Uint16(hdr[5:7])
	body := make([]byte, size-7)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, tag, fmt.Errorf("read %d message body: %w", typ, err)
	}
	m, err := newMessage(typ)
	if err != nil {
		return nil, tag, err
	}
	d := decoder{b: body}
	m.decodeFrom(&d)
	if d.err != nil {
		return nil, tag, fmt.Errorf("decode %s: %w", MsgName(m), d.err)
	}
	if d.off != len(d.b) {
		return nil, tag, fmt.Errorf("decode %s: %d trailing bytes", MsgName(m), len(d.b)-d.off)
	}
	return m, tag, nil
}

// AppendStat appends the wire form of st, including its leading size
// field, and returns the extended slice. Directory reads are built by
// appending one stat per entry.
func AppendStat(b []byte, st Stat) []byte {
	e := encoder{b: b}
	mark := len(e.b)
	e.u16(0) // patched below
	e.u16(st.Type)
	e.u32(st.Dev)
	e.qid(st.Qid)
	e.u32(st.Mode)
	e.u32(st.Atime)
	e.u32(st.Mtime)
	e.u64(st.Length)
	e.str(st.Name)
	e.str(st.Uid)
	e.str(st.Gid)
	e.str(st.Muid)
	order.PutUint16(e.b[mark:mark+2], uint16(len(e.b)-mark-2))
	return e.b
}

// UnmarshalStat decodes one size-prefixed stat from b and returns it
// with the number of bytes consumed.
func UnmarshalStat(b []byte) (Stat, int, error) {
	d := decoder{b: b}
	n := int(d.u16())
	if d.err != nil || d.off+n > len(b) {
		return Stat{}, 0, io.ErrUnexpectedEOF
	}
	d.b = b[:d.off+n]
	st := Stat{
		Type:   d.u16(),
		Dev:    d.u32(),
		Qid:    d.qid(),
		Mode:   d.u32(),
		Atime:  d.u32(),
		Mtime:  d.u32(),
		Length: d.u64(),
		Name:   d.str(),
		Uid:    d.str(),
		Gid:    d.str(),
		Muid:   d.str(),
	}
	if d.err != nil {
		return Stat{}, 0, fmt.Errorf("decode stat: %w", d.err)
	}
	return st, 2 + n, nil
}
