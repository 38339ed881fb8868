// Package ninep implements the 9P2000 wire protocol: message types, the
// size-prefixed little-endian codec, stat marshalling and a small
// synchronous client. The server side lives in internal/server; this
// package knows nothing about the namespace it transports.
package ninep

const (
	// Version is the protocol version this package speaks.
	Version = "9P2000"
	// VersionUnknown is the reply to a version the server does not speak.
	VersionUnknown = "unknown"

	// NoTag is the tag of a Tversion request.
	NoTag uint16 = 0xFFFF
	// NoFid marks an unused fid field, such as Tattach.Afid.
	NoFid uint32 = ^uint32(0)

	// MaxWelem is the most walk elements one Twalk may carry.
	MaxWelem = 16

	// IOHdrSize is the worst-case fixed overhead of a read or write
	// message, used to derive iounit from msize.
	IOHdrSize = 24

	// DefaultMsize is the msize offered when the caller has no opinion.
	DefaultMsize = 1024 * 1024
	// MinMsize is the smallest msize either side may negotiate.
	MinMsize = 4096
)

// Message type bytes. Terror (106) is illegal on the wire and has no
// constant here.
const (
	msgTversion uint8 = 100
	msgRversion uint8 = 101
	msgTauth    uint8 = 102
	msgRauth    uint8 = 103
	msgTattach  uint8 = 104
	msgRattach  uint8 = 105
	msgRerror   uint8 = 107
	msgTflush   uint8 = 108
	msgRflush   uint8 = 109
	msgTwalk    uint8 = 110
	msgRwalk    uint8 = 111
	msgTopen    uint8 = 112
	msgRopen    uint8 = 113
	msgTcreate  uint8 = 114
	msgRcreate  uint8 = 115
	msgTread    uint8 = 116
	msgRread    uint8 = 117
	msgTwrite   uint8 = 118
	msgRwrite   uint8 = 119
	msgTclunk   uint8 = 120
	msgRclunk   uint8 = 121
	msgTremove  uint8 = 122
	msgRremove  uint8 = 123
	msgTstat    uint8 = 124
	msgRstat    uint8 = 125
	msgTwstat   uint8 = 126
	msgRwstat   uint8 = 127
)

// Open modes.
const (
	OREAD  uint8 = 0
	OWRITE uint8 = 1
	ORDWR  uint8 = 2
	OEXEC  uint8 = 3
	OTRUNC uint8 = 0x10
)

// Qid type bits.
const (
	QTFILE uint8 = 0x00
	QTDIR  uint8 = 0x80
)

// Permission bits beyond the Unix nine.
const (
	DMDIR uint32 = 0x80000000
)

// Wstat requests leave fields they do not change at these values.
const (
	NoValue16 = ^uint16(0)
	NoValue32 = ^uint32(0)
	NoValue64 = ^uint64(0)
)

// Qid identifies a file: Path unique per file, Vers bumped on change,
// Type carrying the QT bits.
type Qid struct {
	Type uint8
	Vers uint32
	Path uint64
}

// Stat is the machine-independent directory entry. On the wire it is
// preceded by its own two-byte size.
type Stat struct {
	Type   uint16
	Dev    uint32
	Qid    Qid
	Mode   uint32
	Atime  uint32
	Mtime  uint32
	Length uint64
	Name   string
	Uid    string
	Gid    string
	Muid   string
}

// EmptyStat returns a Stat with every field at its "don't touch" value,
// the starting point for building a Twstat.
func EmptyStat() Stat {
	return Stat{
		Type:   NoValue16,
		Dev:    NoValue32,
		Qid:    Qid{Type: ^uint8(0), Vers: NoValue32, Path: NoValue64},
		Mode:   NoValue32,
		Atime:  NoValue32,
		Mtime:  NoValue32,
		Length: NoValue64,
	}
}

// RemoteError is an Rerror ename reported by the other side.
type RemoteError string

func (e RemoteError) Error() string { return string(e) }

// Msg is one 9P2000 message body. Tags travel in the framing, not in
// the message.
type Msg interface {
	msgType() uint8
	encodeTo(e *encoder)
	decodeFrom(d *decoder)
}

// MsgName returns the conventional name of a message for logs.
func MsgName(m Msg) string {
	switch m.msgType() {
	case msgTversion:
		return "Tversion"
	case msgRversion:
		return "Rversion"
	case msgTauth:
		return "Tauth"
	case msgRauth:
		return "Rauth"
	case msgTattach:
		return "Tattach"
	case msgRattach:
		return "Rattach"
	case msgRerror:
		return "Rerror"
	case msgTflush:
		return "Tflush"
	case msgRflush:
		return "Rflush"
	case msgTwalk:
		return "Twalk"
	case msgRwalk:
		return "Rwalk"
	case msgTopen:
		return "Topen"
	case msgRopen:
		return "Ropen"
	case msgTcreate:
		return "Tcreate"
	case msgRcreate:
		return "Rcreate"
	case msgTread:
		return "Tread"
	case msgRread:
		return "Rread"
	case msgTwrite:
		return "Twrite"
	case msgRwrite:
		return "Rwrite"
	case msgTclunk:
		return "Tclunk"
	case msgRclunk:
		return "Rclunk"
	case msgTremove:
		return "Tremove"
	case msgRremove:
		return "Rremove"
	case msgTstat:
		return "Tstat"
	case msgRstat:
		return "Rstat"
	case msgTwstat:
		return "Twstat"
	case msgRwstat:
		return "Rwstat"
	}
	return "unknown"
}
