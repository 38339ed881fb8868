package tree

import (
	"context"
	"fmt"

	"github.com/grovedb/grove/internal/object"
	"github.com/grovedb/grove/internal/store"
)

// EditOp enumerates tree edits.
type EditOp uint8

const (
	OpPut EditOp = iota + 1
	OpRemove
	OpMkdir
	OpChmod
	OpSymlink
)

func (op EditOp) String() string {
	switch op {
	case OpPut:
		return "put"
	case OpRemove:
		return "remove"
	case OpMkdir:
		return "mkdir"
	case OpChmod:
		return "chmod"
	case OpSymlink:
		return "symlink"
	default:
		return fmt.Sprintf("op(%d)", op)
	}
}

// Edit is one declarative tree change. Content is used by OpPut and holds
// the link target for OpSymlink; Exec is used by OpPut and OpChmod.
type Edit struct {
	Op      EditOp
	Path    string
	Content []byte
	Exec    bool
}

// Apply plays edits in order over the tree at base and returns the new
// root digest. Edits touching disjoint paths commute: the result digest
// does not depend on their order.
func Apply(ctx context.Context, s store.Store, base object.Digest, edits []Edit) (object.Digest, error) {
	st, err := NewStage(ctx, s, base)
	if err != nil {
		return object.Undef, err
	}
	for _, e := range edits {
		var err error
		switch e.Op {
		case OpPut:
			err = st.Put(ctx, e.Path, e.Content, e.Exec)
		case OpRemove:
			err = st.Remove(ctx, e.Path)
		case OpMkdir:
			err = st.Mkdir(ctx, e.Path)
		case OpChmod:
			err = st.Chmod(ctx, e.Path, e.Exec)
		case OpSymlink:
			err = st.Symlink(ctx, e.Path, string(e.Content))
		default:
			err = fmt.Errorf("unknown edit op %d", e.Op)
		}
		if err != nil {
			return object.Undef, fmt.Errorf("%s %s: %w", e.Op, e.Path, err)
		}
	}
	return st.Root(ctx)
}
