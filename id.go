package settings

import (
	"github.com/oklog/ulid/v2"
)

// OriginTag is a caller-defined opaque identity token attached to a
// mutation, handed back unchanged in change notifications so a caller
// can recognize its own writes. The core never validates, inspects, or
// dereferences it (§9) — Go's any makes that "don't look inside"
// contract explicit.
//
// As with the original, a tag's identity is only trustworthy for
// watches registered with a nil Context. With a Context, the tag may
// be observed on a different goroutine than the one that produced it,
// possibly after its original owner was reclaimed and its identity
// reused for something unrelated.
type OriginTag = any

// Id is a time-sortable 16-byte identifier, grounded on the teacher's
// ulid-backed Id type. It is convenient — not required — as a concrete
// OriginTag or watch-target handle when a caller wants one that
// survives being copied into a dispatch closure and compared later.
type Id [16]byte

// NewId returns a new Id ordered after any Id previously returned by
// this process (ulid.Make is monotonic within a millisecond).
func NewId() Id {
	return Id(ulid.Make())
}

// String renders the canonical ULID text form.
func (id Id) String() string {
	return ulid.ULID(id).String()
}

// LessThan reports whether id sorts before other; Ids generated by
// NewId within the same process are strictly ordered by creation time.
func (id Id) LessThan(other Id) bool {
	return ulid.ULID(id).Compare(ulid.ULID(other)) < 0
}

// ParseId parses the canonical ULID text form produced by String.
func ParseId(s string) (Id, error) {
	u, err := ulid.ParseStrict(s)
	if err != nil {
		return Id{}, err
	}
	return Id(u), nil
}
