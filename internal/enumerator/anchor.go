package enumerator

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"
)

// Anchor marks the state of one container as of an enumeration. Anchors of a
// container strictly increase with every successful enumeration; an anchor is
// never meaningful for another container.
type Anchor struct {
	Container string
	Seq       uint64
}

// ParseAnchor decodes the text form "<seq>@<container>". An empty string is
// the zero anchor.
func ParseAnchor(s string) (Anchor, error) {
	var a Anchor
	err := a.UnmarshalText([]byte(s))
	return a, err
}

// Next returns the anchor following a.
func (a Anchor) Next() Anchor {
	a.Seq++
	return a
}

// Compare orders anchors of the same container by sequence.
func (a Anchor) Compare(b Anchor) int {
	return cmp.Compare(a.Seq, b.Seq)
}

func (a Anchor) String() string {
	return strconv.FormatUint(a.Seq, 10) + "@" + a.Container
}

// MarshalText implements encoding.TextMarshaler.
func (a Anchor) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Anchor) UnmarshalText(b []byte) error {
	s := string(b)
	if s == "" {
		*a = Anchor{}
		return nil
	}
	seq, container, ok := strings.Cut(s, "@")
	if !ok {
		return fmt.Errorf("anchor %q: missing container", s)
	}
	n, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return fmt.Errorf("anchor %q: %w", s, err)
	}
	*a = Anchor{Container: container, Seq: n}
	return nil
}
