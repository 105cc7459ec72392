// Package phase parses and normalizes dotted phase identifiers.
//
// A phase id is one or more dot-separated non-negative integers ("3", "2.1",
// "11.1.1"). The canonical form zero-pads the leading segment to two digits
// ("03", "02.1") and is what directory names and progress tables use. Lookups
// accept either form so older artifacts keep resolving.
package phase

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidID is returned when a string is not a dotted numeric phase id.
var ErrInvalidID = errors.New("invalid phase id")

// ID is a parsed phase identifier. The zero value is not a valid id.
type ID struct {
	parts []int
}

// Parse parses s into an ID. Leading zeros and surrounding whitespace are
// tolerated, so "3", "03" and " 03 " all parse to the same id.
func Parse(s string) (ID, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return ID{}, fmt.Errorf("%w: empty", ErrInvalidID)
	}
	segments := strings.Split(trimmed, ".")
	parts := make([]int, 0, len(segments))
	for _, seg := range segments {
		if seg == "" {
			return ID{}, fmt.Errorf("%w: %q", ErrInvalidID, s)
		}
		n, err := strconv.Atoi(seg)
		if err != nil || n < 0 {
			return ID{}, fmt.Errorf("%w: %q", ErrInvalidID, s)
		}
		parts = append(parts, n)
	}
	return ID{parts: parts}, nil
}

// FromInt returns the id for a whole-numbered phase.
func FromInt(n int) ID {
	return ID{parts: []int{n}}
}

// IsZero reports whether id was never parsed.
func (id ID) IsZero() bool {
	return len(id.parts) == 0
}

// Major returns the leading segment.
func (id ID) Major() int {
	if id.IsZero() {
		return 0
	}
	return id.parts[0]
}

// String returns the unpadded form ("2.1").
func (id ID) String() string {
	return id.format(false)
}

// Canonical returns the zero-padded form ("02.1").
func (id ID) Canonical() string {
	return id.format(true)
}

func (id ID) format(pad bool) string {
	if id.IsZero() {
		return ""
	}
	segs := make([]string, len(id.parts))
	for i, p := range id.parts {
		if i == 0 && pad {
			segs[i] = fmt.Sprintf("%02d", p)
			continue
		}
		segs[i] = strconv.Itoa(p)
	}
	return strings.Join(segs, ".")
}

// Compare orders ids numerically segment by segment. A prefix sorts before
// its extensions, so 2 < 2.1 < 2.1.1 < 3.
func (id ID) Compare(other ID) int {
	for i := 0; i < len(id.parts) && i < len(other.parts); i++ {
		switch {
		case id.parts[i] < other.parts[i]:
			return -1
		case id.parts[i] > other.parts[i]:
			return 1
		}
	}
	switch {
	case len(id.parts) < len(other.parts):
		return -1
	case len(id.parts) > len(other.parts):
		return 1
	}
	return 0
}

// Equal reports whether both ids denote the same phase.
func (id ID) Equal(other ID) bool {
	return !id.IsZero() && id.Compare(other) == 0
}

// InRange reports whether the id's major segment lies in [start, end].
// Decimal phases belong to the range of their major phase.
func (id ID) InRange(start, end int) bool {
	m := id.Major()
	return !id.IsZero() && m >= start && m <= end
}

// Matches reports whether two textual ids resolve to the same phase,
// regardless of padding. Unparseable input falls back to string equality.
func Matches(a, b string) bool {
	ia, errA := Parse(a)
	ib, errB := Parse(b)
	if errA != nil || errB != nil {
		return strings.TrimSpace(a) == strings.TrimSpace(b)
	}
	return ia.Equal(ib)
}

// MarshalText implements encoding.TextMarshaler using the canonical form.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.Canonical()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
