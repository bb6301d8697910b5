// Package identifier translates between opaque item identifiers and the
// account-scoped remote and local paths they name.
//
// An identifier has the form "<account segment>/<path segments...>". A trailing
// slash marks a container. Nothing in this package performs I/O.
package identifier

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Root is the identifier of the synthetic container that holds one child per
// account. It never parses as an account identifier.
const Root = "/"

// ErrMalformed is returned when an identifier has no account segment.
var ErrMalformed = errors.New("malformed identifier")

// ID is a parsed identifier: the account token and the remote path within it.
type ID struct {
	Account   string
	Path      string // always starts with "/"
	Container bool
}

// Parse splits an identifier into its account segment and remote path.
// Empty segments are discarded, so "a//b" and "a/b" name the same path.
func Parse(id string) (ID, error) {
	crumbs := splitCrumbs(id)
	if len(crumbs) == 0 || crumbs[0] == "" {
		return ID{}, fmt.Errorf("%w: %q", ErrMalformed, id)
	}

	parsed := ID{
		Account:   crumbs[0],
		Path:      "/" + strings.Join(crumbs[1:], "/"),
		Container: strings.HasSuffix(id, "/") || len(crumbs) == 1,
	}
	return parsed, nil
}

// String renders the identifier. Account roots always carry a trailing slash.
func (id ID) String() string {
	if id.Path == "/" {
		return id.Account + "/"
	}
	s := id.Account + id.Path
	if id.Container {
		s += "/"
	}
	return s
}

// IsRoot reports whether the identifier names an account root.
func (id ID) IsRoot() bool {
	return id.Path == "/"
}

// Name returns the last path segment, or the account segment for an account root.
func (id ID) Name() string {
	if id.IsRoot() {
		return id.Account
	}
	return id.Path[strings.LastIndex(id.Path, "/")+1:]
}

// Dir returns the remote directory holding the identifier, ending with "/".
func (id ID) Dir() string {
	crumbs := splitCrumbs(id.Path)
	if len(crumbs) > 0 {
		crumbs = crumbs[:len(crumbs)-1]
	}
	dir := "/" + strings.Join(crumbs, "/")
	if !strings.HasSuffix(dir, "/") {
		dir += "/"
	}
	return dir
}

// Parent returns the identifier of the containing container. The parent of an
// account root is Root.
func (id ID) Parent() string {
	if id.IsRoot() {
		return Root
	}
	return id.Account + id.Dir()
}

// PathForIdentifier returns the remote path named by id. It returns "" when the
// account segment is missing.
func PathForIdentifier(id string) string {
	parsed, err := Parse(id)
	if err != nil {
		return ""
	}
	return parsed.Path
}

// ContainingDirectory returns the remote directory that holds id. The result
// always ends with "/", and the root's parent is the root. A malformed id
// yields "/".
func ContainingDirectory(id string) string {
	parsed, err := Parse(id)
	if err != nil {
		return "/"
	}
	return parsed.Dir()
}

// Name returns the last segment of id.
func Name(id string) string {
	parsed, err := Parse(id)
	if err != nil {
		return ""
	}
	return parsed.Name()
}

// Parent returns the identifier of the container holding id, or "" when id is
// malformed.
func Parent(id string) string {
	parsed, err := Parse(id)
	if err != nil {
		return ""
	}
	return parsed.Parent()
}

// IsContainer reports whether id names a container.
func IsContainer(id string) bool {
	return id == Root || strings.HasSuffix(id, "/")
}

// AccountSegment formats the account token used as the first identifier
// segment. Slashes are replaced so the token stays a single segment.
func AccountSegment(username, hostname string, port int) string {
	if username == "" && hostname == "" {
		return ""
	}
	segment := fmt.Sprintf("%s (%s:%d).dir", username, hostname, port)
	return strings.ReplaceAll(segment, "/", "_")
}

// LocalPath returns the on-disk location for id under an account's local sync
// root. It returns "" when id does not belong to the account segment.
func LocalPath(localRoot, segment, id string) string {
	if segment == "" || !strings.HasPrefix(id, segment) {
		return ""
	}
	rest := id[len(segment):]
	if rest == "" {
		rest = "/"
	}
	return strings.TrimSuffix(localRoot, string(filepath.Separator)) + filepath.FromSlash(rest)
}

// NewChildIdentifier builds the identifier for a child named name under parent.
func NewChildIdentifier(parent, name string, isContainer bool) string {
	id := parent
	if !strings.HasSuffix(id, "/") {
		id += "/"
	}
	id += name
	if isContainer {
		id += "/"
	}
	return id
}

func splitCrumbs(s string) []string {
	parts := strings.Split(s, "/")
	crumbs := parts[:0]
	for _, p := range parts {
		if p != "" {
			crumbs = append(crumbs, p)
		}
	}
	return crumbs
}
