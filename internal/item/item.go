// Package item defines the metadata snapshot kept for each identifier.
package item

import (
	"time"

	"github.com/fruitsalade/fileprovider/internal/engine"
	"github.com/fruitsalade/fileprovider/internal/identifier"
)

// State is the download lifecycle of an item.
//
//	Absent         not known to the cache
//	MetadataKnown  metadata cached, no local copy
//	Downloading    a download is in flight (a stale local copy may exist)
//	Downloaded     the local copy matches Version
//	Stale          a local copy exists but Version has moved on
type State int

const (
	Absent State = iota
	MetadataKnown
	Downloading
	Downloaded
	Stale
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case MetadataKnown:
		return "metadata_known"
	case Downloading:
		return "downloading"
	case Downloaded:
		return "downloaded"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Item is a value snapshot describing one filesystem entry. Methods never
// modify the receiver; they return the transitioned copy.
type Item struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ParentID    string    `json:"parent_id"`
	IsContainer bool      `json:"is_container"`
	Size        int64     `json:"size"`
	Version     string    `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	ModifiedAt  time.Time `json:"modified_at"`
	State       State     `json:"state"`
	// LocalVersion is the version of the local copy, empty when there is none.
	LocalVersion string `json:"local_version,omitempty"`
	// Outdated is set by a remote change notification and cleared once fresh
	// metadata arrives.
	Outdated bool `json:"outdated,omitempty"`
}

// FromEntry builds the item for a remote entry listed under parentID.
func FromEntry(parentID string, e engine.Entry) Item {
	return Item{
		ID:          identifier.NewChildIdentifier(parentID, e.Name, e.IsContainer),
		Name:        e.Name,
		ParentID:    parentID,
		IsContainer: e.IsContainer,
		Size:        e.Size,
		Version:     e.Version,
		CreatedAt:   e.CreatedAt,
		ModifiedAt:  e.ModifiedAt,
		State:       MetadataKnown,
	}
}

// FromStat builds the item for id from a single-entry lookup.
func FromStat(id string, e engine.Entry) Item {
	name := e.Name
	if name == "" {
		name = identifier.Name(id)
	}
	return Item{
		ID:          id,
		Name:        name,
		ParentID:    identifier.Parent(id),
		IsContainer: e.IsContainer,
		Size:        e.Size,
		Version:     e.Version,
		CreatedAt:   e.CreatedAt,
		ModifiedAt:  e.ModifiedAt,
		State:       MetadataKnown,
	}
}

// NewRoot returns the synthetic root container. Its parent is itself.
func NewRoot() Item {
	return Item{
		ID:          identifier.Root,
		Name:        "",
		ParentID:    identifier.Root,
		IsContainer: true,
		State:       MetadataKnown,
	}
}

// IsDownloading reports whether a download is in flight.
func (it Item) IsDownloading() bool {
	return it.State == Downloading
}

// IsDownloaded reports whether any local copy exists, current or not.
func (it Item) IsDownloaded() bool {
	return it.LocalVersion != ""
}

// IsMostRecentDownloaded reports whether the local copy is known to match
// Version. It implies IsDownloaded.
func (it Item) IsMostRecentDownloaded() bool {
	return it.State == Downloaded && it.LocalVersion != "" && !it.Outdated
}

// Refreshed merges freshly observed metadata into it, keeping local-copy
// state. A changed version turns a downloaded item stale.
func (it Item) Refreshed(fresh Item) Item {
	next := fresh
	next.LocalVersion = it.LocalVersion
	next.State = it.State
	if next.State == Absent {
		next.State = MetadataKnown
	}
	if next.State != Downloading {
		next.State = settled(next)
	}
	return next
}

// BeginDownload marks a download as in flight.
func (it Item) BeginDownload() Item {
	it.State = Downloading
	return it
}

// FinishDownload records a successful download of the current version.
func (it Item) FinishDownload() Item {
	it.LocalVersion = it.Version
	it.State = Downloaded
	return it
}

// AbortDownload records a failed or cancelled download. Any earlier local
// copy is still there.
func (it Item) AbortDownload() Item {
	it.State = settled(it)
	return it
}

// Uploaded records new remote content that originated from the local copy.
func (it Item) Uploaded(res engine.UploadResult) Item {
	it.Version = res.Version
	it.Size = res.Size
	if !res.ModifiedAt.IsZero() {
		it.ModifiedAt = res.ModifiedAt
	}
	it.LocalVersion = res.Version
	it.State = Downloaded
	it.Outdated = false
	return it
}

// Invalidated records a remote change notification, before fresh metadata is
// known. A current local copy becomes stale.
func (it Item) Invalidated() Item {
	if it.State == Downloaded {
		it.State = Stale
	}
	it.Outdated = true
	return it
}

// settled derives the resting state from the local copy.
func settled(it Item) State {
	switch {
	case it.IsContainer || it.LocalVersion == "":
		return MetadataKnown
	case it.LocalVersion == it.Version:
		return Downloaded
	default:
		return Stale
	}
}
