// Package listing defines the boundary to the upstream content API. Grabbit does
// not implement the client itself; it consumes post records through the Lister
// iterator and only depends on the fields declared here.
package listing

import (
	"context"
	"errors"
	"time"
)

// ErrForbidden indicates the upstream refused access to a source entirely
// (banned, private, or quarantined). It is distinct from an empty listing so
// that the scheduler's zero-result accounting is not polluted by bans.
var ErrForbidden = errors.New("access to source is forbidden")

type (
	// SourceType distinguishes the two kinds of upstream sources Grabbit polls.
	SourceType string

	// Post is one upstream post record as surfaced by the listing API. Optional
	// descriptors are nil when the post does not carry them.
	Post struct {
		Permalink string
		Title     string
		Author    string
		Subreddit string
		CreatedAt time.Time
		Score     int

		// URL is the post's primary link. It may point at an image, a video,
		// or something Grabbit has no interest in.
		URL string

		Gallery *Gallery
		Video   *Video

		// Comments is a snapshot of the first few top-level comments, fetched
		// lazily by the client. May be empty.
		Comments []Comment
	}

	// Gallery describes a multi-image post. Items carries the display order,
	// Metadata the per-item state keyed by media id.
	Gallery struct {
		Items    []GalleryItem
		Metadata map[string]MediaMetadata
	}

	GalleryItem struct {
		MediaID string
	}

	// MediaMetadata is the upstream's per-item record. Items whose Status is
	// not "valid" (removed, failed processing) carry no usable source.
	MediaMetadata struct {
		Status string
		Source MediaSource
	}

	// MediaSource holds the direct URLs for one gallery item. URL is the
	// static rendition, GIF the animated one when the item is animated.
	MediaSource struct {
		URL string
		GIF string
	}

	// Video describes an embedded video. FallbackURL is a directly fetchable
	// rendition, present even when the canonical playback uses a manifest.
	Video struct {
		FallbackURL string
	}

	Comment struct {
		Author string
		Body   string
		Score  int
	}

	// Lister iterates post records for one source. Implementations must return
	// ErrForbidden (possibly wrapped) when the source denies access, and an
	// empty slice with a nil error when the source simply has nothing new.
	Lister interface {
		// ListPosts returns up to limit posts for the named source,
		// newest first.
		ListPosts(ctx context.Context, sourceType SourceType, name string, limit int) ([]*Post, error)
	}
)

const (
	SourceSubreddit SourceType = "subreddit"
	SourceUser      SourceType = "user"
)

const MediaStatusValid = "valid"
