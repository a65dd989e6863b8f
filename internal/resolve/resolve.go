// Package resolve classifies one upstream post into the ordered list of media
// URLs to fetch. Classification is mutually exclusive: gallery, then video,
// then image; a post matching none is simply not eligible.
package resolve

import (
	"net/url"
	"path"
	"strings"

	"github.com/grabbitd/grabbit/internal/listing"
	"github.com/grabbitd/grabbit/pkg/logger"
)

var log = logger.Get("Resolve")

var imageExtensions = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {},
	".bmp": {}, ".webp": {}, ".webm": {},
}

var imageHosts = map[string]struct{}{
	"imgur.com": {}, "i.imgur.com": {}, "i.redd.it": {}, "preview.redd.it": {},
}

var videoExtensions = map[string]struct{}{
	".mp4": {}, ".mov": {}, ".m4v": {}, ".avi": {}, ".mkv": {},
}

var videoHosts = map[string]struct{}{
	"v.redd.it": {},
}

// Candidate is one fetchable origin URL resolved from a post.
type Candidate struct {
	URL       string
	IsGallery bool
}

// Resolve produces the ordered list of origin URLs for a post, or nil when the
// post carries no eligible media. A post with at least one valid gallery item
// yields only the gallery URLs, regardless of what its primary URL looks like.
func Resolve(post *listing.Post) []Candidate {
	if urls := galleryURLs(post); len(urls) > 0 {
		candidates := make([]Candidate, len(urls))
		for i, u := range urls {
			candidates[i] = Candidate{URL: u, IsGallery: true}
		}

		return candidates
	}

	if u := videoURL(post); u != "" {
		return []Candidate{{URL: u}}
	}

	if isImageURL(post.URL) {
		return []Candidate{{URL: post.URL}}
	}

	log.Emit(logger.VERBOSE, "Post %s carries no eligible media (url=%s)\n", post.Permalink, post.URL)
	return nil
}

// galleryURLs extracts the direct media URL of every valid gallery item, in
// display order. Items whose metadata is missing or not marked valid are
// skipped. Upstream HTML-escapes the ampersands in these URLs.
func galleryURLs(post *listing.Post) []string {
	if post.Gallery == nil || len(post.Gallery.Items) == 0 || len(post.Gallery.Metadata) == 0 {
		return nil
	}

	var urls []string
	for _, item := range post.Gallery.Items {
		meta, ok := post.Gallery.Metadata[item.MediaID]
		if !ok || meta.Status != listing.MediaStatusValid {
			continue
		}

		raw := meta.Source.URL
		if raw == "" {
			raw = meta.Source.GIF
		}
		if raw == "" {
			continue
		}

		urls = append(urls, strings.ReplaceAll(raw, "&amp;", "&"))
	}

	return urls
}

func videoURL(post *listing.Post) string {
	if post.Video != nil && post.Video.FallbackURL != "" {
		return post.Video.FallbackURL
	}

	parsed, err := url.Parse(post.URL)
	if err != nil {
		return ""
	}

	if _, ok := videoHosts[strings.ToLower(parsed.Hostname())]; ok {
		return post.URL
	}
	if strings.Contains(parsed.Path, "/video/") {
		return post.URL
	}
	if _, ok := videoExtensions[strings.ToLower(path.Ext(parsed.Path))]; ok {
		return post.URL
	}

	return ""
}

func isImageURL(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}

	if _, ok := imageExtensions[strings.ToLower(path.Ext(parsed.Path))]; ok {
		return true
	}

	_, ok := imageHosts[strings.ToLower(parsed.Hostname())]
	return ok
}
