package fetch

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"path"
	"strings"

	"github.com/grabbitd/grabbit/internal/post"
)

// Filenames used by upstream video manifests carry no identity of their own;
// these are the known generic patterns that get a synthesized name instead.
var genericPrefixes = []string{"DASH_", "HLSPlaylist"}

const minStemLength = 5

const invalidFolderChars = `<>:"/\|?*`

// DeriveFilename produces the destination filename for an origin URL. The URL
// path's basename is used when it is distinctive enough; generic or too-short
// names get a stable identifier appended, preferring the permalink's embedded
// id, then a URL path segment, then a short hash of the URL itself.
func DeriveFilename(rawURL string, permalink string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return shortHash(rawURL)
	}

	base, err := url.PathUnescape(path.Base(parsed.Path))
	if err != nil {
		base = path.Base(parsed.Path)
	}
	if base == "." || base == "/" {
		base = ""
	}

	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if !isGenericStem(stem) {
		return base
	}

	identity := stableIdentity(parsed, permalink, rawURL)
	if stem == "" {
		return identity + ext
	}

	return stem + "_" + identity + ext
}

func isGenericStem(stem string) bool {
	if len(stem) < minStemLength {
		return true
	}
	for _, prefix := range genericPrefixes {
		if strings.HasPrefix(stem, prefix) {
			return true
		}
	}

	return false
}

// stableIdentity picks the best available disambiguator for a generic name.
func stableIdentity(parsed *url.URL, permalink string, rawURL string) string {
	if id := post.ExternalIDFromPermalink(permalink); id != nil {
		return *id
	}

	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(segments) > 1 && segments[len(segments)-2] != "" {
		return segments[len(segments)-2]
	}

	return shortHash(rawURL)
}

func shortHash(rawURL string) string {
	sum := md5.Sum([]byte(rawURL))
	return hex.EncodeToString(sum[:])[:8]
}

// SanitizeFolderName makes a source name filesystem-safe for use as a
// destination subdirectory.
func SanitizeFolderName(name string) string {
	for _, char := range invalidFolderChars {
		name = strings.ReplaceAll(name, string(char), "_")
	}
	name = strings.Trim(name, ". ")

	if name == "" {
		return "unknown"
	}
	if len(name) > 100 {
		return name[:100]
	}

	return name
}
