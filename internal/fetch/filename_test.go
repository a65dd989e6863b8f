package fetch

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_DeriveFilename(t *testing.T) {
	tests := []struct {
		summary   string
		url       string
		permalink string
		expected  string
	}{
		{
			summary:  "distinctive basename used as-is",
			url:      "https://i.redd.it/weirdcat92.jpg",
			expected: "weirdcat92.jpg",
		},
		{
			summary:  "percent-encoding is decoded",
			url:      "https://example.com/files/my%20picture.png",
			expected: "my picture.png",
		},
		{
			summary:  "query string does not leak into the name",
			url:      "https://preview.redd.it/abcdef123.jpg?width=640&s=xyz",
			expected: "abcdef123.jpg",
		},
		{
			summary:   "manifest prefix replaced using permalink id",
			url:       "https://v.redd.it/xyz987/DASH_720.mp4",
			permalink: "/r/videos/comments/abc123/some_title/",
			expected:  "DASH_720_abc123.mp4",
		},
		{
			summary:   "playlist prefix replaced using permalink id",
			url:       "https://v.redd.it/xyz987/HLSPlaylist.m3u8",
			permalink: "/r/videos/comments/def456/another/",
			expected:  "HLSPlaylist_def456.m3u8",
		},
		{
			summary:  "generic name without permalink falls back to path segment",
			url:      "https://v.redd.it/xyz987/DASH_480.mp4",
			expected: "DASH_480_xyz987.mp4",
		},
		{
			summary:   "short stem gets identity appended",
			url:       "https://example.com/a.jpg",
			permalink: "/r/pics/comments/ghi789/short/",
			expected:  "a_ghi789.jpg",
		},
	}

	for _, test := range tests {
		t.Run(test.summary, func(t *testing.T) {
			assert.Equal(t, test.expected, DeriveFilename(test.url, test.permalink))
		})
	}
}

func Test_DeriveFilename_HashFallbackIsStable(t *testing.T) {
	// No permalink and no usable path segment leaves only the URL hash.
	first := DeriveFilename("https://example.com/abc.gif", "")
	second := DeriveFilename("https://example.com/abc.gif", "")

	assert.Equal(t, first, second)
	assert.True(t, strings.HasSuffix(first, ".gif"))
	assert.NotEqual(t, "abc.gif", first)
}

func Test_SanitizeFolderName(t *testing.T) {
	tests := []struct {
		summary  string
		input    string
		expected string
	}{
		{summary: "plain name untouched", input: "EarthPorn", expected: "EarthPorn"},
		{summary: "invalid characters replaced", input: `a/b\c:d*e`, expected: "a_b_c_d_e"},
		{summary: "leading and trailing dots stripped", input: " ..pics.. ", expected: "pics"},
		{summary: "empty becomes unknown", input: "...", expected: "unknown"},
		{summary: "long names capped", input: strings.Repeat("x", 150), expected: strings.Repeat("x", 100)},
	}

	for _, test := range tests {
		t.Run(test.summary, func(t *testing.T) {
			assert.Equal(t, test.expected, SanitizeFolderName(test.input))
		})
	}
}
