// Package mediaurl builds and parses the public /media/ URLs that point
// at stored blobs. Handlers embed these in payloads; the avatar upload
// path parses old URLs back into blob ids to reclaim storage.
package mediaurl

import (
	"net/url"
	"strings"
)

const PathPrefix = "/media/"

// Blob returns the public URL for a blob, relative when baseURL is empty.
func Blob(baseURL, blobID string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	return base + PathPrefix + blobID
}

// BlobPreview returns the scaled-preview URL for a blob.
func BlobPreview(baseURL, blobID string) string {
	return Blob(baseURL, blobID) + "/preview"
}

// ParseBlobID extracts the blob id from a /media/ URL. Preview URLs and
// anything outside the media prefix parse as not-ours.
func ParseBlobID(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	path := u.Path
	if path == "" {
		path = raw
	}

	blobID, ok := strings.CutPrefix(path, PathPrefix)
	if !ok || blobID == "" || strings.Contains(blobID, "/") {
		return "", false
	}
	return blobID, true
}
