package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"regexp"
	"strings"
)

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Identity builds the job identity from the tuple that determines a job's output
func Identity(bucket, key, etag, profile string) string {
	return strings.Join([]string{bucket, key, NormalizeETag(etag), profile}, ":")
}

// SourceIdentity builds the identity of a source object version
func SourceIdentity(bucket, key, etag string) string {
	return strings.Join([]string{bucket, key, NormalizeETag(etag)}, ":")
}

// WorkspaceSeed returns a filesystem-safe name seed derived from an identity
func WorkspaceSeed(identity string) string {
	return shortHash(identity)
}

// MetadataTag returns the ASCII form of an identity stamped in object user metadata.
// Object stores only carry ASCII header values, while keys may hold any UTF-8.
func MetadataTag(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:])
}

// NormalizeETag strips quotes and weak validators so etags compare equal across stores
func NormalizeETag(etag string) string {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	return strings.Trim(etag, `"`)
}

// DerivedFilename returns the output base name for a source key
func DerivedFilename(key string) string {
	base := path.Base(key)
	if ext := path.Ext(base); ext != "" && ext != base {
		base = strings.TrimSuffix(base, ext)
	}
	base = unsafeFilenameChars.ReplaceAllString(base, "_")
	base = strings.Trim(base, "._")
	if base == "" {
		return "video"
	}
	return base
}

// RenditionKey returns the object key of a rendition: {video_id}/{derived}_{suffix}.{ext}
func RenditionKey(videoID, sourceKey, suffix, ext string) string {
	return videoID + "/" + DerivedFilename(sourceKey) + "_" + suffix + "." + ext
}

// ThumbnailKey returns the object key of the source thumbnail
func ThumbnailKey(videoID, sourceKey string) string {
	return videoID + "/" + DerivedFilename(sourceKey) + "_thumbnail.jpg"
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}
