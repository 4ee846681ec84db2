package inventory

import (
	"path/filepath"
	"strings"
)

// Kind buckets a file by its role in the acquisition layout.
type Kind int

const (
	KindOther Kind = iota
	KindMovie
	KindMetadata
)

// Classifier applies the acquisition naming conventions.
type Classifier struct {
	moviePatterns []string
	metadataExts  map[string]struct{}
}

// NewClassifier builds a classifier from movie filename globs and
// metadata extensions (lowercase, dot-prefixed).
func NewClassifier(moviePatterns, metadataExts []string) *Classifier {
	exts := make(map[string]struct{}, len(metadataExts))
	for _, ext := range metadataExts {
		exts[strings.ToLower(ext)] = struct{}{}
	}
	return &Classifier{
		moviePatterns: append([]string(nil), moviePatterns...),
		metadataExts:  exts,
	}
}

// Classify buckets a filename. Movie patterns win over metadata
// extensions.
func (c *Classifier) Classify(name string) Kind {
	base := filepath.Base(name)
	for _, pattern := range c.moviePatterns {
		if ok, _ := filepath.Match(pattern, base); ok {
			return KindMovie
		}
	}
	if _, ok := c.metadataExts[strings.ToLower(filepath.Ext(base))]; ok {
		return KindMetadata
	}
	return KindOther
}

// IsMovie reports whether the filename matches a movie pattern.
func (c *Classifier) IsMovie(name string) bool {
	return c.Classify(name) == KindMovie
}

// IsGridSquare reports whether the filename is a grid-square thumbnail
// or its XML sidecar. These get an extra copy into the OTF project's
// EPU subtree.
func IsGridSquare(name string) bool {
	base := filepath.Base(name)
	if !strings.HasPrefix(base, "GridSquare_") {
		return false
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".jpg", ".xml":
		return true
	default:
		return false
	}
}
