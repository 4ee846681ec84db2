// Package inventory tracks the movie and metadata files observed under a
// directory tree. Registration is idempotent: once a path is recorded it
// is never reprocessed, which lets the offloader rescan freely after a
// restart.
package inventory
