package offload

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// PathSpec carries the ownership attributes that shape the raw path.
type PathSpec struct {
	Group      string
	Microscope string
	User       string
}

// RawPath computes the canonical offload destination for a session:
// <root>/<group>/<microscope>/<year>/<user>/<session>_<date>. The path is
// computed once, on the first run of a transfer task, and stored on the
// coordinator; later runs reuse the stored value.
func RawPath(root string, spec PathSpec, sessionName string, start time.Time) string {
	return filepath.Join(root,
		sanitize(spec.Group),
		sanitize(spec.Microscope),
		fmt.Sprintf("%d", start.Year()),
		sanitize(spec.User),
		fmt.Sprintf("%s_%s", sanitize(sessionName), start.Format("20060102")),
	)
}

// sanitize keeps path segments shell-friendly.
func sanitize(segment string) string {
	segment = strings.TrimSpace(segment)
	if segment == "" {
		return "unknown"
	}
	replacer := strings.NewReplacer(" ", "_", "/", "-", ":", "-")
	return replacer.Replace(segment)
}
