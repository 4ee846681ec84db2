// Package frames watches the top of an acquisition frames tree and reports
// per-entry sizes and filesystem usage, publishing only when something
// changed.
package frames

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"

	"emworker/internal/inventory"
)

// Entry describes one immediate child of the frames root.
type Entry struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Size   int64  `json:"size"`
	SizeH  string `json:"sizeH"`
	Movies int    `json:"movies,omitempty"`
	// TS is the newest modification time within the entry, unix seconds.
	TS int64 `json:"ts"`
}

// Usage is the filesystem report for the frames root.
type Usage struct {
	Total  uint64 `json:"total"`
	Used   uint64 `json:"used"`
	TotalH string `json:"totalH"`
	UsedH  string `json:"usedH"`
}

// Report is one monitor observation.
type Report struct {
	Entries []Entry `json:"entries"`
	Usage   Usage   `json:"usage"`
}

// Monitor maintains one inventory per child directory of the frames root so
// successive reports only rescan, never recount.
type Monitor struct {
	root        string
	classifier  *inventory.Classifier
	inventories map[string]*inventory.Inventory
	lastDigest  string
	statfs      func(path string) (Usage, error)
}

// NewMonitor builds a monitor over the frames root.
func NewMonitor(root string, classifier *inventory.Classifier) *Monitor {
	return &Monitor{
		root:        root,
		classifier:  classifier,
		inventories: make(map[string]*inventory.Inventory),
		statfs:      filesystemUsage,
	}
}

// Observe walks the frames root once and returns the report plus whether it
// differs from the previous observation.
func (m *Monitor) Observe(ctx context.Context) (*Report, bool, error) {
	children, err := os.ReadDir(m.root)
	if err != nil {
		return nil, false, fmt.Errorf("read frames root: %w", err)
	}

	report := &Report{}
	seen := make(map[string]struct{}, len(children))
	for _, child := range children {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		name := child.Name()
		seen[name] = struct{}{}
		path := filepath.Join(m.root, name)

		if !child.IsDir() {
			info, err := child.Info()
			if err != nil {
				continue
			}
			report.Entries = append(report.Entries, Entry{
				Name:  name,
				Type:  "file",
				Size:  info.Size(),
				SizeH: humanize.IBytes(uint64(info.Size())),
				TS:    info.ModTime().Unix(),
			})
			continue
		}

		inv, ok := m.inventories[name]
		if !ok {
			inv = inventory.New(m.classifier)
			m.inventories[name] = inv
		}
		if _, err := inv.Scan(path); err != nil {
			return nil, false, err
		}
		totals := inv.Info()
		ts := totals.LastFileAt.Unix()
		if totals.LastFileAt.IsZero() {
			ts = 0
		}
		report.Entries = append(report.Entries, Entry{
			Name:   name,
			Type:   "dir",
			Size:   totals.Size,
			SizeH:  totals.SizeH,
			Movies: totals.Movies,
			TS:     ts,
		})
	}

	// Forget inventories for removed children.
	for name := range m.inventories {
		if _, ok := seen[name]; !ok {
			delete(m.inventories, name)
		}
	}

	sort.Slice(report.Entries, func(i, j int) bool {
		return report.Entries[i].Name < report.Entries[j].Name
	})

	usage, err := m.statfs(m.root)
	if err != nil {
		return nil, false, err
	}
	report.Usage = usage

	digest, err := json.Marshal(report)
	if err != nil {
		return nil, false, fmt.Errorf("encode report: %w", err)
	}
	changed := string(digest) != m.lastDigest
	m.lastDigest = string(digest)
	return report, changed, nil
}

func filesystemUsage(path string) (Usage, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return Usage{}, fmt.Errorf("statfs %s: %w", path, err)
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	used := total - free
	return Usage{
		Total:  total,
		Used:   used,
		TotalH: humanize.IBytes(total),
		UsedH:  humanize.IBytes(used),
	}, nil
}
