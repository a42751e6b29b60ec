package work

import (
	"fmt"
	"os"

	"github.com/spf13/afero"

	"workdl/internal/base"
	"workdl/internal/pathpolicy"
	"workdl/internal/progress"
)

// PlannedFile is a catalog file resolved against the local disk.
type PlannedFile struct {
	base.FileDescriptor
	Path     string
	Eligible bool
	OnDisk   int64 // bytes already present, never more than Size
}

// Plan is the result of filtering a work and inspecting what is on disk.
type Plan struct {
	Work       base.WorkDescriptor
	Dir        string
	Files      []PlannedFile
	Stats      progress.Stats
	Downloaded int64
}

// Eligible reports whether f passes the extension allow-list, whose keys are
// uppercase extensions.
func Eligible(f base.FileDescriptor, allow map[string]bool) bool {
	return allow[f.Ext()]
}

// BuildPlan filters w by allow and sums what is left to fetch into dir.
func BuildPlan(fs afero.Fs, w base.WorkDescriptor, dir string, allow map[string]bool) (*Plan, error) {
	p := &Plan{
		Work:  w,
		Dir:   dir,
		Files: make([]PlannedFile, 0, len(w.Files)),
	}
	p.Stats.CatalogTotal = w.CatalogTotal()
	p.Stats.FileCount = len(w.Files)

	for _, f := range w.Files {
		pf := PlannedFile{
			FileDescriptor: f,
			Path:           pathpolicy.FilePath(dir, f),
			Eligible:       Eligible(f, allow),
		}
		if !pf.Eligible {
			p.Stats.SkippedCount++
			p.Stats.SkippedTotal += f.Size
			p.Files = append(p.Files, pf)
			continue
		}

		p.Stats.ActualTotal += f.Size
		fi, err := fs.Stat(pf.Path)
		switch {
		case err == nil:
			pf.OnDisk = min(fi.Size(), f.Size)
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("cannot stat %s: %w", pf.Path, err)
		}
		p.Downloaded += pf.OnDisk
		p.Files = append(p.Files, pf)
	}
	return p, nil
}

// Summary is the one-line human description of the filter result.
func (p *Plan) Summary() string {
	s := p.Stats
	return fmt.Sprintf("work %s: %d files, skipped %d (%s), downloading %d (%s)",
		pathpolicy.WorkCode(p.Work), s.FileCount, s.SkippedCount, progress.FormatSize(s.SkippedTotal),
		s.FileCount-s.SkippedCount, progress.FormatSize(s.ActualTotal))
}
