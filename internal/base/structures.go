package base

import "strings"

// FileDescriptor is one downloadable file of a work as the catalog reports it.
type FileDescriptor struct {
	Title      string `yaml:"title" json:"title"`
	URL        string `yaml:"url" json:"url"`
	Size       int64  `yaml:"size" json:"size"` // 0 means unknown
	FolderPath string `yaml:"folder" json:"folder"`
	Type       string `yaml:"type" json:"type"` // media kind, informational only
	Hash       string `yaml:"hash" json:"hash"`
}

// Ext returns the uppercase extension of the title without the dot.
// A title with no dot yields the whole title uppercased.
func (f FileDescriptor) Ext() string {
	i := strings.LastIndex(f.Title, ".")
	return strings.ToUpper(f.Title[i+1:])
}

// WorkDescriptor is a unit of download made of many files.
type WorkDescriptor struct {
	ID        int              `yaml:"id" json:"id"`
	Code      string           `yaml:"code" json:"code"`
	Title     string           `yaml:"title" json:"title"`
	TotalSize int64            `yaml:"total_size" json:"total_size"`
	Files     []FileDescriptor `yaml:"files" json:"files"`
}

// CatalogTotal is the size the catalog claims, falling back to the sum of files.
func (w WorkDescriptor) CatalogTotal() int64 {
	if w.TotalSize > 0 {
		return w.TotalSize
	}
	var total int64
	for _, f := range w.Files {
		total += f.Size
	}
	return total
}

type QueueState int

const (
	Queued QueueState = iota
	Active
	Paused
	Completed
	Failed
	Cancelled
)

func (qs QueueState) String() string {
	if qs < Queued || qs > Cancelled {
		return "unknown"
	}
	return [...]string{"queued", "active", "paused", "completed", "failed", "cancelled"}[qs]
}

// Terminal reports whether no further transitions are possible.
func (qs QueueState) Terminal() bool {
	return qs == Completed || qs == Failed || qs == Cancelled
}

// Outcome is how a transfer or a work ended when it did not return an error.
type Outcome int

const (
	Done Outcome = iota
	AlreadyComplete
	Aborted
)

func (o Outcome) String() string {
	return [...]string{"done", "already complete", "cancelled"}[o]
}
