// Package pathpolicy maps works and files to safe local paths.
package pathpolicy

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"workdl/internal/base"
)

type Scheme string

const (
	SchemeCode                Scheme = "code"
	SchemeTitle               Scheme = "title"
	SchemeCodeSpaceTitle      Scheme = "code_space_title"
	SchemeCodeUnderscoreTitle Scheme = "code_underscore_title"
)

// Valid reports whether s names a known scheme. The empty scheme means title.
func (s Scheme) Valid() bool {
	switch s {
	case "", SchemeCode, SchemeTitle, SchemeCodeSpaceTitle, SchemeCodeUnderscoreTitle:
		return true
	}
	return false
}

var (
	filenameReplacer = strings.NewReplacer(
		"<", "＜",
		">", "＞",
		":", "：",
		`"`, "“",
		"/", "／",
		`\`, "＼",
		"|", "｜",
		"?", "？",
		"*", "＊",
	)

	// Separators are kept so the caller can split on them.
	segmentReplacer = strings.NewReplacer(
		"<", "＜",
		">", "＞",
		":", "：",
		`"`, "“",
		"|", "｜",
		"?", "？",
		"*", "＊",
	)
)

// SanitizeFilename replaces characters that Windows rejects with full-width
// look-alikes and strips trailing dots and spaces.
func SanitizeFilename(name string) string {
	name = strings.TrimRight(filenameReplacer.Replace(name), ". ")
	name = truncateKeepExt(name, base.MaxFilenameLength)
	if name == "" {
		return base.UnnamedFile
	}
	return name
}

// SanitizeFolderPath cleans a "/" separated relative path segment by segment
// and joins the result with the OS separator. Empty segments, including "."
// and "..", are dropped.
func SanitizeFolderPath(p string) string {
	if p == "" {
		return ""
	}
	var parts []string
	for _, seg := range strings.Split(p, "/") {
		seg = segmentReplacer.Replace(seg)
		seg = strings.ReplaceAll(seg, `\`, "＼")
		seg = strings.TrimRight(seg, ". ")
		seg = truncateRunes(seg, base.MaxSegmentLength)
		if seg != "" {
			parts = append(parts, seg)
		}
	}
	return strings.Join(parts, string(os.PathSeparator))
}

// WorkCode returns the display code of a work, deriving RJ###### from the id
// when the catalog gave none.
func WorkCode(w base.WorkDescriptor) string {
	if w.Code != "" {
		return w.Code
	}
	if len(strconv.Itoa(w.ID)) > 6 {
		return fmt.Sprintf("RJ%08d", w.ID)
	}
	return fmt.Sprintf("RJ%06d", w.ID)
}

// Policy decides where a work's files land under Root.
type Policy struct {
	Root   string
	Scheme Scheme
}

func New(root string, scheme Scheme) *Policy {
	return &Policy{Root: root, Scheme: scheme}
}

// FolderName is the single directory name created for a work.
func (p *Policy) FolderName(w base.WorkDescriptor) string {
	title := SanitizeFilename(w.Title)
	code := SanitizeFilename(WorkCode(w))

	switch p.Scheme {
	case SchemeCode:
		return code
	case SchemeCodeSpaceTitle:
		return code + " " + title
	case SchemeCodeUnderscoreTitle:
		return code + "_" + title
	default:
		return title
	}
}

// WorkDir is the directory a work downloads into.
func (p *Policy) WorkDir(w base.WorkDescriptor) string {
	return filepath.Join(p.Root, p.FolderName(w))
}

// FilePath is the destination of one file inside workDir.
func FilePath(workDir string, f base.FileDescriptor) string {
	return filepath.Join(workDir, SanitizeFolderPath(f.FolderPath), SanitizeFilename(f.Title))
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func truncateKeepExt(name string, n int) string {
	r := []rune(name)
	if len(r) <= n {
		return name
	}
	ext := []rune(filepath.Ext(name))
	if len(ext) >= n {
		return string(r[:n])
	}
	stem := r[:len(r)-len(ext)]
	return strings.TrimRight(string(stem[:n-len(ext)]), ". ") + string(ext)
}
