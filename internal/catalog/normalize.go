package catalog

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"workdl/internal/base"
)

// Media kinds filled in for files the manifest leaves untyped.
const (
	KindAudio    = "audio"
	KindVideo    = "video"
	KindImage    = "image"
	KindDocument = "document"
	KindArchive  = "archive"
	KindOther    = "other"
)

// Normalize names untitled files after their URL and types untyped files by
// extension. Two untitled files of a work sharing a URL basename get " (n)"
// suffixes so they do not land on the same path.
func Normalize(w *base.WorkDescriptor) {
	duplicates := make(map[string]int)
	for i := range w.Files {
		f := &w.Files[i]
		if f.Title == "" {
			name := nameFromURL(f.URL)
			key := strings.ToLower(path.Join(f.FolderPath, name))
			duplicates[key]++
			if n := duplicates[key]; n > 1 {
				name = withSuffix(name, n-1)
			}
			f.Title = name
		}
		if f.Type == "" {
			f.Type = MediaKind(f.Ext())
		}
	}
}

// MediaKind maps an extension, with or without the dot, to a media kind.
func MediaKind(ext string) string {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "mp3", "wav", "flac", "aac", "wma", "ogg", "m4a", "opus":
		return KindAudio
	case "mov", "avi", "mkv", "mp4", "webm":
		return KindVideo
	case "jpeg", "jpg", "png", "gif", "webp":
		return KindImage
	case "pdf", "doc", "txt", "html", "vtt", "lrc":
		return KindDocument
	case "zip", "rar", "7z":
		return KindArchive
	}
	return KindOther
}

func nameFromURL(raw string) string {
	p := raw
	if u, err := url.Parse(raw); err == nil {
		p = u.Path
	}
	name := path.Base(p)
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	if name == "." || name == "/" {
		return ""
	}
	return name
}

func withSuffix(name string, n int) string {
	if i := strings.LastIndex(name, "."); i > 0 {
		return fmt.Sprintf("%s (%d)%s", name[:i], n, name[i:])
	}
	return fmt.Sprintf("%s (%d)", name, n)
}
