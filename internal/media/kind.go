// Package media fetches attachments and turns them into short text descriptions.
package media

import (
	"strings"
)

// Kind is the word used in the description instruction.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video and audio"
	KindAudio Kind = "audio"
)

var kinds = map[string]Kind{
	"image/png":  KindImage,
	"image/jpg":  KindImage,
	"image/jpeg": KindImage,
	"image/webp": KindImage,

	"video/mp4":   KindVideo,
	"video/mpeg":  KindVideo,
	"video/mov":   KindVideo,
	"video/avi":   KindVideo,
	"video/x-flv": KindVideo,
	"video/mpg":   KindVideo,
	"video/webm":  KindVideo,
	"video/wmv":   KindVideo,
	"video/3gpp":  KindVideo,

	"audio/wav":  KindAudio,
	"audio/mp3":  KindAudio,
	"audio/mpeg": KindAudio,
	"audio/aiff": KindAudio,
	"audio/aac":  KindAudio,
	"audio/ogg":  KindAudio,
	"audio/flac": KindAudio,
}

// BaseType strips parameters and lowercases a content type.
func BaseType(mime string) string {
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return strings.ToLower(strings.TrimSpace(mime))
}

// KindFor reports the description kind for mime, if it can be described.
func KindFor(mime string) (Kind, bool) {
	k, ok := kinds[BaseType(mime)]
	return k, ok
}
