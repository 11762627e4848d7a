// Package media turns voice-note and doodle payloads into the references
// stored with a session's messages. Payloads arrive from browsers as data
// URLs; the S3 backend uploads the decoded bytes and records the object
// location, while Inline stores the payload unchanged.
package media

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Kind distinguishes payload types.
type Kind string

const (
	KindVoice  Kind = "voice"
	KindDoodle Kind = "doodle"
)

// ErrNotDataURL is returned by ParseDataURL for anything that is not a
// base64 data URL.
var ErrNotDataURL = errors.New("media: not a base64 data URL")

// Store persists a payload and returns the reference to save with the message.
type Store interface {
	Put(ctx context.Context, kind Kind, sessionID, payload string) (string, error)
}

// Inline keeps payloads as they arrived.
type Inline struct{}

func (Inline) Put(_ context.Context, _ Kind, _ string, payload string) (string, error) {
	return payload, nil
}

// ParseDataURL decodes "data:<mime>;base64,<data>".
func ParseDataURL(s string) (mime string, data []byte, err error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return "", nil, ErrNotDataURL
	}
	meta, encoded, ok := strings.Cut(rest, ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return "", nil, ErrNotDataURL
	}

	mime = strings.TrimSuffix(meta, ";base64")
	// Drop parameters such as ";codecs=opus".
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	if mime == "" {
		mime = "application/octet-stream"
	}

	data, err = base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", nil, fmt.Errorf("media: decode payload: %w", err)
	}
	return mime, data, nil
}

var extensions = map[string]string{
	"audio/webm":    ".webm",
	"audio/ogg":     ".ogg",
	"audio/mpeg":    ".mp3",
	"audio/wav":     ".wav",
	"audio/mp4":     ".m4a",
	"image/png":     ".png",
	"image/jpeg":    ".jpg",
	"image/webp":    ".webp",
	"image/svg+xml": ".svg",
}

func extensionFor(mime string) string {
	if ext, ok := extensions[mime]; ok {
		return ext
	}
	return ".bin"
}
