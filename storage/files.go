package storage

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"mailrun/internal/email"
)

// DefaultMaxAttachmentBytes is the per-file size cap.
const DefaultMaxAttachmentBytes int64 = 10 << 20

var (
	ErrExtensionNotAllowed = errors.New("attachment type not allowed")
	ErrAttachmentTooLarge  = errors.New("attachment too large")
)

var allowedExtensions = map[string]bool{
	"txt":  true,
	"pdf":  true,
	"png":  true,
	"jpg":  true,
	"jpeg": true,
	"gif":  true,
	"doc":  true,
	"docx": true,
}

// AllowedExtension reports whether name has an attachable extension.
func AllowedExtension(name string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	return allowedExtensions[ext]
}

// LoadAttachment reads the file at path into memory. maxBytes <= 0 uses
// DefaultMaxAttachmentBytes.
func LoadAttachment(path string, maxBytes int64) (email.Attachment, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxAttachmentBytes
	}
	name, err := sanitizeComponent(filepath.Base(path))
	if err != nil {
		return email.Attachment{}, err
	}
	if !AllowedExtension(name) {
		return email.Attachment{}, fmt.Errorf("%w: %s", ErrExtensionNotAllowed, name)
	}

	f, err := os.Open(path)
	if err != nil {
		return email.Attachment{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return email.Attachment{}, err
	}
	if info.IsDir() {
		return email.Attachment{}, fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > maxBytes {
		return email.Attachment{}, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrAttachmentTooLarge, name, info.Size(), maxBytes)
	}

	data, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
	if err != nil {
		return email.Attachment{}, err
	}
	if int64(len(data)) > maxBytes {
		return email.Attachment{}, fmt.Errorf("%w: %s exceeds %d bytes", ErrAttachmentTooLarge, name, maxBytes)
	}

	return email.Attachment{Name: name, ContentType: contentType(name, data), Data: data}, nil
}

// LoadAttachments loads every path it can. Files that are missing, too large
// or of a disallowed type are returned as errors and left out.
func LoadAttachments(paths []string, maxBytes int64) ([]email.Attachment, []error) {
	var (
		out  []email.Attachment
		errs []error
	)
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		att, err := LoadAttachment(p, maxBytes)
		if err != nil {
			errs = append(errs, fmt.Errorf("attachment %s: %w", p, err))
			continue
		}
		out = append(out, att)
	}
	return out, errs
}

// contentType prefers the sniffed type and falls back to the extension when
// sniffing only finds a generic binary.
func contentType(name string, data []byte) string {
	detected := mimetype.Detect(data)
	if !detected.Is("application/octet-stream") {
		return detected.String()
	}
	if byExt := mime.TypeByExtension(filepath.Ext(name)); byExt != "" {
		return byExt
	}
	return detected.String()
}

func sanitizeComponent(v string) (string, error) {
	v = strings.TrimSpace(v)
	if strings.ContainsAny(v, "/\\") || v == ".." || v == "." {
		return "", errors.New("invalid file name")
	}
	if v == "" {
		return "", errors.New("empty file name")
	}
	return v, nil
}
