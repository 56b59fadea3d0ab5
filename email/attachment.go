package email

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
)

// Attachment is either a filesystem path, read when the message is sent,
// or an in-memory blob.
type Attachment struct {
	Path        string
	Name        string
	ContentType string
	Content     []byte
}

// IsFile reports whether the attachment still refers to a file on disk.
func (a Attachment) IsFile() bool {
	return a.Path != "" && a.Content == nil
}

// Load returns a copy of a with Content, Name and ContentType filled in.
// Path attachments are read from disk here.
func (a Attachment) Load() (Attachment, error) {
	if a.IsFile() {
		data, err := os.ReadFile(a.Path)
		if err != nil {
			return Attachment{}, fmt.Errorf("failed to read attachment: %w", err)
		}
		a.Content = data
		if a.Name == "" {
			a.Name = filepath.Base(a.Path)
		}
	}

	if a.Name == "" {
		a.Name = "attachment"
	}
	if a.ContentType == "" {
		a.ContentType = mimetype.Detect(a.Content).String()
	}

	return a, nil
}
