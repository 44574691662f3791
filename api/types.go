package api

import (
	"regexp"
	"strings"
	"time"
)

// Item type discriminants, as reported by the remote Type field.
const (
	TypeDocument = "DocumentType"
	TypeFolder   = "CollectionType"
)

// FileType is the inner file type a Document's blob decodes to.
type FileType string

// Recognized inner file types.
const (
	FileTypePDF     FileType = "pdf"
	FileTypeEPUB    FileType = "epub"
	FileTypeNotes   FileType = "notes"
	FileTypeUnknown FileType = "unknown"
)

// RFC3339Nano is the wire timestamp format used for ModifiedClient: RFC3339
// with a literal "Z" suffix and no fractional seconds on output.
const RFC3339Nano = "2006-01-02T15:04:05Z"

// Root and trash sentinel ids, matching the virtual folders of the item
// graph.
const (
	RootID  = ""
	TrashID = "trash"
)

// FileListValidity is how long a full refresh remains valid before the
// next read triggers another one.
const FileListValidity = 5 * time.Minute

// NBytes is how many trailing bytes of a blob to request when probing for
// a document's inner type/size via the ZIP central directory.
const NBytes = 1024 * 100

// Metadata is the wire representation of a single document or folder, as
// returned by the document-storage list/get endpoints.
type Metadata struct {
	ID                string `json:"ID"`
	Version           int    `json:"Version"`
	Type              string `json:"Type"`
	Name              string `json:"VissibleName"`
	Parent            string `json:"Parent"`
	ModifiedClient    string `json:"ModifiedClient"`
	BlobURLGet        string `json:"BlobURLGet,omitempty"`
	BlobURLGetExpires string `json:"BlobURLGetExpires,omitempty"`
	BlobURLPut        string `json:"BlobURLPut,omitempty"`
	Success           bool   `json:"Success,omitempty"`
	Message           string `json:"Message,omitempty"`
}

var fracSeconds = regexp.MustCompile(`\.\d*`)

// ParseTime parses an RFC3339-with-Z timestamp, tolerating (and discarding)
// fractional seconds, per spec.
func ParseTime(s string) (time.Time, error) {
	s = fracSeconds.ReplaceAllString(s, "")
	s = strings.Replace(s, "Z", "+00:00", 1)
	return time.Parse("2006-01-02T15:04:05-07:00", s)
}

// FormatTime formats a time as RFC3339 with a Z suffix and no fractional
// seconds, matching ModifiedClient's on-wire form.
func FormatTime(t time.Time) string {
	return t.UTC().Format(RFC3339Nano)
}
