package pipeline

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/bogem/id3v2/v2"
	mediatag "github.com/dhowden/tag"
)

// Cover is one image with its MIME type.
type Cover struct {
	Data     []byte
	MIMEType string
}

// CoverExtractor reads embedded artwork from one container family. A nil
// cover with a nil error means the file carries none.
type CoverExtractor interface {
	ExtractCover(path string) (*Cover, error)
}

// ID3Extractor reads the first APIC frame of an mp3.
type ID3Extractor struct{}

func (ID3Extractor) ExtractCover(path string) (*Cover, error) {
	tag, err := id3v2.Open(path, id3v2.Options{Parse: true, ParseFrames: []string{"Attached picture"}})
	if err != nil {
		return nil, fmt.Errorf("failed to read id3 tag: %w", err)
	}
	defer tag.Close()

	for _, f := range tag.GetFrames(tag.CommonID("Attached picture")) {
		pic, ok := f.(id3v2.PictureFrame)
		if !ok || len(pic.Picture) == 0 {
			continue
		}
		return &Cover{Data: pic.Picture, MIMEType: mimeOr(pic.MimeType, pic.Picture)}, nil
	}
	return nil, nil
}

// MetadataExtractor reads cover art from MP4, FLAC and OGG containers.
type MetadataExtractor struct{}

func (MetadataExtractor) ExtractCover(path string) (*Cover, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := mediatag.ReadFrom(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	pic := m.Picture()
	if pic == nil || len(pic.Data) == 0 {
		return nil, nil
	}
	return &Cover{Data: pic.Data, MIMEType: mimeOr(pic.MIMEType, pic.Data)}, nil
}

// DefaultExtractors maps lowercase audio extensions to their extractor.
// Formats without an entry are assumed to carry no artwork.
func DefaultExtractors() map[string]CoverExtractor {
	return map[string]CoverExtractor{
		".mp3":  ID3Extractor{},
		".m4a":  MetadataExtractor{},
		".flac": MetadataExtractor{},
		".ogg":  MetadataExtractor{},
	}
}

// readArtworkFile loads a standalone image written next to the audio.
func readArtworkFile(path string) (*Cover, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	mime := "image/png"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		mime = "image/jpeg"
	}
	return &Cover{Data: data, MIMEType: mime}, nil
}

func mimeOr(mime string, data []byte) string {
	if mime != "" && strings.Contains(mime, "/") {
		return mime
	}
	if sniffed := http.DetectContentType(data); strings.HasPrefix(sniffed, "image/") {
		return sniffed
	}
	return "image/jpeg"
}
