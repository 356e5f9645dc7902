package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bogem/id3v2/v2"
	mediatag "github.com/dhowden/tag"
)

const unknownPerformer = "Unknown Artist"

// Metadata is what gets written to the delivered file and sent alongside it.
type Metadata struct {
	Title     string
	Performer string
	Cover     *Cover
}

// resolveMetadata picks title and performer. Embedded tags win, then the
// "Performer - Title" filename pattern, then the bare filename.
func resolveMetadata(original, canonical string) Metadata {
	title, performer := readEmbeddedTags(canonical)
	if title == "" || performer == "" {
		// transcoding may not carry every tag over
		t, p := readEmbeddedTags(original)
		title = firstNonEmpty(title, t)
		performer = firstNonEmpty(performer, p)
	}

	stem := strings.TrimSuffix(filepath.Base(original), filepath.Ext(original))
	fnPerformer, fnTitle, _ := parseFileName(stem)

	return Metadata{
		Title:     firstNonEmpty(title, fnTitle, stem),
		Performer: firstNonEmpty(performer, fnPerformer, unknownPerformer),
	}
}

func readEmbeddedTags(path string) (title, performer string) {
	if strings.EqualFold(filepath.Ext(path), ".mp3") {
		tag, err := id3v2.Open(path, id3v2.Options{Parse: true, ParseFrames: []string{"Title", "Artist"}})
		if err != nil {
			return "", ""
		}
		defer tag.Close()
		return strings.TrimSpace(tag.Title()), strings.TrimSpace(tag.Artist())
	}

	f, err := os.Open(path)
	if err != nil {
		return "", ""
	}
	defer f.Close()

	m, err := mediatag.ReadFrom(f)
	if err != nil {
		return "", ""
	}
	return strings.TrimSpace(m.Title()), strings.TrimSpace(m.Artist())
}

// writeTags rewrites title and performer on the mp3 and replaces all
// embedded pictures with cover, if any.
func writeTags(path string, meta Metadata) error {
	tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err != nil {
		return fmt.Errorf("failed to open id3 tag: %w", err)
	}
	defer tag.Close()

	tag.SetDefaultEncoding(id3v2.EncodingUTF8)
	tag.SetTitle(meta.Title)
	tag.SetArtist(meta.Performer)

	tag.DeleteFrames(tag.CommonID("Attached picture"))
	if meta.Cover != nil {
		tag.AddAttachedPicture(id3v2.PictureFrame{
			Encoding:    id3v2.EncodingUTF8,
			MimeType:    meta.Cover.MIMEType,
			PictureType: id3v2.PTFrontCover,
			Description: "Cover",
			Picture:     meta.Cover.Data,
		})
	}

	if err := tag.Save(); err != nil {
		return fmt.Errorf("failed to save id3 tag: %w", err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
