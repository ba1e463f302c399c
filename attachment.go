package chatsync

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
)

// AttachmentInput is raw media picked by the user. Only voice and image kinds
// go through the upload pipeline; stickers are sent with SendSticker.
type AttachmentInput struct {
	Kind        Kind
	Data        []byte
	FileName    string
	ContentType string        // detected when empty
	Duration    time.Duration // voice only
	Caption     string
}

// preparedUpload is what gets handed to the blob store.
type preparedUpload struct {
	data       []byte
	ext        string
	attachment Attachment
}

// prepareAttachment validates the input, detects the content type and, for
// images, fills in dimensions and downscales anything larger than maxDim on
// its longest side.
func prepareAttachment(in AttachmentInput, maxDim int) (preparedUpload, error) {
	if in.Kind != KindVoice && in.Kind != KindImage {
		return preparedUpload{}, fmt.Errorf("attachment kind %q is not uploadable", in.Kind)
	}
	if len(in.Data) == 0 {
		return preparedUpload{}, errors.New("attachment is empty")
	}
	if in.Kind == KindVoice && in.Duration <= 0 {
		return preparedUpload{}, errors.New("voice attachment requires a duration")
	}

	ct := in.ContentType
	if ct == "" {
		ct = guessMimeType(in.FileName)
	}
	if ct == "application/octet-stream" {
		ct = stripParams(http.DetectContentType(in.Data))
	}
	ext := strings.ToLower(filepath.Ext(in.FileName))
	if ext == "" {
		if exts, _ := mime.ExtensionsByType(ct); len(exts) > 0 {
			ext = exts[0]
		}
	}

	p := preparedUpload{
		data: in.Data,
		ext:  ext,
		attachment: Attachment{
			ContentType: ct,
			Size:        int64(len(in.Data)),
			Duration:    in.Duration,
		},
	}
	if in.Kind == KindImage {
		if err := p.processImage(maxDim); err != nil {
			return preparedUpload{}, err
		}
	}
	return p, nil
}

func (p *preparedUpload) processImage(maxDim int) error {
	img, err := imaging.Decode(bytes.NewReader(p.data), imaging.AutoOrientation(true))
	if err != nil {
		// Formats imaging cannot decode are uploaded as-is without dimensions.
		if errors.Is(err, image.ErrFormat) {
			return nil
		}
		return fmt.Errorf("decode image: %w", err)
	}
	b := img.Bounds()
	p.attachment.Width, p.attachment.Height = b.Dx(), b.Dy()
	if maxDim <= 0 || (b.Dx() <= maxDim && b.Dy() <= maxDim) {
		return nil
	}

	format, err := imaging.FormatFromExtension(p.ext)
	if err != nil {
		format = imaging.JPEG
		p.ext = ".jpg"
		p.attachment.ContentType = "image/jpeg"
	}
	resized := imaging.Fit(img, maxDim, maxDim, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, format); err != nil {
		return fmt.Errorf("encode image: %w", err)
	}
	p.data = buf.Bytes()
	p.attachment.Size = int64(buf.Len())
	p.attachment.Width, p.attachment.Height = resized.Bounds().Dx(), resized.Bounds().Dy()
	return nil
}

// uploadPath is <conversation>/<sender>/<name><ext>.
func uploadPath(conversationID, senderID, name, ext string) string {
	return conversationID + "/" + senderID + "/" + name + ext
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	// Fallback for types not in Go's builtin registry
	fallback := map[string]string{
		".webp": "image/webp", ".heic": "image/heic",
		".m4a": "audio/mp4", ".aac": "audio/aac", ".ogg": "audio/ogg",
		".opus": "audio/opus", ".webm": "audio/webm",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return stripParams(t)
	}
	return "application/octet-stream"
}

// stripParams turns "text/plain; charset=utf-8" into "text/plain".
func stripParams(t string) string {
	if idx := strings.Index(t, ";"); idx > 0 {
		return strings.TrimSpace(t[:idx])
	}
	return t
}
