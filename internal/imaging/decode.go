// Package imaging decodes inbound image payloads and renders annotated frames.
package imaging

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// ErrInvalidImage is wrapped by every decode failure.
var ErrInvalidImage = errors.New("invalid image")

// Frame is a decoded still image together with its encoded bytes.
// Data is always JPEG or PNG so downstream detectors can read it.
type Frame struct {
	Data   []byte
	Image  image.Image
	Format string
	Width  int
	Height int
}

// StripDataURI removes a leading "data:<mime>;base64," prefix if present.
func StripDataURI(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		if i := strings.IndexByte(s, ','); i >= 0 {
			return s[i+1:]
		}
	}
	return s
}

// DecodeBase64 decodes a base64 (optionally data-URI) payload into a Frame.
// maxBytes bounds the decoded size; zero disables the check.
func DecodeBase64(payload string, maxBytes int64) (*Frame, error) {
	payload = StripDataURI(payload)
	if payload == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidImage)
	}
	if maxBytes > 0 && int64(base64.StdEncoding.DecodedLen(len(payload))) > maxBytes+2 {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrInvalidImage, maxBytes)
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		// some clients drop the padding
		var rawErr error
		data, rawErr = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if rawErr != nil {
			return nil, fmt.Errorf("%w: base64: %v", ErrInvalidImage, err)
		}
	}
	return DecodeBytes(data)
}

// DecodeBytes decodes an encoded image.
func DecodeBytes(data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidImage)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("%w: zero-sized image", ErrInvalidImage)
	}

	f := &Frame{Data: data, Image: img, Format: format, Width: b.Dx(), Height: b.Dy()}
	if format != "jpeg" && format != "png" {
		encoded, err := EncodeJPEG(img, 90)
		if err != nil {
			return nil, fmt.Errorf("re-encode %s: %w", format, err)
		}
		f.Data = encoded
	}
	return f, nil
}

// EncodeJPEG encodes img at the given quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
