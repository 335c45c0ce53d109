// Package qr renders roll numbers as QR code images.
package qr

import (
	"github.com/pkg/errors"
	"github.com/skip2/go-qrcode"
)

// Renderer turns text into an encoded image.
type Renderer interface {
	Render(content string) ([]byte, error)
}

// PNG renders square PNG QR codes.
type PNG struct {
	Size  int
	Level qrcode.RecoveryLevel
}

// NewPNG returns a 256px renderer with medium error correction.
func NewPNG() PNG {
	return PNG{Size: 256, Level: qrcode.Medium}
}

// Render implements Renderer.
func (p PNG) Render(content string) ([]byte, error) {
	if content == "" {
		return nil, errors.New("qr: empty content")
	}
	png, err := qrcode.Encode(content, p.Level, p.Size)
	if err != nil {
		return nil, errors.Wrap(err, "qr: encode")
	}
	return png, nil
}
