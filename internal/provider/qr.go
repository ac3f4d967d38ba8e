package provider

import (
	"encoding/base64"
	"strings"

	"github.com/skip2/go-qrcode"
)

// RenderQR turns the raw pairing string reported by the provider into a PNG.
// The raw value is not an image; it has to be encoded before it can be shown.
func RenderQR(raw string) (QRImage, error) {
	raw = strings.TrimSpace(raw)
	png, err := qrcode.Encode(raw, qrcode.Medium, 256)
	if err != nil {
		return QRImage{}, err
	}
	return QRImage{Raw: raw, PNG: png}, nil
}

// Base64 returns the PNG as standard base64, the form stored on sessions
// and returned by the QR endpoint.
func (q QRImage) Base64() string {
	if len(q.PNG) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(q.PNG)
}

// QRFromInline accepts a QR embedded in a status callback.  Providers send
// either a data URL / base64 PNG or the raw pairing string.
func QRFromInline(v string) (QRImage, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return QRImage{}, false
	}
	if i := strings.Index(v, ";base64,"); strings.HasPrefix(v, "data:") && i >= 0 {
		v = v[i+len(";base64,"):]
	}
	if png, err := base64.StdEncoding.DecodeString(v); err == nil && isPNG(png) {
		return QRImage{PNG: png}, true
	}
	img, err := RenderQR(v)
	if err != nil {
		return QRImage{}, false
	}
	return img, true
}

func isPNG(b []byte) bool {
	return len(b) > 8 && string(b[1:4]) == "PNG"
}
