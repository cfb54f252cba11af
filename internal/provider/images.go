package provider

import (
	"encoding/base64"

	"transpad/internal/backend"
)

func dataURL(img backend.Image) string {
	return "data:" + img.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}
