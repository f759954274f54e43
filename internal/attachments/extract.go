package attachments

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

// Upload is one file received with a chat turn.
type Upload struct {
	Name        string
	ContentType string
	Data        []byte
}

func (u Upload) Ext() string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(u.Name), "."))
}

// Extracted is the model-facing view of an upload. Images carry a data URI
// plus a text stand-in for models that take no image input.
type Extracted struct {
	Name     string
	Text     string
	ImageURL string
	IsImage  bool
	Mime     string
}

var imageMimes = map[string]string{
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"gif":  "image/gif",
	"webp": "image/webp",
}

// Extract turns an upload into text or an image data URI. Unsupported types
// yield a placeholder naming the extension.
func Extract(u Upload) Extracted {
	ext := u.Ext()
	out := Extracted{Name: u.Name, Mime: u.ContentType}
	switch ext {
	case "txt", "md", "markdown", "json", "csv", "log":
		out.Text = string(u.Data)
	case "html", "htm":
		md, err := htmltomarkdown.ConvertString(string(u.Data))
		if err != nil {
			out.Text = fmt.Sprintf("[Unreadable HTML file: %v]", err)
			break
		}
		out.Text = md
	default:
		mimeType, ok := imageMimes[ext]
		if !ok {
			out.Text = fmt.Sprintf("[Unsupported file type: %s]", ext)
			break
		}
		if sniffed := http.DetectContentType(u.Data); strings.HasPrefix(sniffed, "image/") {
			mimeType = sniffed
		}
		out.IsImage = true
		out.Mime = mimeType
		out.Text = fmt.Sprintf("[Image attachment: %s]", u.Name)
		out.ImageURL = "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(u.Data)
	}
	if out.Mime == "" {
		out.Mime = http.DetectContentType(u.Data)
	}
	return out
}

// AppendFileText appends the extracted text block the model sees for one file.
func AppendFileText(message, name, text string) string {
	return message + "\n\nFile content (" + name + "):\n" + text
}
