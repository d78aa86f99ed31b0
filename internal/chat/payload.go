package chat

import "strings"

// PayloadKind is the persisted discriminator of a Payload.
type PayloadKind string

const (
	PayloadText  PayloadKind = "text"
	PayloadMedia PayloadKind = "media"
)

// Payload is the body of a message: either Text or Media.
type Payload interface {
	Kind() PayloadKind
	// Preview is the one-line summary stored on the parent chat.
	Preview() string
	sealed()
}

// Text is a plain text body.
type Text struct {
	Body string
}

func (Text) Kind() PayloadKind { return PayloadText }
func (t Text) Preview() string  { return truncate(strings.TrimSpace(t.Body), previewLen) }
func (Text) sealed()            {}

// Media references an uploaded attachment. URL is empty while the upload
// is still pending.
type Media struct {
	URL         string
	ContentType string
	Name        string
	Caption     string
}

func (Media) Kind() PayloadKind { return PayloadMedia }

func (m Media) Preview() string {
	if c := strings.TrimSpace(m.Caption); c != "" {
		return truncate(c, previewLen)
	}
	switch {
	case strings.HasPrefix(m.ContentType, "image/"):
		return "📷 Photo"
	case strings.HasPrefix(m.ContentType, "video/"):
		return "🎥 Video"
	case strings.HasPrefix(m.ContentType, "audio/"):
		return "🎤 Audio"
	}
	return "📎 Attachment"
}

func (Media) sealed() {}

// Uploaded reports whether the attachment reached storage.
func (m Media) Uploaded() bool { return m.URL != "" }

// PayloadFrom rebuilds a Payload from its persisted columns.
func PayloadFrom(kind PayloadKind, text, mediaURL, contentType, name string) Payload {
	if kind == PayloadMedia {
		return Media{URL: mediaURL, ContentType: contentType, Name: name, Caption: text}
	}
	return Text{Body: text}
}

// Flatten is the inverse of PayloadFrom.
func Flatten(p Payload) (kind PayloadKind, text, mediaURL, contentType, name string) {
	switch v := p.(type) {
	case Media:
		return PayloadMedia, v.Caption, v.URL, v.ContentType, v.Name
	case Text:
		return PayloadText, v.Body, "", "", ""
	}
	return PayloadText, "", "", "", ""
}

const previewLen = 100

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
