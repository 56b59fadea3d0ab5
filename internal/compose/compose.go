// Package compose renders an email.Message into an RFC 5322 message:
// headers, multipart bodies, word wrapping, charset transcoding and
// line endings.
package compose

import (
	"bytes"
	"fmt"
	"mime"
	"mime/multipart"
	"net/mail"
	"net/textproto"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/mailer-lite/email"
)

const crlf = "\r\n"

// BuildOptions tune a single Build call.
type BuildOptions struct {
	// IncludeBcc writes a Bcc header. Only local mail agents that strip it
	// themselves (sendmail -t) should see one.
	IncludeBcc bool

	// Date overrides the Date header; zero means now.
	Date time.Time

	// MessageID overrides the generated Message-ID.
	MessageID string

	// Newline overrides the message's newline option. Transports that
	// speak SMTP need CRLF.
	Newline string
}

// structural headers are always derived from the message itself.
var structural = map[string]bool{
	"From":                      true,
	"To":                        true,
	"Cc":                        true,
	"Bcc":                       true,
	"Subject":                   true,
	"Mime-Version":              true,
	"Content-Type":              true,
	"Content-Transfer-Encoding": true,
}

var priorityLabels = map[int]string{
	1: "1 (Highest)",
	2: "2 (High)",
	4: "4 (Low)",
	5: "5 (Lowest)",
}

// Build renders msg. Path attachments are read from disk here.
func Build(msg *email.Message, bo BuildOptions) ([]byte, error) {
	opts := msg.Options()

	body, err := buildBody(msg)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	for _, h := range buildHeaders(msg, bo) {
		fmt.Fprintf(&buf, "%s: %s%s", h.name, h.value, crlf)
	}
	buf.WriteString("MIME-Version: 1.0" + crlf)
	writeHeader(&buf, body.header)
	buf.WriteString(crlf)
	buf.Write(body.content)

	newline := opts.Newline
	if bo.Newline != "" {
		newline = bo.Newline
	}
	out := buf.Bytes()
	if newline != crlf {
		out = bytes.ReplaceAll(out, []byte(crlf), []byte(newline))
	}
	return out, nil
}

// FormatAddress formats a for a header, encoding a non-ASCII display name.
func FormatAddress(a email.Address) string {
	return (&mail.Address{Name: a.Name, Address: a.Email}).String()
}

// FormatAddressList formats addrs as a comma separated header value.
func FormatAddressList(addrs []email.Address) string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, FormatAddress(a))
	}
	return strings.Join(out, ", ")
}

// MessageID returns a new Message-ID for the given sender domain.
func MessageID(domain string) string {
	if domain == "" {
		domain = "localhost"
	}
	return "<" + uuid.NewString() + "@" + domain + ">"
}

// EncodeHeader Q-encodes s when it contains non-ASCII text.
func EncodeHeader(s string) string {
	return mime.QEncoding.Encode("utf-8", s)
}

type header struct {
	name  string
	value string
}

func buildHeaders(msg *email.Message, bo BuildOptions) []header {
	opts := msg.Options()
	custom := msg.Headers()

	date := bo.Date
	if date.IsZero() {
		date = time.Now()
	}

	domain := ""
	sender, hasSender := msg.Sender()
	if hasSender {
		if i := strings.LastIndex(sender.Email, "@"); i >= 0 {
			domain = sender.Email[i+1:]
		}
	}
	messageID := bo.MessageID
	if messageID == "" {
		messageID = MessageID(domain)
	}

	defaults := []header{{"Date", date.Format(time.RFC1123Z)}}
	if hasSender {
		defaults = append(defaults, header{"From", FormatAddress(sender)})
	}
	if to := msg.ToList(); len(to) > 0 {
		defaults = append(defaults, header{"To", FormatAddressList(to)})
	}
	if cc := msg.CcList(); len(cc) > 0 {
		defaults = append(defaults, header{"Cc", FormatAddressList(cc)})
	}
	if bcc := msg.BccList(); bo.IncludeBcc && len(bcc) > 0 {
		defaults = append(defaults, header{"Bcc", FormatAddressList(bcc)})
	}
	defaults = append(defaults,
		header{"Subject", EncodeHeader(msg.Subject())},
		header{"Message-ID", messageID},
	)
	if label, ok := priorityLabels[msg.Priority()]; ok {
		defaults = append(defaults, header{"X-Priority", label})
	}
	if opts.UserAgent != "" {
		defaults = append(defaults,
			header{"User-Agent", opts.UserAgent},
			header{"X-Mailer", opts.UserAgent},
		)
	}

	// Custom headers replace non-structural defaults of the same name and
	// follow them in sorted order.
	seen := make(map[string]bool, len(custom))
	names := make([]string, 0, len(custom))
	for name := range custom {
		names = append(names, name)
	}
	slices.Sort(names)

	byCanonical := make(map[string]string, len(custom))
	for _, name := range names {
		key := textproto.CanonicalMIMEHeaderKey(name)
		if structural[key] {
			continue
		}
		byCanonical[key] = custom[name]
	}

	out := make([]header, 0, len(defaults)+len(custom))
	for _, h := range defaults {
		key := textproto.CanonicalMIMEHeaderKey(h.name)
		if v, ok := byCanonical[key]; ok {
			h.value = EncodeHeader(v)
			seen[key] = true
		}
		out = append(out, h)
	}
	for _, name := range names {
		key := textproto.CanonicalMIMEHeaderKey(name)
		if structural[key] || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, header{name, EncodeHeader(custom[name])})
	}
	return out
}

// entity is a MIME header block with its encoded body.
type entity struct {
	header  textproto.MIMEHeader
	content []byte
}

func buildBody(msg *email.Message) (*entity, error) {
	opts := msg.Options()

	var text *entity
	var err error

	switch content, alt := msg.Content(), msg.AltContent(); {
	case content != "" && alt != "":
		plain, perr := textEntity(alt, "text/plain", opts)
		if perr != nil {
			return nil, perr
		}
		rich, rerr := textEntity(content, opts.ContentType, opts)
		if rerr != nil {
			return nil, rerr
		}
		text, err = multipartEntity("alternative", []*entity{plain, rich})
	case content == "" && alt != "":
		text, err = textEntity(alt, "text/plain", opts)
	default:
		text, err = textEntity(content, opts.ContentType, opts)
	}
	if err != nil {
		return nil, err
	}

	attachments := msg.Attachments()
	if len(attachments) == 0 {
		return text, nil
	}

	parts := []*entity{text}
	for _, att := range attachments {
		loaded, err := att.Load()
		if err != nil {
			return nil, err
		}
		parts = append(parts, attachmentEntity(loaded))
	}
	return multipartEntity("mixed", parts)
}

func textEntity(text, contentType string, opts email.Options) (*entity, error) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	if opts.WordWrap {
		text = Wrap(text, opts.WordWrapWidth)
	}

	charset := opts.EffectiveCharset()
	encoded, err := EncodeCharset(text, charset)
	if err != nil {
		return nil, err
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Type", mime.FormatMediaType(contentType, map[string]string{"charset": charset}))

	body, cte := encodeText(encoded)
	h.Set("Content-Transfer-Encoding", cte)
	return &entity{header: h, content: body}, nil
}

func attachmentEntity(att email.Attachment) *entity {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Type", mime.FormatMediaType(mediaType(att.ContentType), map[string]string{"name": att.Name}))
	h.Set("Content-Transfer-Encoding", "base64")
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": att.Name}))
	return &entity{header: h, content: []byte(EncodeBase64Lines(att.Content))}
}

func multipartEntity(subtype string, parts []*entity) (*entity, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for _, p := range parts {
		pw, err := w.CreatePart(p.header)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s part: %w", subtype, err)
		}
		if _, err := pw.Write(p.content); err != nil {
			return nil, fmt.Errorf("failed to write %s part: %w", subtype, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close %s part: %w", subtype, err)
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Type", mime.FormatMediaType("multipart/"+subtype, map[string]string{"boundary": w.Boundary()}))
	return &entity{header: h, content: buf.Bytes()}, nil
}

// mediaType strips parameters such as "; charset=utf-8" that mimetype
// detection appends, so FormatMediaType gets a bare type.
func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil || mt == "" {
		return "application/octet-stream"
	}
	return mt
}

func writeHeader(buf *bytes.Buffer, h textproto.MIMEHeader) {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		for _, v := range h[k] {
			fmt.Fprintf(buf, "%s: %s%s", k, v, crlf)
		}
	}
}
