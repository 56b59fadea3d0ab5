// Package parser reads RFC 5322 messages with MIME multipart support back
// into their parts. It loads stored .eml files and decodes what the SMTP
// capture server receives.
package parser

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"golang.org/x/text/encoding/ianaindex"

	"github.com/shineum/mailer-lite/email"
)

// Message is a parsed message flattened into the fields a builder needs.
type Message struct {
	From        *email.Address
	To          []email.Address
	Cc          []email.Address
	Bcc         []email.Address
	Subject     string
	TextBody    string
	HTMLBody    string
	Attachments []email.Attachment
	Header      mail.Header
	MessageID   string
}

var wordDecoder = &mime.WordDecoder{CharsetReader: charsetReader}

// Parse parses a raw RFC 5322 email message. It handles plain text
// messages, multipart messages with text/html bodies, and attachments.
// Unrecognized MIME parts are logged as warnings.
func Parse(raw []byte) (*Message, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	result := &Message{Header: msg.Header}

	if from := parseAddressList(msg.Header.Get("From")); len(from) > 0 {
		result.From = &from[0]
	}
	result.To = parseAddressList(msg.Header.Get("To"))
	result.Cc = parseAddressList(msg.Header.Get("Cc"))
	result.Bcc = parseAddressList(msg.Header.Get("Bcc"))
	result.MessageID = msg.Header.Get("Message-Id")
	result.Subject = decodeHeader(msg.Header.Get("Subject"))

	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		slog.Warn("failed to parse content type, treating as plain text",
			"content_type", contentType,
			"error", err,
		)
		body, readErr := io.ReadAll(msg.Body)
		if readErr != nil {
			return nil, fmt.Errorf("failed to read message body: %w", readErr)
		}
		result.TextBody = string(body)
		return result, nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart message missing boundary")
		}
		if err := parseMultipart(msg.Body, boundary, result); err != nil {
			return nil, fmt.Errorf("failed to parse multipart message: %w", err)
		}
		return result, nil
	}

	raw, err = io.ReadAll(msg.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}
	body, err := decodeTransfer(msg.Header.Get("Content-Transfer-Encoding"), raw)
	if err != nil {
		return nil, err
	}
	text := decodeCharset(body, params["charset"])

	switch mediaType {
	case "text/html":
		result.HTMLBody = text
	case "text/plain":
		result.TextBody = text
	default:
		slog.Warn("unrecognized top-level content type",
			"content_type", mediaType,
		)
		result.TextBody = text
	}

	return result, nil
}

// parseMultipart processes a multipart MIME body, extracting text/plain and
// text/html parts and attachments. Nested multiparts are walked.
func parseMultipart(body io.Reader, boundary string, result *Message) error {
	reader := multipart.NewReader(body, boundary)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read next part: %w", err)
		}

		partContentType := part.Header.Get("Content-Type")
		if partContentType == "" {
			partContentType = "text/plain"
		}

		mediaType, params, err := mime.ParseMediaType(partContentType)
		if err != nil {
			slog.Warn("failed to parse part content type, skipping",
				"content_type", partContentType,
				"error", err,
			)
			continue
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			nested := params["boundary"]
			if nested == "" {
				slog.Warn("nested multipart missing boundary, skipping")
				continue
			}
			if err := parseMultipart(part, nested, result); err != nil {
				slog.Warn("failed to parse nested multipart", "error", err)
			}
			continue
		}

		content, err := readPartContent(part)
		if err != nil {
			slog.Warn("failed to read part content",
				"content_type", mediaType,
				"error", err,
			)
			continue
		}

		disposition := part.Header.Get("Content-Disposition")
		if strings.HasPrefix(disposition, "attachment") {
			result.Attachments = append(result.Attachments, email.Attachment{
				Name:        extractFilename(part, mediaType, params),
				ContentType: mediaType,
				Content:     content,
			})
			continue
		}

		switch mediaType {
		case "text/plain":
			if result.TextBody == "" {
				result.TextBody = decodeCharset(content, params["charset"])
			}
		case "text/html":
			if result.HTMLBody == "" {
				result.HTMLBody = decodeCharset(content, params["charset"])
			}
		default:
			if part.FileName() != "" || params["name"] != "" {
				result.Attachments = append(result.Attachments, email.Attachment{
					Name:        extractFilename(part, mediaType, params),
					ContentType: mediaType,
					Content:     content,
				})
				continue
			}
			slog.Warn("unrecognized MIME part, skipping",
				"content_type", mediaType,
				"disposition", disposition,
			)
		}
	}

	return nil
}

// readPartContent reads a part, undoing base64 transfer encoding. The
// multipart reader already strips quoted-printable.
func readPartContent(part *multipart.Part) ([]byte, error) {
	raw, err := io.ReadAll(part)
	if err != nil {
		return nil, err
	}
	return decodeTransfer(part.Header.Get("Content-Transfer-Encoding"), raw)
}

func decodeTransfer(encoding string, raw []byte) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		cleaned := strings.NewReplacer("\r", "", "\n", "").Replace(string(raw))
		decoded, err := base64.StdEncoding.DecodeString(cleaned)
		if err != nil {
			decoded, err = base64.RawStdEncoding.DecodeString(cleaned)
			if err != nil {
				return nil, fmt.Errorf("failed to decode base64 content: %w", err)
			}
		}
		return decoded, nil
	case "quoted-printable":
		decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(raw)))
		if err != nil {
			return nil, fmt.Errorf("failed to decode quoted-printable content: %w", err)
		}
		return decoded, nil
	default:
		return raw, nil
	}
}

// decodeCharset converts text in charset to UTF-8. Unknown charsets are
// passed through.
func decodeCharset(data []byte, charset string) string {
	switch strings.ToLower(charset) {
	case "", "utf-8", "utf8", "us-ascii":
		return string(data)
	}
	enc, err := ianaindex.MIME.Encoding(charset)
	if err != nil || enc == nil {
		return string(data)
	}
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return string(data)
	}
	return string(out)
}

func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc, err := ianaindex.MIME.Encoding(charset)
	if err != nil || enc == nil {
		return nil, fmt.Errorf("unsupported charset %q", charset)
	}
	return enc.NewDecoder().Reader(input), nil
}

func decodeHeader(s string) string {
	decoded, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

// extractFilename checks Content-Disposition, then the Content-Type name
// parameter, then falls back to a name derived from the media type.
func extractFilename(part *multipart.Part, mediaType string, params map[string]string) string {
	if fn := part.FileName(); fn != "" {
		return fn
	}
	if name := params["name"]; name != "" {
		return name
	}
	if _, sub, ok := strings.Cut(mediaType, "/"); ok {
		return "attachment." + sub
	}
	return "attachment"
}

// parseAddressList parses a header address list, keeping display names.
func parseAddressList(raw string) []email.Address {
	if raw == "" {
		return nil
	}

	parser := mail.AddressParser{WordDecoder: wordDecoder}
	addresses, err := parser.ParseList(raw)
	if err != nil {
		// Fall back to a plain comma split for sloppy headers
		parts := strings.Split(raw, ",")
		result := make([]email.Address, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.Trim(strings.TrimSpace(p), "<>"); trimmed != "" {
				result = append(result, email.Bare(trimmed))
			}
		}
		return result
	}

	result := make([]email.Address, 0, len(addresses))
	for _, addr := range addresses {
		result = append(result, email.Named(addr.Name, addr.Address))
	}
	return result
}
