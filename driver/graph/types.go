package graph

import (
	"encoding/base64"
	"slices"
	"strings"

	"github.com/shineum/mailer-lite/email"
)

// sendMailRequest is the top-level request body for the Graph API sendMail endpoint.
type sendMailRequest struct {
	Message         sendMailMessage `json:"message"`
	SaveToSentItems bool            `json:"saveToSentItems"`
}

// sendMailMessage represents the message portion of a sendMail request.
type sendMailMessage struct {
	Subject                string            `json:"subject"`
	Body                   messageBody       `json:"body"`
	From                   *recipient        `json:"from,omitempty"`
	ToRecipients           []recipient       `json:"toRecipients"`
	CcRecipients           []recipient       `json:"ccRecipients,omitempty"`
	BccRecipients          []recipient       `json:"bccRecipients,omitempty"`
	Importance             string            `json:"importance,omitempty"`
	InternetMessageHeaders []messageHeader   `json:"internetMessageHeaders,omitempty"`
	Attachments            []graphAttachment `json:"attachments,omitempty"`
}

type messageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type emailAddress struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

type messageHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type graphAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"`
}

// tokenResponse represents the OAuth2 token endpoint response.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

type graphErrorResponse struct {
	Error graphError `json:"error"`
}

type graphError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// buildSendMailRequest converts a message into a sendMail request body.
// Path attachments are read from disk here.
func buildSendMailRequest(msg *email.Message) (*sendMailRequest, error) {
	opts := msg.Options()

	body := messageBody{ContentType: "text", Content: msg.AltContent()}
	if content := msg.Content(); content != "" {
		body.Content = content
		if opts.ContentType == "text/html" {
			body.ContentType = "html"
		}
	}

	out := sendMailMessage{
		Subject:       msg.Subject(),
		Body:          body,
		ToRecipients:  recipients(msg.ToList()),
		CcRecipients:  recipients(msg.CcList()),
		BccRecipients: recipients(msg.BccList()),
		Importance:    importance(msg.Priority()),
	}
	if out.ToRecipients == nil {
		out.ToRecipients = []recipient{}
	}
	if sender, ok := msg.Sender(); ok {
		out.From = &recipient{EmailAddress: emailAddress{Name: sender.Name, Address: sender.Email}}
	}

	// Graph only accepts custom headers that start with "X-".
	headers := msg.Headers()
	names := make([]string, 0, len(headers))
	for name := range headers {
		if strings.HasPrefix(strings.ToLower(name), "x-") {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	for _, name := range names {
		out.InternetMessageHeaders = append(out.InternetMessageHeaders, messageHeader{Name: name, Value: headers[name]})
	}

	for _, att := range msg.Attachments() {
		loaded, err := att.Load()
		if err != nil {
			return nil, err
		}
		out.Attachments = append(out.Attachments, graphAttachment{
			ODataType:    "#microsoft.graph.fileAttachment",
			Name:         loaded.Name,
			ContentType:  loaded.ContentType,
			ContentBytes: base64.StdEncoding.EncodeToString(loaded.Content),
		})
	}

	return &sendMailRequest{Message: out, SaveToSentItems: true}, nil
}

func recipients(addrs []email.Address) []recipient {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]recipient, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, recipient{EmailAddress: emailAddress{Name: a.Name, Address: a.Email}})
	}
	return out
}

// importance maps priority 1..5 onto Graph's three levels.
func importance(priority int) string {
	switch {
	case priority < 3:
		return "high"
	case priority > 3:
		return "low"
	default:
		return "normal"
	}
}
