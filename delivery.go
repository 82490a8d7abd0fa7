package maildirsync

import (
	"context"
	"io"
	"net"
	"strings"
	"time"
)

// DeliveryAgent handles message delivery to storage.
// smtpd calls Deliver() after a message passes filtering.
type DeliveryAgent interface {
	// Deliver stores a message for the specified recipients.
	// envelope contains sender and recipient information.
	// message is the raw RFC 5322 message content.
	Deliver(ctx context.Context, envelope Envelope, message io.Reader) error
}

// Envelope contains the message envelope information from the SMTP transaction.
type Envelope struct {
	// From is the MAIL FROM address (reverse-path).
	From string

	// Recipients contains the RCPT TO addresses (forward-paths).
	Recipients []string

	// ReceivedTime is when the message was received by the server.
	ReceivedTime time.Time

	// ClientIP is the IP address of the connecting client.
	ClientIP net.IP

	// ClientHostname is the hostname provided in EHLO/HELO.
	ClientHostname string
}

// Recipient is a recipient address split into its mailbox address and
// subaddress extension.
type Recipient struct {
	// Address is the address without extension, e.g. user@example.com.
	Address string

	// Extension is the part after the first '+' of the local part.
	Extension string
}

// ParseRecipient strips the subaddress extension from an address, so
// user+folder@example.com delivers to the user@example.com mailbox.
func ParseRecipient(email string) Recipient {
	local, domain, hasDomain := email, "", false
	if i := strings.LastIndex(email, "@"); i >= 0 {
		local, domain, hasDomain = email[:i], email[i+1:], true
	}
	var ext string
	if i := strings.Index(local, "+"); i >= 0 {
		local, ext = local[:i], local[i+1:]
	}
	if hasDomain {
		return Recipient{Address: local + "@" + domain, Extension: ext}
	}
	return Recipient{Address: local, Extension: ext}
}
