// SPDX-License-Identifier: GPL-3.0-or-later
package mail

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/CrawX/go-mail-triage/domain"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"
)

// SnippetLength is the number of characters of the text body kept with a message.
const SnippetLength = 500

var errFound = errors.New("found")

// Parse reads a raw RFC 5322 message. fallbackDate is used when the Date header
// is missing or unparseable.
func Parse(rawMail []byte, fallbackDate time.Time) (*domain.FetchedMail, error) {
	entity, err := message.Read(bytes.NewReader(rawMail))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("could not parse mail: %w", err)
	}
	header := gomail.Header{Header: entity.Header}

	subject, err := header.Subject()
	if err != nil {
		subject = header.Get("Subject")
	}

	name, address := Sender(header)

	date, err := header.Date()
	if err != nil || date.IsZero() {
		date = fallbackDate
	}

	id, err := MailID(header)
	if err != nil {
		return nil, err
	}

	return &domain.FetchedMail{
		ID:            id,
		SenderName:    name,
		SenderAddress: address,
		Subject:       subject,
		Body:          textSnippet(entity),
		ReceivedAt:    date.UTC(),
	}, nil
}

// Sender returns the display name and lower-cased address of the first From
// address. An unparseable From header is returned as the name.
func Sender(header gomail.Header) (string, string) {
	return ParseSender(header.Get("From"))
}

// ParseSender splits a raw From header value into display name and lower-cased
// address.
func ParseSender(from string) (string, string) {
	addresses, err := gomail.ParseAddressList(from)
	if err != nil || len(addresses) == 0 {
		return strings.TrimSpace(from), ""
	}
	return addresses[0].Name, strings.ToLower(addresses[0].Address)
}

// MailID hashes the Message-Id and Received headers. Mails carrying neither are
// identified by their From, Date and Subject headers instead.
func MailID(header gomail.Header) (string, error) {
	messageIdHeader := header.Values("Message-Id")
	receivedHeader := header.Values("Received")
	if len(receivedHeader) == 0 && len(messageIdHeader) == 0 {
		return hash([][]string{header.Values("From"), header.Values("Date"), header.Values("Subject")})
	}
	return hash([][]string{messageIdHeader, receivedHeader})
}

func textSnippet(entity *message.Entity) string {
	snippet := ""
	err := entity.Walk(func(path []int, part *message.Entity, err error) error {
		if err != nil {
			return nil
		}
		mediaType, _, err := part.Header.ContentType()
		if err != nil {
			// No Content-Type means text/plain.
			mediaType = "text/plain"
		}
		disposition, _, _ := part.Header.ContentDisposition()
		if mediaType != "text/plain" || disposition == "attachment" {
			return nil
		}

		body, err := io.ReadAll(io.LimitReader(part.Body, SnippetLength*utf8.UTFMax))
		if err != nil {
			return nil
		}
		snippet = Truncate(strings.TrimSpace(string(body)), SnippetLength)
		return errFound
	})
	if err != nil && !errors.Is(err, errFound) {
		return ""
	}
	return snippet
}

// Truncate shortens s to at most n characters.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func ShortSubject(subject string) string {
	if utf8.RuneCountInString(subject) > 30 {
		subject = Truncate(subject, 30) + "..."
	}
	return subject
}

func hash(input [][]string) (string, error) {
	sha := sha256.New()
	for _, i := range input {
		for _, ii := range i {
			_, err := sha.Write([]byte(ii))
			if err != nil {
				return "", fmt.Errorf("could not hash: %w", err)
			}
		}
	}

	return fmt.Sprintf("%x", sha.Sum(nil)), nil
}
