package automation

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nexo/internal/common"
)

var linkPattern = regexp.MustCompile(`https?://[^\s"'<>\)]+(?:verify|confirm|activat|validate)[^\s"'<>\)]*`)

// Mailbox reads the worker's IMAP account for verification mail
type Mailbox struct {
	config common.IMAPConfig
	logger arbor.ILogger
}

func NewMailbox(config common.IMAPConfig, logger arbor.ILogger) *Mailbox {
	return &Mailbox{config: config, logger: logger}
}

// Configured reports whether credentials exist to read mail at all
func (m *Mailbox) Configured() bool {
	return m.config.Host != "" && m.config.Username != "" && m.config.Password != ""
}

// FindVerificationLink scans unseen inbox mail for a confirmation URL from
// the given domain. Returns empty string when nothing matched.
func (m *Mailbox) FindVerificationLink(domain string) (string, error) {
	if !m.Configured() {
		return "", fmt.Errorf("IMAP not configured")
	}

	addr := fmt.Sprintf("%s:%d", m.config.Host, m.config.Port)
	var c *client.Client
	var err error
	if m.config.UseTLS {
		c, err = client.DialTLS(addr, nil)
	} else {
		c, err = client.Dial(addr)
	}
	if err != nil {
		return "", fmt.Errorf("IMAP connect failed: %w", err)
	}
	defer c.Logout()

	if err := c.Login(m.config.Username, m.config.Password); err != nil {
		return "", fmt.Errorf("IMAP login failed: %w", err)
	}

	mbox, err := c.Select("INBOX", false)
	if err != nil {
		return "", fmt.Errorf("failed to select INBOX: %w", err)
	}
	if mbox.Messages == 0 {
		return "", nil
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	seqNums, err := c.Search(criteria)
	if err != nil {
		return "", fmt.Errorf("IMAP search failed: %w", err)
	}
	if len(seqNums) == 0 {
		return "", nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(seqNums...)

	section := &imap.BodySectionName{}
	messages := make(chan *imap.Message, len(seqNums))
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqSet, []imap.FetchItem{imap.FetchEnvelope, section.FetchItem()}, messages)
	}()

	link := ""
	for msg := range messages {
		if msg == nil || link != "" {
			continue
		}
		if !fromDomain(msg, domain) {
			continue
		}
		body, berr := messageBody(msg, section)
		if berr != nil {
			m.logger.Warn().Err(berr).Int64("seq", int64(msg.SeqNum)).Msg("Failed to parse verification mail body")
			continue
		}
		if found := linkPattern.FindString(body); found != "" {
			link = found
		}
	}

	if err := <-done; err != nil {
		return "", fmt.Errorf("IMAP fetch failed: %w", err)
	}
	return link, nil
}

func fromDomain(msg *imap.Message, domain string) bool {
	if msg.Envelope == nil || len(msg.Envelope.From) == 0 {
		return false
	}
	if domain == "" {
		return true
	}
	sender := strings.ToLower(msg.Envelope.From[0].Address())
	return strings.HasSuffix(sender, "@"+domain) || strings.Contains(sender, domain)
}

func messageBody(msg *imap.Message, section *imap.BodySectionName) (string, error) {
	r := msg.GetBody(section)
	if r == nil {
		return "", fmt.Errorf("no body section")
	}
	mr, err := mail.CreateReader(r)
	if err != nil {
		return "", fmt.Errorf("failed to create mail reader: %w", err)
	}

	var body strings.Builder
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to read next part: %w", err)
		}
		if h, ok := p.Header.(*mail.InlineHeader); ok {
			contentType, _, _ := h.ContentType()
			if strings.HasPrefix(contentType, "text/") {
				b, rerr := io.ReadAll(p.Body)
				if rerr != nil {
					return "", fmt.Errorf("failed to read body: %w", rerr)
				}
				body.Write(b)
			}
		}
	}
	return strings.TrimSpace(body.String()), nil
}
