package mail

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"github.com/moreonion/mogin/pkg/config"
	"github.com/moreonion/mogin/pkg/metrics"
)

// Sender delivers mails.
type Sender interface {
	// Send composes and delivers a plain text mail to the receivers.
	Send(receivers []string, subject, body string) error
	// SendMessage delivers a prepared message, applying the configured
	// sender defaults (From, Reply-To, envelope sender) for headers the
	// message does not set itself.
	SendMessage(msg *gomail.Message) error
	// Host returns the SMTP host the sender talks to.
	Host() string
}

type sender struct {
	dialer       *gomail.Dialer
	from         string
	envelopeFrom string
	replyTo      string
	retryCount   int
	retryBackoff time.Duration
	logger       *zap.SugaredLogger
}

// NewSender builds a Sender from the configuration. In testing mode (or
// when mail.suppress_send is set) a SuppressedSender is returned that
// records messages instead of delivering them.
func NewSender(cfg *config.Config, logger *zap.SugaredLogger) Sender {
	suppress := cfg.Testing()
	if cfg.IsSet(config.KeyMailSuppressSend) {
		suppress = cfg.GetBool(config.KeyMailSuppressSend)
	}
	if suppress {
		return NewSuppressedSender(logger)
	}

	host := cfg.GetString(config.KeyMailHost)
	port := cfg.GetInt(config.KeyMailPort)
	logger.Infow("Initializing mail sender", "host", host, "port", port,
		"username", cfg.GetString(config.KeyMailUsername))

	d := gomail.NewDialer(host, port,
		cfg.GetString(config.KeyMailUsername), cfg.GetString(config.KeyMailPassword))
	d.SSL = cfg.GetBool(config.KeyMailUseSSL)
	d.LocalName = cfg.GetString(config.KeyMailLocalHostname)

	retryCount := cfg.GetInt(config.KeyMailRetryCount)
	if retryCount < 0 {
		retryCount = 0
	}
	backoffMs := cfg.GetInt(config.KeyMailRetryBackoffMs)
	if backoffMs <= 0 {
		backoffMs = 100
	}

	return &sender{
		dialer:       d,
		from:         cfg.GetString(config.KeyMailDefaultSender),
		envelopeFrom: cfg.GetString(config.KeyMailEnvelopeFrom),
		replyTo:      cfg.GetString(config.KeyMailReplyTo),
		retryCount:   retryCount,
		retryBackoff: time.Duration(backoffMs) * time.Millisecond,
		logger:       logger,
	}
}

func (s *sender) Send(receivers []string, subject, body string) error {
	msg := gomail.NewMessage()
	msg.SetHeader("To", receivers...)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)
	return s.SendMessage(msg)
}

func (s *sender) SendMessage(msg *gomail.Message) error {
	s.applyDefaults(msg)

	var lastErr error
	backoff := s.retryBackoff

	for attempt := 0; attempt <= s.retryCount; attempt++ {
		err := s.dialer.DialAndSend(msg)
		if err == nil {
			metrics.MailSendSuccess.WithLabelValues(s.Host()).Inc()
			return nil
		}

		lastErr = err
		if attempt < s.retryCount {
			s.logger.Warnw("Mail send attempt failed, retrying",
				"attempt", attempt+1, "error", err, "backoff", backoff.String())
			time.Sleep(backoff)
			backoff = time.Duration(math.Min(float64(backoff)*2, float64(32*time.Second)))
		}
	}

	s.logger.Errorw("Failed to send mail", "attempts", s.retryCount+1, "error", lastErr)
	metrics.MailSendFailure.WithLabelValues(s.Host()).Inc()
	return lastErr
}

// applyDefaults fills in headers the message doesn't set itself. The
// envelope sender goes into the Sender header, which gomail uses for the
// SMTP MAIL FROM command.
func (s *sender) applyDefaults(msg *gomail.Message) {
	if len(msg.GetHeader("From")) == 0 && s.from != "" {
		msg.SetHeader("From", s.from)
	}
	if len(msg.GetHeader("Reply-To")) == 0 && s.replyTo != "" {
		msg.SetHeader("Reply-To", s.replyTo)
	}
	if len(msg.GetHeader("Sender")) == 0 && s.envelopeFrom != "" {
		msg.SetHeader("Sender", s.envelopeFrom)
	}
}

func (s *sender) Host() string {
	return s.dialer.Host
}

// SuppressedSender records messages instead of delivering them. It is used
// in testing mode so tests can assert on outgoing mail.
type SuppressedSender struct {
	mu       sync.Mutex
	messages []*gomail.Message
	logger   *zap.SugaredLogger
}

// NewSuppressedSender creates a recording sender.
func NewSuppressedSender(logger *zap.SugaredLogger) *SuppressedSender {
	logger.Info("Mail delivery is suppressed, messages will be recorded only")
	return &SuppressedSender{logger: logger}
}

func (s *SuppressedSender) Send(receivers []string, subject, body string) error {
	msg := gomail.NewMessage()
	msg.SetHeader("To", receivers...)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)
	return s.SendMessage(msg)
}

func (s *SuppressedSender) SendMessage(msg *gomail.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	s.logger.Debugw("Suppressed outgoing mail",
		"to", msg.GetHeader("To"), "subject", msg.GetHeader("Subject"))
	return nil
}

func (s *SuppressedSender) Host() string { return "suppressed" }

// Sent returns the messages recorded so far.
func (s *SuppressedSender) Sent() []*gomail.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*gomail.Message(nil), s.messages...)
}

// Reset drops all recorded messages.
func (s *SuppressedSender) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
}
