package ingest

import (
	"context"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/nicktill/tinyflow/pkg/config"
)

// Subscriber lands lane flows published on a NATS subject. Messages carry
// the same JSON payload as the HTTP endpoint.
type Subscriber struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	subject string
	writer  *Writer
}

// NewSubscriber connects to the NATS server at url.
func NewSubscriber(url, subject string, writer *Writer) (*Subscriber, error) {
	nc, err := nats.Connect(url, nats.Name("tinyflow"))
	if err != nil {
		return nil, err
	}
	logrus.WithField("url", url).Info("Connected to NATS server")
	if subject == "" {
		subject = config.DefaultNATSSubject
	}
	return &Subscriber{nc: nc, subject: subject, writer: writer}, nil
}

// Start subscribes and begins processing messages.
func (s *Subscriber) Start() error {
	sub, err := s.nc.Subscribe(s.subject, func(msg *nats.Msg) {
		s.handle(msg.Data)
	})
	if err != nil {
		return err
	}
	s.sub = sub
	logrus.WithField("subject", s.subject).Info("Subscribed to lane flows")
	return nil
}

func (s *Subscriber) handle(data []byte) {
	log := logrus.WithField("subject", s.subject)
	flows, err := DecodeRequest(data)
	if err != nil {
		log.WithError(err).Warn("Dropping lane flow message")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.IngestTimeout)
	defer cancel()
	res, err := s.writer.Write(ctx, flows)
	if err != nil {
		log.WithError(err).Error("Failed to land lane flow message")
		return
	}
	log.WithFields(logrus.Fields{
		"accepted": res.Accepted,
		"skipped":  res.Skipped,
	}).Debug("Landed lane flow message")
}

// Close unsubscribes and closes the NATS connection.
func (s *Subscriber) Close() {
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			logrus.WithError(err).Warn("Failed to unsubscribe from NATS")
		}
	}
	if s.nc != nil {
		s.nc.Close()
		logrus.Info("NATS connection closed")
	}
}
