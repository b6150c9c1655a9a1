package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubjectPrefix is the subject root for published run events:
// <prefix>.<run_id>.<kind>.
const DefaultSubjectPrefix = "genimpute.events"

// DefaultMailSubject is the request subject of the mail service.
const DefaultMailSubject = "genimpute.mail.send"

// Connect dials a NATS server with unlimited reconnects.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("genimpute"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}

// Publisher is the subset of *nats.Conn used by NATSSink.
type Publisher interface {
	Publish(subject string, data []byte) error
}

type natsEvent struct {
	RunID string `json:"run_id"`
	Event
}

// NATSSink publishes each event as JSON. Publish errors are logged and
// otherwise ignored so a flaky bus never fails a run.
type NATSSink struct {
	pub    Publisher
	prefix string
	runID  string
	logger *zap.Logger

	mu   sync.Mutex
	task string
}

func NewNATSSink(pub Publisher, prefix, runID string, logger *zap.Logger) *NATSSink {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSSink{pub: pub, prefix: prefix, runID: runID, logger: logger}
}

// Subject returns the subject events of kind are published on.
func (s *NATSSink) Subject(kind EventKind) string {
	return s.prefix + "." + s.runID + "." + string(kind)
}

func (s *NATSSink) BeginTask(name string) {
	s.mu.Lock()
	s.task = name
	s.mu.Unlock()
	s.publish(Event{Kind: KindBegin, Task: name, Status: StatusRunning})
}

func (s *NATSSink) UpdateTask(message string, status Status) {
	s.publish(Event{Kind: KindUpdate, Task: s.current(), Message: message, Status: status})
}

func (s *NATSSink) EndTask(message string, status Status) {
	s.publish(Event{Kind: KindEnd, Task: s.current(), Message: message, Status: status})
}

func (s *NATSSink) Println(line string) {
	s.publish(Event{Kind: KindLine, Task: s.current(), Message: line})
}

func (s *NATSSink) Counter(name string, value int64) {
	s.publish(Event{Kind: KindCounter, Name: name, Value: value})
}

func (s *NATSSink) current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task
}

func (s *NATSSink) publish(ev Event) {
	ev.TS = time.Now().UTC()
	b, err := json.Marshal(natsEvent{RunID: s.runID, Event: ev})
	if err != nil {
		s.logger.Warn("Event not encoded", zap.Error(err))
		return
	}
	if err := s.pub.Publish(s.Subject(ev.Kind), b); err != nil {
		s.logger.Warn("Event not published", zap.String("subject", s.Subject(ev.Kind)), zap.Error(err))
	}
}

// Requester is the subset of *nats.Conn used by NATSMailer.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// MailReply is the response of the mail service.
type MailReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// NATSMailer hands messages to a mail service listening on a NATS subject
// and waits for its reply.
type NATSMailer struct {
	conn    Requester
	subject string
	timeout time.Duration
}

func NewNATSMailer(conn Requester, subject string) *NATSMailer {
	if subject == "" {
		subject = DefaultMailSubject
	}
	return &NATSMailer{conn: conn, subject: subject, timeout: 30 * time.Second}
}

func (m *NATSMailer) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return ErrNoRecipient
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode mail: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	resp, err := m.conn.RequestWithContext(ctx, m.subject, b)
	if err != nil {
		return fmt.Errorf("send mail via %s: %w", m.subject, err)
	}

	var reply MailReply
	if err := json.Unmarshal(resp.Data, &reply); err != nil {
		return fmt.Errorf("decode mail reply: %w", err)
	}
	if !reply.OK {
		if reply.Error == "" {
			reply.Error = "rejected"
		}
		return errors.New(reply.Error)
	}
	return nil
}
