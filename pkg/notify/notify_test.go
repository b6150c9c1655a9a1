package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/3leaps/genimpute/pkg/output"
)

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	r.BeginTask("Export data...")
	r.UpdateTask("<span>1</span>", StatusRunning)
	r.UpdateTask("<span>2</span>", StatusRunning)
	r.Println("Export and merge chromosome 20")
	r.EndTask("Exported data.", StatusOK)
	r.Counter("samples", 10)
	r.Counter("samples", 5)

	events := r.Events()
	require.Len(t, events, 6)
	assert.Equal(t, KindBegin, events[0].Kind)
	assert.Equal(t, "<span>2</span>", events[1].Message, "consecutive updates collapse")
	assert.Equal(t, KindLine, events[2].Kind)
	assert.Equal(t, "Export data...", events[3].Task)
	assert.Equal(t, StatusOK, events[3].Status)

	assert.Equal(t, map[string]int64{"samples": 15}, r.Counters())

	task, msg, status := r.Current()
	assert.Equal(t, "Export data...", task)
	assert.Equal(t, "Exported data.", msg)
	assert.Equal(t, StatusOK, status)
}

func TestMulti(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	s := Multi(a, nil, b)
	s.BeginTask("t")
	s.UpdateTask("u", StatusRunning)
	s.EndTask("e", StatusError)
	s.Println("l")
	s.Counter("c", 1)

	assert.Equal(t, len(a.Events()), len(b.Events()))
	assert.Len(t, a.Events(), 5)
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	s := NewLogSink(zap.New(core))

	s.BeginTask("Start imputation")
	s.EndTask("Imputation on chromosome 7 failed. Imputation was stopped.", StatusError)
	s.Println("Summary:")

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zap.ErrorLevel, entries[1].Level)
	assert.Equal(t, "Start imputation", entries[1].ContextMap()["task"])
}

func TestJSONLSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewJSONLSink(output.NewJSONLWriter(&buf, "run-1"))

	s.BeginTask("Export data...")
	s.EndTask("Exported data.", StatusOK)
	s.Counter("chromosomes", 3)
	require.NoError(t, s.Err())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)

	var rec output.Record
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &rec))
	var task output.TaskRecord
	require.NoError(t, json.Unmarshal(rec.Data, &task))
	assert.Equal(t, output.TaskRecord{Phase: output.PhaseEnd, Name: "Export data...", Message: "Exported data.", Status: "ok"}, task)
}

func TestJSONLSink_KeepsFirstError(t *testing.T) {
	w := output.NewJSONLWriter(&bytes.Buffer{}, "run-1")
	require.NoError(t, w.Close())

	s := NewJSONLSink(w)
	s.Println("x")
	s.Println("y")
	assert.ErrorIs(t, s.Err(), output.ErrWriterClosed)
}

type fakeConn struct {
	mu        sync.Mutex
	published map[string][][]byte
	pubErr    error

	reply   []byte
	reqErr  error
	request []byte
	subject string
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.published == nil {
		c.published = map[string][][]byte{}
	}
	c.published[subject] = append(c.published[subject], data)
	return c.pubErr
}

func (c *fakeConn) RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error) {
	if _, ok := ctx.Deadline(); !ok {
		return nil, errors.New("request without deadline")
	}
	c.subject = subj
	c.request = data
	if c.reqErr != nil {
		return nil, c.reqErr
	}
	return &nats.Msg{Subject: subj, Data: c.reply}, nil
}

func TestNATSSink(t *testing.T) {
	conn := &fakeConn{}
	s := NewNATSSink(conn, "", "run-9", nil)

	s.BeginTask("Start imputation")
	s.UpdateTask("<span/>", StatusRunning)
	s.Counter("runs", 1)

	require.Len(t, conn.published["genimpute.events.run-9.begin"], 1)
	require.Len(t, conn.published["genimpute.events.run-9.update"], 1)
	require.Len(t, conn.published["genimpute.events.run-9.counter"], 1)

	var got map[string]any
	require.NoError(t, json.Unmarshal(conn.published["genimpute.events.run-9.update"][0], &got))
	assert.Equal(t, "run-9", got["run_id"])
	assert.Equal(t, "Start imputation", got["task"])
	assert.Equal(t, "running", got["status"])
}

func TestNATSSink_PublishErrorsAreLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	s := NewNATSSink(&fakeConn{pubErr: nats.ErrConnectionClosed}, "events", "run-1", zap.New(core))

	s.Println("hello")
	assert.Equal(t, 1, logs.FilterMessage("Event not published").Len())
}

func TestNATSMailer(t *testing.T) {
	conn := &fakeConn{reply: []byte(`{"ok":true}`)}
	m := NewNATSMailer(conn, "")

	msg := Message{To: []string{"lukas@example.org"}, Subject: CompletionSubject("job-1"), Body: "b"}
	require.NoError(t, m.Send(context.Background(), msg))
	assert.Equal(t, DefaultMailSubject, conn.subject)

	var sent Message
	require.NoError(t, json.Unmarshal(conn.request, &sent))
	assert.Equal(t, msg, sent)

	conn.reply = []byte(`{"ok":false,"error":"mailbox full"}`)
	assert.EqualError(t, m.Send(context.Background(), msg), "mailbox full")

	conn.reqErr = nats.ErrTimeout
	assert.ErrorIs(t, m.Send(context.Background(), msg), nats.ErrTimeout)

	assert.ErrorIs(t, m.Send(context.Background(), Message{}), ErrNoRecipient)
}

func TestSMTPMailer(t *testing.T) {
	m := NewSMTPMailer(SMTPConfig{Host: "mail.example.org", Port: 587, Username: "u", Password: "p", From: "noreply@example.org"})

	var gotAddr string
	var gotTo []string
	var gotMsg []byte
	m.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		assert.NotNil(t, a)
		assert.Equal(t, "noreply@example.org", from)
		gotAddr, gotTo, gotMsg = addr, to, msg
		return nil
	}

	err := m.Send(context.Background(), Message{To: []string{"a@example.org"}, Subject: "Job 1 is complete.", Body: "line1\nline2"})
	require.NoError(t, err)
	assert.Equal(t, "mail.example.org:587", gotAddr)
	assert.Equal(t, []string{"a@example.org"}, gotTo)
	assert.Contains(t, string(gotMsg), "Subject: Job 1 is complete.\r\n")
	assert.True(t, strings.HasSuffix(string(gotMsg), "line1\r\nline2\r\n"))

	m.send = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("550 rejected") }
	assert.ErrorContains(t, m.Send(context.Background(), Message{To: []string{"a@example.org"}}), "550 rejected")
}

func TestMessages(t *testing.T) {
	assert.Equal(t, "Job job-20261019 is complete.", CompletionSubject("job-20261019"))
	assert.Equal(t, "https://imputationserver.sph.umich.edu/start.html#!jobs/j1/results", ResultsLink("", "j1"))
	assert.Equal(t, "https://impute.example.org/start.html#!jobs/j1/results", ResultsLink("https://impute.example.org/", "j1"))
	assert.Equal(t,
		"Dear Ada,\nthe password for the imputation results is: s3cret\n\nThe results can be downloaded from http://x/start.html#!jobs/j/results",
		CompletionBody("Ada", "s3cret", ResultsLink("http://x", "j")))
	assert.Equal(t,
		"Email notification (and therefore encryption) is disabled. All results are encrypted with password <b>imputation@michigan</b>",
		DisabledMessage("imputation@michigan"))
}

type captureMailer struct {
	msgs []Message
	err  error
}

func (c *captureMailer) Send(_ context.Context, msg Message) error {
	c.msgs = append(c.msgs, msg)
	return c.err
}

func TestNotifier(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		rec := NewRecorder()
		n := &Notifier{Sink: rec}
		require.NoError(t, n.Notify(context.Background(), "j1", Recipient{}, "imputation@michigan"))
		_, msg, status := rec.Current()
		assert.Equal(t, DisabledMessage("imputation@michigan"), msg)
		assert.Equal(t, StatusOK, status)
	})

	t.Run("no recipient", func(t *testing.T) {
		rec := NewRecorder()
		mailer := &captureMailer{}
		n := &Notifier{Enabled: true, Mailer: mailer, Sink: rec}
		err := n.Notify(context.Background(), "j1", Recipient{Name: "Ada"}, "pw")
		assert.ErrorIs(t, err, ErrNoRecipient)
		assert.Empty(t, mailer.msgs)
		_, msg, status := rec.Current()
		assert.Equal(t, NoRecipientMessage, msg)
		assert.Equal(t, StatusError, status)
	})

	t.Run("sent", func(t *testing.T) {
		rec := NewRecorder()
		mailer := &captureMailer{}
		n := &Notifier{Enabled: true, ServerURL: "https://impute.example.org", Mailer: mailer, Sink: rec}
		require.NoError(t, n.Notify(context.Background(), "j1", Recipient{Name: "Ada", Email: "ada@example.org"}, "pw"))
		require.Len(t, mailer.msgs, 1)
		assert.Equal(t, "Job j1 is complete.", mailer.msgs[0].Subject)
		assert.Contains(t, mailer.msgs[0].Body, "https://impute.example.org/start.html#!jobs/j1/results")
		_, msg, _ := rec.Current()
		assert.Equal(t, SentMessage("ada@example.org"), msg)
	})

	t.Run("delivery error", func(t *testing.T) {
		rec := NewRecorder()
		n := &Notifier{Enabled: true, Mailer: &captureMailer{err: errors.New("relay down")}, Sink: rec}
		err := n.Notify(context.Background(), "j1", Recipient{Email: "ada@example.org"}, "pw")
		assert.EqualError(t, err, "relay down")
		_, _, status := rec.Current()
		assert.Equal(t, StatusError, status)
	})
}

func TestEventJSON(t *testing.T) {
	b, err := json.Marshal(Event{Kind: KindEnd, Message: "done", Status: StatusError, TS: time.Unix(0, 0).UTC()})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"status":"error"`)
	assert.NotContains(t, string(b), `"name"`)
}
