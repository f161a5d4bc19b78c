package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/tj/assert"

	"github.com/lmdm/labmonitor/pkg/common"
	"github.com/lmdm/labmonitor/pkg/repository"
	"github.com/lmdm/labmonitor/pkg/types"
)

type sentMail struct {
	To      string
	Subject string
	Body    string
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (m *fakeMailer) Send(ctx context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}

	m.sent = append(m.sent, sentMail{To: to, Subject: subject, Body: body})
	return nil
}

func newNotifierForTest(t *testing.T, mailer Mailer, config types.NotifierConfig) *Notifier {
	rdb, err := repository.NewRedisClientForTest()
	assert.Nil(t, err)

	return NewNotifier(rdb, mailer, config)
}

func TestJobEventsMailTheOwner(t *testing.T) {
	mailer := &fakeMailer{}
	n := newNotifierForTest(t, mailer, types.NotifierConfig{Enabled: true})

	ok := n.handleJobCompleted(&common.Event{
		Type: common.EventTypeJobCompleted,
		Args: map[string]any{"job_id": "job-1", "user_email": "ada@lab.example.edu"},
	})
	assert.True(t, ok)

	assert.Len(t, mailer.sent, 1)
	assert.Equal(t, "ada@lab.example.edu", mailer.sent[0].To)
	assert.Contains(t, mailer.sent[0].Subject, "job-1")
	assert.Contains(t, mailer.sent[0].Subject, "completed")
}

func TestJobFailedIncludesExitCodeAndError(t *testing.T) {
	mailer := &fakeMailer{}
	n := newNotifierForTest(t, mailer, types.NotifierConfig{Enabled: true})

	// Args round-trip through JSON on the bus, so numbers arrive as float64
	ok := n.handleJobFailed(&common.Event{
		Type: common.EventTypeJobFailed,
		Args: map[string]any{
			"job_id":     "job-1",
			"user_email": "ada@lab.example.edu",
			"exit_code":  float64(2),
			"error":      "process exited with code 2",
		},
	})
	assert.True(t, ok)

	assert.Len(t, mailer.sent, 1)
	assert.Contains(t, mailer.sent[0].Body, "Exit code: 2")
	assert.Contains(t, mailer.sent[0].Body, "process exited with code 2")
}

func TestMachineEventsMailTheAdmin(t *testing.T) {
	mailer := &fakeMailer{}
	n := newNotifierForTest(t, mailer, types.NotifierConfig{Enabled: true, AdminEmail: "admin@lab.example.edu"})

	ok := n.handleMachineUnreachable(&common.Event{
		Type: common.EventTypeMachineUnreachable,
		Args: map[string]any{"machine_name": "lab-01", "address": "10.0.0.10"},
	})
	assert.True(t, ok)

	assert.Len(t, mailer.sent, 1)
	assert.Equal(t, "admin@lab.example.edu", mailer.sent[0].To)
	assert.Contains(t, mailer.sent[0].Subject, "lab-01")
	assert.Contains(t, mailer.sent[0].Body, "10.0.0.10")
}

func TestMissingRecipientConsumesEvent(t *testing.T) {
	mailer := &fakeMailer{}

	// No admin email configured; the event must not be retried forever
	n := newNotifierForTest(t, mailer, types.NotifierConfig{Enabled: true})

	ok := n.handleMachineRestored(&common.Event{
		Type: common.EventTypeMachineRestored,
		Args: map[string]any{"machine_name": "lab-01"},
	})
	assert.True(t, ok)
	assert.Len(t, mailer.sent, 0)
}

func TestDeliveryFailureReportsUnhandled(t *testing.T) {
	mailer := &fakeMailer{err: errors.New("smtp: connection refused")}
	n := newNotifierForTest(t, mailer, types.NotifierConfig{Enabled: true})

	ok := n.handleReservationReminder(&common.Event{
		Type: common.EventTypeReservationReminder,
		Args: map[string]any{"user_email": "ada@lab.example.edu", "machine_name": "lab-01"},
	})
	assert.False(t, ok)
}
