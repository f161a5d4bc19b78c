package notifier

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/lmdm/labmonitor/pkg/common"
	"github.com/lmdm/labmonitor/pkg/types"
)

// Notifier turns bus events into email. Job and reservation events go to the
// user who owns them; machine health events go to the lab admin.
type Notifier struct {
	eventBus *common.EventBus
	mailer   Mailer
	config   types.NotifierConfig
}

func NewNotifier(rdb *common.RedisClient, mailer Mailer, config types.NotifierConfig) *Notifier {
	n := &Notifier{
		mailer: mailer,
		config: config,
	}

	n.eventBus = common.NewEventBus(rdb,
		common.EventBusSubscriber{Type: common.EventTypeJobScheduled, Callback: n.handleJobScheduled},
		common.EventBusSubscriber{Type: common.EventTypeJobRunning, Callback: n.handleJobRunning},
		common.EventBusSubscriber{Type: common.EventTypeJobCompleted, Callback: n.handleJobCompleted},
		common.EventBusSubscriber{Type: common.EventTypeJobFailed, Callback: n.handleJobFailed},
		common.EventBusSubscriber{Type: common.EventTypeJobCancelled, Callback: n.handleJobCancelled},
		common.EventBusSubscriber{Type: common.EventTypeReservationCreated, Callback: n.handleReservationCreated},
		common.EventBusSubscriber{Type: common.EventTypeReservationReminder, Callback: n.handleReservationReminder},
		common.EventBusSubscriber{Type: common.EventTypeMachineUnreachable, Callback: n.handleMachineUnreachable},
		common.EventBusSubscriber{Type: common.EventTypeMachineRestored, Callback: n.handleMachineRestored},
	)

	return n
}

// Start consumes events until the context is cancelled. Blocking.
func (n *Notifier) Start(ctx context.Context) {
	n.eventBus.ReceiveEvents(ctx)
}

func (n *Notifier) handleJobScheduled(e *common.Event) bool {
	return n.send(argString(e, "user_email"),
		fmt.Sprintf("[labmonitor] job %s scheduled", argString(e, "job_id")),
		fmt.Sprintf("Your job %s has been scheduled on machine %s and will start shortly.\n",
			argString(e, "job_id"), argString(e, "machine_name")))
}

func (n *Notifier) handleJobRunning(e *common.Event) bool {
	return n.send(argString(e, "user_email"),
		fmt.Sprintf("[labmonitor] job %s running", argString(e, "job_id")),
		fmt.Sprintf("Your job %s is now running on machine %s.\n",
			argString(e, "job_id"), argString(e, "machine_name")))
}

func (n *Notifier) handleJobCompleted(e *common.Event) bool {
	return n.send(argString(e, "user_email"),
		fmt.Sprintf("[labmonitor] job %s completed", argString(e, "job_id")),
		fmt.Sprintf("Your job %s finished successfully.\n", argString(e, "job_id")))
}

func (n *Notifier) handleJobFailed(e *common.Event) bool {
	body := fmt.Sprintf("Your job %s failed.\n", argString(e, "job_id"))
	if exitCode, ok := e.Args["exit_code"]; ok {
		body += fmt.Sprintf("Exit code: %v\n", exitCode)
	}
	if errMsg := argString(e, "error"); errMsg != "" {
		body += fmt.Sprintf("Error: %s\n", errMsg)
	}

	return n.send(argString(e, "user_email"),
		fmt.Sprintf("[labmonitor] job %s failed", argString(e, "job_id")), body)
}

func (n *Notifier) handleJobCancelled(e *common.Event) bool {
	return n.send(argString(e, "user_email"),
		fmt.Sprintf("[labmonitor] job %s cancelled", argString(e, "job_id")),
		fmt.Sprintf("Your job %s was cancelled.\n", argString(e, "job_id")))
}

func (n *Notifier) handleReservationCreated(e *common.Event) bool {
	return n.send(argString(e, "user_email"),
		fmt.Sprintf("[labmonitor] reservation confirmed on %s", argString(e, "machine_name")),
		fmt.Sprintf("Your reservation on machine %s is confirmed.\nStarts: %s\nEnds:   %s\n",
			argString(e, "machine_name"), argString(e, "starts_at"), argString(e, "ends_at")))
}

func (n *Notifier) handleReservationReminder(e *common.Event) bool {
	return n.send(argString(e, "user_email"),
		fmt.Sprintf("[labmonitor] upcoming reservation on %s", argString(e, "machine_name")),
		fmt.Sprintf("Reminder: your reservation on machine %s starts at %s and ends at %s.\n",
			argString(e, "machine_name"), argString(e, "starts_at"), argString(e, "ends_at")))
}

func (n *Notifier) handleMachineUnreachable(e *common.Event) bool {
	return n.send(n.config.AdminEmail,
		fmt.Sprintf("[labmonitor] machine %s unreachable", argString(e, "machine_name")),
		fmt.Sprintf("Machine %s (%s) has failed its health probes and was marked unreachable.\nNo new jobs will be scheduled on it until it recovers.\n",
			argString(e, "machine_name"), argString(e, "address")))
}

func (n *Notifier) handleMachineRestored(e *common.Event) bool {
	return n.send(n.config.AdminEmail,
		fmt.Sprintf("[labmonitor] machine %s restored", argString(e, "machine_name")),
		fmt.Sprintf("Machine %s (%s) is reachable again and accepting jobs.\n",
			argString(e, "machine_name"), argString(e, "address")))
}

// send delivers one message. An empty recipient consumes the event without
// sending; a delivery failure reports the event as unhandled so the bus
// retries it.
func (n *Notifier) send(to, subject, body string) bool {
	if to == "" {
		log.Warn().Str("subject", subject).Msg("dropping notification with no recipient")
		return true
	}

	if err := n.mailer.Send(context.TODO(), to, subject, body); err != nil {
		log.Error().Str("to", to).Str("subject", subject).Err(err).Msg("failed to send notification")
		return false
	}

	log.Info().Str("to", to).Str("subject", subject).Msg("notification sent")
	return true
}

func argString(e *common.Event, key string) string {
	if v, ok := e.Args[key].(string); ok {
		return v
	}
	return ""
}
