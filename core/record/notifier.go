package record

import (
	"fmt"
	"net/mail"

	"github.com/trezcool/masomo-sync/core"
)

const conflictsTemplate = "sync_conflicts"

// EmailNotifier emails a report of push conflicts to the school admins.
type EmailNotifier struct {
	mailer core.EmailService
	admins []mail.Address
}

var _ Notifier = (*EmailNotifier)(nil)

func NewEmailNotifier(mailer core.EmailService, admins []mail.Address) *EmailNotifier {
	return &EmailNotifier{mailer: mailer, admins: admins}
}

func (n *EmailNotifier) NotifyConflicts(actor core.Actor, conflicts []Conflict) {
	if len(n.admins) == 0 || len(conflicts) == 0 {
		return
	}

	who := actor.Username
	if who == "" {
		who = actor.ID
	}
	n.mailer.SendMessages(&core.EmailMessage{
		To:           n.admins,
		Subject:      fmt.Sprintf("%d offline change(s) rejected", len(conflicts)),
		TemplateName: conflictsTemplate,
		TemplateData: map[string]interface{}{
			"Count":     len(conflicts),
			"Actor":     who,
			"Conflicts": conflicts,
		},
	})
}
