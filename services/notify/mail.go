package notify

import (
	"context"
	"fmt"
	"net/mail"

	"github.com/pkg/errors"

	"github.com/trezcool/coursework/core"
	"github.com/trezcool/coursework/core/activity"
	"github.com/trezcool/coursework/core/marking"
	"github.com/trezcool/coursework/core/user"
)

const (
	tmplSubmissionReceipt = "submission_receipt"
	tmplGradeReleased     = "grade_released"
)

type (
	// MailSink emails learners a receipt when their submission is submitted, and a notice the first
	// time a grade becomes visible to them. The UserFlags mailed marker dedupes grade notices; any
	// grade change clears it.
	MailSink struct {
		users      user.Repository
		activities activity.Repository
		mailSvc    core.EmailService
		logger     core.Logger
	}

	ReceiptData struct {
		Name       string
		Activity   string
		ActivityID int64
		Attempt    int
	}

	GradeData struct {
		Name       string
		Activity   string
		ActivityID int64
		Attempt    int
	}
)

var _ core.EventSink = (*MailSink)(nil)

func NewMailSink(users user.Repository, activities activity.Repository, mailSvc core.EmailService, logger core.Logger) *MailSink {
	return &MailSink{users: users, activities: activities, mailSvc: mailSvc, logger: logger}
}

func (s *MailSink) Emit(ctx context.Context, ev core.WorkflowEvent) {
	var err error
	switch ev.Action {
	case core.EventSubmissionSubmitted:
		err = s.sendReceipts(ctx, ev)
	case core.EventGradeUpdated, core.EventWorkflowChanged:
		err = s.sendGradeNotice(ctx, ev)
	}
	if err != nil {
		s.logger.Error(fmt.Sprintf("notifying %s: %v", ev.Action, err), err, map[string]interface{}{"event": ev.ID})
	}
}

func (s *MailSink) sendReceipts(ctx context.Context, ev core.WorkflowEvent) error {
	act, err := s.activities.GetActivity(ctx, ev.ActivityID)
	if err != nil {
		return errors.Wrap(err, "getting activity")
	}

	recipients := []int64{ev.UserID}
	if ev.Team {
		recipients = nil
		if ev.GroupID != activity.DefaultGroupID {
			grp, err := s.activities.GetGroup(ctx, ev.GroupID)
			if err != nil {
				return errors.Wrap(err, "getting group")
			}
			recipients = grp.Members
		}
	}

	msgs := make([]*core.EmailMessage, 0, len(recipients))
	for _, usrID := range recipients {
		usr, err := s.users.GetUser(ctx, user.GetFilter{ID: usrID})
		if errors.Is(err, core.ErrNotFound) {
			continue
		} else if err != nil {
			return errors.Wrap(err, "getting user")
		}
		if usr.Email == "" {
			continue
		}
		msgs = append(msgs, &core.EmailMessage{
			To:           []mail.Address{{Name: usr.Name, Address: usr.Email}},
			Subject:      "Submission received: " + act.Name,
			TemplateName: tmplSubmissionReceipt,
			TemplateData: ReceiptData{Name: usr.Name, Activity: act.Name, ActivityID: act.ID, Attempt: ev.Attempt},
		})
	}
	if len(msgs) > 0 {
		s.mailSvc.SendMessages(msgs...)
	}
	return nil
}

func (s *MailSink) sendGradeNotice(ctx context.Context, ev core.WorkflowEvent) error {
	act, err := s.activities.GetActivity(ctx, ev.ActivityID)
	if err != nil {
		return errors.Wrap(err, "getting activity")
	}
	released := marking.StateReleased.String()
	switch {
	case ev.Action == core.EventGradeUpdated && act.MarkingWorkflow && ev.NewStatus != released:
		return nil
	case ev.Action == core.EventWorkflowChanged && ev.NewStatus != released:
		return nil
	}

	flags, err := s.activities.GetUserFlags(ctx, act.ID, ev.UserID)
	if err != nil {
		return errors.Wrap(err, "getting user flags")
	}
	if flags.Mailed {
		return nil
	}
	usr, err := s.users.GetUser(ctx, user.GetFilter{ID: ev.UserID})
	if err != nil {
		return errors.Wrap(err, "getting user")
	}
	if usr.Email == "" {
		return nil
	}

	s.mailSvc.SendMessages(&core.EmailMessage{
		To:           []mail.Address{{Name: usr.Name, Address: usr.Email}},
		Subject:      "Feedback available: " + act.Name,
		TemplateName: tmplGradeReleased,
		TemplateData: GradeData{Name: usr.Name, Activity: act.Name, ActivityID: act.ID, Attempt: ev.Attempt},
	})
	flags.Mailed = true
	_, err = s.activities.SaveUserFlags(ctx, flags)
	return errors.Wrap(err, "saving user flags")
}
