package dig_container

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"go.uber.org/dig"

	echoapi "github.com/trezcool/coursework/apps/api/echo"
	"github.com/trezcool/coursework/core"
	"github.com/trezcool/coursework/core/activity"
	"github.com/trezcool/coursework/core/identity"
	"github.com/trezcool/coursework/core/marking"
	"github.com/trezcool/coursework/core/override"
	"github.com/trezcool/coursework/core/submission"
	"github.com/trezcool/coursework/core/summary"
	"github.com/trezcool/coursework/core/user"
	emailsvc "github.com/trezcool/coursework/services/email"
	logsvc "github.com/trezcool/coursework/services/logger"
	"github.com/trezcool/coursework/services/notify"
	"github.com/trezcool/coursework/storage/database"
	sqlxrepos "github.com/trezcool/coursework/storage/database/sqlx"
)

type DBLoggerParam struct {
	dig.In
	Logger core.Logger `name:"dbLogger"`
}

func newLogger(conf *core.Config) core.Logger {
	stdLogger := log.New(os.Stdout, "API : ", log.LstdFlags)
	logger := logsvc.NewRollbarLogger(stdLogger, conf)
	logger.Enable(!conf.Debug)
	return logger
}

func newDBLogger(conf *core.Config) core.Logger {
	stdLogger := log.New(os.Stdout, "DB : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)
	logger := logsvc.NewRollbarLogger(stdLogger, conf)
	logger.Enable(!conf.Debug)
	return logger
}

func newDB(conf *core.Config, loggerParam DBLoggerParam) (*sqlx.DB, core.DB) {
	setUp := func() (*sqlx.DB, error) {
		if err := database.CreateIfNotExist(context.Background(), conf); err != nil {
			return nil, err
		}

		db, err := database.Open(conf)
		if err != nil {
			return nil, err
		}

		if err = database.Migrate(db); err != nil {
			return nil, err
		}
		return db, nil
	}

	db, err := setUp()
	if err != nil {
		loggerParam.Logger.Fatal(fmt.Sprintf("setting up database: %v", err), err)
	}
	return db, db
}

func newEmailService(conf *core.Config, logger core.Logger) core.EmailService {
	if conf.Debug {
		return emailsvc.NewConsoleService(conf, logger)
	}
	return emailsvc.NewSendgridService(conf, logger)
}

func newCapabilities(users user.Repository, activities activity.Repository) core.CapabilityChecker {
	return user.NewRoleCapabilities(users, activities)
}

// newEventSink logs every workflow event and mails the learner-facing ones.
func newEventSink(logger core.Logger, mailSink *notify.MailSink) core.EventSink {
	return core.EventSinks{notify.NewLogSink(logger), mailSink}
}

// newGradebook queues released grades in the outbox table; `admin gradebook-relay` delivers them.
func newGradebook(outbox *sqlxrepos.Outbox) core.GradebookPublisher {
	return outbox
}

// newIdentityAssigner numbers the participants of blind grade listings.
func newIdentityAssigner(mapper *identity.Mapper) marking.IdentityAssigner {
	return mapper
}

// newSubmissionService also subscribes the team aggregator to group membership changes.
func newSubmissionService(
	repo submission.Repository,
	activitySvc *activity.Service,
	windows *override.Resolver,
	caps core.CapabilityChecker,
	events core.EventSink,
	logger core.Logger,
) *submission.Service {
	svc := submission.NewService(repo, activitySvc.Repository(), windows, caps, events, submission.DefaultPlugins(), logger)
	activitySvc.OnMembershipChange(svc.Team())
	return svc
}

// New returns a new dependency injection dig.Container
func New() *dig.Container {
	c := dig.New()

	must(c.Provide(core.NewConfig))
	must(c.Provide(newLogger))
	must(c.Provide(newDBLogger, dig.Name("dbLogger")))
	must(c.Provide(newDB))
	must(c.Provide(newEmailService))
	must(c.Provide(validator.New))
	must(c.Provide(core.NewTranslator))

	// repositories
	must(c.Provide(sqlxrepos.NewUserRepository))
	must(c.Provide(sqlxrepos.NewActivityRepository))
	must(c.Provide(sqlxrepos.NewOverrideRepository))
	must(c.Provide(sqlxrepos.NewIdentityRepository))
	must(c.Provide(sqlxrepos.NewSubmissionRepository))
	must(c.Provide(sqlxrepos.NewGradeRepository))
	must(c.Provide(sqlxrepos.NewOutbox))

	// collaborators
	must(c.Provide(newCapabilities))
	must(c.Provide(notify.NewMailSink))
	must(c.Provide(newEventSink))
	must(c.Provide(newGradebook))

	// services
	must(c.Provide(user.NewService))
	must(c.Provide(activity.NewService))
	must(c.Provide(override.NewResolver))
	must(c.Provide(identity.NewMapper))
	must(c.Provide(newIdentityAssigner))
	must(c.Provide(newSubmissionService))
	must(c.Provide(marking.NewService))
	must(c.Provide(summary.NewAggregator))
	must(c.Provide(echoapi.NewServer))

	if os.Getenv("DIG_VISUALIZE") != "" {
		_ = dig.Visualize(c, os.Stdout)
	}

	return c
}

// must exits program if err happened
func must(err error) {
	if err != nil {
		log.Fatal(errors.Wrap(err, "failed to provide dependency").Error())
	}
}
