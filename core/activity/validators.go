package activity

import (
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/coursework/core"
)

var (
	reopenMethodTag  = "reopenmethod"
	reopenMethodText = "invalid reopen method"

	participantRoleTag  = "participantrole"
	participantRoleText = "invalid participant role"

	dateOrderTag  = "dateorder"
	dateOrderText = "dates must satisfy opens <= due <= cutoff"

	passGradeTag  = "passgrade"
	passGradeText = "pass grade must be between 0 and the maximum grade"

	contentPluginTag  = "contentplugin"
	contentPluginText = "enable at least one plugin when content is required"
)

// InitValidators registers the activity validators & their translations.
func InitValidators(validate *validator.Validate, translator ut.Translator) {
	_ = validate.RegisterValidation(reopenMethodTag, reopenMethodValidation)
	core.RegisterCustomTranslation(validate, translator, reopenMethodTag, reopenMethodText)

	_ = validate.RegisterValidation(participantRoleTag, participantRoleValidation)
	core.RegisterCustomTranslation(validate, translator, participantRoleTag, participantRoleText)

	validate.RegisterStructValidation(newActivityStructValidation, NewActivity{})
	core.RegisterCustomTranslation(validate, translator, dateOrderTag, dateOrderText)
	core.RegisterCustomTranslation(validate, translator, passGradeTag, passGradeText)
	core.RegisterCustomTranslation(validate, translator, contentPluginTag, contentPluginText)
}

func reopenMethodValidation(fl validator.FieldLevel) bool {
	switch ReopenMethod(fl.Field().String()) {
	case ReopenNone, ReopenManual, ReopenUntilPass:
		return true
	}
	return false
}

func participantRoleValidation(fl validator.FieldLevel) bool {
	role := fl.Field().String()
	for _, r := range ParticipantRoles {
		if r == role {
			return true
		}
	}
	return false
}

// newActivityStructValidation checks the date order, the pass grade bound, and that required content
// can be given through some plugin.
func newActivityStructValidation(sl validator.StructLevel) {
	na, ok := sl.Current().Interface().(NewActivity)
	if !ok {
		return
	}
	if !DatesInOrder(na.OpensAt, na.DueAt, na.CutoffAt) {
		sl.ReportError(na.DueAt, "due_at", "DueAt", dateOrderTag, "")
	}
	if na.PassGrade.Valid && (na.PassGrade.Float64 < 0 || na.PassGrade.Float64 > na.MaxGrade) {
		sl.ReportError(na.PassGrade, "pass_grade", "PassGrade", passGradeTag, "")
	}
	if na.RequireContent && len(na.Plugins) == 0 {
		sl.ReportError(na.Plugins, "plugins", "Plugins", contentPluginTag, "")
	}
}

// DatesInOrder reports whether the set dates satisfy opens <= due <= cutoff. Unset dates are skipped.
func DatesInOrder(dates ...null.Time) bool {
	var prev null.Time
	for _, d := range dates {
		if !d.Valid {
			continue
		}
		if prev.Valid && d.Time.Before(prev.Time) {
			return false
		}
		prev = d
	}
	return true
}
