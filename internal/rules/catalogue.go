package rules

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"redcapaudit/internal/document"
	"redcapaudit/internal/equivalence"
	"redcapaudit/internal/naming"
)

// Instruments every project must define outside the observation family.
const (
	FormRegistration = "registration"
	FormConsent      = "consent"
	FormClinicalNote = "clinicalnote"
	FormDischarge    = "discharge"
)

// Alert title formats for per-observation alerts; %s is the instance ID.
const (
	TitleStaffSMS   = "Obs Combined Staff alert - %s"
	TitleStaffEmail = "Obs Combined Staff alert email - %s"
	TitlePatientSMS = "Obs Combined Patient alert - %s"
	TitleLateStaff  = "Late obs staff - %s"
)

// Named alerts and reports.
const (
	TitleRegistrationConsent = "Patient Registration - Consent"
	TitleRegistrationBidaily = "Patient Registration - BIDAILY"
	TitleStaffCallReminder   = "Staff Reminder Patient Call BIDAILY Day %d"
	TitleFollowUp            = "Post Discharge Patient Follow-up - SMS"
	TitleDischargeRequired   = "Monitoring Discharge Required staff"
	TitleAwaitingDischarge   = "Patients awaiting discharge"
)

const (
	alertSMS   = "SMS"
	alertEmail = "EMAIL"
)

// fieldNextTime differs between morning and afternoon alerts.
const fieldNextTime = "cron_send_email_on_next_time"

// templateAlert describes one of the canonical alerts on the template
// instrument.
type templateAlert struct {
	key       string
	title     string
	alertType string
	condition string
}

var templateAlerts = []templateAlert{
	{"staff-sms", TitleStaffSMS, alertSMS, "[calc_trigger_alert_staff_template] = 1"},
	{"staff-email", TitleStaffEmail, alertEmail, "[calc_trigger_alert_staff_template] = 1"},
	{"patient-sms", TitlePatientSMS, alertSMS, "[calc_trigger_alert_patient_template] = 1"},
	{"late-obs-staff", TitleLateStaff, alertSMS, `[calc_allow_patient_comms] = 1 and [timestamp_template] = ""`},
}

func (t templateAlert) find(env *Env) (*document.Record, error) {
	tpl := env.Family.Template()
	rec := env.Doc.Alert(fmt.Sprintf(t.title, tpl), string(tpl), t.alertType)
	if err := present(rec, "template alert %q", fmt.Sprintf(t.title, tpl)); err != nil {
		return nil, err
	}
	return rec, nil
}

// leftoverToken marks a reference that was copied from the template but not
// renamed.
const leftoverToken = "_" + naming.TemplateSuffix

// Catalogue returns every rule in report order.
func Catalogue(env *Env) []Rule {
	var rules []Rule
	rules = append(rules, existenceRules(env)...)
	rules = append(rules, structureRules(env)...)
	rules = append(rules, scheduleRules(env)...)
	rules = append(rules, settingsRules(env)...)
	rules = append(rules, contentRules(env)...)
	rules = append(rules, hygieneRules(env)...)
	return rules
}

func existenceRules(env *Env) []Rule {
	f := env.Family
	var rules []Rule

	required := []naming.ID{f.Template(), FormRegistration, FormClinicalNote}
	rules = append(rules, ForEach(required, "instrument-exists",
		"Instrument %s is defined", CategoryExistence,
		func(env *Env, form naming.ID) error {
			return present(env.Doc.Instrument(string(form)), "instrument %s", form)
		})...)

	rules = append(rules, ForEach(f.Members(), "observation-exists",
		"Observation instrument %s is defined", CategoryExistence,
		func(env *Env, id naming.ID) error {
			return present(env.Doc.Instrument(string(id)), "instrument %s", id)
		})...)

	rules = append(rules, ForEach(f.Members(), "observation-survey",
		"Observation %s is enabled as a survey", CategoryExistence,
		func(env *Env, id naming.ID) error {
			return present(env.Doc.Survey(string(id)), "survey for %s", id)
		})...)

	rules = append(rules, ForEach(f.Scheduled(), "automated-invite",
		"Observation %s has an automated survey invitation", CategoryExistence,
		func(env *Env, id naming.ID) error {
			return present(env.Doc.SurveyScheduler(string(id)), "automated invite for %s", id)
		})...)

	rules = append(rules, ForEach(f.Members(), "staff-alerts",
		"Observation %s has staff SMS and email alerts", CategoryExistence,
		func(env *Env, id naming.ID) error {
			if err := present(env.Doc.Alert(fmt.Sprintf(TitleStaffSMS, id), string(id), alertSMS),
				"SMS alert %q", fmt.Sprintf(TitleStaffSMS, id)); err != nil {
				return err
			}
			return present(env.Doc.Alert(fmt.Sprintf(TitleStaffEmail, id), string(id), alertEmail),
				"email alert %q", fmt.Sprintf(TitleStaffEmail, id))
		})...)

	rules = append(rules, ForEach(f.Members(), "patient-alert",
		"Observation %s has a patient SMS alert", CategoryExistence,
		func(env *Env, id naming.ID) error {
			return present(env.Doc.Alert(fmt.Sprintf(TitlePatientSMS, id), string(id), alertSMS),
				"SMS alert %q", fmt.Sprintf(TitlePatientSMS, id))
		})...)

	for _, t := range templateAlerts {
		rules = append(rules, Rule{
			ID:          fmt.Sprintf("alert-template[%s]", t.key),
			Description: fmt.Sprintf("Template %s alert exists with its canonical condition", t.key),
			Category:    CategoryExistence,
			Check: func(env *Env) error {
				rec, err := t.find(env)
				if err != nil {
					return err
				}
				return expect(rec, want{"alert_type", t.alertType}, want{"alert_condition", t.condition})
			},
		})
	}
	return rules
}

func structureRules(env *Env) []Rule {
	f := env.Family
	var rules []Rule

	rules = append(rules, ForEach(f.Derived(), "form-structure",
		"Instrument %s has the template's field structure", CategoryStructure,
		func(env *Env, id naming.ID) error {
			tpl, err := env.Doc.FormTree(string(env.Family.Template()))
			if err != nil {
				return err
			}
			actual, err := env.Doc.FormTree(string(id))
			if err != nil {
				return err
			}
			if ok, diff := env.Checker.StructuralEquals(tpl, actual, id); !ok {
				detail := fmt.Sprintf("%s differs from the projected template", id)
				if actual.Contains(leftoverToken) {
					detail += fmt.Sprintf(" (still references %s)", leftoverToken)
				}
				return &Failure{Detail: detail, Diff: diff}
			}
			return nil
		})...)

	rules = append(rules, ForEach(f.Derived(), "staff-alerts-match",
		"Staff alerts for %s match the template alerts", CategoryStructure,
		func(env *Env, id naming.ID) error {
			policy := equivalence.AlertPolicy().Ignoring(fieldNextTime)
			for _, t := range templateAlerts[:2] {
				if err := matchAlert(env, t, id, string(id), policy); err != nil {
					return err
				}
			}
			return nil
		})...)

	rules = append(rules, ForEach(f.Derived(), "patient-alert-match",
		"Patient alert for %s matches the template alert", CategoryStructure,
		func(env *Env, id naming.ID) error {
			return matchAlert(env, templateAlerts[2], id, string(id), equivalence.AlertPolicy())
		})...)

	rules = append(rules, ForEach(f.Scheduled(), "late-alert-match",
		"Late observation alert for %s matches the template alert", CategoryStructure,
		func(env *Env, id naming.ID) error {
			prev, err := env.Family.Preceding(id)
			if err != nil {
				return err
			}
			return matchAlert(env, templateAlerts[3], id, string(prev), equivalence.AlertPolicy().Ignoring(fieldNextTime))
		})...)

	return rules
}

// matchAlert compares the alert for id (triggered by form) with its template.
func matchAlert(env *Env, t templateAlert, id naming.ID, form string, policy equivalence.Policy) error {
	tpl, err := t.find(env)
	if err != nil {
		return err
	}
	title := fmt.Sprintf(t.title, id)
	actual := env.Doc.Alert(title, form, t.alertType)
	if err := present(actual, "alert %q on %s", title, form); err != nil {
		return err
	}
	return equivalent(env, title, env.Checker.AttributesEquivalent(actual, tpl, id, policy))
}

func scheduleRules(env *Env) []Rule {
	f := env.Family
	var rules []Rule

	rules = append(rules, ForEach(f.Scheduled(), "invite-settings",
		"Automated invite for %s is scheduled on its day and time with reminders", CategorySchedule,
		func(env *Env, id naming.ID) error {
			invite := env.Doc.SurveyScheduler(string(id))
			if invite == nil {
				return Skip(fmt.Sprintf("no automated invite for %s; see automated-invite[%s]", id, id))
			}
			s := env.Settings.Schedule
			sendTime, err := chainTime(env, id, s.MorningInvite, s.AfternoonInvite)
			if err != nil {
				return err
			}
			day, err := env.Family.DayOffset(id)
			if err != nil {
				return err
			}

			if err := expect(invite,
				want{"condition_surveycomplete_survey_id", string(env.Family.Initial())},
				want{"active", "1"},
				want{"delivery_type", "SMS_INVITE_WEB"},
				want{"condition_send_next_day_type", "DAY"},
				want{"condition_send_next_time", sendTime},
				want{"condition_andor", "AND"},
				want{"reeval_before_send", "1"},
			); err != nil {
				return err
			}
			if err := expectContains(invite, "condition_logic", "[calc_mon_status_observation] = 1"); err != nil {
				return err
			}
			return expect(invite,
				want{"condition_logic", triggerLogic(day)},
				want{"reminder_type", "TIME_LAG"},
				want{"reminder_num", fmt.Sprint(s.ReminderCount)},
				want{"reminder_timelag_days", "0"},
				want{"reminder_timelag_hours", fmt.Sprint(s.ReminderHours)},
				want{"reminder_timelag_minutes", "0"},
			)
		})...)

	rules = append(rules, Rule{
		ID:          "invite-text-uniform",
		Description: "Every automated observation invite sends the same text",
		Category:    CategorySchedule,
		Check: func(env *Env) error {
			// Missing invites are reported by automated-invite.
			texts := make(map[string][]string)
			for _, id := range env.Family.Scheduled() {
				invite := env.Doc.SurveyScheduler(string(id))
				if invite == nil {
					continue
				}
				content := invite.Attr("email_content")
				texts[content] = append(texts[content], string(id))
			}
			if len(texts) > 1 {
				var groups []string
				for _, ids := range texts {
					groups = append(groups, "["+strings.Join(ids, " ")+"]")
				}
				sort.Strings(groups)
				return Failf("%d different invite texts: %s", len(texts), strings.Join(groups, " "))
			}
			return nil
		},
	})

	rules = append(rules, ForEach(f.Scheduled(), "late-alert-time",
		"Late observation alert for %s fires five hours after the invite", CategorySchedule,
		func(env *Env, id naming.ID) error {
			prev, err := env.Family.Preceding(id)
			if err != nil {
				return err
			}
			s := env.Settings.Schedule
			at, err := chainTime(env, id, s.MorningLate, s.AfternoonLate)
			if err != nil {
				return err
			}
			title := fmt.Sprintf(TitleLateStaff, id)
			alert := env.Doc.Alert(title, string(prev), alertSMS)
			if err := present(alert, "alert %q on %s", title, prev); err != nil {
				return err
			}
			return expect(alert, want{fieldNextTime, at})
		})...)

	return rules
}

func settingsRules(env *Env) []Rule {
	f := env.Family
	var rules []Rule

	rules = append(rules,
		Rule{
			ID:          "twilio-sending-number",
			Description: "Messages are sent from the Australian Twilio number",
			Category:    CategorySettings,
			Check: func(env *Env) error {
				return Skip("project messaging settings are not part of the XML export")
			},
		},
		Rule{
			ID:          "patient-mobile-format",
			Description: "Patient mobile is an integer in international format",
			Category:    CategorySettings,
			Check:       checkPatientMobile,
		},
		Rule{
			ID:          "clinicalnote-repeating",
			Description: "Clinical notes are a repeating instrument",
			Category:    CategorySettings,
			Check: func(env *Env) error {
				return present(env.Doc.RepeatingInstrument(FormClinicalNote), "repeating setting for %s", FormClinicalNote)
			},
		},
		Rule{
			ID:          "clinicalnote-survey",
			Description: "Clinical notes are available as a repeatable survey",
			Category:    CategorySettings,
			Check: func(env *Env) error {
				surv := env.Doc.Survey(FormClinicalNote)
				if err := present(surv, "survey for %s", FormClinicalNote); err != nil {
					return err
				}
				return expect(surv,
					want{"repeat_survey_enabled", "1"},
					want{"repeat_survey_btn_location", "AFTER_SUBMIT"},
					want{"repeat_survey_btn_text", "Add another clinical note"},
				)
			},
		},
		Rule{
			ID:          "surveys-enhanced-choices",
			Description: "Every survey uses enhanced radio buttons and checkboxes",
			Category:    CategorySettings,
			Check: func(env *Env) error {
				var off []string
				for _, s := range env.Doc.Surveys() {
					if s.Attr("enhanced_choices") != "1" {
						off = append(off, s.Attr("form_name"))
					}
				}
				if len(off) > 0 {
					return Failf("enhanced_choices is off for %s", strings.Join(off, ", "))
				}
				return nil
			},
		},
	)

	manual := []naming.ID{FormRegistration, FormClinicalNote, f.Template(), f.Initial()}
	rules = append(rules, ForEach(manual, "no-automated-invite",
		"Survey %s is never sent automatically", CategorySettings,
		func(env *Env, form naming.ID) error {
			return inactive(env, string(form))
		})...)

	rules = append(rules,
		Rule{
			ID:          "template-survey-settings",
			Description: "Template observation survey is enabled, paged by section, and forward only",
			Category:    CategorySettings,
			Check: func(env *Env) error {
				tpl := env.Family.Template()
				surv := env.Doc.Survey(string(tpl))
				if err := present(surv, "survey for %s", tpl); err != nil {
					return err
				}
				return expect(surv,
					want{"survey_enabled", "1"},
					want{"question_by_section", "1"},
					want{"hide_back_button", "1"},
					want{"enhanced_choices", "1"},
				)
			},
		},
		Rule{
			ID:          "email-alerts-recipient",
			Description: "Every email alert has a recipient",
			Category:    CategorySettings,
			Check: func(env *Env) error {
				var empty []string
				for _, a := range env.Doc.Alerts(document.Eq("alert_type", alertEmail)) {
					if a.Attr("email_to") == "" {
						empty = append(empty, fmt.Sprintf("%q", a.Attr("alert_title")))
					}
				}
				if len(empty) > 0 {
					return &Failure{Field: "email_to", Expected: "a recipient", Actual: "", Detail: "no recipient on " + strings.Join(empty, ", ")}
				}
				return nil
			},
		},
	)

	rules = append(rules, ForEach(f.Derived(), "survey-match",
		"Survey settings for %s match the template survey", CategorySettings,
		func(env *Env, id naming.ID) error {
			tplID := env.Family.Template()
			tpl := env.Doc.Survey(string(tplID))
			if err := present(tpl, "survey for %s", tplID); err != nil {
				return err
			}
			surv := env.Doc.Survey(string(id))
			if err := present(surv, "survey for %s", id); err != nil {
				return err
			}
			return equivalent(env, "survey "+string(id), env.Checker.AttributesEquivalent(surv, tpl, id, equivalence.SurveyPolicy()))
		})...)

	return rules
}

func checkPatientMobile(env *Env) error {
	pm := env.Settings.PatientMobile
	item := env.Doc.ItemDef(pm.Field)
	if err := present(item, "field %s", pm.Field); err != nil {
		return err
	}
	if err := expect(item, want{"redcap:FieldType", "text"}, want{"DataType", "integer"}); err != nil {
		return err
	}

	bounds := make(map[string]bool)
	for _, rc := range item.Children {
		if rc.Kind != "RangeCheck" {
			continue
		}
		if cv := rc.Child("CheckValue"); cv != nil {
			bounds[strings.TrimSpace(cv.Text)] = true
		}
	}
	for _, b := range []string{pm.Min, pm.Max} {
		if !bounds[b] {
			return &Failure{Field: "RangeCheck", Expected: b, Actual: strings.Join(sortedKeys(bounds), ","), Detail: "validation bound missing"}
		}
	}
	return nil
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func contentRules(env *Env) []Rule {
	s := env.Settings.Schedule

	timeLag := func(title, form string, days int) func(*Env) error {
		return func(env *Env) error {
			alert := env.Doc.Alert(title, form, alertSMS)
			if err := present(alert, "alert %q on %s", title, form); err != nil {
				return err
			}
			return expect(alert,
				want{"cron_send_email_on", "time_lag"},
				want{"cron_send_email_on_time_lag_days", fmt.Sprint(days)},
				want{"cron_send_email_on_time_lag_hours", "0"},
				want{"cron_send_email_on_time_lag_minutes", "0"},
			)
		}
	}

	return []Rule{
		{
			ID:          "registration-consent-alert",
			Description: "Registered patients are sent straight to the consent form",
			Category:    CategoryContent,
			Check: func(env *Env) error {
				alert := env.Doc.Alert(TitleRegistrationConsent, FormRegistration, alertSMS)
				if err := present(alert, "alert %q", TitleRegistrationConsent); err != nil {
					return err
				}
				return expect(alert,
					want{"alert_condition", "[mon_group] <> '0'"},
					want{"cron_send_email_on", "now"},
				)
			},
		},
		{
			ID:          "consent-first-observation-alert",
			Description: "Consenting patients under observation get their first observation link",
			Category:    CategoryContent,
			Check: func(env *Env) error {
				alert := env.Doc.Alert(TitleRegistrationBidaily, FormConsent, alertSMS)
				if err := present(alert, "alert %q", TitleRegistrationBidaily); err != nil {
					return err
				}
				return expectContains(alert, "alert_condition", "cons_agree", "calc_mon_status_observation")
			},
		},
		{
			ID:          "staff-call-reminder",
			Description: fmt.Sprintf("Staff are reminded to call patients on day %d", s.StaffCallDay),
			Category:    CategoryContent,
			Check:       timeLag(fmt.Sprintf(TitleStaffCallReminder, s.StaffCallDay), FormRegistration, s.StaffCallDay),
		},
		{
			ID:          "post-discharge-follow-up",
			Description: fmt.Sprintf("Discharged patients are followed up after %d days", s.FollowUpDay),
			Category:    CategoryContent,
			Check:       timeLag(TitleFollowUp, FormDischarge, s.FollowUpDay),
		},
		{
			ID:          "discharge-reminder-link",
			Description: "Discharge reminder email links to the discharge form",
			Category:    CategoryContent,
			Check: func(env *Env) error {
				alert := env.Doc.Alert(TitleDischargeRequired, "", alertEmail)
				if err := present(alert, "alert %q", TitleDischargeRequired); err != nil {
					return err
				}
				return expectContains(alert, "alert_message", "[form-url:"+FormDischarge+"]")
			},
		},
		{
			ID:          "awaiting-discharge-report",
			Description: "Awaiting discharge report selects the same patients as the discharge reminder",
			Category:    CategoryContent,
			Check: func(env *Env) error {
				report := env.Doc.Report(TitleAwaitingDischarge)
				if err := present(report, "report %q", TitleAwaitingDischarge); err != nil {
					return err
				}
				alert := env.Doc.Alert(TitleDischargeRequired, "", alertEmail)
				if err := present(alert, "alert %q", TitleDischargeRequired); err != nil {
					return err
				}
				if report.Attr("advanced_logic") != alert.Attr("alert_condition") {
					return &Failure{
						Field:    "advanced_logic",
						Expected: alert.Attr("alert_condition"),
						Actual:   report.Attr("advanced_logic"),
						Detail:   "report logic differs from the discharge reminder condition",
					}
				}
				return nil
			},
		},
	}
}

// forbidden is one literal that must not appear in the export.
type forbidden struct {
	literal string
	reason  string
}

func forbiddenLiterals(s Settings) []forbidden {
	var out []forbidden
	seen := make(map[string]bool)
	add := func(literal, reason string) {
		if strings.TrimSpace(literal) == "" || seen[literal] {
			return
		}
		seen[literal] = true
		out = append(out, forbidden{literal: literal, reason: reason})
	}
	for _, f := range s.Hygiene.Forbidden {
		add(f.Literal, f.Reason)
	}
	for _, p := range s.Contacts.DeveloperPhones {
		add(p, "developer phone number")
	}
	for _, e := range s.Contacts.DeveloperEmails {
		add(e, "developer email address")
	}
	for _, a := range s.Contacts.RetiredAddresses {
		add(a, "retired address")
	}
	return out
}

func hygieneRules(env *Env) []Rule {
	var rules []Rule
	for _, f := range forbiddenLiterals(env.Settings) {
		desc := fmt.Sprintf("Export never contains %q", f.literal)
		if f.reason != "" {
			desc += " (" + f.reason + ")"
		}
		rules = append(rules, Rule{
			ID:          fmt.Sprintf("forbidden-literal[%s]", f.literal),
			Description: desc,
			Category:    CategoryHygiene,
			Check: func(env *Env) error {
				raw := env.Doc.Raw()
				i := bytes.Index(raw, []byte(f.literal))
				if i < 0 {
					return nil
				}
				n := bytes.Count(raw, []byte(f.literal))
				return Failf("found %q %d time(s), first on line %d", f.literal, n, lineOf(raw, i))
			},
		})
	}
	return rules
}
