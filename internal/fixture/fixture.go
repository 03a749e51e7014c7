// Package fixture builds synthetic REDCap project exports for tests. A fresh
// Builder produces a project that passes every audit rule for its
// configuration; tests then break it in targeted ways.
package fixture

import (
	"fmt"
	"os"
	"strings"

	"redcapaudit/internal/config"
	"redcapaudit/internal/naming"

	"github.com/beevik/etree"
)

const (
	staffEmail  = "obs-staff@example.org"
	senderEmail = "noreply@example.org"
	inviteText  = "Time to record your observations: [survey-link]"

	dischargeCondition = "[calc_mon_status_observation] = 2"
)

// Builder holds an export under construction.
type Builder struct {
	cfg    *config.Config
	family *naming.Family
	doc    *etree.Document

	meta       *etree.Element
	repeating  *etree.Element
	surveys    *etree.Element
	schedulers *etree.Element
	alerts     *etree.Element
	reports    *etree.Element

	alertNumber int
}

// New builds a passing project for cfg.
func New(cfg *config.Config) (*Builder, error) {
	family, err := naming.NewFamily(cfg.Family.Prefix, cfg.Family.Suffixes)
	if err != nil {
		return nil, err
	}

	b := &Builder{cfg: cfg, family: family, doc: etree.NewDocument()}
	b.doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	odm := b.doc.CreateElement("ODM")
	odm.CreateAttr("xmlns", "http://www.cdisc.org/ns/odm/v1.3")
	odm.CreateAttr("xmlns:redcap", "https://projectredcap.org")
	odm.CreateAttr("ODMVersion", "1.3.1")
	odm.CreateAttr("SourceSystem", "REDCap")

	study := child(odm, "Study", "OID", "Project.RemoteMonitoring")
	globals := child(study, "GlobalVariables")
	child(globals, "StudyName").SetText("Remote Monitoring")
	rie := child(globals, "redcap:RepeatingInstrumentsAndEvents")
	b.repeating = child(rie, "redcap:RepeatingInstruments")
	b.surveys = child(globals, "redcap:SurveysGroup")
	b.schedulers = child(globals, "redcap:SurveysSchedulerGroup")
	b.alerts = child(globals, "redcap:AlertsGroup")
	b.reports = child(globals, "redcap:ReportsGroup")
	b.meta = child(study, "MetaDataVersion", "OID", "Metadata.RemoteMonitoring_2020", "Name", "Remote Monitoring")

	b.buildSupporting()
	for _, id := range family.Members() {
		b.buildObservation(id)
	}
	b.buildNamedAlerts()
	return b, nil
}

// MustNew is like New but panics on error.
func MustNew(cfg *config.Config) *Builder {
	b, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return b
}

// Family returns the family the project was built for.
func (b *Builder) Family() *naming.Family {
	return b.family
}

// child appends an element with attribute pairs.
func child(parent *etree.Element, tag string, attrs ...string) *etree.Element {
	e := parent.CreateElement(tag)
	for i := 0; i+1 < len(attrs); i += 2 {
		e.CreateAttr(attrs[i], attrs[i+1])
	}
	return e
}

// form adds a FormDef with one item group holding fields.
func (b *Builder) form(name, display string, fields ...field) {
	groupOID := name + "." + fields[0].oid
	f := child(b.meta, "FormDef", "OID", "Form."+name, "Name", display, "Repeating", "No", "redcap:FormName", name)
	child(f, "ItemGroupRef", "ItemGroupOID", groupOID, "Mandatory", "No")

	g := child(b.meta, "ItemGroupDef", "OID", groupOID, "Name", display, "Repeating", "No")
	for _, fd := range fields {
		child(g, "ItemRef", "ItemOID", fd.oid, "Mandatory", "No", "redcap:Variable", fd.oid)
	}
	for _, fd := range fields {
		fd.define(b.meta)
	}
}

type field struct {
	oid       string
	dataType  string
	fieldType string
	question  string
}

func (fd field) define(meta *etree.Element) *etree.Element {
	item := child(meta, "ItemDef",
		"OID", fd.oid,
		"Name", fd.oid,
		"DataType", fd.dataType,
		"Length", "999",
		"redcap:Variable", fd.oid,
		"redcap:FieldType", fd.fieldType)
	if fd.question != "" {
		q := child(item, "Question")
		child(q, "TranslatedText").SetText(fd.question)
	}
	return item
}

func (b *Builder) survey(form, title string, extra ...string) *etree.Element {
	attrs := []string{
		"form_name", form,
		"title", title,
		"instructions", "<p>Please answer every question.</p>",
		"acknowledgement", "<p>Thank you.</p>",
		"survey_enabled", "1",
		"question_by_section", "1",
		"hide_back_button", "1",
		"enhanced_choices", "1",
		"check_diversity_view_results", "0",
		"logo", "",
	}
	return child(b.surveys, "redcap:Surveys", append(attrs, extra...)...)
}

func (b *Builder) alert(title, form, alertType string, extra ...string) *etree.Element {
	b.alertNumber++
	attrs := []string{
		"alert_number", fmt.Sprint(b.alertNumber),
		"alert_title", title,
		"form_name", form,
		"alert_type", alertType,
		"alert_stop_type", "RECORD",
		"email_sent", "0",
		"email_timestamp_sent", "",
	}
	switch alertType {
	case "EMAIL":
		attrs = append(attrs, "email_from", senderEmail, "email_to", staffEmail, "email_subject", title)
	default:
		attrs = append(attrs, "email_to", "")
	}
	return child(b.alerts, "redcap:Alerts", append(attrs, extra...)...)
}

func (b *Builder) buildSupporting() {
	pm := b.cfg.PatientMobile
	b.form("registration", "Registration",
		field{oid: "record_id", dataType: "text", fieldType: "text", question: "Record ID"},
		field{oid: "mon_group", dataType: "text", fieldType: "radio", question: "Monitoring group"},
		field{oid: "mon_admission_date", dataType: "date", fieldType: "text", question: "Admission date"},
	)
	mobile := field{oid: pm.Field, dataType: "integer", fieldType: "text", question: "Mobile number"}.define(b.meta)
	for _, rc := range []struct{ cmp, value string }{{"GE", pm.Min}, {"LE", pm.Max}} {
		check := child(mobile, "RangeCheck", "Comparator", rc.cmp, "SoftHard", "Soft")
		child(check, "CheckValue").SetText(rc.value)
	}

	b.form("consent", "Consent",
		field{oid: "cons_agree", dataType: "text", fieldType: "yesno", question: "Do you agree to take part?"})
	b.form("clinicalnote", "Clinical Note",
		field{oid: "note_text", dataType: "text", fieldType: "textarea", question: "Note"})
	b.form("discharge", "Discharge",
		field{oid: "discharge_date", dataType: "date", fieldType: "text", question: "Discharge date"})

	child(b.repeating, "redcap:RepeatingInstrument",
		"redcap:UniqueEventName", "event_1_arm_1",
		"redcap:RepeatInstrument", "clinicalnote",
		"redcap:CustomLabel", "")

	b.survey("consent", "Consent")
	b.survey("clinicalnote", "Clinical Note",
		"repeat_survey_enabled", "1",
		"repeat_survey_btn_location", "AFTER_SUBMIT",
		"repeat_survey_btn_text", "Add another clinical note")
	b.survey("discharge", "Discharge")
}

func (b *Builder) buildObservation(id naming.ID) {
	s := naming.Suffix(id)
	display := "Ob " + s
	if id == b.family.Template() {
		display = "Ob Template"
	}

	b.form(string(id), display,
		field{oid: "timestamp_" + s, dataType: "datetime", fieldType: "text", question: "Time of observation"},
		field{oid: "hr_" + s, dataType: "integer", fieldType: "text", question: "Heart rate"},
		field{oid: "sat_" + s, dataType: "integer", fieldType: "text", question: "Oxygen saturation"},
		field{oid: "temp_" + s, dataType: "float", fieldType: "text", question: "Temperature"},
	)
	b.survey(string(id), display)

	staff := fmt.Sprintf("[calc_trigger_alert_staff_%s] = 1", s)
	message := fmt.Sprintf("Obs alert [record_id]: HR [hr_%[1]s] SAT [sat_%[1]s] Temp [temp_%[1]s]", s)
	b.alert(fmt.Sprintf("Obs Combined Staff alert - %s", id), string(id), "SMS",
		"alert_condition", staff,
		"alert_message", message,
		"phone_number_to", b.cfg.Contacts.StaffAlertPhone,
		"cron_send_email_on", "now",
		"cron_send_email_on_next_time", "")
	b.alert(fmt.Sprintf("Obs Combined Staff alert email - %s", id), string(id), "EMAIL",
		"alert_condition", staff,
		"alert_message", message,
		"cron_send_email_on", "now",
		"cron_send_email_on_next_time", "")
	b.alert(fmt.Sprintf("Obs Combined Patient alert - %s", id), string(id), "SMS",
		"alert_condition", fmt.Sprintf("[calc_trigger_alert_patient_%s] = 1", s),
		"alert_message", fmt.Sprintf("Your heart rate of [hr_%s] needs review. A nurse will call you.", s),
		"phone_number_to", "[mobile]",
		"cron_send_email_on", "now",
		"cron_send_email_on_next_time", "")

	switch id {
	case b.family.Template():
		b.lateAlert(id, string(id), "")
	case b.family.Initial():
		// The initial survey is sent by hand; its invite exists but is off.
		child(b.schedulers, "redcap:SurveysScheduler", b.invite(id, 0, "")...).CreateAttr("active", "0")
	default:
		b.buildSchedule(id)
	}
}

func (b *Builder) buildSchedule(id naming.ID) {
	sched := b.cfg.Schedule
	day, _ := b.family.DayOffset(id)
	prev, _ := b.family.Preceding(id)
	invite, late := sched.MorningInvite, sched.MorningLate
	if afternoon, _ := b.family.IsAfternoon(id); afternoon {
		invite, late = sched.AfternoonInvite, sched.AfternoonLate
	}
	child(b.schedulers, "redcap:SurveysScheduler", b.invite(id, day, invite)...)
	b.lateAlert(id, string(prev), late)
}

func (b *Builder) invite(id naming.ID, day int, at string) []string {
	sched := b.cfg.Schedule
	return []string{
		"survey_id", string(id),
		"event_unique_name", "event_1_arm_1",
		"email_subject", "",
		"email_content", inviteText,
		"email_sender", "",
		"condition_surveycomplete_survey_id", string(b.family.Initial()),
		"condition_surveycomplete_event_name", "event_1_arm_1",
		"condition_andor", "AND",
		"condition_logic", fmt.Sprintf("[calc_mon_status_observation] = 1 and "+
			"(datediff([mon_admission_date], 'today', 'd') = %d or "+
			"datediff([mon_admission_date], 'today', 'd') = %d)", day-1, day),
		"condition_send_time_option", "NEXT_OCCURRENCE",
		"condition_send_next_day_type", "DAY",
		"condition_send_next_time", at,
		"reminder_type", "TIME_LAG",
		"reminder_timelag_days", "0",
		"reminder_timelag_hours", fmt.Sprint(sched.ReminderHours),
		"reminder_timelag_minutes", "0",
		"reminder_num", fmt.Sprint(sched.ReminderCount),
		"active", "1",
		"reeval_before_send", "1",
		"delivery_type", "SMS_INVITE_WEB",
	}
}

func (b *Builder) lateAlert(id naming.ID, form, at string) {
	s := naming.Suffix(id)
	b.alert(fmt.Sprintf("Late obs staff - %s", id), form, "SMS",
		"alert_condition", fmt.Sprintf(`[calc_allow_patient_comms] = 1 and [timestamp_%s] = ""`, s),
		"alert_message", "Patient [record_id] has not submitted their observations.",
		"phone_number_to", b.cfg.Contacts.StaffAlertPhone,
		"cron_send_email_on", "next_occurrence",
		"cron_send_email_on_next_day_type", "DAY",
		"cron_send_email_on_next_time", at)
}

func (b *Builder) buildNamedAlerts() {
	sched := b.cfg.Schedule

	b.alert("Patient Registration - Consent", "registration", "SMS",
		"alert_condition", "[mon_group] <> '0'",
		"alert_message", "Welcome to remote monitoring. Please complete the consent form: [survey-link:consent]",
		"phone_number_to", "[mobile]",
		"cron_send_email_on", "now")
	b.alert("Patient Registration - BIDAILY", "consent", "SMS",
		"alert_condition", "[cons_agree] = '1' and [calc_mon_status_observation] = 1",
		"alert_message", "Thank you. Please record your first observations.",
		"phone_number_to", "[mobile]",
		"cron_send_email_on", "now")
	b.alert(fmt.Sprintf("Staff Reminder Patient Call BIDAILY Day %d", sched.StaffCallDay), "registration", "SMS",
		"alert_condition", "[calc_mon_status_observation] = 1",
		"alert_message", "Please call patient [record_id].",
		"phone_number_to", b.cfg.Contacts.StaffAlertPhone,
		"cron_send_email_on", "time_lag",
		"cron_send_email_on_time_lag_days", fmt.Sprint(sched.StaffCallDay),
		"cron_send_email_on_time_lag_hours", "0",
		"cron_send_email_on_time_lag_minutes", "0")
	b.alert("Post Discharge Patient Follow-up - SMS", "discharge", "SMS",
		"alert_condition", "[discharge_date] <> ''",
		"alert_message", "How are you feeling since leaving the monitoring program?",
		"phone_number_to", "[mobile]",
		"cron_send_email_on", "time_lag",
		"cron_send_email_on_time_lag_days", fmt.Sprint(sched.FollowUpDay),
		"cron_send_email_on_time_lag_hours", "0",
		"cron_send_email_on_time_lag_minutes", "0")
	b.alert("Monitoring Discharge Required staff", "", "EMAIL",
		"alert_condition", dischargeCondition,
		"alert_message", "Patient [record_id] is due for discharge: [form-url:discharge]",
		"cron_send_email_on", "now")

	child(b.reports, "redcap:Reports",
		"title", "Patients awaiting discharge",
		"advanced_logic", dischargeCondition)
}

// Find returns every element under the ODM root matching path whose key
// attribute equals value. An empty key matches every element on path.
func (b *Builder) Find(path, key, value string) []*etree.Element {
	var out []*etree.Element
	for _, e := range b.doc.Root().FindElements(path) {
		if key == "" || e.SelectAttrValue(key, "\x00") == value {
			out = append(out, e)
		}
	}
	return out
}

// Remove deletes the matching elements and returns how many were removed.
func (b *Builder) Remove(path, key, value string) int {
	found := b.Find(path, key, value)
	for _, e := range found {
		e.Parent().RemoveChild(e)
	}
	return len(found)
}

// Set assigns attr on the matching elements and returns how many changed.
func (b *Builder) Set(path, key, value, attr, newValue string) int {
	found := b.Find(path, key, value)
	for _, e := range found {
		e.CreateAttr(attr, newValue)
	}
	return len(found)
}

// AppendText adds raw text to the study name, for literal hygiene checks.
func (b *Builder) AppendText(text string) {
	name := b.doc.FindElement("//StudyName")
	name.SetText(name.Text() + text)
}

// Bytes serialises the project.
func (b *Builder) Bytes() []byte {
	b.doc.Indent(2)
	out, err := b.doc.WriteToBytes()
	if err != nil {
		panic(fmt.Sprintf("fixture: serialise: %v", err))
	}
	return out
}

// WriteFile writes the project to path.
func (b *Builder) WriteFile(path string) error {
	return os.WriteFile(path, b.Bytes(), 0644)
}

// Contains reports whether the serialised project contains s.
func (b *Builder) Contains(s string) bool {
	return strings.Contains(string(b.Bytes()), s)
}
