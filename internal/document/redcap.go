package document

import (
	"fmt"

	"github.com/beevik/etree"
)

// Paths into the export, relative to the ODM root.
const (
	PathForms                = "./Study/MetaDataVersion/FormDef"
	PathItemGroups           = "./Study/MetaDataVersion/ItemGroupDef"
	PathItems                = "./Study/MetaDataVersion/ItemDef"
	PathSurveys              = "./Study/GlobalVariables/redcap:SurveysGroup/redcap:Surveys"
	PathSchedulers           = "./Study/GlobalVariables/redcap:SurveysSchedulerGroup/redcap:SurveysScheduler"
	PathAlerts               = "./Study/GlobalVariables/redcap:AlertsGroup/redcap:Alerts"
	PathReports              = "./Study/GlobalVariables/redcap:ReportsGroup/redcap:Reports"
	PathRepeatingInstruments = "./Study/GlobalVariables/redcap:RepeatingInstrumentsAndEvents/redcap:RepeatingInstruments/redcap:RepeatingInstrument"
)

// Frequently used attribute keys.
const (
	AttrOID              = "OID"
	AttrName             = "Name"
	AttrFormName         = "redcap:FormName"
	AttrItemGroupOID     = "ItemGroupOID"
	AttrItemOID          = "ItemOID"
	AttrRepeatInstrument = "redcap:RepeatInstrument"
)

// Record kinds produced by FormTree.
const (
	KindForm      = "FormDef"
	KindItemGroup = "ItemGroup"
	KindItem      = "Item"
)

// Instrument returns the FormDef whose redcap:FormName is name.
func (d *Document) Instrument(name string) *Record {
	return d.Find(PathForms, Eq(AttrFormName, name))
}

// Survey returns the survey settings attached to form.
func (d *Document) Survey(form string) *Record {
	return d.Find(PathSurveys, Eq("form_name", form))
}

// Surveys returns every survey settings record.
func (d *Document) Surveys() []*Record {
	return d.FindAll(PathSurveys)
}

// SurveyScheduler returns the automated invitation for the survey on form.
func (d *Document) SurveyScheduler(form string) *Record {
	return d.Find(PathSchedulers, Eq("survey_id", form))
}

// SurveySchedulers returns every automated invitation.
func (d *Document) SurveySchedulers() []*Record {
	return d.FindAll(PathSchedulers)
}

// Alert returns the first alert with the given title, trigger form, and
// delivery type (SMS or EMAIL).
func (d *Document) Alert(title, form, alertType string) *Record {
	return d.Find(PathAlerts,
		Eq("alert_title", title),
		Eq("form_name", form),
		Eq("alert_type", alertType))
}

// Alerts returns every alert matching filters.
func (d *Document) Alerts(filters ...Filter) []*Record {
	return d.FindAll(PathAlerts, filters...)
}

// Report returns the report with the given title.
func (d *Document) Report(title string) *Record {
	return d.Find(PathReports, Eq("title", title))
}

// ItemDef returns the field definition with the given OID.
func (d *Document) ItemDef(oid string) *Record {
	els := d.items[oid]
	if len(els) == 0 {
		return nil
	}
	return toRecord(els[0])
}

// RepeatingInstrument returns the repeat setting for form.
func (d *Document) RepeatingInstrument(form string) *Record {
	return d.Find(PathRepeatingInstruments, Eq(AttrRepeatInstrument, form))
}

// FormTree assembles a normalised view of an instrument: the FormDef
// attributes at the root, one ItemGroup child per ItemGroupRef (reference
// attributes merged with the definition's), and one Item per ItemRef
// carrying the ItemDef attributes. Nothing else from the definitions is
// included.
func (d *Document) FormTree(formName string) (*Record, error) {
	p, err := d.compile(PathForms)
	if err != nil {
		return nil, err
	}
	var form *etree.Element
	for _, e := range d.root.FindElementsPath(p) {
		if !Eq(AttrFormName, formName).match(e) {
			continue
		}
		if form != nil {
			return nil, fmt.Errorf("%w: instrument %s defined twice", ErrAmbiguous, formName)
		}
		form = e
	}
	if form == nil {
		return nil, fmt.Errorf("%w: instrument %s", ErrNotFound, formName)
	}

	tree := NewRecord(KindForm, attrsOf(form))
	for _, ref := range form.SelectElements("ItemGroupRef") {
		def, err := resolve(d.groups, "ItemGroupDef", ref.SelectAttrValue(AttrItemGroupOID, ""))
		if err != nil {
			return nil, fmt.Errorf("instrument %s: %w", formName, err)
		}

		merged := attrsOf(ref)
		for k, v := range attrsOf(def) {
			merged[k] = v
		}
		group := NewRecord(KindItemGroup, merged)

		for _, iref := range def.SelectElements("ItemRef") {
			item, err := resolve(d.items, "ItemDef", iref.SelectAttrValue(AttrItemOID, ""))
			if err != nil {
				return nil, fmt.Errorf("instrument %s: %w", formName, err)
			}
			group.Children = append(group.Children, NewRecord(KindItem, attrsOf(item)))
		}
		tree.Children = append(tree.Children, group)
	}
	return tree, nil
}

func resolve(idx map[string][]*etree.Element, kind, oid string) (*etree.Element, error) {
	els := idx[oid]
	switch len(els) {
	case 0:
		return nil, fmt.Errorf("%w: %s %q", ErrUnresolvedRef, kind, oid)
	case 1:
		return els[0], nil
	default:
		return nil, fmt.Errorf("%w: %d definitions of %s %q", ErrAmbiguous, len(els), kind, oid)
	}
}
