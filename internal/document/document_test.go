package document

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleODM = `<?xml version="1.0" encoding="UTF-8"?>
<ODM xmlns="http://www.cdisc.org/ns/odm/v1.3" xmlns:redcap="https://projectredcap.org">
  <Study OID="Project.Sample">
    <GlobalVariables>
      <redcap:RepeatingInstrumentsAndEvents>
        <redcap:RepeatingInstruments>
          <redcap:RepeatingInstrument redcap:UniqueEventName="event_1_arm_1" redcap:RepeatInstrument="clinicalnote" redcap:CustomLabel=""/>
        </redcap:RepeatingInstruments>
      </redcap:RepeatingInstrumentsAndEvents>
      <redcap:SurveysGroup>
        <redcap:Surveys form_name="ob_template" title="Ob Template" enhanced_choices="1"/>
        <redcap:Surveys form_name="ob_1a" title="Ob 1a" enhanced_choices="1"/>
      </redcap:SurveysGroup>
      <redcap:SurveysSchedulerGroup>
        <redcap:SurveysScheduler survey_id="ob_1a" active="1"/>
      </redcap:SurveysSchedulerGroup>
      <redcap:AlertsGroup>
        <redcap:Alerts alert_title="It's a test" form_name="ob_1a" alert_type="SMS" alert_number="1"/>
        <redcap:Alerts alert_title="It's a test" form_name="ob_1a" alert_type="EMAIL" alert_number="2"/>
      </redcap:AlertsGroup>
      <redcap:ReportsGroup>
        <redcap:Reports title="Patients awaiting discharge" advanced_logic="[x] = 1"/>
      </redcap:ReportsGroup>
    </GlobalVariables>
    <MetaDataVersion OID="Metadata.Sample" Name="Sample">
      <FormDef OID="Form.ob_1a" Name="Ob 1a" Repeating="No" redcap:FormName="ob_1a">
        <ItemGroupRef ItemGroupOID="ob_1a.hr_1a" Mandatory="No"/>
      </FormDef>
      <FormDef OID="Form.broken" Name="Broken" Repeating="No" redcap:FormName="broken">
        <ItemGroupRef ItemGroupOID="broken.missing" Mandatory="No"/>
      </FormDef>
      <ItemGroupDef OID="ob_1a.hr_1a" Name="Ob 1a" Repeating="No">
        <ItemRef ItemOID="hr_1a" Mandatory="No" redcap:Variable="hr_1a"/>
        <ItemRef ItemOID="sat_1a" Mandatory="No" redcap:Variable="sat_1a"/>
      </ItemGroupDef>
      <ItemDef OID="hr_1a" Name="hr_1a" DataType="integer" redcap:Variable="hr_1a" redcap:FieldType="text">
        <Question><TranslatedText>Heart rate</TranslatedText></Question>
      </ItemDef>
      <ItemDef OID="sat_1a" Name="sat_1a" DataType="integer" redcap:Variable="sat_1a" redcap:FieldType="text"/>
      <ItemDef OID="mobile" Name="mobile" DataType="integer" redcap:FieldType="text" Length="999">
        <RangeCheck Comparator="GE" SoftHard="Soft"><CheckValue>61400000000</CheckValue></RangeCheck>
        <RangeCheck Comparator="LE" SoftHard="Soft"><CheckValue>61499999999</CheckValue></RangeCheck>
      </ItemDef>
    </MetaDataVersion>
  </Study>
</ODM>`

func parseSample(t *testing.T) *Document {
	t.Helper()
	doc, err := Parse([]byte(sampleODM))
	require.NoError(t, err)
	return doc
}

func TestLoad(t *testing.T) {
	t.Run("reads file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "project.xml")
		require.NoError(t, os.WriteFile(path, []byte(sampleODM), 0644))

		doc, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, path, doc.Path())
		assert.Len(t, doc.Digest(), 64)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.xml"))
		assert.Error(t, err)
	})

	t.Run("malformed xml", func(t *testing.T) {
		_, err := Parse([]byte("<ODM><Study>"))
		assert.Error(t, err)
	})
}

func TestNamespacedAttributes(t *testing.T) {
	doc := parseSample(t)

	form := doc.Instrument("ob_1a")
	require.NotNil(t, form)
	assert.Equal(t, "Form.ob_1a", form.Attr("OID"))
	assert.Equal(t, "ob_1a", form.Attr("redcap:FormName"))
	_, hasBare := form.Lookup("FormName")
	assert.False(t, hasBare, "extension attributes keep their prefix")
	_, hasXmlns := form.Lookup("xmlns")
	assert.False(t, hasXmlns)
}

func TestFind(t *testing.T) {
	doc := parseSample(t)

	assert.Nil(t, doc.Instrument("ob_9z"), "no match yields nil")
	assert.Nil(t, doc.Find("./Study/[[["), "invalid path yields nil")

	all := doc.FindAll(PathItems)
	assert.Len(t, all, 3)

	// Path predicates and Go filters agree.
	viaPath := doc.Find("./Study/MetaDataVersion/FormDef[@redcap:FormName='ob_1a']")
	viaFilter := doc.Find(PathForms, Eq(AttrFormName, "ob_1a"))
	require.NotNil(t, viaPath)
	assert.Equal(t, viaPath, viaFilter)
}

func TestFindOne(t *testing.T) {
	doc := parseSample(t)

	rec, err := doc.FindOne(PathReports, Eq("title", "Patients awaiting discharge"))
	require.NoError(t, err)
	assert.Equal(t, "[x] = 1", rec.Attr("advanced_logic"))

	_, err = doc.FindOne(PathReports, Eq("title", "nope"))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = doc.FindOne(PathAlerts, Eq("alert_title", "It's a test"))
	assert.ErrorIs(t, err, ErrAmbiguous)

	_, err = doc.FindOne("./Study/[[[")
	assert.Error(t, err)
}

func TestAccessors(t *testing.T) {
	doc := parseSample(t)

	// Quote in a business key goes through a filter, not the path.
	sms := doc.Alert("It's a test", "ob_1a", "SMS")
	require.NotNil(t, sms)
	assert.Equal(t, "1", sms.Attr("alert_number"))
	email := doc.Alert("It's a test", "ob_1a", "EMAIL")
	require.NotNil(t, email)
	assert.Equal(t, "2", email.Attr("alert_number"))
	assert.Nil(t, doc.Alert("It's a test", "ob_2a", "SMS"))

	assert.Len(t, doc.Alerts(Eq("alert_type", "EMAIL")), 1)
	assert.Len(t, doc.Surveys(), 2)
	assert.NotNil(t, doc.Survey("ob_template"))
	assert.NotNil(t, doc.SurveyScheduler("ob_1a"))
	assert.Nil(t, doc.SurveyScheduler("ob_template"))
	assert.NotNil(t, doc.RepeatingInstrument("clinicalnote"))
	assert.Nil(t, doc.RepeatingInstrument("ob_1a"))

	mobile := doc.ItemDef("mobile")
	require.NotNil(t, mobile)
	require.Len(t, mobile.Children, 2)
	assert.Equal(t, "RangeCheck", mobile.Children[0].Kind)
	assert.Equal(t, "61400000000", mobile.Children[0].Child("CheckValue").Text)
	assert.Nil(t, doc.ItemDef("nope"))
}

func TestFormTree(t *testing.T) {
	doc := parseSample(t)

	tree, err := doc.FormTree("ob_1a")
	require.NoError(t, err)
	assert.Equal(t, KindForm, tree.Kind)
	assert.Equal(t, "Ob 1a", tree.Attr("Name"))

	require.Len(t, tree.Children, 1)
	group := tree.Children[0]
	assert.Equal(t, KindItemGroup, group.Kind)
	// Reference and definition attributes are merged.
	assert.Equal(t, "ob_1a.hr_1a", group.Attr("ItemGroupOID"))
	assert.Equal(t, "ob_1a.hr_1a", group.Attr("OID"))
	assert.Equal(t, "No", group.Attr("Mandatory"))

	require.Len(t, group.Children, 2)
	assert.Equal(t, "hr_1a", group.Children[0].Attr("OID"))
	assert.Equal(t, "sat_1a", group.Children[1].Attr("OID"))
	// Only ItemDef attributes, no nested question text.
	assert.Empty(t, group.Children[0].Children)
}

func TestFormTree_Errors(t *testing.T) {
	doc := parseSample(t)

	_, err := doc.FormTree("broken")
	assert.ErrorIs(t, err, ErrUnresolvedRef)

	_, err = doc.FormTree("ob_9z")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordHelpers(t *testing.T) {
	doc := parseSample(t)
	mobile := doc.ItemDef("mobile")

	clone := mobile.Clone()
	clone.Attrs["OID"] = "changed"
	clone.Children[0].Attrs["Comparator"] = "LT"
	assert.Equal(t, "mobile", mobile.Attr("OID"))
	assert.Equal(t, "GE", mobile.Children[0].Attr("Comparator"))

	assert.True(t, mobile.Contains("61499999999"))
	assert.False(t, mobile.Contains("61500000000"))

	count := 0
	mobile.Walk(func(*Record) { count++ })
	assert.Equal(t, 5, count)

	assert.Equal(t, []string{"DataType", "Length", "Name", "OID", "redcap:FieldType"}, mobile.Keys())

	var nilRec *Record
	assert.Equal(t, "", nilRec.Attr("x"))
}
