package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFinalResult_MarshalFlattensSections(t *testing.T) {
	r := NewFinalResult()
	r.Sections["company_profile"] = &ExtractionPayload{Name: "Acme Co", Industry: "Retail"}
	r.Metadata.StagesCompleted = []StageID{StageExtraction}
	r.Metadata.DataGapsFilled = 1

	data, err := json.Marshal(r)
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Contains(t, doc, "company_profile")
	assert.Contains(t, doc, "_metadata")
	assert.NotContains(t, doc, "_failed")

	var meta Metadata
	require.NoError(t, json.Unmarshal(doc["_metadata"], &meta))
	assert.Equal(t, []StageID{StageExtraction}, meta.StagesCompleted)
	assert.Equal(t, 1, meta.DataGapsFilled)
}

func TestFinalResult_RoundTripPartial(t *testing.T) {
	r := NewFinalResult()
	r.Sections["company_profile"] = &ExtractionPayload{Name: "Acme Co"}
	r.Failed = &FailureMarker{Stage: StageFrameworks, Name: "frameworks", Error: "boom"}

	data, err := json.Marshal(r)
	require.NoError(t, err)

	var out FinalResult
	require.NoError(t, json.Unmarshal(data, &out))
	assert.True(t, out.Partial())
	assert.Equal(t, StageFrameworks, out.Failed.Stage)
	require.Contains(t, out.Sections, "company_profile")
	assert.Equal(t, "Acme Co", out.Sections["company_profile"].(*ExtractionPayload).Name)
}

func TestSectionFor(t *testing.T) {
	for _, s := range AllStages {
		assert.NotEmpty(t, SectionFor(s), s.Key())
	}
	assert.Empty(t, SectionFor(StageID(0)))
}

func TestPipelineRequest_Validate(t *testing.T) {
	req := PipelineRequest{Company: "Acme Co", Industry: "Retail", Challenge: "Expand into e-commerce"}
	require.NoError(t, req.Validate())

	req.Challenge = " "
	assert.Error(t, req.Validate())
}
