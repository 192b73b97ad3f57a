package pipeline_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/samels-litmus/mqtt-to-i3x/internal/pipeline"
	"github.com/samels-litmus/mqtt-to-i3x/internal/store"
)

func newTestPipeline(t *testing.T, rules ...pipeline.Rule) (*pipeline.Pipeline, *store.Store) {
	t.Helper()
	st := store.New(zap.NewNop())
	engine := pipeline.NewEngine()
	for _, r := range rules {
		_, err := engine.Add(r)
		require.NoError(t, err)
	}
	return pipeline.New(engine, pipeline.NewCodecRegistry(), st, zap.NewNop(), nil), st
}

func TestHandleMessage_BinaryTagEndToEnd(t *testing.T) {
	pl, st := newTestPipeline(t, pipeline.Rule{
		ID:                "temp",
		TopicPattern:      "plant/{line}/{station}/temp",
		Codec:             "float32",
		ElementIDTemplate: "temp.{line}.{station}",
		ObjectTypeID:      "TemperatureTag",
		NamespaceURI:      "urn:plant",
	})

	pl.HandleMessage("plant/f1/s01/temp", []byte{0x42, 0x1C, 0x00, 0x00})

	v, ok := st.GetValue("temp.f1.s01")
	require.True(t, ok)
	n, isNum := v.Value.AsNumber()
	require.True(t, isNum)
	assert.Equal(t, float64(39), n)

	inst, ok := st.GetInstance("temp.f1.s01")
	require.True(t, ok)
	assert.Equal(t, "TemperatureTag", inst.TypeID)
	assert.False(t, inst.IsComposition)

	// The dot ancestry materialized as placeholders.
	parent, ok := st.GetInstance("temp.f1")
	require.True(t, ok)
	assert.Equal(t, store.TypePlaceholder, parent.TypeID)
	assert.True(t, st.HasChildren("temp.f1"))

	root, ok := st.GetInstance("temp")
	require.True(t, ok)
	assert.Equal(t, store.TypePlaceholder, root.TypeID)
	assert.True(t, st.HasChildren("temp"))

	pid, ok := st.GetParentID("temp.f1.s01")
	require.True(t, ok)
	assert.Equal(t, "temp.f1", pid)

	c := pl.Counters()
	assert.Equal(t, uint64(1), c.Received)
	assert.Equal(t, uint64(1), c.Matched)
	assert.Equal(t, uint64(1), c.Stored)
	assert.Equal(t, uint64(0), c.Errors)
}

func TestHandleMessage_UnmatchedTopicDroppedSilently(t *testing.T) {
	pl, st := newTestPipeline(t, pipeline.Rule{
		ID:           "temp",
		TopicPattern: "plant/{line}/temp",
		Codec:        "raw",
	})

	pl.HandleMessage("elsewhere/entirely", []byte{1})

	assert.Empty(t, st.GetAllValues())
	c := pl.Counters()
	assert.Equal(t, uint64(1), c.Received)
	assert.Equal(t, uint64(0), c.Matched)
}

func TestHandleMessage_DecodeFailureCounted(t *testing.T) {
	pl, st := newTestPipeline(t, pipeline.Rule{
		ID:           "temp",
		TopicPattern: "plant/{line}/temp",
		Codec:        "float32",
	})

	pl.HandleMessage("plant/f1/temp", []byte{0x42})

	assert.Empty(t, st.GetAllValues())
	c := pl.Counters()
	assert.Equal(t, uint64(1), c.Matched)
	assert.Equal(t, uint64(1), c.Errors)
	assert.Equal(t, uint64(0), c.Stored)
}

func TestHandleMessage_ExtractBeforeDecode(t *testing.T) {
	offset := 2
	length := 2
	pl, st := newTestPipeline(t, pipeline.Rule{
		ID:                "reg",
		TopicPattern:      "dev/{id}/registers",
		Codec:             "uint16",
		ElementIDTemplate: "dev.{id}.reg1",
		Extract:           &pipeline.ExtractSpec{ByteOffset: &offset, ByteLength: &length, Endian: "little"},
	})

	// Bytes 2..3 little-endian: 0x0201 = 513.
	pl.HandleMessage("dev/d9/registers", []byte{0xFF, 0xFF, 0x01, 0x02, 0xFF})

	v, ok := st.GetValue("dev.d9.reg1")
	require.True(t, ok)
	n, _ := v.Value.AsNumber()
	assert.Equal(t, float64(513), n)
}

func TestHandleMessage_JSONWithExtractors(t *testing.T) {
	pl, st := newTestPipeline(t, pipeline.Rule{
		ID:                 "env",
		TopicPattern:       "site/{area}/env",
		Codec:              "json",
		ElementIDTemplate:  "env.{area}",
		ValueExtractor:     "readings.temp",
		TimestampExtractor: "ts",
		QualityExtractor:   "quality",
	})

	payload := []byte(`{"readings":{"temp":21.5},"ts":"2026-02-03T04:05:06.000Z","quality":"Good"}`)
	pl.HandleMessage("site/north/env", payload)

	v, ok := st.GetValue("env.north")
	require.True(t, ok)
	n, _ := v.Value.AsNumber()
	assert.Equal(t, 21.5, n)
	assert.Equal(t, "2026-02-03T04:05:06.000Z", v.Timestamp)
	assert.Equal(t, "Good", v.Quality)
}

func TestHandleMessage_DecompositionBuildsComponentGraph(t *testing.T) {
	pl, st := newTestPipeline(t, pipeline.Rule{
		ID:                "machine",
		TopicPattern:      "machines/{id}",
		Codec:             "json",
		ElementIDTemplate: "machines.{id}",
		Decompose:         &pipeline.DecomposeSpec{Enabled: true, Strategy: pipeline.StrategyAuto},
	})

	payload := []byte(`{
		"status": "running",
		"oee": {
			"_name": "OEE",
			"_model": "abelara/models/KPI",
			"availability": 0.9
		}
	}`)
	pl.HandleMessage("machines/m1", payload)

	primary, ok := st.GetInstance("machines.m1")
	require.True(t, ok)
	assert.True(t, primary.IsComposition)

	components := st.GetRelatedElementIDs("machines.m1", store.RelHasComponent)
	assert.Contains(t, components, "machines.m1.oee")
	assert.Contains(t, components, "machines.m1.status")

	oee, ok := st.GetInstance("machines.m1.oee")
	require.True(t, ok)
	assert.Equal(t, "KPI", oee.TypeID)

	// The reverse edge comes from the relationship type's declared inverse.
	back := st.GetRelatedElementIDs("machines.m1.oee", store.RelComponentOf)
	assert.Equal(t, []string{"machines.m1"}, back)

	c := pl.Counters()
	assert.Equal(t, uint64(4), c.Stored) // primary + oee + status + availability
}

func TestHandleMessage_RuleEndianForwardedToCodec(t *testing.T) {
	pl, st := newTestPipeline(t, pipeline.Rule{
		ID:                "reg",
		TopicPattern:      "dev/{id}",
		Codec:             "uint16",
		ElementIDTemplate: "dev.{id}",
		Extract:           &pipeline.ExtractSpec{Endian: "little"},
	})

	pl.HandleMessage("dev/d1", []byte{0x01, 0x02})

	v, ok := st.GetValue("dev.d1")
	require.True(t, ok)
	n, _ := v.Value.AsNumber()
	assert.Equal(t, float64(513), n)
}
