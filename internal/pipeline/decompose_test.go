package pipeline_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samels-litmus/mqtt-to-i3x/internal/pipeline"
	"github.com/samels-litmus/mqtt-to-i3x/internal/store"
)

func testPrimary(v store.Value) pipeline.Mapped {
	return pipeline.Mapped{
		ElementID:    "plant.m1",
		NamespaceURI: "urn:plant",
		Timestamp:    "2026-01-02T03:04:05.000Z",
		Value:        v,
	}
}

func findEntity(t *testing.T, entities []pipeline.DecomposedEntity, id string) pipeline.DecomposedEntity {
	t.Helper()
	for _, e := range entities {
		if e.Instance.ElementID == id {
			return e
		}
	}
	t.Fatalf("no decomposed entity %q", id)
	return pipeline.DecomposedEntity{}
}

func TestDecomposePayload_DisabledOrNonMap(t *testing.T) {
	assert.Nil(t, pipeline.DecomposePayload(testPrimary(store.Number(1)), nil))
	assert.Nil(t, pipeline.DecomposePayload(testPrimary(store.Number(1)), &pipeline.DecomposeSpec{Enabled: false}))
	assert.Nil(t, pipeline.DecomposePayload(testPrimary(store.Number(1)), &pipeline.DecomposeSpec{Enabled: true}))
}

func TestDecomposePayload_AutoDetectsMarkers(t *testing.T) {
	payload := store.Map(map[string]store.Value{
		"line": store.String("A"),
		"oee": store.Map(map[string]store.Value{
			"_name":        store.String("OEE"),
			"_model":       store.String("abelara/models/KPI"),
			"availability": store.Number(0.9),
			"performance":  store.Number(0.8),
		}),
		"raw": store.Map(map[string]store.Value{
			"x": store.Number(1),
		}),
	})

	entities := pipeline.DecomposePayload(testPrimary(payload), &pipeline.DecomposeSpec{
		Enabled:  true,
		Strategy: pipeline.StrategyAuto,
	})

	// Marker-driven mode: the unmarked "raw" mapping is skipped, "line" stays
	// a scalar leaf, "oee" becomes a typed component whose scalar fields are
	// also materialized as leaves.
	require.Len(t, entities, 4)

	line := findEntity(t, entities, "plant.m1.line")
	assert.Equal(t, pipeline.TypeScalarProperty, line.Instance.TypeID)
	assert.Equal(t, "line", line.Instance.DisplayName)
	assert.Equal(t, "plant.m1", line.ParentComponentID)
	s, _ := line.Value.Value.AsString()
	assert.Equal(t, "A", s)

	oee := findEntity(t, entities, "plant.m1.oee")
	assert.Equal(t, "KPI", oee.Instance.TypeID)
	assert.Equal(t, "OEE", oee.Instance.DisplayName)
	assert.Equal(t, "urn:plant", oee.Instance.NamespaceURI)
	assert.Equal(t, "2026-01-02T03:04:05.000Z", oee.Value.Timestamp)

	avail, ok := oee.Value.Value.Get("availability")
	require.True(t, ok)
	n, _ := avail.AsNumber()
	assert.Equal(t, 0.9, n)
	_, hasMarker := oee.Value.Value.Get("_model")
	assert.False(t, hasMarker, "markers never appear in component values")
}

func TestDecomposePayload_FlatRecursion(t *testing.T) {
	payload := store.Map(map[string]store.Value{
		"motor": store.Map(map[string]store.Value{
			"rpm": store.Number(1480),
			"bearing": store.Map(map[string]store.Value{
				"temp": store.Number(62),
			}),
		}),
	})

	entities := pipeline.DecomposePayload(testPrimary(payload), &pipeline.DecomposeSpec{
		Enabled:  true,
		Strategy: pipeline.StrategyFlat,
	})

	motor := findEntity(t, entities, "plant.m1.motor")
	assert.Equal(t, pipeline.TypeDecomposedComponent, motor.Instance.TypeID)
	assert.Equal(t, "plant.m1", motor.ParentComponentID)

	bearing := findEntity(t, entities, "plant.m1.motor.bearing")
	assert.Equal(t, "plant.m1.motor", bearing.ParentComponentID)

	leaf := findEntity(t, entities, "plant.m1.motor.bearing.temp")
	assert.Equal(t, pipeline.TypeScalarProperty, leaf.Instance.TypeID)
	n, _ := leaf.Value.Value.AsNumber()
	assert.Equal(t, float64(62), n)
}

func TestDecomposePayload_MaxDepth(t *testing.T) {
	payload := store.Map(map[string]store.Value{
		"a": store.Map(map[string]store.Value{
			"b": store.Map(map[string]store.Value{
				"x": store.Number(1),
			}),
		}),
	})

	one := 1
	entities := pipeline.DecomposePayload(testPrimary(payload), &pipeline.DecomposeSpec{
		Enabled:  true,
		Strategy: pipeline.StrategyFlat,
		MaxDepth: &one,
	})

	require.Len(t, entities, 1)
	assert.Equal(t, "plant.m1.a", entities[0].Instance.ElementID)
}

func TestDecomposePayload_PathChildIDs(t *testing.T) {
	payload := store.Map(map[string]store.Value{
		"oee": store.Map(map[string]store.Value{
			"_name":  store.String("OEE"),
			"_model": store.String("abelara/models/KPI"),
			"_path":  store.String("plant/m1/kpis/oee"),
			"value":  store.Number(0.85),
		}),
	})

	entities := pipeline.DecomposePayload(testPrimary(payload), &pipeline.DecomposeSpec{
		Enabled:         true,
		Strategy:        pipeline.StrategyAbelara,
		ChildIDStrategy: "path",
	})

	oee := findEntity(t, entities, "plant.m1.kpis.oee")
	assert.Equal(t, "KPI", oee.Instance.TypeID)
	// The leaf under the component inherits the path-derived id.
	leaf := findEntity(t, entities, "plant.m1.kpis.oee.value")
	assert.Equal(t, pipeline.TypeScalarProperty, leaf.Instance.TypeID)
}

func TestDecomposePayload_ExcludeFieldsAndRoot(t *testing.T) {
	payload := store.Map(map[string]store.Value{
		"meta": store.String("ignore me"),
		"body": store.Map(map[string]store.Value{
			"secret": store.Number(1),
			"rpm":    store.Number(1480),
		}),
	})

	entities := pipeline.DecomposePayload(testPrimary(payload), &pipeline.DecomposeSpec{
		Enabled:       true,
		Strategy:      pipeline.StrategyFlat,
		Root:          "body",
		ExcludeFields: []string{"secret"},
	})

	require.Len(t, entities, 1)
	assert.Equal(t, "plant.m1.rpm", entities[0].Instance.ElementID)
}

func TestDecomposePayload_EmptyScalarSubsetIsNull(t *testing.T) {
	payload := store.Map(map[string]store.Value{
		"group": store.Map(map[string]store.Value{
			"inner": store.Map(map[string]store.Value{
				"x": store.Number(1),
			}),
		}),
	})

	entities := pipeline.DecomposePayload(testPrimary(payload), &pipeline.DecomposeSpec{
		Enabled:  true,
		Strategy: pipeline.StrategyFlat,
	})

	group := findEntity(t, entities, "plant.m1.group")
	assert.True(t, group.Value.Value.IsNull())
}

func TestDecomposePayload_SanitizesKeySegments(t *testing.T) {
	payload := store.Map(map[string]store.Value{
		"a.b/c": store.Number(1),
	})

	entities := pipeline.DecomposePayload(testPrimary(payload), &pipeline.DecomposeSpec{
		Enabled:  true,
		Strategy: pipeline.StrategyFlat,
	})

	require.Len(t, entities, 1)
	assert.Equal(t, "plant.m1.a_b_c", entities[0].Instance.ElementID)
}
