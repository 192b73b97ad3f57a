package handler_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"

	"github.com/samels-litmus/mqtt-to-i3x/internal/handler"
	"github.com/samels-litmus/mqtt-to-i3x/internal/pipeline"
	"github.com/samels-litmus/mqtt-to-i3x/internal/store"
	"github.com/samels-litmus/mqtt-to-i3x/internal/subscription"
)

// --- Mock TopicSubscriber ---

type MockTopicSubscriber struct {
	ctrl     *gomock.Controller
	recorder *MockTopicSubscriberRecorder
}

type MockTopicSubscriberRecorder struct {
	mock *MockTopicSubscriber
}

func NewMockTopicSubscriber(ctrl *gomock.Controller) *MockTopicSubscriber {
	m := &MockTopicSubscriber{ctrl: ctrl}
	m.recorder = &MockTopicSubscriberRecorder{mock: m}
	return m
}

func (m *MockTopicSubscriber) EXPECT() *MockTopicSubscriberRecorder {
	return m.recorder
}

func toError(v interface{}) error {
	if v == nil {
		return nil
	}
	return v.(error)
}

func (m *MockTopicSubscriber) Subscribe(topic string) error {
	ret := m.ctrl.Call(m, "Subscribe", topic)
	return toError(ret[0])
}
func (mr *MockTopicSubscriberRecorder) Subscribe(topic any) *gomock.Call {
	return mr.mock.ctrl.RecordCall(mr.mock, "Subscribe", topic)
}

func (m *MockTopicSubscriber) Unsubscribe(topic string) error {
	ret := m.ctrl.Call(m, "Unsubscribe", topic)
	return toError(ret[0])
}
func (mr *MockTopicSubscriberRecorder) Unsubscribe(topic any) *gomock.Call {
	return mr.mock.ctrl.RecordCall(mr.mock, "Unsubscribe", topic)
}

// --- Fixture ---

type fixture struct {
	e      *echo.Echo
	st     *store.Store
	mgr    *subscription.Manager
	pl     *pipeline.Pipeline
	broker *MockTopicSubscriber
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)

	st := store.New(zap.NewNop())
	engine := pipeline.NewEngine()
	pl := pipeline.New(engine, pipeline.NewCodecRegistry(), st, zap.NewNop(), nil)
	mgr := subscription.NewManager(zap.NewNop(), nil)
	st.AddChangeListener(mgr.Listener())
	broker := NewMockTopicSubscriber(ctrl)

	e := echo.New()
	handler.RegisterRoutes(e, st, mgr, pl, broker, func() string { return "connected" }, zap.NewNop())

	return &fixture{e: e, st: st, mgr: mgr, pl: pl, broker: broker}
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func seedTag(f *fixture, id string) {
	f.st.Upsert(id, store.ObjectValue{
		Value:     store.Number(39),
		Timestamp: "2026-01-02T03:04:05.000Z",
	}, &store.ObjectInstance{
		DisplayName:  id,
		TypeID:       "TemperatureTag",
		NamespaceURI: "urn:plant",
	})
}

// --- Health & browse ---

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/healthz", "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "connected", body["mqtt"])
}

func TestListNamespaces(t *testing.T) {
	f := newFixture(t)
	f.st.RegisterNamespace(store.Namespace{URI: "urn:plant", DisplayName: "Plant"})

	rec := f.do(http.MethodGet, "/namespaces", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody[map[string][]map[string]any](t, rec)
	// The built-in relationships namespace plus the seeded one.
	assert.Len(t, body["namespaces"], 2)
}

func TestListObjects_FilterByType(t *testing.T) {
	f := newFixture(t)
	seedTag(f, "plant.line1.temp")
	seedTag(f, "plant.line1.pressure")

	rec := f.do(http.MethodGet, "/objects?typeId=TemperatureTag", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody[[]map[string]any](t, rec)
	require.Len(t, body, 2)
	for _, dto := range body {
		assert.Equal(t, "TemperatureTag", dto["typeId"])
	}
}

func TestListObjectsByID_DerivedFields(t *testing.T) {
	f := newFixture(t)
	seedTag(f, "plant.line1.temp")

	rec := f.do(http.MethodPost, "/objects/list", `{"elementIds":["plant.line1","plant.line1.temp","missing"]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody[[]map[string]any](t, rec)
	require.Len(t, body, 2, "unknown ids are skipped")

	byID := map[string]map[string]any{}
	for _, dto := range body {
		byID[dto["elementId"].(string)] = dto
	}
	line := byID["plant.line1"]
	assert.Equal(t, store.TypePlaceholder, line["typeId"])
	assert.Equal(t, true, line["hasChildren"])
	assert.Equal(t, "plant", line["parentId"])

	temp := byID["plant.line1.temp"]
	assert.Equal(t, false, temp["hasChildren"])
	assert.Equal(t, "plant.line1", temp["parentId"])
}

func TestRelatedObjects_DepthControlsHops(t *testing.T) {
	f := newFixture(t)
	seedTag(f, "a.b.c")

	// Depth 0: direct relations of a only.
	rec := f.do(http.MethodPost, "/objects/related", `{"elementId":"a","relationshipTypeId":"HasChildren","depth":0}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"a.b"}, decodeBody[[]string](t, rec))

	// One extra hop reaches the grandchild.
	rec = f.do(http.MethodPost, "/objects/related", `{"elementId":"a","relationshipTypeId":"HasChildren","depth":1}`)
	assert.ElementsMatch(t, []string{"a.b", "a.b.c"}, decodeBody[[]string](t, rec))

	// includeMetadata switches to DTOs.
	rec = f.do(http.MethodPost, "/objects/related", `{"elementId":"a","relationshipTypeId":"HasChildren","depth":0,"includeMetadata":true}`)
	dtos := decodeBody[[]map[string]any](t, rec)
	require.Len(t, dtos, 1)
	assert.Equal(t, "a.b", dtos[0]["elementId"])
}

func TestRelatedObjects_BadRequest(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/objects/related", `{"depth":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// --- Values ---

func TestObjectValues_DefaultDepthIsElementOnly(t *testing.T) {
	f := newFixture(t)
	seedTag(f, "machine")
	seedTag(f, "machine.kpi")
	f.st.AddRelationship("machine", "machine.kpi", store.RelHasComponent)

	rec := f.do(http.MethodPost, "/objects/value", `{"elementIds":["machine"]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody[map[string]map[string]any](t, rec)
	node := body["machine"]
	require.NotNil(t, node)

	data := node["data"].([]any)
	require.Len(t, data, 1)
	record := data[0].(map[string]any)
	assert.Equal(t, float64(39), record["value"])
	assert.Nil(t, record["quality"], "quality passes through untouched; absent stays null")
	assert.Equal(t, "2026-01-02T03:04:05.000Z", record["timestamp"])

	_, hasChild := node["machine.kpi"]
	assert.False(t, hasChild)
}

func TestObjectValues_UnboundedDepthComposesTree(t *testing.T) {
	f := newFixture(t)
	seedTag(f, "machine")
	seedTag(f, "machine.kpi")
	seedTag(f, "machine.kpi.oee")
	f.st.AddRelationship("machine", "machine.kpi", store.RelHasComponent)
	f.st.AddRelationship("machine.kpi", "machine.kpi.oee", store.RelHasComponent)

	rec := f.do(http.MethodPost, "/objects/value", `{"elementIds":["machine"],"maxDepth":0}`)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody[map[string]map[string]any](t, rec)
	kpi, ok := body["machine"]["machine.kpi"].(map[string]any)
	require.True(t, ok)
	_, ok = kpi["machine.kpi.oee"].(map[string]any)
	assert.True(t, ok)
}

func TestObjectValues_UnknownIDMapsToNull(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/objects/value", `{"elementIds":["nope"]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody[map[string]any](t, rec)
	val, present := body["nope"]
	assert.True(t, present)
	assert.Nil(t, val)
}

func TestHistory_NotImplemented(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/objects/history", `{}`)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

// --- Subscriptions ---

func TestSubscriptionLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/subscriptions", `{"monitoredItems":["plant.temp"]}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	info := decodeBody[map[string]any](t, rec)
	id := info["subscriptionId"].(string)
	require.NotEmpty(t, id)

	rec = f.do(http.MethodPost, "/subscriptions/"+id+"/register", `{"elementIds":["plant.pressure"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	info = decodeBody[map[string]any](t, rec)
	assert.Len(t, info["monitoredItems"], 2)

	// A store write on a monitored element lands in the queue.
	seedTag(f, "plant.temp")

	rec = f.do(http.MethodPost, "/subscriptions/"+id+"/sync", "")
	require.Equal(t, http.StatusOK, rec.Code)
	records := decodeBody[[]map[string]any](t, rec)
	require.Len(t, records, 1)
	assert.Equal(t, "plant.temp", records[0]["elementId"])
	assert.Equal(t, float64(39), records[0]["value"])

	// Drained; a second sync is empty.
	rec = f.do(http.MethodPost, "/subscriptions/"+id+"/sync", "")
	assert.Empty(t, decodeBody[[]map[string]any](t, rec))

	rec = f.do(http.MethodDelete, "/subscriptions/"+id, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(http.MethodGet, "/subscriptions/"+id, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubscriptionStream_UnknownID(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/subscriptions/unknown/stream", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
