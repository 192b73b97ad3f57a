// Package handler mounts the i3X REST and SSE surface on Echo. Handlers are
// thin adapters: all graph semantics live in the store, the subscription
// manager and the pipeline.
package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/samels-litmus/mqtt-to-i3x/internal/pipeline"
	"github.com/samels-litmus/mqtt-to-i3x/internal/store"
	"github.com/samels-litmus/mqtt-to-i3x/internal/subscription"
)

// TopicSubscriber is the slice of the MQTT client the admin mapping surface
// needs: keeping broker subscriptions aligned with the rule set.
type TopicSubscriber interface {
	Subscribe(topic string) error
	Unsubscribe(topic string) error
}

// RegisterRoutes mounts every endpoint onto the Echo instance.
func RegisterRoutes(
	e *echo.Echo,
	st *store.Store,
	mgr *subscription.Manager,
	pl *pipeline.Pipeline,
	broker TopicSubscriber,
	brokerState func() string,
	logger *zap.Logger,
) {
	e.GET("/healthz", healthzHandler(st, pl, brokerState))
	e.GET("/stats", statsHandler(st, pl))

	e.GET("/namespaces", listNamespacesHandler(st))

	e.GET("/objecttypes", listObjectTypesHandler(st))
	e.POST("/objecttypes/query", queryObjectTypesHandler(st))

	e.GET("/relationshiptypes", listRelationshipTypesHandler(st))
	e.POST("/relationshiptypes/query", queryRelationshipTypesHandler(st))

	o := e.Group("/objects")
	o.GET("", listObjectsHandler(st))
	o.POST("/list", listObjectsByIDHandler(st))
	o.POST("/related", relatedObjectsHandler(st))
	o.POST("/value", objectValuesHandler(st))
	o.POST("/history", historyHandler())

	s := e.Group("/subscriptions")
	s.POST("", createSubscriptionHandler(mgr, logger))
	s.GET("", listSubscriptionsHandler(mgr))
	s.GET("/:id", getSubscriptionHandler(mgr))
	s.DELETE("/:id", deleteSubscriptionHandler(mgr, logger))
	s.POST("/:id/register", registerItemsHandler(mgr))
	s.POST("/:id/unregister", unregisterItemsHandler(mgr))
	s.GET("/:id/stream", streamHandler(mgr, logger))
	s.POST("/:id/sync", syncHandler(mgr))

	a := e.Group("/admin")
	a.POST("/objecttypes", adminCreateObjectTypeHandler(st, logger))
	a.GET("/objecttypes", listObjectTypesHandler(st))
	a.GET("/objecttypes/:id", adminGetObjectTypeHandler(st))
	a.PUT("/objecttypes/:id", adminUpdateObjectTypeHandler(st, logger))
	a.DELETE("/objecttypes/:id", adminDeleteObjectTypeHandler(st, logger))

	a.POST("/mappings", adminCreateMappingHandler(pl, broker, logger))
	a.GET("/mappings", adminListMappingsHandler(pl))
	a.GET("/mappings/:id", adminGetMappingHandler(pl))
	a.PUT("/mappings/:id", adminUpdateMappingHandler(pl, broker, logger))
	a.DELETE("/mappings/:id", adminDeleteMappingHandler(pl, broker, logger))
}

func errResp(msg string) map[string]string {
	return map[string]string{"error": msg}
}

// ── health & stats ────────────────────────────────────────────────────────

func healthzHandler(st *store.Store, pl *pipeline.Pipeline, brokerState func() string) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"status": "ok",
			"mqtt":   brokerState(),
			"stats":  st.Stats(),
		})
	}
}

func statsHandler(st *store.Store, pl *pipeline.Pipeline) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"store":    st.Stats(),
			"pipeline": pl.Counters(),
		})
	}
}

// ── catalogues ────────────────────────────────────────────────────────────

func listNamespacesHandler(st *store.Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"namespaces": st.GetAllNamespaces()})
	}
}

func listObjectTypesHandler(st *store.Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		var types []store.ObjectType
		if uri := c.QueryParam("namespaceUri"); uri != "" {
			types = st.GetObjectTypesByNamespace(uri)
		} else {
			types = st.GetAllObjectTypes()
		}
		if types == nil {
			types = []store.ObjectType{}
		}
		return c.JSON(http.StatusOK, map[string]any{"objectTypes": types})
	}
}

type queryRequest struct {
	ElementIDs []string `json:"elementIds"`
}

func queryObjectTypesHandler(st *store.Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req queryRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, errResp("invalid request body"))
		}
		types := make([]store.ObjectType, 0, len(req.ElementIDs))
		for _, id := range req.ElementIDs {
			if t, ok := st.GetObjectType(id); ok {
				types = append(types, t)
			}
		}
		return c.JSON(http.StatusOK, map[string]any{"objectTypes": types})
	}
}

func listRelationshipTypesHandler(st *store.Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		var types []store.RelationshipType
		if uri := c.QueryParam("namespaceUri"); uri != "" {
			types = st.GetRelationshipTypesByNamespace(uri)
		} else {
			types = st.GetAllRelationshipTypes()
		}
		if types == nil {
			types = []store.RelationshipType{}
		}
		return c.JSON(http.StatusOK, map[string]any{"relationshipTypes": types})
	}
}

func queryRelationshipTypesHandler(st *store.Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req queryRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, errResp("invalid request body"))
		}
		types := make([]store.RelationshipType, 0, len(req.ElementIDs))
		for _, id := range req.ElementIDs {
			if t, ok := st.GetRelationshipType(id); ok {
				types = append(types, t)
			}
		}
		return c.JSON(http.StatusOK, map[string]any{"relationshipTypes": types})
	}
}

// ── objects ───────────────────────────────────────────────────────────────

// objectDTO is the wire shape of an instance. parentId and hasChildren are
// derived from HasParent edges at render time, never read off the instance.
type objectDTO struct {
	ElementID     string  `json:"elementId"`
	DisplayName   string  `json:"displayName"`
	TypeID        string  `json:"typeId"`
	ParentID      *string `json:"parentId"`
	HasChildren   bool    `json:"hasChildren"`
	IsComposition bool    `json:"isComposition"`
	NamespaceURI  string  `json:"namespaceUri"`
}

func toObjectDTO(st *store.Store, inst store.ObjectInstance) objectDTO {
	dto := objectDTO{
		ElementID:     inst.ElementID,
		DisplayName:   inst.DisplayName,
		TypeID:        inst.TypeID,
		HasChildren:   st.HasChildren(inst.ElementID),
		IsComposition: inst.IsComposition,
		NamespaceURI:  inst.NamespaceURI,
	}
	if parent, ok := st.GetParentID(inst.ElementID); ok {
		dto.ParentID = &parent
	}
	return dto
}

func listObjectsHandler(st *store.Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		uri := c.QueryParam("namespaceUri")
		typeID := c.QueryParam("typeId")

		var instances []store.ObjectInstance
		switch {
		case typeID != "":
			for _, inst := range st.GetInstancesByType(typeID) {
				if uri == "" || inst.NamespaceURI == uri {
					instances = append(instances, inst)
				}
			}
		case uri != "":
			instances = st.GetInstancesByNamespace(uri)
		default:
			instances = st.GetAllInstances()
		}

		out := make([]objectDTO, 0, len(instances))
		for _, inst := range instances {
			out = append(out, toObjectDTO(st, inst))
		}
		return c.JSON(http.StatusOK, out)
	}
}

func listObjectsByIDHandler(st *store.Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req queryRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, errResp("invalid request body"))
		}
		out := make([]objectDTO, 0, len(req.ElementIDs))
		for _, id := range req.ElementIDs {
			if inst, ok := st.GetInstance(id); ok {
				out = append(out, toObjectDTO(st, inst))
			}
		}
		return c.JSON(http.StatusOK, out)
	}
}

type relatedRequest struct {
	ElementID          string `json:"elementId"`
	RelationshipTypeID string `json:"relationshipTypeId"`
	Depth              int    `json:"depth"`
	IncludeMetadata    bool   `json:"includeMetadata"`
}

// relatedObjectsHandler walks relationships breadth-first from elementId.
// depth 0 returns direct relations only; each extra level adds one hop. A
// visited set makes cyclic graphs safe.
func relatedObjectsHandler(st *store.Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req relatedRequest
		if err := c.Bind(&req); err != nil || req.ElementID == "" {
			return c.JSON(http.StatusBadRequest, errResp("invalid request body"))
		}

		visited := map[string]struct{}{req.ElementID: {}}
		frontier := []string{req.ElementID}
		var related []string

		for hop := 0; hop <= req.Depth && len(frontier) > 0; hop++ {
			var next []string
			for _, id := range frontier {
				for _, target := range st.GetRelatedElementIDs(id, req.RelationshipTypeID) {
					if _, seen := visited[target]; seen {
						continue
					}
					visited[target] = struct{}{}
					related = append(related, target)
					next = append(next, target)
				}
			}
			frontier = next
		}

		if !req.IncludeMetadata {
			if related == nil {
				related = []string{}
			}
			return c.JSON(http.StatusOK, related)
		}
		out := make([]objectDTO, 0, len(related))
		for _, id := range related {
			if inst, ok := st.GetInstance(id); ok {
				out = append(out, toObjectDTO(st, inst))
			}
		}
		return c.JSON(http.StatusOK, out)
	}
}

type valueRequest struct {
	ElementIDs []string `json:"elementIds"`
	MaxDepth   *int     `json:"maxDepth"`
}

// objectValuesHandler returns last-known values, composed into a tree via
// HasComponent edges. maxDepth 1 (the default) returns the element alone,
// 0 recurses without bound, N stops after N levels. Unknown ids map to null.
func objectValuesHandler(st *store.Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req valueRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, errResp("invalid request body"))
		}
		maxDepth := 1
		if req.MaxDepth != nil {
			maxDepth = *req.MaxDepth
		}

		out := make(map[string]any, len(req.ElementIDs))
		for _, id := range req.ElementIDs {
			out[id] = valueTree(st, id, 1, maxDepth, map[string]struct{}{})
		}
		return c.JSON(http.StatusOK, out)
	}
}

// valueTree builds the nested value node for id. Quality passes through
// exactly as stored here; only the SSE wire defaults it.
func valueTree(st *store.Store, id string, depth, maxDepth int, visited map[string]struct{}) any {
	if _, seen := visited[id]; seen {
		return nil
	}
	visited[id] = struct{}{}

	v, ok := st.GetValue(id)
	if !ok {
		return nil
	}

	node := map[string]any{
		"data": []map[string]any{vqtRecord(v)},
	}
	if maxDepth == 0 || depth < maxDepth {
		for _, child := range st.GetRelatedElementIDs(id, store.RelHasComponent) {
			node[child] = valueTree(st, child, depth+1, maxDepth, visited)
		}
	}
	return node
}

func vqtRecord(v store.ObjectValue) map[string]any {
	var quality any
	if v.Quality != "" {
		quality = v.Quality
	}
	return map[string]any{
		"value":     v.Value,
		"quality":   quality,
		"timestamp": v.Timestamp,
	}
}

func historyHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusNotImplemented, errResp("history is not implemented: the bridge is last-known-value only"))
	}
}
