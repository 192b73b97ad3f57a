package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/samels-litmus/mqtt-to-i3x/internal/pipeline"
	"github.com/samels-litmus/mqtt-to-i3x/internal/store"
)

// ── object types ──────────────────────────────────────────────────────────

func adminCreateObjectTypeHandler(st *store.Store, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var t store.ObjectType
		if err := c.Bind(&t); err != nil {
			return c.JSON(http.StatusBadRequest, errResp("invalid request body"))
		}
		if t.ElementID == "" {
			return c.JSON(http.StatusBadRequest, errResp("elementId is required"))
		}
		if _, exists := st.GetObjectType(t.ElementID); exists {
			return c.JSON(http.StatusConflict, errResp("object type already exists: "+t.ElementID))
		}
		st.RegisterObjectType(t)
		logger.Info("object type created", zap.String("element_id", t.ElementID))
		return c.JSON(http.StatusCreated, t)
	}
}

func adminGetObjectTypeHandler(st *store.Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		t, ok := st.GetObjectType(c.Param("id"))
		if !ok {
			return c.JSON(http.StatusNotFound, errResp("object type not found"))
		}
		return c.JSON(http.StatusOK, t)
	}
}

func adminUpdateObjectTypeHandler(st *store.Store, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		if _, ok := st.GetObjectType(id); !ok {
			return c.JSON(http.StatusNotFound, errResp("object type not found"))
		}
		var t store.ObjectType
		if err := c.Bind(&t); err != nil {
			return c.JSON(http.StatusBadRequest, errResp("invalid request body"))
		}
		t.ElementID = id
		st.RegisterObjectType(t)
		logger.Info("object type updated", zap.String("element_id", id))
		return c.JSON(http.StatusOK, t)
	}
}

func adminDeleteObjectTypeHandler(st *store.Store, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		if err := st.DeleteObjectType(id); err != nil {
			switch {
			case errors.Is(err, store.ErrTypeInUse):
				return c.JSON(http.StatusConflict, errResp(err.Error()))
			case errors.Is(err, store.ErrNotFound):
				return c.JSON(http.StatusNotFound, errResp(err.Error()))
			default:
				logger.Error("object type delete failed", zap.Error(err))
				return c.JSON(http.StatusInternalServerError, errResp(err.Error()))
			}
		}
		logger.Info("object type deleted", zap.String("element_id", id))
		return c.NoContent(http.StatusNoContent)
	}
}

// ── mapping rules ─────────────────────────────────────────────────────────

// mappingDTO is a rule plus its derived broker subscription topic.
type mappingDTO struct {
	pipeline.Rule
	SubscribeTopic string `json:"subscribeTopic"`
}

func toMappingDTO(cr *pipeline.CompiledRule) mappingDTO {
	return mappingDTO{Rule: cr.Rule, SubscribeTopic: cr.Pattern.SubscribeTopic()}
}

func adminCreateMappingHandler(pl *pipeline.Pipeline, broker TopicSubscriber, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var rule pipeline.Rule
		if err := c.Bind(&rule); err != nil {
			return c.JSON(http.StatusBadRequest, errResp("invalid request body"))
		}
		if rule.ID == "" || rule.TopicPattern == "" {
			return c.JSON(http.StatusBadRequest, errResp("id and topicPattern are required"))
		}
		if !pl.Codecs().Has(rule.Codec) {
			return c.JSON(http.StatusBadRequest, errResp("unknown codec: "+rule.Codec))
		}

		cr, err := pl.Engine().Add(rule)
		if err != nil {
			if errors.Is(err, pipeline.ErrDuplicateRule) {
				return c.JSON(http.StatusConflict, errResp(err.Error()))
			}
			return c.JSON(http.StatusBadRequest, errResp(err.Error()))
		}

		topic := cr.Pattern.SubscribeTopic()
		if err := broker.Subscribe(topic); err != nil {
			logger.Error("broker subscribe failed", zap.String("topic", topic), zap.Error(err))
		}
		logger.Info("mapping rule created",
			zap.String("rule", rule.ID),
			zap.String("topic", topic),
		)
		return c.JSON(http.StatusCreated, toMappingDTO(cr))
	}
}

func adminListMappingsHandler(pl *pipeline.Pipeline) echo.HandlerFunc {
	return func(c echo.Context) error {
		rules := pl.Engine().List()
		out := make([]mappingDTO, 0, len(rules))
		for _, cr := range rules {
			out = append(out, toMappingDTO(cr))
		}
		return c.JSON(http.StatusOK, out)
	}
}

func adminGetMappingHandler(pl *pipeline.Pipeline) echo.HandlerFunc {
	return func(c echo.Context) error {
		cr, ok := pl.Engine().Get(c.Param("id"))
		if !ok {
			return c.JSON(http.StatusNotFound, errResp("mapping rule not found"))
		}
		return c.JSON(http.StatusOK, toMappingDTO(cr))
	}
}

func adminUpdateMappingHandler(pl *pipeline.Pipeline, broker TopicSubscriber, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		prev, ok := pl.Engine().Get(id)
		if !ok {
			return c.JSON(http.StatusNotFound, errResp("mapping rule not found"))
		}

		var rule pipeline.Rule
		if err := c.Bind(&rule); err != nil {
			return c.JSON(http.StatusBadRequest, errResp("invalid request body"))
		}
		rule.ID = id
		if !pl.Codecs().Has(rule.Codec) {
			return c.JSON(http.StatusBadRequest, errResp("unknown codec: "+rule.Codec))
		}

		cr, found, err := pl.Engine().Replace(rule)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errResp(err.Error()))
		}
		if !found {
			return c.JSON(http.StatusNotFound, errResp("mapping rule not found"))
		}

		oldTopic := prev.Pattern.SubscribeTopic()
		newTopic := cr.Pattern.SubscribeTopic()
		if oldTopic != newTopic {
			unsubscribeUnlessShared(pl, broker, oldTopic, logger)
			if err := broker.Subscribe(newTopic); err != nil {
				logger.Error("broker subscribe failed", zap.String("topic", newTopic), zap.Error(err))
			}
		}
		logger.Info("mapping rule updated", zap.String("rule", id))
		return c.JSON(http.StatusOK, toMappingDTO(cr))
	}
}

func adminDeleteMappingHandler(pl *pipeline.Pipeline, broker TopicSubscriber, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		cr, ok := pl.Engine().Remove(id)
		if !ok {
			return c.JSON(http.StatusNotFound, errResp("mapping rule not found"))
		}
		unsubscribeUnlessShared(pl, broker, cr.Pattern.SubscribeTopic(), logger)
		logger.Info("mapping rule deleted", zap.String("rule", id))
		return c.NoContent(http.StatusNoContent)
	}
}

// unsubscribeUnlessShared drops the broker subscription only when no
// remaining rule derives the same topic.
func unsubscribeUnlessShared(pl *pipeline.Pipeline, broker TopicSubscriber, topic string, logger *zap.Logger) {
	for _, cr := range pl.Engine().List() {
		if cr.Pattern.SubscribeTopic() == topic {
			return
		}
	}
	if err := broker.Unsubscribe(topic); err != nil {
		logger.Error("broker unsubscribe failed", zap.String("topic", topic), zap.Error(err))
	}
}
