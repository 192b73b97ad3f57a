package handler

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/samels-litmus/mqtt-to-i3x/internal/subscription"
)

// heartbeatInterval paces SSE comment frames so intermediaries keep idle
// streams open.
const heartbeatInterval = 30 * time.Second

type createSubscriptionRequest struct {
	MonitoredItems     []string `json:"monitoredItems"`
	MaxDepth           *int     `json:"maxDepth"`
	QueueHighWaterMark *int     `json:"queueHighWaterMark"`
}

func createSubscriptionHandler(mgr *subscription.Manager, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req createSubscriptionRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, errResp("invalid request body"))
		}
		info := mgr.Create(subscription.CreateInput{
			MonitoredItems:     req.MonitoredItems,
			MaxDepth:           req.MaxDepth,
			QueueHighWaterMark: req.QueueHighWaterMark,
		})
		return c.JSON(http.StatusCreated, info)
	}
}

func listSubscriptionsHandler(mgr *subscription.Manager) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, mgr.List())
	}
}

func getSubscriptionHandler(mgr *subscription.Manager) echo.HandlerFunc {
	return func(c echo.Context) error {
		info, err := mgr.Get(c.Param("id"))
		if err != nil {
			return c.JSON(http.StatusNotFound, errResp(err.Error()))
		}
		return c.JSON(http.StatusOK, info)
	}
}

func deleteSubscriptionHandler(mgr *subscription.Manager, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := mgr.Delete(c.Param("id")); err != nil {
			if errors.Is(err, subscription.ErrNotFound) {
				return c.JSON(http.StatusNotFound, errResp(err.Error()))
			}
			logger.Error("subscription delete failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, errResp(err.Error()))
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func registerItemsHandler(mgr *subscription.Manager) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req queryRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, errResp("invalid request body"))
		}
		info, err := mgr.Register(c.Param("id"), req.ElementIDs)
		if err != nil {
			return c.JSON(http.StatusNotFound, errResp(err.Error()))
		}
		return c.JSON(http.StatusOK, info)
	}
}

func unregisterItemsHandler(mgr *subscription.Manager) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req queryRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, errResp("invalid request body"))
		}
		info, err := mgr.Unregister(c.Param("id"), req.ElementIDs)
		if err != nil {
			return c.JSON(http.StatusNotFound, errResp(err.Error()))
		}
		return c.JSON(http.StatusOK, info)
	}
}

// streamHandler serves the Server-Sent-Events stream for one subscription.
// It writes an initial `: connected` comment, then one `data:` frame per
// notified value, with periodic heartbeat comments. The handler returns when
// the client disconnects, the subscription is deleted, or a newer stream
// replaces this one.
func streamHandler(mgr *subscription.Manager, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		frames, done, detach, err := mgr.AttachSSE(id)
		if err != nil {
			return c.JSON(http.StatusNotFound, errResp(err.Error()))
		}
		defer detach()

		res := c.Response()
		res.Header().Set(echo.HeaderContentType, "text/event-stream")
		res.Header().Set("Cache-Control", "no-cache")
		res.Header().Set("Connection", "keep-alive")
		res.WriteHeader(http.StatusOK)

		if _, err := fmt.Fprint(res, ": connected\n\n"); err != nil {
			return nil
		}
		res.Flush()

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()
		clientGone := c.Request().Context().Done()

		for {
			select {
			case <-clientGone:
				return nil
			case <-done:
				return nil
			case <-heartbeat.C:
				if _, err := fmt.Fprint(res, ": keepalive\n\n"); err != nil {
					logger.Debug("sse heartbeat write failed", zap.String("subscription_id", id), zap.Error(err))
					return nil
				}
				res.Flush()
			case body := <-frames:
				if _, err := fmt.Fprintf(res, "data: %s\n\n", body); err != nil {
					logger.Debug("sse write failed, detaching", zap.String("subscription_id", id), zap.Error(err))
					return nil
				}
				res.Flush()
			}
		}
	}
}

func syncHandler(mgr *subscription.Manager) echo.HandlerFunc {
	return func(c echo.Context) error {
		values, err := mgr.Sync(c.Param("id"))
		if err != nil {
			return c.JSON(http.StatusNotFound, errResp(err.Error()))
		}
		out := make([]map[string]any, 0, len(values))
		for _, v := range values {
			rec := vqtRecord(v)
			rec["elementId"] = v.ElementID
			out = append(out, rec)
		}
		return c.JSON(http.StatusOK, out)
	}
}
