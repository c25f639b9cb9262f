package api

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"

	"github.com/atelierhq/atelier/internal/eventbus"
)

type wsWriter interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
}

func (s *Server) handleStreamWS(c echo.Context) error {
	streamsParam := c.QueryParam("streams")
	if streamsParam == "" {
		streamsParam = eventbus.StreamToken + "," + eventbus.StreamMessage + "," + eventbus.StreamRun
	}
	streams := splitComma(streamsParam)

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return nil
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	ctx := c.Request().Context()
	if err := streamEvents(ctx, s.Bus, streams, conn); err != nil && ctx.Err() == nil {
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return nil
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
	return nil
}

// streamEvents forwards bus events to the socket until the subscription
// ends. The bus closes the channel once ctx is cancelled, so the range is
// the only exit path short of a marshal or write failure.
func streamEvents(ctx context.Context, bus *eventbus.Bus, streams []string, writer wsWriter) error {
	for evt := range bus.Subscribe(ctx, streams...) {
		payload, err := json.Marshal(evt)
		if err != nil {
			return err
		}
		if err := writer.Write(ctx, websocket.MessageText, payload); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func splitComma(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
