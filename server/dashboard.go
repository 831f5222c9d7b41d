package server

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lumora/concierge/bot/analytics"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func pagination(c echo.Context) (limit, offset int) {
	limit = defaultPageSize
	if raw := c.QueryParam("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if raw := c.QueryParam("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func (s *Server) listConversations(c echo.Context) error {
	if s.convList == nil {
		return c.JSON(http.StatusOK, map[string]any{"conversations": []any{}})
	}

	limit, offset := pagination(c)
	conversations, err := s.convList.ListConversations(c.Request().Context(), limit, offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list conversations")
	}

	out := make([]map[string]any, 0, len(conversations))
	for _, conv := range conversations {
		out = append(out, map[string]any{
			"id":         conv.ID.String(),
			"user_phone": conv.UserPhone,
			"channel":    conv.Channel,
			"status":     conv.Status,
			"language":   conv.Language,
			"created_at": conv.CreatedAt,
			"updated_at": conv.UpdatedAt,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"conversations": out, "limit": limit, "offset": offset})
}

func (s *Server) listMessages(c echo.Context) error {
	if s.convList == nil {
		return c.JSON(http.StatusOK, map[string]any{"messages": []any{}})
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid conversation id")
	}

	limit, _ := pagination(c)
	msgs, err := s.convList.RecentMessages(c.Request().Context(), id, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list messages")
	}

	out := make([]map[string]any, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, map[string]any{
			"id":         msg.ID.String(),
			"role":       msg.Role,
			"content":    msg.Content,
			"created_at": msg.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"messages": out})
}

func (s *Server) listCalls(c echo.Context) error {
	if s.callList == nil {
		return c.JSON(http.StatusOK, map[string]any{"calls": []any{}})
	}

	limit, offset := pagination(c)
	records, err := s.callList.ListCalls(c.Request().Context(), limit, offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list calls")
	}

	out := make([]map[string]any, 0, len(records))
	for _, call := range records {
		entry := map[string]any{
			"id":            call.ID.String(),
			"user_phone":    call.UserPhone,
			"telephony_id":  call.TelephonyID,
			"agent_id":      call.AgentID,
			"status":        call.Status,
			"started_at":    call.StartedAt,
			"duration_secs": call.DurationSecs,
			"segments":      len(call.Segments),
		}
		if call.EndedAt != nil {
			entry["ended_at"] = *call.EndedAt
		}
		out = append(out, entry)
	}
	return c.JSON(http.StatusOK, map[string]any{"calls": out, "limit": limit, "offset": offset})
}

// listKnowledgeGaps surfaces questions the knowledge base could not answer.
func (s *Server) listKnowledgeGaps(c echo.Context) error {
	if s.gaps == nil {
		return c.JSON(http.StatusOK, map[string]any{"gaps": []any{}})
	}

	limit, offset := pagination(c)
	events, err := s.gaps.ListByKind(c.Request().Context(), analytics.KindKnowledgeGap, limit, offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list knowledge gaps")
	}

	out := make([]map[string]any, 0, len(events))
	for _, event := range events {
		out = append(out, map[string]any{
			"user_phone": event.UserPhone,
			"channel":    event.Channel,
			"detail":     event.Detail,
			"at":         event.At,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"gaps": out, "limit": limit, "offset": offset})
}
