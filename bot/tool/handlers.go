package tool

import (
	"context"
	"errors"
	"fmt"

	"github.com/lumora/concierge/bot/commerce"
	contractx "github.com/lumora/concierge/bot/contract"
	"github.com/lumora/concierge/bot/knowledge"
)

// Catalog is the read-only commerce surface the tools depend on.
type Catalog interface {
	SearchItems(ctx context.Context, q commerce.SearchQuery) ([]commerce.Item, error)
	GetItem(ctx context.Context, id string) (commerce.Item, bool, error)
	GetOrder(ctx context.Context, orderID string) (commerce.Order, bool, error)
	OrdersByUser(ctx context.Context, userPhone string, limit int, statusFilter string) ([]commerce.Order, error)
}

// ShipmentTracker resolves a tracking code to shipment state.
type ShipmentTracker interface {
	Track(ctx context.Context, trackingCode string) (commerce.Tracking, bool, error)
}

// KnowledgeSearcher answers FAQ queries from the vector index.
type KnowledgeSearcher interface {
	Search(ctx context.Context, query, category string, limit int) ([]knowledge.Result, bool, error)
}

// RegisterAll installs the read-only tool set. None of these tools mutate
// external state.
func RegisterAll(r *Registry, catalog Catalog, tracker ShipmentTracker, kb KnowledgeSearcher) {
	r.MustRegister(contractx.ToolSpec{
		Name: "search_items",
		Desc: "Search the product catalog by keyword, optionally narrowed by category and price bounds.",
		Params: map[string]contractx.Param{
			"query":     {Type: contractx.ParamString, Desc: "search keywords", Required: true},
			"category":  {Type: contractx.ParamString, Desc: "category filter"},
			"price_min": {Type: contractx.ParamNumber, Desc: "minimum price"},
			"price_max": {Type: contractx.ParamNumber, Desc: "maximum price"},
			"limit":     {Type: contractx.ParamInteger, Desc: "maximum results"},
		},
	}, searchItemsHandler(catalog))

	r.MustRegister(contractx.ToolSpec{
		Name: "get_item",
		Desc: "Fetch full detail for one catalog item by its id.",
		Params: map[string]contractx.Param{
			"item_id": {Type: contractx.ParamString, Desc: "catalog item id", Required: true},
		},
	}, getItemHandler(catalog))

	r.MustRegister(contractx.ToolSpec{
		Name: "get_order_status",
		Desc: "Get the current status of one order by its order id.",
		Params: map[string]contractx.Param{
			"order_id": {Type: contractx.ParamString, Desc: "order id", Required: true},
		},
	}, getOrderStatusHandler(catalog))

	r.MustRegister(contractx.ToolSpec{
		Name: "get_order_history",
		Desc: "List the customer's recent orders, optionally filtered by status.",
		Params: map[string]contractx.Param{
			"limit":  {Type: contractx.ParamInteger, Desc: "maximum orders to return"},
			"status": {Type: contractx.ParamString, Desc: "status filter"},
		},
	}, getOrderHistoryHandler(catalog))

	r.MustRegister(contractx.ToolSpec{
		Name: "search_knowledge_base",
		Desc: "Search store policies and FAQs for an answer to a general question.",
		Params: map[string]contractx.Param{
			"query":    {Type: contractx.ParamString, Desc: "the customer question", Required: true},
			"category": {Type: contractx.ParamString, Desc: "topic filter"},
		},
	}, searchKnowledgeHandler(kb))

	r.MustRegister(contractx.ToolSpec{
		Name: "track_shipment",
		Desc: "Track a shipment by its tracking code.",
		Params: map[string]contractx.Param{
			"tracking_code": {Type: contractx.ParamString, Desc: "carrier tracking code", Required: true},
		},
	}, trackShipmentHandler(tracker))
}

// classifyErr folds a client error into the outcome taxonomy.
func classifyErr(err error) contractx.Outcome {
	switch {
	case errors.Is(err, contractx.ErrValidation):
		return contractx.Fail(contractx.ErrorInvalidArguments, err.Error())
	case errors.Is(err, contractx.ErrTransientUpstream), errors.Is(err, context.DeadlineExceeded):
		return contractx.Fail(contractx.ErrorTransient, err.Error())
	default:
		return contractx.Fail(contractx.ErrorPermanent, err.Error())
	}
}

func searchItemsHandler(catalog Catalog) Handler {
	return func(ctx context.Context, args map[string]any, _ contractx.ExecContext) contractx.Outcome {
		q := commerce.SearchQuery{
			Query:    stringArg(args, "query"),
			Category: stringArg(args, "category"),
			Limit:    intArg(args, "limit"),
		}
		if min, ok := numberArg(args, "price_min"); ok {
			q.PriceMin = &min
		}
		if max, ok := numberArg(args, "price_max"); ok {
			q.PriceMax = &max
		}

		items, err := catalog.SearchItems(ctx, q)
		if err != nil {
			return classifyErr(err)
		}
		if len(items) == 0 {
			return contractx.NotFound("no items match the search")
		}

		records := make([]map[string]any, 0, len(items))
		for _, item := range items {
			records = append(records, map[string]any{
				"item_id":  item.ID,
				"name":     item.Name,
				"category": item.Category,
				"price":    item.Price,
				"currency": item.Currency,
				"in_stock": item.InStock,
			})
		}
		return contractx.Found(records)
	}
}

func getItemHandler(catalog Catalog) Handler {
	return func(ctx context.Context, args map[string]any, _ contractx.ExecContext) contractx.Outcome {
		id := stringArg(args, "item_id")
		item, found, err := catalog.GetItem(ctx, id)
		if err != nil {
			return classifyErr(err)
		}
		if !found {
			return contractx.NotFound(fmt.Sprintf("no item with id %q", id))
		}
		return contractx.Found(map[string]any{
			"item_id":     item.ID,
			"name":        item.Name,
			"description": item.Description,
			"category":    item.Category,
			"price":       item.Price,
			"currency":    item.Currency,
			"in_stock":    item.InStock,
		})
	}
}

func getOrderStatusHandler(catalog Catalog) Handler {
	return func(ctx context.Context, args map[string]any, ec contractx.ExecContext) contractx.Outcome {
		orderID := stringArg(args, "order_id")
		order, found, err := catalog.GetOrder(ctx, orderID)
		if err != nil {
			return classifyErr(err)
		}
		if !found {
			return contractx.NotFound(fmt.Sprintf("no order with id %q", orderID))
		}
		// Another customer's order is indistinguishable from a missing one.
		if ec.UserPhone != "" && order.UserPhone != "" && order.UserPhone != ec.UserPhone {
			return contractx.NotFound(fmt.Sprintf("no order with id %q", orderID))
		}
		return contractx.Found(map[string]any{
			"order_id":      order.ID,
			"status":        order.Status,
			"total":         order.Total,
			"currency":      order.Currency,
			"tracking_code": order.TrackingCode,
			"placed_at":     order.PlacedAt.Format("2006-01-02"),
		})
	}
}

func getOrderHistoryHandler(catalog Catalog) Handler {
	return func(ctx context.Context, args map[string]any, ec contractx.ExecContext) contractx.Outcome {
		// The customer identity comes from the execution context, never from
		// model-supplied arguments.
		orders, err := catalog.OrdersByUser(ctx, ec.UserPhone, intArg(args, "limit"), stringArg(args, "status"))
		if err != nil {
			return classifyErr(err)
		}
		if len(orders) == 0 {
			return contractx.NotFound("no orders on record")
		}

		records := make([]map[string]any, 0, len(orders))
		for _, order := range orders {
			records = append(records, map[string]any{
				"order_id":  order.ID,
				"status":    order.Status,
				"total":     order.Total,
				"currency":  order.Currency,
				"placed_at": order.PlacedAt.Format("2006-01-02"),
			})
		}
		return contractx.Found(records)
	}
}

func searchKnowledgeHandler(kb KnowledgeSearcher) Handler {
	return func(ctx context.Context, args map[string]any, _ contractx.ExecContext) contractx.Outcome {
		results, degraded, err := kb.Search(ctx, stringArg(args, "query"), stringArg(args, "category"), chatResultCap)
		if err != nil {
			return classifyErr(err)
		}
		if len(results) == 0 {
			return contractx.NotFound("no confident answer in the knowledge base")
		}

		records := make([]map[string]any, 0, len(results))
		for _, result := range results {
			records = append(records, map[string]any{
				"question": result.Entry.Question,
				"answer":   result.Entry.Answer,
				"score":    result.Score,
			})
		}
		outcome := contractx.Found(records)
		if degraded {
			outcome.Reason = "degraded lexical match"
		}
		return outcome
	}
}

func trackShipmentHandler(tracker ShipmentTracker) Handler {
	return func(ctx context.Context, args map[string]any, _ contractx.ExecContext) contractx.Outcome {
		code := stringArg(args, "tracking_code")
		tracking, found, err := tracker.Track(ctx, code)
		if err != nil {
			return classifyErr(err)
		}
		if !found {
			return contractx.NotFound(fmt.Sprintf("no shipment with tracking code %q", code))
		}

		record := map[string]any{
			"code":    tracking.Code,
			"status":  tracking.Status,
			"carrier": tracking.Carrier,
		}
		if tracking.ETA != nil {
			record["eta"] = tracking.ETA.Format("2006-01-02")
		}
		if n := len(tracking.Checkpoints); n > 0 {
			record["last_location"] = tracking.Checkpoints[n-1].Location
		}
		return contractx.Found(record)
	}
}

func stringArg(args map[string]any, name string) string {
	s, _ := args[name].(string)
	return s
}

func intArg(args map[string]any, name string) int {
	if f, ok := asNumber(args[name]); ok {
		return int(f)
	}
	return 0
}

func numberArg(args map[string]any, name string) (float64, bool) {
	return asNumber(args[name])
}
