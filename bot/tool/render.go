package tool

import (
	"fmt"
	"sort"
	"strings"

	contractx "github.com/lumora/concierge/bot/contract"
)

// Voice answers are read aloud, so they carry fewer results than chat
// answers, which can show structured items with reference ids.
const (
	voiceResultCap = 3
	chatResultCap  = 5
)

// adapt shapes a successful outcome for the requesting channel. Errors and
// not-found outcomes pass through untouched.
func adapt(channel contractx.Channel, name string, outcome contractx.Outcome) contractx.Outcome {
	if outcome.Status != contractx.OutcomeFound {
		return outcome
	}

	switch channel {
	case contractx.ChannelVoice:
		outcome.Data = capList(outcome.Data, voiceResultCap)
		outcome.Data = map[string]any{"summary": speakable(name, outcome.Data)}
	default:
		outcome.Data = capList(outcome.Data, chatResultCap)
	}
	return outcome
}

func capList(data any, limit int) any {
	list, ok := data.([]map[string]any)
	if !ok || len(list) <= limit {
		return data
	}
	return list[:limit]
}

// speakable renders tool data as one short sentence for the voice channel.
func speakable(name string, data any) string {
	switch v := data.(type) {
	case map[string]any:
		return speakableRecord(name, v)
	case []map[string]any:
		parts := make([]string, 0, len(v))
		for _, record := range v {
			parts = append(parts, speakableRecord(name, record))
		}
		return strings.Join(parts, " ")
	default:
		return fmt.Sprintf("%v", data)
	}
}

func speakableRecord(name string, record map[string]any) string {
	switch name {
	case "get_order_status":
		s := fmt.Sprintf("Order %v is %v.", record["order_id"], record["status"])
		if tracking, ok := record["tracking_code"].(string); ok && tracking != "" {
			s += fmt.Sprintf(" Tracking code %s.", tracking)
		}
		return s
	case "get_order_history":
		return fmt.Sprintf("Order %v from %v is %v.", record["order_id"], record["placed_at"], record["status"])
	case "search_items", "get_item":
		s := fmt.Sprintf("%v at %v %v", record["name"], record["price"], record["currency"])
		if inStock, ok := record["in_stock"].(bool); ok && !inStock {
			s += ", currently out of stock"
		}
		return s + "."
	case "search_knowledge_base":
		if answer, ok := record["answer"].(string); ok {
			return answer
		}
		return fmt.Sprintf("%v", record["answer"])
	case "track_shipment":
		s := fmt.Sprintf("Shipment %v is %v", record["code"], record["status"])
		if loc, ok := record["last_location"].(string); ok && loc != "" {
			s += fmt.Sprintf(", last seen in %s", loc)
		}
		return s + "."
	default:
		keys := make([]string, 0, len(record))
		for k := range record {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, fmt.Sprintf("%s %v", k, record[k]))
		}
		return strings.Join(pairs, ", ") + "."
	}
}
