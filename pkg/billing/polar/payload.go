package polar

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mihaimyh/goplan/pkg/billing"
)

// envelope is the tolerant view of a Polar webhook body. Field names vary
// between event types, so values are looked up across known aliases.
type envelope struct {
	ID   string
	Type string
	Data map[string]any
}

func parseEnvelope(body []byte) (*envelope, error) {
	root, err := decodeObject(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}

	data, _ := root["data"].(map[string]any)
	if data == nil {
		data = map[string]any{}
	}
	return &envelope{
		ID:   stringValue(root["id"]),
		Type: stringValue(root["type"]),
		Data: data,
	}, nil
}

// decodeObject decodes a single JSON object, keeping numbers as json.Number
// so numeric ids survive unchanged.
func decodeObject(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var root map[string]any
	if err := dec.Decode(&root); err != nil {
		return nil, err
	}
	if root == nil {
		return nil, errors.New("not a JSON object")
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON object")
	}
	return root, nil
}

// ProductID reads data.product_id, data.productId or data.product.id.
func (e *envelope) ProductID() string {
	return productID(e.Data)
}

func (e *envelope) customer() map[string]any {
	for _, path := range [][]string{{"customer"}, {"user"}, {"licensor"}, {"order", "customer"}} {
		if m, ok := lookup(e.Data, path...).(map[string]any); ok {
			return m
		}
	}
	return nil
}

// CustomerEmail reads the customer's email, falling back to data.customer_email.
func (e *envelope) CustomerEmail() string {
	c := e.customer()
	return firstString(
		lookup(c, "email"),
		lookup(c, "email_address"),
		lookup(e.Data, "customer_email"),
	)
}

// CustomerID reads customer.id or customer.user_id.
func (e *envelope) CustomerID() string {
	c := e.customer()
	return firstString(lookup(c, "id"), lookup(c, "user_id"))
}

// OrderID reads data.order_id, data.orderId or data.order.id. Order events
// carry the order itself, so data.id is used for them as a last resort.
func (e *envelope) OrderID(eventType string) string {
	if id := firstString(
		lookup(e.Data, "order_id"),
		lookup(e.Data, "orderId"),
		lookup(e.Data, "order", "id"),
	); id != "" {
		return id
	}
	if strings.HasPrefix(eventType, "order.") {
		return stringValue(e.Data["id"])
	}
	return ""
}

func productID(data map[string]any) string {
	return firstString(
		lookup(data, "product_id"),
		lookup(data, "productId"),
		lookup(data, "product", "id"),
	)
}

func lookup(m map[string]any, path ...string) any {
	var cur any = m
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok || obj == nil {
			return nil
		}
		cur = obj[key]
	}
	return cur
}

func firstString(values ...any) string {
	for _, v := range values {
		if s := stringValue(v); s != "" {
			return s
		}
	}
	return ""
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}
