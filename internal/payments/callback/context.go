package callback

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// SuccessCode is the gateway result code for a successful checkout.
const SuccessCode = "0"

// ErrMalformed marks advisory parameters in an unexpected format.
var ErrMalformed = errors.New("malformed callback")

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// Context is the typed view of the gateway redirect. It is built once per page view
// and never mutated. Empty fields mean the parameter was absent.
type Context struct {
	Gateway    string `json:"gateway"`
	OrderID    string `json:"orderId" validate:"omitempty,max=64,printascii"`
	ResultCode string `json:"resultCode"`
	Amount     string `json:"amount" validate:"omitempty,max=32,numeric"`
	Message    string `json:"message"`
}

// Parse extracts the callback context from the redirect query parameters.
func Parse(gateway string, q url.Values) Context {
	return Context{
		Gateway:    strings.ToLower(strings.TrimSpace(gateway)),
		OrderID:    strings.TrimSpace(q.Get("orderId")),
		ResultCode: strings.TrimSpace(q.Get("resultCode")),
		Amount:     strings.TrimSpace(q.Get("amount")),
		Message:    strings.TrimSpace(q.Get("message")),
	}
}

// ParseURL parses a full callback URL. The gateway is taken from the
// /payments/{gateway}/callback path when present.
func ParseURL(raw string) (Context, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Context{}, fmt.Errorf("parse callback url: %w", err)
	}
	return Parse(GatewayFromPath(parsed.Path), parsed.Query()), nil
}

// GatewayFromPath returns the segment following "payments" in a callback path.
func GatewayFromPath(p string) string {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "payments" {
			return parts[i+1]
		}
	}
	return ""
}

// HasOrderID reports whether the redirect named an order.
func (c Context) HasOrderID() bool {
	return c.OrderID != ""
}

// GatewayFailed reports a present, non-success result code.
func (c Context) GatewayFailed() bool {
	return c.ResultCode != "" && c.ResultCode != SuccessCode
}

// GatewaySucceeded reports the success result code.
func (c Context) GatewaySucceeded() bool {
	return c.ResultCode == SuccessCode
}

// FailureReason is the user-facing text for a gateway-reported failure.
func (c Context) FailureReason() string {
	if c.Message != "" {
		return c.Message
	}
	return "gateway result code " + c.ResultCode
}

// Validate checks the shape of the advisory parameters.
func (c Context) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: invalid %s", ErrMalformed, verrs[0].Field())
		}
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
