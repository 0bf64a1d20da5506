package outbox

import (
	"net/http"
	"time"

	apperrors "github.com/kimhsiao/outbox/internal/errors"
	"github.com/kimhsiao/outbox/internal/models"
	"github.com/kimhsiao/outbox/internal/outbox/queue"
	"github.com/kimhsiao/outbox/internal/sync/conflict"
)

// Profile names.
const (
	ProfileGeneric  = "generic"
	ProfileMerchant = "merchant"
	ProfileProducer = "producer"
)

// Profile is the per-namespace tuning of an Outbox.
type Profile struct {
	Name         string
	MaxRetries   int
	BatchSize    int
	SyncInterval time.Duration
	// JSONRPC wraps request bodies in a JSON-RPC "call" envelope.
	JSONRPC bool
	// SyncOnEnqueue starts a pass right after a successful enqueue while online.
	SyncOnEnqueue bool
	HealthPath    string
	Routes        queue.RouteMap
	Conflict      conflict.ResolutionStrategy
	Merger        conflict.Merger
}

func post(url string) models.Route {
	return models.Route{Method: http.MethodPost, URL: url}
}

// Generic accepts URL-addressed requests only.
func Generic() Profile {
	return Profile{
		Name:         ProfileGeneric,
		MaxRetries:   5,
		BatchSize:    5,
		SyncInterval: 30 * time.Second,
		HealthPath:   "/api/health",
		Routes:       queue.RouteMap{},
	}
}

// Merchant routes point-of-sale operations to the merchant API.
func Merchant() Profile {
	return Profile{
		Name:          ProfileMerchant,
		MaxRetries:    3,
		BatchSize:     5,
		SyncInterval:  5 * time.Minute,
		JSONRPC:       true,
		SyncOnEnqueue: true,
		HealthPath:    "/api/health",
		Routes: queue.RouteMap{
			"sale":           post("/api/merchant/sale/create"),
			"stock_adjust":   post("/api/merchant/stock/adjust"),
			"payment":        post("/api/merchant/payment/create"),
			"purchase":       post("/api/merchant/purchase/create"),
			"social_payment": post("/api/merchant/social/payment"),
		},
	}
}

// Producer routes farm operations to the producer portal API and merges
// conflicting payloads field by field.
func Producer() Profile {
	return Profile{
		Name:         ProfileProducer,
		MaxRetries:   3,
		BatchSize:    5,
		SyncInterval: 60 * time.Second,
		JSONRPC:      true,
		HealthPath:   "/portal/producer/api/ping",
		Routes: queue.RouteMap{
			"harvest":        post("/portal/producer/api/harvest/create"),
			"offer":          post("/portal/producer/api/offer/publish"),
			"order_confirm":  post("/portal/producer/api/order/confirm"),
			"social_payment": post("/portal/producer/api/social/payment"),
			"profile_update": post("/portal/producer/api/profile/update"),
		},
		Conflict: conflict.StrategyServerWins,
		Merger:   conflict.ShallowMerge,
	}
}

// Preset returns the built-in profile with the given name.
func Preset(name string) (Profile, error) {
	switch name {
	case ProfileGeneric:
		return Generic(), nil
	case ProfileMerchant:
		return Merchant(), nil
	case ProfileProducer:
		return Producer(), nil
	default:
		return Profile{}, apperrors.Newf(apperrors.ErrConfig, "unknown profile preset %q", name)
	}
}

// WithRoutes returns a copy of p with extra routes layered over its own.
func (p Profile) WithRoutes(routes map[string]models.Route) Profile {
	merged := make(queue.RouteMap, len(p.Routes)+len(routes))
	for k, v := range p.Routes {
		merged[k] = v
	}
	for k, v := range routes {
		if v.Method == "" {
			v.Method = http.MethodPost
		}
		merged[k] = v
	}
	p.Routes = merged
	return p
}
