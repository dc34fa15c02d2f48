package onion

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/felixgeelhaar/fortify/ratelimit"
)

// allower is the part of the fortify limiter Throttle uses.
type allower interface {
	Allow(ctx context.Context, key string) bool
}

// Throttle is a Layer limiting request rate with a token bucket. Its
// parameter picks the bucket key: "global" (the default) shares one bucket,
// "ip" keys by client address and "user" by the authenticated user ID.
// Rejected requests get a 429 response.
type Throttle struct {
	limiter allower
}

var _ Layer = (*Throttle)(nil)

// NewThrottle returns a Throttle allowing rate requests per second with
// bursts of up to burst requests.
func NewThrottle(rate, burst int) *Throttle {
	return &Throttle{
		limiter: ratelimit.New(&ratelimit.Config{
			Rate:     rate,
			Burst:    burst,
			Interval: time.Second,
		}),
	}
}

// Handle implements Layer.
func (t *Throttle) Handle(ctx context.Context, r *http.Request, next Next, param Param) (Response, error) {
	key, err := throttleKey(ctx, r, param.Or("global"))
	if err != nil {
		return nil, err
	}

	if !t.limiter.Allow(ctx, key) {
		return nil, Abort(WithHeader(JSON(http.StatusTooManyRequests, map[string]string{
			"error": "rate limit exceeded",
		}), "Retry-After", "1"))
	}

	return next(ctx, r)
}

func throttleKey(ctx context.Context, r *http.Request, scope string) (string, error) {
	switch scope {
	case "global":
		return "global", nil
	case "ip":
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		return "ip:" + host, nil
	case "user":
		userID, _ := GetUserID(ctx)
		return "user:" + userID, nil
	default:
		return "", fmt.Errorf("unknown throttle scope %q", scope)
	}
}
