// Package health contains the handler that reports whether the campsites server can serve requests.
package health

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/trailcamp/campsites/pkg/logger"
)

// TargetService defines an interface that services can implement for server health checks.
type TargetService interface {
	IsReady(ctx context.Context) (bool, error)
}

const (
	Serving    = "SERVING"
	NotServing = "NOT_SERVING"
)

type response struct {
	Status string `json:"status"`
}

// Checker answers health probes with 200 {"status":"SERVING"} when the target
// is ready and 503 {"status":"NOT_SERVING"} otherwise.
type Checker struct {
	TargetService
	TargetServiceName string
	Logger            logger.Logger
}

var _ http.Handler = (*Checker)(nil)

func (o *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status, code := Serving, http.StatusOK

	ready, err := o.IsReady(r.Context())
	if err != nil || !ready {
		status, code = NotServing, http.StatusServiceUnavailable
		if err != nil && o.Logger != nil {
			o.Logger.WarnWithContext(r.Context(), "health check failed",
				zap.String("service", o.TargetServiceName),
				zap.Error(err),
			)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(response{Status: status})
}
