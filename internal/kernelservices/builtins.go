package kernelservices

import (
	"context"
	"fmt"
	"time"

	"github.com/oriys/vatkernel/internal/domain"
)

// RegisterClock installs a "clock" kernel service exposing now() -> a JSON
// CapData of the current unix-milli timestamp, used by subcluster bootstrap
// records that want a source of time without granting a vat direct access
// to the host clock.
func RegisterClock(r *Registry) {
	r.Register("clock", func(ctx context.Context, method string, args domain.CapData) (domain.CapData, error) {
		switch method {
		case "now":
			return domain.DataCapData(fmt.Sprintf("%d", time.Now().UnixMilli()), nil), nil
		default:
			return domain.CapData{}, fmt.Errorf("clock: unknown method %q", method)
		}
	})
}
