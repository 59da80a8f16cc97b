package source

import (
	"context"
	"encoding/json"

	"github.com/timmy/powermode/internal/domain"
)

// ControlModeResult is the outcome of one power-control-mode query.
// Available is false when the vendor answered but reported no usable
// configuration for the plant; the parameters are then empty.
type ControlModeResult struct {
	PlantCode           string
	Available           bool
	ControlMode         string
	LimitedKWParam      json.RawMessage
	LimitedPercentParam json.RawMessage
	ZeroExportParam     json.RawMessage
	FailCode            int
	Message             string
	Raw                 []byte // response body as received
}

// PlantSource defines the vendor API operations the collector depends on.
type PlantSource interface {
	// Authenticate obtains a session token.
	// Returns:
	//   - err: *domain.AuthError on rejected credentials or non-2xx responses.
	Authenticate(ctx context.Context) error

	// ListPlants returns every plant across all pages, sorted by plant code.
	// Returns:
	//   - plants: all listed plants.
	//   - err: *domain.APIError or *domain.RateLimitError.
	ListPlants(ctx context.Context) ([]domain.Plant, error)

	// GetControlMode queries the active power control configuration of one plant.
	// Parameters:
	//   - ctx: context for cancellation and deadlines.
	//   - plantCode: vendor plant code.
	// Returns:
	//   - result: the configuration or an explicit not-available outcome.
	//   - err: *domain.APIError, *domain.RateLimitError or *domain.AuthError.
	GetControlMode(ctx context.Context, plantCode string) (*ControlModeResult, error)
}
