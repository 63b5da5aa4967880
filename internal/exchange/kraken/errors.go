package kraken

import (
	"fmt"
	"strings"

	"infinity-grid/internal/core"
)

// wrapAPIError maps Kraken's error strings onto the shared taxonomy so the
// engine can tell retryable failures from hard rejections.
func wrapAPIError(messages []string) error {
	if len(messages) == 0 {
		return nil
	}
	joined := strings.Join(messages, "; ")
	for _, msg := range messages {
		switch {
		case strings.Contains(msg, "Rate limit"),
			strings.Contains(msg, "Too many requests"):
			return fmt.Errorf("%w: %s", core.ErrRateLimited, joined)
		case strings.Contains(msg, "Unknown order"):
			return fmt.Errorf("%w: %s", core.ErrOrderNotFound, joined)
		case strings.HasPrefix(msg, "EOrder:"),
			strings.HasPrefix(msg, "EFunding:"),
			strings.Contains(msg, "Invalid arguments"),
			strings.Contains(msg, "Permission denied"):
			return fmt.Errorf("%w: %s", core.ErrRejected, joined)
		case strings.HasPrefix(msg, "EService:"),
			strings.Contains(msg, "Temporary lockout"),
			strings.Contains(msg, "Unavailable"):
			return fmt.Errorf("%w: %s", core.ErrNetwork, joined)
		}
	}
	return fmt.Errorf("%w: %s", core.ErrRejected, joined)
}

// wrapTransportError tags transport-level failures as network errors with an
// unknown outcome; the snapshot reconciler resolves them.
func wrapTransportError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", core.ErrNetwork, err)
}
