package cli

import (
	"fmt"
	"time"
)

func parseDuration(flag, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %w", flag, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", flag)
	}
	return d, nil
}
