package hybrid

import (
	"fmt"
	"strings"

	"github.com/meterbook/meterbook/internal/storage"
)

type Mode string

const (
	ModeLocal Mode = "local"
	ModeCloud Mode = "cloud"
)

func ParseMode(value string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case ModeLocal:
		return ModeLocal, nil
	case ModeCloud:
		return ModeCloud, nil
	default:
		return "", fmt.Errorf("%w: unknown sync mode %q", storage.ErrInvalidInput, value)
	}
}

// modeFromPreference reads a stored mode. Anything unrecognised is local.
func modeFromPreference(value string, ok bool) Mode {
	if !ok {
		return ModeLocal
	}
	mode, err := ParseMode(value)
	if err != nil {
		return ModeLocal
	}
	return mode
}
