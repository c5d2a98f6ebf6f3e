package persona

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalid = errors.New("invalid persona")

func validate(p Context) error {
	switch {
	case strings.TrimSpace(p.ID) == "":
		return fmt.Errorf("%w: id is required", ErrInvalid)
	case strings.TrimSpace(p.Name) == "":
		return fmt.Errorf("%w: name is required", ErrInvalid)
	case len(p.CardLast4) != 4 || strings.Trim(p.CardLast4, "0123456789") != "":
		return fmt.Errorf("%w: card_last4 must be four digits", ErrInvalid)
	}
	return nil
}
