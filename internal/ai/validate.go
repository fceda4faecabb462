package ai

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/kiranshivaraju/memoflow/pkg/models"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateContent strips surrounding whitespace and blank list entries from
// provider output, then checks it against the content schema. Nothing else is
// rewritten: oversized fields and unknown priorities are rejected. A rejected
// reply wraps ErrInvalidResponse.
func ValidateContent(c *models.GeneratedContent) error {
	c.Summary = strings.TrimSpace(c.Summary)
	c.KeyPoints = cleanList(c.KeyPoints)
	c.Decisions = cleanList(c.Decisions)
	c.NextSteps = cleanList(c.NextSteps)
	c.Attendees = cleanList(c.Attendees)
	if c.ActionItems == nil {
		c.ActionItems = []models.ActionItem{}
	}
	for i := range c.ActionItems {
		c.ActionItems[i].Task = strings.TrimSpace(c.ActionItems[i].Task)
	}

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s failed %q", ErrInvalidResponse, verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}

// cleanList drops blank entries; the result is never nil.
func cleanList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, s := range items {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}
