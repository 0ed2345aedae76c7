package voice

import (
	"context"
	"errors"
)

// ErrUnknownAction is returned by RunQuickAction for an unknown ID.
var ErrUnknownAction = errors.New("voice: unknown quick action")

// QuickAction is a canned question offered once a diagnosis is available.
type QuickAction struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Prompt string `json:"prompt"`
}

var quickActions = []QuickAction{
	{ID: "explain", Label: "Explain Findings", Prompt: "Explain the radiological findings detected in this scan"},
	{ID: "severity", Label: "Check Severity", Prompt: "What is the severity level of this condition and what does it mean"},
	{ID: "next-steps", Label: "Next Steps", Prompt: "What are the recommended next steps for this diagnosis"},
}

// QuickActions returns the canned questions in display order.
func QuickActions() []QuickAction {
	return append([]QuickAction(nil), quickActions...)
}

// RunQuickAction submits the prompt of the quick action with the given ID.
func (c *Controller) RunQuickAction(ctx context.Context, id string) error {
	for _, qa := range quickActions {
		if qa.ID == id {
			return c.ProcessText(ctx, qa.Prompt)
		}
	}
	return ErrUnknownAction
}
