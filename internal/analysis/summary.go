package analysis

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/voxray-ai/console/pkg/backend"
)

// summaryPrompt asks the chat backend for a short clinical reading of a
// prediction.
const summaryPrompt = "The patient's X-Ray shows %s with %.1f%% confidence. " +
	"Provide a concise, professional 3-4 line clinical analysis summarising what this " +
	"condition implies and standard next steps. Keep it strictly under 60 words."

var labelPrefix = regexp.MustCompile(`^\d+_`)

// DisplayName turns a classifier label such as "3_Pleural_Effusion" into
// "Pleural Effusion".
func DisplayName(label string) string {
	name := strings.ReplaceAll(labelPrefix.ReplaceAllString(label, ""), "_", " ")
	if name == "" {
		return "Unknown"
	}
	return name
}

// OfflineSummary is shown when the chat backend cannot produce a summary.
func OfflineSummary(d backend.Diagnosis) string {
	return fmt.Sprintf("Analysis complete: %s detected with %.1f%% confidence. "+
		"AI Voice Assistant is temporarily offline. Please consult a medical professional "+
		"for detailed interpretation.", DisplayName(d.Diagnosis), d.Confidence*100)
}

// Summariser produces the short clinical summary shown next to a prediction.
type Summariser struct {
	chat backend.Chatter
}

// NewSummariser creates a Summariser backed by chat.
func NewSummariser(chat backend.Chatter) *Summariser {
	return &Summariser{chat: chat}
}

// Summarise asks the chat backend about d. The error is returned as is so
// callers can decide on a fallback.
func (s *Summariser) Summarise(ctx context.Context, d backend.Diagnosis) (string, error) {
	resp, err := s.chat.Chat(ctx, backend.ChatRequest{
		Message: fmt.Sprintf(summaryPrompt, d.Diagnosis, d.Confidence*100),
		Context: "Diagnosis: " + d.Diagnosis,
	})
	if err != nil {
		return "", fmt.Errorf("summarise: %w", err)
	}
	resp = strings.TrimSpace(resp)
	if resp == "" {
		return "", errors.New("summarise: empty response")
	}
	return resp, nil
}
