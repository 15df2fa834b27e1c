// Package notify builds the scheduled reminder messages and sends them
// through the session manager. Send failures are reported to the caller;
// retrying is the external scheduler's decision, not ours.
package notify

import (
	"context"
	"fmt"
	"log/slog"
)

// Sender is the one session-manager capability this package needs.
type Sender interface {
	SendMessage(ctx context.Context, to, text string) (string, error)
}

type Service struct {
	sender  Sender
	groupID string
	appURL  string
	logger  *slog.Logger
}

func New(sender Sender, groupID, appURL string, logger *slog.Logger) *Service {
	return &Service{sender: sender, groupID: groupID, appURL: appURL, logger: logger}
}

// Result is the structured outcome handed back to the scheduler endpoint.
type Result struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SendGameDayReminder goes out mid-week, asking the group to RSVP.
func (s *Service) SendGameDayReminder(ctx context.Context) Result {
	text := fmt.Sprintf(`Softball reminder!

This Sunday we have softball. Please RSVP at: %s

Let us know if you're coming so we can plan accordingly. Game details will be shared closer to Sunday.`, s.appURL)
	return s.send(ctx, "game_day_reminder", text)
}

// SendFinalCallReminder goes out the day before the game.
func (s *Service) SendFinalCallReminder(ctx context.Context) Result {
	text := fmt.Sprintf(`Tomorrow is game day!

If you haven't already, please confirm your attendance: %s

See you on the field tomorrow!`, s.appURL)
	return s.send(ctx, "final_call_reminder", text)
}

// SendCustom delivers operator-supplied text as-is.
func (s *Service) SendCustom(ctx context.Context, text string) Result {
	if text == "" {
		return Result{Success: false, Error: "empty message"}
	}
	return s.send(ctx, "custom", text)
}

func (s *Service) send(ctx context.Context, kind, text string) Result {
	if s.groupID == "" {
		return Result{Success: false, Error: "no notification group configured"}
	}
	id, err := s.sender.SendMessage(ctx, s.groupID, text)
	if err != nil {
		s.logger.Error("sending notification failed", "kind", kind, "error", err)
		return Result{Success: false, Error: err.Error()}
	}
	s.logger.Info("notification sent", "kind", kind, "message_id", id)
	return Result{Success: true, MessageID: id}
}
