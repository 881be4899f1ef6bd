package collab

import (
	"context"
	"log/slog"

	"civicbeacon/internal/delivery"
)

// Log adapters stand in for the hardware agents on bench setups. They record
// what would have been shown or played and always succeed.

type LogDisplay struct {
	Logger *slog.Logger
}

func (d LogDisplay) Render(ctx context.Context, frame delivery.VisualFrame) error {
	if d.Logger != nil {
		d.Logger.Info("display frame",
			"text", frame.Text,
			"language", frame.Language,
			"font_pt", frame.FontPt,
			"duration", frame.Duration,
		)
	}
	return nil
}

type LogSpeaker struct {
	Logger *slog.Logger
}

func (s LogSpeaker) Play(ctx context.Context, clip delivery.AudioClip) error {
	if s.Logger != nil {
		s.Logger.Info("audio clip",
			"bytes", len(clip.Audio),
			"language", clip.Language,
			"volume_db", clip.VolumeDb,
		)
	}
	return nil
}
