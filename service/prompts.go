package service

import (
	"strings"

	"VideoAgent-server/models"
)

func characterPrompt(ch models.Character) string {
	desc := ch.Prompt
	if desc == "" {
		desc = ch.Name
	}
	return "character portrait of " + desc + ", full body, plain background"
}

// shotPrompt describes the storyboard frame. names are the shot's
// characters in order of first mention.
func shotPrompt(shot models.Shot, names []string) string {
	parts := []string{strings.TrimSpace(shot.Description)}
	if shot.CharacterAction != "" {
		parts = append(parts, strings.TrimSpace(shot.CharacterAction))
	}
	if shot.CameraAngle != "" {
		parts = append(parts, shot.CameraAngle)
	}
	if shot.Mood != "" {
		parts = append(parts, shot.Mood+" mood")
	}
	if len(names) > 0 {
		parts = append(parts, "featuring "+strings.Join(names, ", "))
	}
	return joinParts(parts)
}

func motionPrompt(shot models.Shot) string {
	parts := []string{strings.TrimSpace(shot.Description)}
	if shot.CharacterAction != "" {
		parts = append(parts, strings.TrimSpace(shot.CharacterAction))
	}
	if shot.CameraAngle != "" {
		parts = append(parts, "camera: "+shot.CameraAngle)
	}
	return joinParts(parts)
}

func joinParts(parts []string) string {
	kept := parts[:0]
	for _, p := range parts {
		p = strings.TrimRight(strings.TrimSpace(p), ".,;")
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ", ")
}
