package domain

import (
	"fmt"
	"strings"
)

// NormalizeQuestions trims and validates a question set. Zero points default
// to 1; anything else below 1 is rejected.
func NormalizeQuestions(questions []Question) ([]Question, error) {
	if len(questions) == 0 {
		return nil, BadRequest("INVALID_QUESTIONS", "questions[] is required")
	}
	out := make([]Question, 0, len(questions))
	for i, q := range questions {
		text := strings.TrimSpace(q.Text)
		if text == "" {
			return nil, invalidQuestion(i, "text required")
		}
		if len(q.Options) != OptionsPerQuestion {
			return nil, invalidQuestion(i, fmt.Sprintf("exactly %d options required", OptionsPerQuestion))
		}
		options := make([]string, len(q.Options))
		for j, opt := range q.Options {
			opt = strings.TrimSpace(opt)
			if opt == "" {
				return nil, invalidQuestion(i, fmt.Sprintf("option %d is empty", j))
			}
			options[j] = opt
		}
		if q.CorrectIndex < 0 || q.CorrectIndex >= OptionsPerQuestion {
			return nil, invalidQuestion(i, "correctIndex must be 0..3")
		}
		points := q.Points
		if points == 0 {
			points = 1
		}
		if points < 1 {
			return nil, invalidQuestion(i, "points must be at least 1")
		}
		out = append(out, Question{
			Text:         text,
			Options:      options,
			CorrectIndex: q.CorrectIndex,
			Points:       points,
			Explanation:  strings.TrimSpace(q.Explanation),
		})
	}
	return out, nil
}

// NormalizeNewSession validates the creation request in place.
func NormalizeNewSession(in NewSession) (NewSession, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.Topic = strings.TrimSpace(in.Topic)
	if in.Title == "" || in.Topic == "" {
		return in, BadRequest("INVALID_SESSION", "title and topic are required")
	}
	if in.DurationSec <= 0 {
		return in, BadRequest("INVALID_SESSION", "durationSec must be positive")
	}
	switch in.Difficulty {
	case "":
		in.Difficulty = DifficultyMedium
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
	default:
		return in, BadRequest("INVALID_SESSION", "difficulty must be easy, medium or hard")
	}
	questions, err := NormalizeQuestions(in.Questions)
	if err != nil {
		return in, err
	}
	in.Questions = questions
	return in, nil
}

// Redact strips answer keys from a question set.
func Redact(questions []Question) []PublicQuestion {
	out := make([]PublicQuestion, len(questions))
	for i, q := range questions {
		out[i] = PublicQuestion{
			Text:    q.Text,
			Options: append([]string(nil), q.Options...),
			Points:  q.Points,
		}
	}
	return out
}

func invalidQuestion(i int, reason string) *Error {
	return BadRequest("INVALID_QUESTION", fmt.Sprintf("invalid question at index %d: %s", i, reason))
}
