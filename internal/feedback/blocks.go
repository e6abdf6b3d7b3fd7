package feedback

import (
	"fmt"
	"strconv"

	"github.com/slack-go/slack"
)

// Action IDs carried by the interactive components below. The interactions
// webhook routes callbacks by these values.
const (
	ActionShowForm     = "show_feedback_form"
	ActionRatingSelect = "rating_select"
	ActionFeedbackText = "feedback_text"
	ActionSubmit       = "submit_feedback"
)

const (
	promptBlockID = "feedback_prompt"
	formBlockID   = "feedback_form"
)

// PromptBlocks builds the opening prompt: a short question plus a single
// button that reveals the form. Pure function, same inputs produce the same
// payload.
func PromptBlocks(displayName string) []slack.Block {
	text := "Would you like to share feedback on this conversation?"
	if displayName != "" {
		text = fmt.Sprintf("Hi %s! Would you like to share feedback on this conversation?", displayName)
	}

	return []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, text, false, false),
			nil, nil,
		),
		slack.NewActionBlock(
			promptBlockID,
			slack.NewButtonBlockElement(
				ActionShowForm,
				"show_form",
				slack.NewTextBlockObject(slack.PlainTextType, "Share feedback", false, false),
			),
		),
	}
}

// FormBlocks builds the feedback form: a rating select with options
// 1..maxRating, an optional free-text input and a submit button.
func FormBlocks(maxRating int) []slack.Block {
	options := make([]*slack.OptionBlockObject, 0, maxRating)
	for i := 1; i <= maxRating; i++ {
		value := strconv.Itoa(i)
		options = append(options, slack.NewOptionBlockObject(
			value,
			slack.NewTextBlockObject(slack.PlainTextType, value, false, false),
			nil,
		))
	}

	ratingSelect := slack.NewOptionsSelectBlockElement(
		slack.OptTypeStatic,
		slack.NewTextBlockObject(slack.PlainTextType, "Pick a rating", false, false),
		ActionRatingSelect,
		options...,
	)

	commentInput := slack.NewPlainTextInputBlockElement(
		slack.NewTextBlockObject(slack.PlainTextType, "Anything we could do better?", false, false),
		ActionFeedbackText,
	)
	commentInput.Multiline = true

	commentBlock := slack.NewInputBlock(
		"feedback_comment",
		slack.NewTextBlockObject(slack.PlainTextType, "Comments", false, false),
		nil,
		commentInput,
	)
	commentBlock.DispatchAction = true
	commentBlock.Optional = true

	return []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType,
				fmt.Sprintf("*How did we do?* Rate this conversation from 1 to %d.", maxRating),
				false, false),
			nil, nil,
			slack.SectionBlockOptionBlockID(formBlockID),
		),
		slack.NewActionBlock("feedback_rating", ratingSelect),
		commentBlock,
		slack.NewActionBlock(
			"feedback_submit",
			slack.NewButtonBlockElement(
				ActionSubmit,
				"submit",
				slack.NewTextBlockObject(slack.PlainTextType, "Submit", false, false),
			),
		),
	}
}

// ConfirmationBlocks replaces the interactive form once a submission is
// accepted, so the components cannot be used a second time.
func ConfirmationBlocks(rating int) []slack.Block {
	return []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType,
				fmt.Sprintf(":white_check_mark: Feedback received, you rated this conversation *%d*. Thank you!", rating),
				false, false),
			nil, nil,
		),
	}
}
