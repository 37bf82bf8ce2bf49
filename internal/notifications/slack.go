// Package notifications posts batch lifecycle events — a fatal error or
// a user-initiated shutdown — to Slack, so an operator watching the
// channel learns about them without tailing logs.
package notifications

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"
)

// SlackChannel delivers batch events to a single Slack channel. Unlike
// the trigger-sourced, multi-workspace delivery model this is adapted
// from, PPE has no web UI and no per-user routing: every event goes to
// one channel configured at startup.
type SlackChannel struct {
	client    *slack.Client
	channelID string
}

// NewSlackChannel constructs a SlackChannel. token and channelID come
// from the SLACK_BOT_TOKEN and SLACK_ALERT_CHANNEL environment
// variables; an empty token disables delivery.
func NewSlackChannel(token, channelID string) *SlackChannel {
	if token == "" || channelID == "" {
		return nil
	}
	return &SlackChannel{client: slack.New(token), channelID: channelID}
}

// NotifyBatchFatal posts a message when a batch has ended abnormally.
func (c *SlackChannel) NotifyBatchFatal(batchID int, err error) {
	if c == nil {
		return
	}
	blocks := buildBlocks(
		fmt.Sprintf(":rotating_light: *ppe batch %d failed*", batchID),
		err.Error(),
	)
	c.post(blocks, fmt.Sprintf("ppe batch %d failed: %v", batchID, err))
}

// NotifyUserShutdown posts a message when an operator stops ppe.
func (c *SlackChannel) NotifyUserShutdown(batchID int, user string) {
	if c == nil {
		return
	}
	blocks := buildBlocks(
		fmt.Sprintf(":octagonal_sign: *ppe batch %d stopped*", batchID),
		fmt.Sprintf("Stopped at the request of %s.", user),
	)
	c.post(blocks, fmt.Sprintf("ppe batch %d stopped by %s", batchID, user))
}

func (c *SlackChannel) post(blocks []slack.Block, fallbackText string) {
	if c == nil || c.client == nil {
		return
	}
	if _, _, err := c.client.PostMessage(
		c.channelID,
		slack.MsgOptionBlocks(blocks...),
		slack.MsgOptionText(fallbackText, false),
	); err != nil {
		log.Warn().Err(err).Str("channel", c.channelID).Msg("Failed to post Slack notification")
	}
}

func buildBlocks(subject, message string) []slack.Block {
	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", subject, false, false),
			nil,
			nil,
		),
	}
	if message != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", "```\n"+message+"\n```", false, false),
			nil,
			nil,
		))
	}
	return blocks
}
