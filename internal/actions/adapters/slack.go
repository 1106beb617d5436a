package adapters

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"triggerflow/internal/actions"
	"triggerflow/pkg/schema"
)

// Slack posts to and manages channels through the Web API.
type Slack struct {
	client *Client
}

func NewSlack(client *Client) *Slack { return &Slack{client: client} }

func (s *Slack) ID() string             { return "slack" }
func (s *Slack) Origin() actions.Origin { return actions.OriginAdapter }

var slackActions = []actions.ActionDefinition{
	{
		ID:          "list_channels",
		Description: "List public channels in the workspace.",
		RiskLevel:   actions.RiskRead,
		Parameters: schema.Object(map[string]*schema.Param{
			"limit": schema.Integer("Maximum number of channels to return."),
		}),
	},
	{
		ID:          "post_message",
		Description: "Post a message to a channel.",
		RiskLevel:   actions.RiskWrite,
		Parameters: schema.Object(map[string]*schema.Param{
			"channel":   schema.String("Channel id or name."),
			"text":      schema.String("Message text (mrkdwn)."),
			"thread_ts": schema.String("Reply in this thread."),
		}, "channel", "text"),
	},
	{
		ID:          "archive_channel",
		Description: "Archive a channel.",
		RiskLevel:   actions.RiskDanger,
		Parameters: schema.Object(map[string]*schema.Param{
			"channel": schema.String("Channel id."),
		}, "channel"),
	},
}

func (s *Slack) ListActions(context.Context, actions.ExecutionContext) ([]actions.ActionDefinition, error) {
	return slackActions, nil
}

// slackResponse is the envelope every Web API method returns.
type slackResponse struct {
	OK       bool           `json:"ok"`
	Error    string         `json:"error,omitempty"`
	Channels []any          `json:"channels,omitempty"`
	Channel  any            `json:"channel,omitempty"`
	TS       string         `json:"ts,omitempty"`
	Message  map[string]any `json:"message,omitempty"`
}

func (s *Slack) Execute(ctx context.Context, actionID string, params map[string]any, ec actions.ExecutionContext) actions.ActionResult {
	start := time.Now()
	if ec.Credential == nil || ec.Credential.Token == "" {
		return actions.Fail(start, actions.ErrMissingCredential)
	}
	token := ec.Credential.Token

	var (
		resp slackResponse
		err  error
	)
	switch actionID {
	case "list_channels":
		q := url.Values{"exclude_archived": {"true"}}
		if n, ok := intParam(params, "limit"); ok {
			q.Set("limit", fmt.Sprint(n))
		}
		err = s.client.Do(ctx, "GET", "/conversations.list?"+q.Encode(), token, nil, &resp)
	case "post_message":
		body := map[string]any{"channel": params["channel"], "text": params["text"]}
		if ts, ok := params["thread_ts"].(string); ok && ts != "" {
			body["thread_ts"] = ts
		}
		err = s.client.Do(ctx, "POST", "/chat.postMessage", token, body, &resp)
	case "archive_channel":
		err = s.client.Do(ctx, "POST", "/conversations.archive", token, map[string]any{"channel": params["channel"]}, &resp)
	default:
		return actions.Fail(start, fmt.Errorf("%w: slack.%s", actions.ErrActionNotFound, actionID))
	}
	if err != nil {
		return actions.Fail(start, err)
	}
	if !resp.OK {
		return actions.Fail(start, fmt.Errorf("slack: %s", resp.Error))
	}

	switch actionID {
	case "list_channels":
		return actions.Succeed(start, map[string]any{"channels": resp.Channels})
	case "post_message":
		return actions.Succeed(start, map[string]any{"channel": resp.Channel, "ts": resp.TS})
	default:
		return actions.Succeed(start, map[string]any{"archived": true})
	}
}

func intParam(params map[string]any, key string) (int, bool) {
	switch v := params[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	}
	return 0, false
}
