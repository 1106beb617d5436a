package adapters

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"triggerflow/internal/actions"
	"triggerflow/pkg/schema"
)

// GitHub works with issues through the REST API.
type GitHub struct {
	client *Client
}

func NewGitHub(client *Client) *GitHub { return &GitHub{client: client} }

func (g *GitHub) ID() string             { return "github" }
func (g *GitHub) Origin() actions.Origin { return actions.OriginAdapter }

func repoParams(extra map[string]*schema.Param, required ...string) *schema.Param {
	props := map[string]*schema.Param{
		"owner": schema.String("Repository owner."),
		"repo":  schema.String("Repository name."),
	}
	for k, v := range extra {
		props[k] = v
	}
	return schema.Object(props, append([]string{"owner", "repo"}, required...)...)
}

var githubActions = []actions.ActionDefinition{
	{
		ID:          "get_issue",
		Description: "Fetch an issue.",
		RiskLevel:   actions.RiskRead,
		Parameters:  repoParams(map[string]*schema.Param{"number": schema.Integer("Issue number.")}, "number"),
	},
	{
		ID:          "create_issue",
		Description: "Open a new issue.",
		RiskLevel:   actions.RiskWrite,
		Parameters: repoParams(map[string]*schema.Param{
			"title":  schema.String("Issue title."),
			"body":   schema.String("Issue body (markdown)."),
			"labels": schema.ArrayOf(schema.String("label"), "Labels to apply."),
		}, "title"),
	},
	{
		ID:          "comment_issue",
		Description: "Comment on an issue or pull request.",
		RiskLevel:   actions.RiskWrite,
		Parameters: repoParams(map[string]*schema.Param{
			"number": schema.Integer("Issue number."),
			"body":   schema.String("Comment body (markdown)."),
		}, "number", "body"),
	},
	{
		ID:          "delete_repository",
		Description: "Delete a repository.",
		RiskLevel:   actions.RiskDanger,
		Parameters:  repoParams(nil),
	},
}

func (g *GitHub) ListActions(context.Context, actions.ExecutionContext) ([]actions.ActionDefinition, error) {
	return githubActions, nil
}

func (g *GitHub) Execute(ctx context.Context, actionID string, params map[string]any, ec actions.ExecutionContext) actions.ActionResult {
	start := time.Now()
	if ec.Credential == nil || ec.Credential.Token == "" {
		return actions.Fail(start, actions.ErrMissingCredential)
	}
	owner, _ := params["owner"].(string)
	repo, _ := params["repo"].(string)
	base := fmt.Sprintf("/repos/%s/%s", url.PathEscape(owner), url.PathEscape(repo))
	number, _ := intParam(params, "number")

	var (
		out map[string]any
		err error
	)
	switch actionID {
	case "get_issue":
		err = g.client.Do(ctx, "GET", fmt.Sprintf("%s/issues/%d", base, number), ec.Credential.Token, nil, &out)
	case "create_issue":
		body := map[string]any{"title": params["title"]}
		if b, ok := params["body"]; ok {
			body["body"] = b
		}
		if l, ok := params["labels"]; ok {
			body["labels"] = l
		}
		err = g.client.Do(ctx, "POST", base+"/issues", ec.Credential.Token, body, &out)
	case "comment_issue":
		err = g.client.Do(ctx, "POST", fmt.Sprintf("%s/issues/%d/comments", base, number), ec.Credential.Token, map[string]any{"body": params["body"]}, &out)
	case "delete_repository":
		err = g.client.Do(ctx, "DELETE", base, ec.Credential.Token, nil, nil)
		out = map[string]any{"deleted": err == nil}
	default:
		return actions.Fail(start, fmt.Errorf("%w: github.%s", actions.ErrActionNotFound, actionID))
	}
	if err != nil {
		return actions.Fail(start, err)
	}
	return actions.Succeed(start, summarizeIssue(out))
}

// summarizeIssue keeps the fields an agent or operator needs.
func summarizeIssue(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	keep := []string{"id", "number", "title", "state", "html_url", "body", "deleted"}
	out := make(map[string]any, len(keep))
	for _, k := range keep {
		if v, ok := in[k]; ok {
			out[k] = v
		}
	}
	return out
}
