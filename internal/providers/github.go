package providers

import (
	"fmt"
	"net/http"

	"triggerflow/internal/filter"
)

// GitHub handles repository webhooks signed with X-Hub-Signature-256.
// The event kind is inferred from the payload shape.
type GitHub struct{}

func (GitHub) Name() string { return "github" }

func (GitHub) ParseWebhook(body []byte) ([]Item, error) {
	return decodeItems(body, "")
}

func (GitHub) VerifyWebhook(header http.Header, secret string, body []byte) bool {
	sig := header.Get("X-Hub-Signature-256")
	if len(sig) < len("sha256=") || sig[:len("sha256=")] != "sha256=" {
		return false
	}
	return VerifyHex(secret, body, sig[len("sha256="):])
}

var githubKinds = []string{"pull_request", "issue", "workflow_run", "check_run", "release", "deployment_status"}

func githubKind(item Item) string {
	for _, k := range githubKinds {
		if _, ok := item[k].(map[string]any); ok {
			return k
		}
	}
	if _, ok := item["commits"]; ok {
		return "push"
	}
	return ""
}

func (GitHub) ExtractExternalID(item Item) string {
	if kind := githubKind(item); kind != "" && kind != "push" {
		return str(item, kind, "id")
	}
	return str(item, "after")
}

func (GitHub) EventType(item Item) string {
	kind := githubKind(item)
	if action := str(item, "action"); action != "" && kind != "" {
		return kind + "." + action
	}
	return kind
}

func (g GitHub) ParseContext(item Item) Context {
	kind := githubKind(item)
	repo := str(item, "repository", "full_name")
	ctx := Context{Source: g.Name(), Details: map[string]any{"repository": repo, "type": g.EventType(item)}}
	if sender := str(item, "sender", "login"); sender != "" {
		ctx.Details["sender"] = sender
	}
	switch kind {
	case "push":
		ctx.Title = fmt.Sprintf("Push to %s", str(item, "ref"))
		ctx.URL = str(item, "compare")
	case "":
		ctx.Title = "GitHub event"
	default:
		o := obj(item, kind)
		ctx.Title = str(o, "title")
		if ctx.Title == "" {
			ctx.Title = str(o, "name")
		}
		ctx.Summary = str(o, "body")
		ctx.URL = str(o, "html_url")
		if n := str(o, "number"); n != "" {
			ctx.Details["number"] = n
		}
		if c := str(o, "conclusion"); c != "" {
			ctx.Details["conclusion"] = c
		}
	}
	if repo != "" {
		ctx.Title = fmt.Sprintf("[%s] %s", repo, ctx.Title)
	}
	return ctx
}

// DedupKey combines repository, event type, object id and the object's
// updated_at so redeliveries collapse but later updates do not.
func (g GitHub) DedupKey(item Item) string {
	kind := githubKind(item)
	updated := ""
	if kind != "" && kind != "push" {
		updated = str(item, kind, "updated_at")
	}
	return hashKey(g.Name(), str(item, "repository", "full_name"), g.EventType(item), g.ExtractExternalID(item), updated)
}

func (g GitHub) FilterEvent(item Item) filter.Event {
	return filter.Event{Name: g.EventType(item), Properties: map[string]any(item)}
}

func (g GitHub) Filter(item Item, cfg filter.Config) bool {
	return filter.Match(g.FilterEvent(item), cfg)
}
