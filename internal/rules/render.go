package rules

import (
	"strings"

	"comment-dm/internal/domain"
)

const defaultPostTitle = "our post"

// Vars are the values substituted into a message template.
type Vars struct {
	Username    string
	FirstName   string
	CommentText string
	PostTitle   string
}

// VarsFor derives template values from a comment.
func VarsFor(c domain.Comment) Vars {
	title := c.PostRef
	if title == "" {
		title = defaultPostTitle
	}
	return Vars{
		Username:    c.AuthorName,
		FirstName:   FirstName(c.AuthorName),
		CommentText: c.Text,
		PostTitle:   title,
	}
}

// FirstName returns the part of a display name before the first '.' or '_'.
func FirstName(displayName string) string {
	if i := strings.IndexAny(displayName, "._"); i >= 0 {
		return displayName[:i]
	}
	return displayName
}

// Render substitutes placeholders in one pass. Placeholders whose value is
// empty, and unknown tokens, are left verbatim.
func Render(template string, v Vars) string {
	var pairs []string
	for _, p := range [...]struct{ token, value string }{
		{"{username}", v.Username},
		{"{first_name}", v.FirstName},
		{"{comment_text}", v.CommentText},
		{"{post_title}", v.PostTitle},
	} {
		if p.value != "" {
			pairs = append(pairs, p.token, p.value)
		}
	}
	if len(pairs) == 0 {
		return template
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// messageFor renders the rule's template, or the default message when the
// rule has none.
func messageFor(rule domain.Rule, c domain.Comment) string {
	tpl := domain.DefaultMessage
	if rule.TemplateContent != nil && *rule.TemplateContent != "" {
		tpl = *rule.TemplateContent
	}
	return Render(tpl, VarsFor(c))
}
