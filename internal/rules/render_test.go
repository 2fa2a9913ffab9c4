package rules

import (
	"testing"

	"comment-dm/internal/domain"

	"github.com/stretchr/testify/assert"
)

func TestFirstName(t *testing.T) {
	assert.Equal(t, "jane", FirstName("jane.doe"))
	assert.Equal(t, "john", FirstName("john_smith.x"))
	assert.Equal(t, "cher", FirstName("cher"))
	assert.Equal(t, "", FirstName("_hidden"))
}

func TestRender(t *testing.T) {
	c := domain.Comment{Text: "price?", AuthorName: "jane.doe", PostRef: "https://instagram.com/p/abc"}
	got := Render("Hi {first_name} (@{username}), re \"{comment_text}\" on {post_title}. {unknown}", VarsFor(c))
	assert.Equal(t, `Hi jane (@jane.doe), re "price?" on https://instagram.com/p/abc. {unknown}`, got)
}

func TestRenderKeepsEmptyPlaceholders(t *testing.T) {
	got := Render("Hi {first_name}, see {post_title}", VarsFor(domain.Comment{Text: "x", AuthorName: "_anon"}))
	assert.Equal(t, "Hi {first_name}, see our post", got)
}

func TestRenderDoesNotExpandValues(t *testing.T) {
	c := domain.Comment{Text: "{username}", AuthorName: "bob"}
	assert.Equal(t, "bob said {username}", Render("{username} said {comment_text}", VarsFor(c)))
}

func TestMessageForDefault(t *testing.T) {
	assert.Equal(t, domain.DefaultMessage, messageFor(domain.Rule{}, domain.Comment{AuthorName: "bob"}))

	content := "Hey {username}"
	assert.Equal(t, "Hey bob", messageFor(domain.Rule{TemplateContent: &content}, domain.Comment{AuthorName: "bob"}))
}
