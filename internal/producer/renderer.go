package producer

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/helpdesk-forge/helpdesk/pkg/models"
	"github.com/helpdesk-forge/helpdesk/pkg/settings"
)

// Renderer turns a configured template plus context into a mail subject and
// body. The producer treats it as a black box so deployments can swap in
// their own rendering.
type Renderer interface {
	Render(tpl settings.Template, vars map[string]string, comments []models.Comment) (subject, body string)
}

// commentsTemplate formats the recent-comments block appended to update
// mails.
var commentsTemplate = template.Must(template.New("comments").Parse(
	`{{range .}}<div class="comment"><p><b>{{.Author}}</b> &mdash; {{.Date}}</p><p>{{.Body}}</p></div>
{{end}}`))

type commentView struct {
	Author string
	Date   string
	Body   string
}

// TemplateRenderer is the default renderer: #Token# substitution with the
// recent-comments block rendered through text/template.
type TemplateRenderer struct{}

// Render implements Renderer.
func (TemplateRenderer) Render(tpl settings.Template, vars map[string]string, comments []models.Comment) (string, string) {
	if vars == nil {
		vars = map[string]string{}
	}
	if _, ok := vars["Recent_comments"]; !ok {
		vars["Recent_comments"] = renderComments(comments)
	}
	return tpl.Expand(vars)
}

func renderComments(comments []models.Comment) string {
	if len(comments) == 0 {
		return ""
	}

	views := make([]commentView, 0, len(comments))
	for _, c := range comments {
		author := c.AuthorID
		if c.Author != nil {
			author = c.Author.FullName()
		}
		views = append(views, commentView{
			Author: author,
			Date:   c.CreatedAt.Format("2006-01-02 15:04"),
			Body:   c.Body,
		})
	}

	var buf strings.Builder
	if err := commentsTemplate.Execute(&buf, views); err != nil {
		// Plain-text digest rather than losing the mail.
		var plain strings.Builder
		for _, v := range views {
			fmt.Fprintf(&plain, "%s (%s): %s\n", v.Author, v.Date, v.Body)
		}
		return plain.String()
	}
	return buf.String()
}
