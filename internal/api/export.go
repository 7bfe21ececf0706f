package api

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/oakandowl/gamemaster/internal/session"
)

var transcriptMarkdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
)

// TranscriptMarkdown renders a session's history as a readable markdown
// transcript. Tool invocations and their results are rendered inline so
// the transcript reads the same way the table experienced it.
func TranscriptMarkdown(snap *session.Snapshot) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Session %s\n\n", snap.ID)
	fmt.Fprintf(&b, "Started: %s\n\n", snap.CreatedAt.UTC().Format(time.RFC3339))
	if len(snap.Entities) > 0 {
		fmt.Fprintf(&b, "At the table: %s\n\n", strings.Join(snap.Entities, ", "))
	}
	b.WriteString("---\n\n")

	for _, m := range snap.History {
		switch m.Role {
		case "user":
			fmt.Fprintf(&b, "**Player** (%s):\n\n%s\n\n", m.Timestamp.UTC().Format("15:04:05"), m.Content)
		case "assistant":
			if len(m.ToolCalls) > 0 {
				for _, tc := range m.ToolCalls {
					fmt.Fprintf(&b, "> *consults %s*\n\n", tc.Function.Name)
				}
			}
			if m.Content != "" {
				fmt.Fprintf(&b, "**Game Master**:\n\n%s\n\n", m.Content)
			}
		case "tool":
			fmt.Fprintf(&b, "```json\n%s\n```\n\n", m.Content)
		}
	}

	return b.String()
}

// TranscriptHTML renders the markdown transcript as a standalone HTML
// document.
func TranscriptHTML(snap *session.Snapshot) (string, error) {
	var body bytes.Buffer
	if err := transcriptMarkdown.Convert([]byte(TranscriptMarkdown(snap)), &body); err != nil {
		return "", fmt.Errorf("render transcript: %w", err)
	}

	var doc strings.Builder
	doc.WriteString("<!DOCTYPE html>\n<html>\n<head>\n")
	fmt.Fprintf(&doc, "<meta charset=\"utf-8\">\n<title>Session %s</title>\n", snap.ID)
	doc.WriteString("<style>body{font-family:Georgia,serif;max-width:48rem;margin:2rem auto;line-height:1.5;padding:0 1rem}pre{background:#f4f4f4;padding:0.5rem;overflow-x:auto}blockquote{color:#666;font-style:italic}</style>\n")
	doc.WriteString("</head>\n<body>\n")
	doc.Write(body.Bytes())
	doc.WriteString("</body>\n</html>\n")
	return doc.String(), nil
}
