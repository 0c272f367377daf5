package summarize

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"repoviz/internal/tree"
)

// RefusalAnswer is the exact reply expected when the summaries cannot answer
// a question.
const RefusalAnswer = "I'm unable to provide an answer for this based on the available summary data."

const (
	fileSystemPrompt = "You are a helpful assistant that summarizes code files. Provide concise summaries focusing on the main purpose, key functions, and overall structure."
	dirSystemPrompt  = "You are a helpful assistant that summarizes directories in code repositories. Provide concise summaries focusing on the main purpose and overall structure of the directory based on its contents."
	askSystemPrompt  = "You are a helpful assistant that answers questions about GitHub repositories based on file summaries."

	truncationMarker = "\n... [truncated]"
)

// NodeSummary is one already-summarized node used as prompt input.
type NodeSummary struct {
	Kind    tree.Kind `json:"type"`
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Summary string    `json:"summary"`
}

func kindLabel(k tree.Kind) string {
	if k == tree.KindFile {
		return "File"
	}
	return "Directory"
}

func filePrompt(fileName, content string) string {
	return fmt.Sprintf(`Please provide a concise summary of the following file named %q. Focus on the main purpose, key functions, and overall structure. Keep your summary under 200 words.

File content:
`+"```"+`
%s
`+"```", fileName, content)
}

func directoryPrompt(name, path string, children []NodeSummary) string {
	blocks := make([]string, 0, len(children))
	for _, c := range children {
		blocks = append(blocks, fmt.Sprintf("%s: %s\nPath: %s\nSummary: %s\n", kindLabel(c.Kind), c.Name, c.Path, c.Summary))
	}
	return fmt.Sprintf("Please provide a concise summary of the directory named %q at path %q. "+
		"This summary should synthesize the information from the summaries of its contents listed below. "+
		"Focus on the overall purpose of this directory, the main components it contains, and how they relate to each other. "+
		"Keep your summary under 250 words.\n\nDirectory contents and their summaries:\n\n%s",
		name, path, strings.Join(blocks, "\n---\n\n"))
}

func askPrompt(repo, question string, summaries []NodeSummary) string {
	blocks := make([]string, 0, len(summaries))
	for _, s := range summaries {
		blocks = append(blocks, fmt.Sprintf("%s: %s\nSummary: %s\n", kindLabel(s.Kind), s.Path, s.Summary))
	}
	return fmt.Sprintf(`You are an assistant that helps users understand a GitHub repository.
You have access to summaries of files and directories from the repository %s.
Answer the user's question based ONLY on the information in these summaries.
If you cannot answer the question based on the available summaries, respond with EXACTLY:
%q

Here are the summaries:

%s

User question: %s`, repo, RefusalAnswer, strings.Join(blocks, "\n---\n\n"), question)
}

// truncate cuts content to at most limit bytes on a rune boundary.
func truncate(content string, limit int) (string, bool) {
	if limit <= 0 || len(content) <= limit {
		return content, false
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut] + truncationMarker, true
}
