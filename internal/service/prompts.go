package service

import (
	"fmt"
	"strings"

	"github.com/raphaelgruber/recap/internal/models"
)

// promptSet holds the three templates of one summary mode. Each template
// takes a single %s verb for the text.
type promptSet struct {
	whole  string
	chunk  string
	reduce string
}

var prompts = map[models.Mode]promptSet{
	models.ModeDetailed: {
		whole: `Please provide a comprehensive summary of the following transcript. Include all key points, important details, and main themes discussed.

Transcript:
%s

Comprehensive Summary:`,
		chunk: `Summarize this section of a transcript, preserving all important information and context:

Section:
%s

Section Summary:`,
		reduce: `Combine the following section summaries into one comprehensive, coherent summary of the entire transcript. Ensure all important information is preserved and well-organized. The summaries are in transcript order.

Section Summaries:
%s

Final Comprehensive Summary:`,
	},
	models.ModeConcise: {
		whole: `Please provide a brief, concise summary of the following transcript. Focus on the most important points only.

Transcript:
%s

Brief Summary:`,
		chunk: `Briefly summarize this section of a transcript, focusing only on the most important points:

Section:
%s

Brief Section Summary:`,
		reduce: `Combine the following section summaries into one brief, coherent summary of the entire transcript. The summaries are in transcript order.

Section Summaries:
%s

Final Brief Summary:`,
	},
	models.ModeBullet: {
		whole: `Please extract the key points from the following transcript and present them as a bulleted list.

Transcript:
%s

Key Points:`,
		chunk: `Extract the key points from this section of a transcript as a bulleted list:

Section:
%s

Key Points from this section:`,
		reduce: `Combine and organize the following key points from different sections into one bulleted list of key points for the entire transcript. Remove duplicates and organize logically.

Key Points from Sections:
%s

Final Key Points:`,
	},
}

func promptsFor(mode models.Mode) promptSet {
	if p, ok := prompts[mode]; ok {
		return p
	}
	return prompts[models.ModeConcise]
}

// wholePrompt summarizes a document that fits in one chunk.
func wholePrompt(mode models.Mode, text string) string {
	return fmt.Sprintf(promptsFor(mode).whole, text)
}

// mapPrompt summarizes one chunk. related, when non-empty, is prepended as
// background from earlier summaries.
func mapPrompt(mode models.Mode, text string, related []string) string {
	p := fmt.Sprintf(promptsFor(mode).chunk, text)
	if len(related) == 0 {
		return p
	}
	var b strings.Builder
	b.WriteString("Background from related transcripts (use only to resolve names and references, do not summarize it):\n")
	for _, r := range related {
		b.WriteString("- ")
		b.WriteString(strings.ReplaceAll(r, "\n", " "))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(p)
	return b.String()
}

// reduceSeparator joins summaries in a merge prompt.
const reduceSeparator = "\n\n---\n\n"

// reducePrompt merges summaries, given in document order.
func reducePrompt(mode models.Mode, summaries []string) string {
	return fmt.Sprintf(promptsFor(mode).reduce, strings.Join(summaries, reduceSeparator))
}

// reduceOverhead is the rune length of the merge prompt without inputs.
func reduceOverhead(mode models.Mode, n int) int {
	sep := 0
	if n > 1 {
		sep = (n - 1) * len([]rune(reduceSeparator))
	}
	return len([]rune(fmt.Sprintf(promptsFor(mode).reduce, ""))) + sep
}
