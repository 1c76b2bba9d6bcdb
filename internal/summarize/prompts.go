package summarize

import (
	"fmt"
	"strings"

	"github.com/dharsanguruparan/inteldocs/internal/model"
)

const mapSystemPrompt = `You summarize administrative documents issued by schools and government education offices.
Read the excerpt and return structured notes about it.

- heading: the subject line if the excerpt has one. Otherwise build one from the document type, order number and year.
- notes: administrative metadata found in the excerpt. Leave a field empty when the excerpt does not state it.
  - order_type: Memorandum, Resolution, Special Order and so on.
  - order_number and series_year exactly as written.
  - relevant_dates: issuance, effectivity or deadline dates.
  - involved_parties: offices, departments, schools or people the document addresses.
  - other_notes: any other identifying detail worth keeping.
- summary: one or more short bullets stating what the document directs, announces or authorizes.
  Start each bullet with a present-tense verb ("Requires", "Suspends", "Designates").
  Leave out greetings, signatures and background text. Keep a neutral, formal tone.`

const mapSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["heading", "notes", "summary"],
  "properties": {
    "heading": {"type": "string"},
    "notes": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "order_type": {"type": "string"},
        "order_number": {"type": "string"},
        "series_year": {"type": "string"},
        "relevant_dates": {"type": "array", "items": {"type": "string"}},
        "involved_parties": {"type": "array", "items": {"type": "string"}},
        "other_notes": {"type": "array", "items": {"type": "string"}}
      }
    },
    "summary": {"type": "array", "items": {"type": "string"}}
  }
}`

const reduceSystemPrompt = `You merge several partial summaries of the same administrative document, or group of documents, into one overview.

- headline: one headline covering everything, including the order type, number and year when known.
- summary: the distinct actions and directives across all inputs as short bullets.
  Merge overlapping points and drop repeats. Start each bullet with a present-tense verb.
  Keep a neutral, formal tone.`

const reduceSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["headline", "summary"],
  "properties": {
    "headline": {"type": "string"},
    "summary": {"type": "array", "items": {"type": "string"}}
  }
}`

const titleSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["title"],
  "properties": {"title": {"type": "string"}}
}`

const yearSystemPrompt = `You read a document summary and return the year the document was issued or published.
Return it as a four-digit integer. When several years appear, choose the one that dates the document itself.`

const yearSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["year"],
  "properties": {"year": {"type": "integer", "minimum": 1000, "maximum": 9999}}
}`

const tagsSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["tags"],
  "properties": {"tags": {"type": "array", "items": {"type": "string"}}}
}`

func titleSystemPrompt(excluded []string) string {
	quoted := make([]string, len(excluded))
	for i, p := range excluded {
		quoted[i] = fmt.Sprintf("%q", p)
	}
	return `You produce the title of a document from its summary.
- If the summary states a title or subject line, use it as written.
- Otherwise write a Title Case title of at most ten words.
- Do not include the issuing institution. Leave out phrases such as "Office of the ...", ` + strings.Join(quoted, ", ") + `.`
}

func tagsSystemPrompt(vocabulary []model.Tag) string {
	var b strings.Builder
	b.WriteString("You classify administrative documents using only the tags listed below.\n\n")
	for _, t := range vocabulary {
		if t.Name == model.OtherTag {
			continue
		}
		b.WriteString("- ")
		b.WriteString(t.Name)
		if t.Description != "" {
			b.WriteString(": ")
			b.WriteString(t.Description)
		}
		b.WriteString("\n")
	}
	b.WriteString("- ")
	b.WriteString(model.OtherTag)
	b.WriteString(": nothing above applies\n\n")
	b.WriteString("Pick every tag the summary supports, stated or clearly implied. Use the names exactly as listed. ")
	b.WriteString("If none applies, return only \"" + model.OtherTag + "\".")
	return b.String()
}

func documentPrompt(text string) string {
	return "Document:\n\n" + text
}

func summariesPrompt(items []string) string {
	return "Summaries:\n\n" + strings.Join(items, "\n\n---\n\n")
}

func summaryPrompt(summary string) string {
	return "Summary:\n\n" + summary
}
