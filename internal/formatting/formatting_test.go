package formatting

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanSectionStripsEchoedHeading(t *testing.T) {
	got := CleanSection("Costs", "## Costs\n\nStorage costs keep falling.")
	assert.Equal(t, "Storage costs keep falling.", got)

	// Trailing colon and different heading level still count as an echo.
	got = CleanSection("Costs", "### Costs:\nStorage costs keep falling.")
	assert.Equal(t, "Storage costs keep falling.", got)
}

func TestCleanSectionKeepsForeignHeading(t *testing.T) {
	body := "### Capital expenditure\n\nPack prices drive the curve."
	assert.Equal(t, body, CleanSection("Costs", body))
}

func TestCleanSectionUnwrapsFence(t *testing.T) {
	got := CleanSection("Costs", "```markdown\nStorage costs keep falling.\n```")
	assert.Equal(t, "Storage costs keep falling.", got)

	// A fence around only part of the body is content.
	partial := "Run this:\n```sh\nls\n```"
	assert.Equal(t, partial, CleanSection("Costs", partial))

	// An interior fence means the body merely starts with a code block.
	inner := "```sh\nls\n```\ntext after\n```sh\npwd\n```"
	assert.Equal(t, inner, CleanSection("Costs", inner))
}

func TestCleanSectionPlainTextUntouched(t *testing.T) {
	assert.Equal(t, "draft for Technologies", CleanSection("Technologies", "  draft for Technologies\n"))
}

func TestCleanSectionHeadingOnlyBody(t *testing.T) {
	assert.Equal(t, "", CleanSection("Costs", "## Costs"))
}

func TestTidyDocument(t *testing.T) {
	in := "# Title  \n\n\n\nBody line.\t\n\n\n## Next\n\n\n"
	assert.Equal(t, "# Title\n\nBody line.\n\n## Next\n", TidyDocument(in))
}

func TestTidyDocumentIdempotent(t *testing.T) {
	once := TidyDocument("a\n\n\nb")
	assert.Equal(t, once, TidyDocument(once))
}