package llm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildReviewPrompt(t *testing.T) {
	t.Run("metrics sorted and logs fenced", func(t *testing.T) {
		user := buildReviewPrompt(7, "tool_use Read\ntool_use Bash", map[string]any{
			"total_tool_uses":  12,
			"playwright_count": 0,
		})

		assert.Contains(t, user, "Session 7")
		assert.Less(t, strings.Index(user, "playwright_count"), strings.Index(user, "total_tool_uses"))
		assert.Contains(t, user, "- total_tool_uses: 12")
		assert.Contains(t, user, "```\ntool_use Read")
	})

	t.Run("no logs", func(t *testing.T) {
		user := buildReviewPrompt(1, "", nil)
		assert.Contains(t, user, "(no log available)")
	})

	t.Run("long logs keep the tail", func(t *testing.T) {
		logs := strings.Repeat("a", maxLogChars) + "TAIL"
		user := buildReviewPrompt(1, logs, nil)
		assert.Contains(t, user, "truncated")
		assert.Contains(t, user, "TAIL")
	})
}

func TestSystemPromptAsksForRating(t *testing.T) {
	assert.Contains(t, reviewSystemPrompt, "Session Quality Rating: N/10")
	assert.Contains(t, reviewSystemPrompt, "### Critical Issues")
}

func TestStripFencing(t *testing.T) {
	assert.Equal(t, "Rating: 8/10", stripFencing("```markdown\nRating: 8/10\n```"))
	assert.Equal(t, "plain", stripFencing("  plain  "))
}

func TestBulletSection(t *testing.T) {
	text := `Session Quality Rating: 5/10

### Critical Issues
- No browser verification
- Tests marked passing without running

### Warnings
- High error rate

## RECOMMENDATIONS
- Take screenshots`

	assert.Equal(t, []string{"No browser verification", "Tests marked passing without running"}, bulletSection(text, "Critical Issues"))
	assert.Equal(t, []string{"High error rate"}, bulletSection(text, "warnings"))
	assert.Empty(t, bulletSection(text, "Missing"))
}
