package cmd

import (
	"cmp"
	"os"

	"github.com/spf13/viper"

	"github.com/joescharf/yoke/internal/llm"
)

// newLLMClient builds the deep-review analyzer from anthropic.api_key or
// ANTHROPIC_API_KEY. Without a key deep reviews are skipped.
func newLLMClient(model string) *llm.Client {
	apiKey := cmp.Or(viper.GetString("anthropic.api_key"), os.Getenv("ANTHROPIC_API_KEY"))
	if apiKey == "" {
		return nil
	}
	return llm.NewClient(apiKey, model)
}
