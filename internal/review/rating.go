package review

import (
	"regexp"
	"strconv"
)

// ratingPatterns are tried in order; the first in-range match wins.
var ratingPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)Session Quality Rating:\s*\**\s*(\d+)\s*/\s*10`),
	regexp.MustCompile(`(?i)Overall Rating:\s*\**\s*(\d+)\s*/\s*10`),
	regexp.MustCompile(`(?i)Rating:\s*\**\s*(\d+)\s*/\s*10`),
	regexp.MustCompile(`(?i)Quality:\s*\**\s*(\d+)\s*/\s*10`),
}

// ExtractRating finds a 1-10 rating in free-form review text.
func ExtractRating(text string) (int, bool) {
	for _, re := range ratingPatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			n, err := strconv.Atoi(m[1])
			if err == nil && n >= 1 && n <= 10 {
				return n, true
			}
		}
	}
	return 0, false
}
