package detect

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultRegexTimeout bounds a single pattern match to guard against ReDoS
const DefaultRegexTimeout = 100 * time.Millisecond

// ErrRegexTimeout is returned when a pattern match exceeds its timeout
var ErrRegexTimeout = errors.New("regex evaluation timeout")

// maxCachedPatterns bounds the compiled-pattern cache shared by all rules
const maxCachedPatterns = 1024

// patternCache shares compiled patterns between rules that use the same expression
var patternCache, _ = lru.New[string, *regexp2.Regexp](maxCachedPatterns)

// compileTimed compiles a case-insensitive pattern with a match timeout, reusing
// a cached compilation when the same pattern and timeout were seen before
func compileTimed(pattern string, timeout time.Duration) (*regexp2.Regexp, error) {
	if pattern == "" {
		return nil, fmt.Errorf("regex pattern cannot be empty")
	}
	if timeout <= 0 {
		timeout = DefaultRegexTimeout
	}
	cacheKey := fmt.Sprintf("%s:%d", pattern, timeout.Milliseconds())
	if re, ok := patternCache.Get(cacheKey); ok {
		return re, nil
	}

	re, err := regexp2.Compile(pattern, regexp2.IgnoreCase)
	if err != nil {
		return nil, fmt.Errorf("failed to compile regex pattern %q: %w", pattern, err)
	}
	re.MatchTimeout = timeout
	patternCache.Add(cacheKey, re)
	return re, nil
}

// matchTimed runs a compiled pattern, mapping regexp2 timeouts onto ErrRegexTimeout
func matchTimed(re *regexp2.Regexp, input string) (bool, error) {
	ok, err := re.MatchString(input)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "timeout") {
			return false, ErrRegexTimeout
		}
		return false, fmt.Errorf("regex matching error: %w", err)
	}
	return ok, nil
}
