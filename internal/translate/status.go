package translate

import (
	"fmt"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"transpad/internal/backend"
)

var printer = message.NewPrinter(language.English)

func doneStatus(fallback bool, elapsed time.Duration, in, pr, retries int) string {
	prefix := "Done"
	if fallback {
		prefix = "Fallback done"
	}
	status := fmt.Sprintf("%s %dms | in:%d / prompt:%d tokens", prefix, elapsed.Milliseconds(), in, pr)
	if retries > 0 && !fallback {
		status += fmt.Sprintf(" | retry %d", retries)
	}
	return status
}

func retryStatus(err error, attempt, max int) string {
	return fmt.Sprintf("Failed (%s) retry %d/%d", backend.Name(err), attempt, max)
}

func failureMessage(err error) string {
	if err == nil || err.Error() == "" {
		return "Translation failed"
	}
	return err.Error()
}
