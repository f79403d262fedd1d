package observability

import (
	"os"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
)

// InitSentry enables error reporting when a DSN is configured. Without one
// the client stays inert and CaptureException calls are no-ops, which is
// what local runs and the test suites rely on.
func InitSentry(dsn, environment string) error {
	if dsn == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		Release:          strings.TrimSpace(os.Getenv("APP_VERSION")),
		AttachStacktrace: true,
	})
}

// FlushSentry drains buffered events. Deferred on shutdown so errors captured
// right before exit still make it out.
func FlushSentry() {
	sentry.Flush(2 * time.Second)
}
