package monitor

import (
	"context"
	"io"
	"time"
)

// Store persists the automation status and the append-only check history.
type Store interface {
	GetStatus(ctx context.Context) (*Status, error)
	UpsertStatus(ctx context.Context, patch StatusPatch) (Status, error)
	AddResult(ctx context.Context, result CheckResult) (CheckResult, error)
	GetRecent(ctx context.Context, limit int) ([]CheckResult, error)
	Count(ctx context.Context) (int64, error)
	LastBySource(ctx context.Context, source Source) (*CheckResult, error)
	Ping(ctx context.Context) error
	Close()
}

// Lease grants a named, expiring, single-holder lock.
type Lease interface {
	Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name, holder string) error
}

// Resolver finds the document link on the source page.
type Resolver interface {
	Resolve(ctx context.Context, pageURL string) (Resolution, error)
}

// Matcher downloads a document and searches it for a target identifier.
type Matcher interface {
	Check(ctx context.Context, documentURL, target string) (MatchResult, error)
}

// Notifier delivers a single notification for an event.
type Notifier interface {
	Notify(ctx context.Context, event Event) (NotifyResult, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// TextExtractor turns raw document bytes into searchable text.
type TextExtractor interface {
	Extract(ctx context.Context, data []byte) (Document, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content fingerprints.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
