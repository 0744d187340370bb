package credentials

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
)

type fakeMetadata struct {
	mu    sync.Mutex
	docs  map[string]string
	err   error
	calls []string
}

func (f *fakeMetadata) GetMetadata(_ context.Context, in *imds.GetMetadataInput, _ ...func(*imds.Options)) (*imds.GetMetadataOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, in.Path)
	if f.err != nil {
		return nil, f.err
	}
	doc, ok := f.docs[in.Path]
	if !ok {
		return nil, errors.New("404 not found")
	}
	return &imds.GetMetadataOutput{Content: io.NopCloser(strings.NewReader(doc))}, nil
}

const roleDoc = `{
  "Code": "Success",
  "LastUpdated": "2026-10-15T10:00:00Z",
  "Type": "AWS-HMAC",
  "AccessKeyId": "ASIAEXAMPLE",
  "SecretAccessKey": "secret",
  "Token": "session-token",
  "Expiration": "2026-10-15T16:00:00Z"
}`

func newFakeMetadata(doc string) *fakeMetadata {
	return &fakeMetadata{docs: map[string]string{
		"iam/security-credentials/":            "relay-role\n",
		"iam/security-credentials/relay-role": doc,
	}}
}

func TestNextRefreshDelay(t *testing.T) {
	now := time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		expires time.Time
		want    time.Duration
	}{
		{name: "unknown expiry", expires: time.Time{}, want: time.Hour},
		{name: "six hours out", expires: now.Add(6 * time.Hour), want: time.Hour},
		{name: "thirty minutes out", expires: now.Add(30 * time.Minute), want: 25 * time.Minute},
		{name: "inside lead time", expires: now.Add(3 * time.Minute), want: time.Minute},
		{name: "already expired", expires: now.Add(-time.Hour), want: time.Minute},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := NextRefreshDelay(tc.expires, now); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestFetchReadsRoleCredentials(t *testing.T) {
	md := newFakeMetadata(roleDoc)
	r := NewRefresher(NewCache(), md)

	creds, err := r.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if creds.AccessKeyID != "ASIAEXAMPLE" || creds.SecretAccessKey != "secret" || creds.SessionToken != "session-token" {
		t.Fatalf("unexpected credentials: %+v", creds)
	}
	if creds.Source != "imds:relay-role" {
		t.Fatalf("unexpected source %q", creds.Source)
	}
	want := time.Date(2026, 10, 15, 16, 0, 0, 0, time.UTC)
	if !creds.Expires.Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, creds.Expires)
	}
	if len(md.calls) != 2 || md.calls[1] != "iam/security-credentials/relay-role" {
		t.Fatalf("unexpected metadata calls: %v", md.calls)
	}
}

func TestFetchErrors(t *testing.T) {
	tests := []struct {
		name string
		md   *fakeMetadata
	}{
		{name: "metadata unreachable", md: &fakeMetadata{err: errors.New("connection refused")}},
		{name: "no role attached", md: &fakeMetadata{docs: map[string]string{"iam/security-credentials/": "\n"}}},
		{name: "failure code", md: newFakeMetadata(`{"Code":"AssumeRoleUnauthorizedAccess"}`)},
		{name: "missing secret", md: newFakeMetadata(`{"Code":"Success","AccessKeyId":"ASIA"}`)},
		{name: "malformed document", md: newFakeMetadata(`{"Code":`)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewRefresher(NewCache(), tc.md).Fetch(context.Background())
			if !errors.Is(err, ErrCredential) {
				t.Fatalf("expected ErrCredential, got %v", err)
			}
		})
	}
}

func TestFetchUnparseableExpiryKeepsCredentials(t *testing.T) {
	md := newFakeMetadata(`{"Code":"Success","AccessKeyId":"ASIA","SecretAccessKey":"s","Expiration":"soon"}`)
	creds, err := NewRefresher(NewCache(), md).Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !creds.Expires.IsZero() {
		t.Fatalf("expected zero expiry, got %v", creds.Expires)
	}
	if got := NextRefreshDelay(creds.Expires, time.Now()); got != time.Hour {
		t.Fatalf("expected hourly refresh, got %v", got)
	}
}

func TestRunSchedulesFromExpiryAndBacksOffOnFailure(t *testing.T) {
	md := newFakeMetadata(roleDoc)
	cache := NewCache()
	r := NewRefresher(cache, md)
	r.now = func() time.Time { return time.Date(2026, 10, 15, 15, 0, 0, 0, time.UTC) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var delays []time.Duration
	r.wait = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		switch len(delays) {
		case 1:
			md.mu.Lock()
			md.err = errors.New("metadata down")
			md.mu.Unlock()
		case 2:
			cancel()
			return context.Canceled
		}
		return nil
	}

	if err := r.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(delays) != 2 {
		t.Fatalf("expected two waits, got %v", delays)
	}
	if delays[0] != 55*time.Minute {
		t.Fatalf("expected 55m after success, got %v", delays[0])
	}
	if delays[1] != 5*time.Minute {
		t.Fatalf("expected 5m backoff after failure, got %v", delays[1])
	}
	if got, ok := cache.Get(); !ok || got.AccessKeyID != "ASIAEXAMPLE" {
		t.Fatalf("expected last good credentials to remain cached, got %+v", got)
	}
}

func TestStartSkipsStaticCredentials(t *testing.T) {
	cache := NewCache()
	cache.Store(Credentials{AccessKeyID: "AKIA", SecretAccessKey: "s", Source: SourceStatic})
	md := newFakeMetadata(roleDoc)
	r := NewRefresher(cache, md)

	if r.Start(context.Background()) {
		t.Fatal("expected refresh loop to stay off with static credentials")
	}
	r.Stop()
	if len(md.calls) != 0 {
		t.Fatalf("expected no metadata calls, got %v", md.calls)
	}
}

func TestStartAndStop(t *testing.T) {
	cache := NewCache()
	r := NewRefresher(cache, newFakeMetadata(roleDoc))
	fetched := make(chan struct{}, 1)
	r.wait = func(ctx context.Context, _ time.Duration) error {
		select {
		case fetched <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	}

	if !r.Start(context.Background()) {
		t.Fatal("expected refresh loop to start")
	}
	select {
	case <-fetched:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh loop did not run")
	}
	r.Stop()
	if _, ok := cache.Get(); !ok {
		t.Fatal("expected credentials after first refresh")
	}
}
