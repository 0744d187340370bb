package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"

	"github.com/siwachabhi/sonic-relay/internal/logx"
	"github.com/siwachabhi/sonic-relay/internal/metrics"
)

const (
	refreshLeadTime = 5 * time.Minute
	minRefreshDelay = time.Minute
	maxRefreshDelay = time.Hour
	failureBackoff  = 5 * time.Minute

	securityCredentialsPath = "iam/security-credentials/"
)

// MetadataClient is the slice of *imds.Client the refresher needs.
type MetadataClient interface {
	GetMetadata(ctx context.Context, params *imds.GetMetadataInput, optFns ...func(*imds.Options)) (*imds.GetMetadataOutput, error)
}

// NewIMDSClient returns a metadata client that tries a session token first and
// falls back to token-less requests when the token endpoint is unavailable.
func NewIMDSClient(endpoint string) *imds.Client {
	opts := imds.Options{EnableFallback: aws.TrueTernary}
	if endpoint != "" {
		opts.Endpoint = endpoint
	}
	return imds.New(opts)
}

type Refresher struct {
	cache  *Cache
	client MetadataClient
	now    func() time.Time
	wait   func(ctx context.Context, d time.Duration) error

	cancel context.CancelFunc
	done   chan struct{}
}

func NewRefresher(cache *Cache, client MetadataClient) *Refresher {
	return &Refresher{
		cache:  cache,
		client: client,
		now:    time.Now,
		wait:   sleepContext,
	}
}

// Start launches Run in the background unless the cache already holds static
// credentials, in which case nothing is started and false is returned.
func (r *Refresher) Start(ctx context.Context) bool {
	if creds, ok := r.cache.Get(); ok && creds.Source == SourceStatic {
		logx.Log.Info().Msg("using static credentials, refresh loop not started")
		return false
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		_ = r.Run(ctx)
	}()
	return true
}

// Stop cancels the loop started by Start and waits for it to exit.
func (r *Refresher) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

// Run refreshes until ctx is cancelled. Failures never end the loop; the last
// good credentials stay in the cache until replaced.
func (r *Refresher) Run(ctx context.Context) error {
	logx.Log.Info().Msg("credential refresh loop started")
	for {
		delay, err := r.Refresh(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logx.Log.Error().Err(err).Dur("retry_in", failureBackoff).Msg("credential refresh failed")
			delay = failureBackoff
		}
		if err := r.wait(ctx, delay); err != nil {
			break
		}
	}
	logx.Log.Info().Msg("credential refresh loop stopped")
	return nil
}

// Refresh performs one fetch-and-store and returns the delay until the next one.
func (r *Refresher) Refresh(ctx context.Context) (time.Duration, error) {
	creds, err := r.Fetch(ctx)
	if err != nil {
		metrics.RecordCredentialRefresh("error")
		return 0, err
	}
	r.cache.Store(creds)
	metrics.RecordCredentialRefresh("ok")
	delay := NextRefreshDelay(creds.Expires, r.now())
	logx.Log.Info().Str("source", creds.Source).Time("expires", creds.Expires).Dur("next_refresh", delay).Msg("credentials refreshed")
	return delay, nil
}

// Fetch reads the instance role name and then that role's credential bundle.
func (r *Refresher) Fetch(ctx context.Context) (Credentials, error) {
	out, err := r.client.GetMetadata(ctx, &imds.GetMetadataInput{Path: securityCredentialsPath})
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: role name: %w", ErrCredential, err)
	}
	body, err := readAll(out.Content)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: role name: %w", ErrCredential, err)
	}
	role, _, _ := strings.Cut(strings.TrimSpace(body), "\n")
	role = strings.TrimSpace(role)
	if role == "" {
		return Credentials{}, fmt.Errorf("%w: no instance role attached", ErrCredential)
	}

	out, err = r.client.GetMetadata(ctx, &imds.GetMetadataInput{Path: securityCredentialsPath + role})
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: credentials for role %s: %w", ErrCredential, role, err)
	}
	defer out.Content.Close()

	var doc struct {
		Code            string `json:"Code"`
		AccessKeyID     string `json:"AccessKeyId"`
		SecretAccessKey string `json:"SecretAccessKey"`
		Token           string `json:"Token"`
		Expiration      string `json:"Expiration"`
	}
	if err := json.NewDecoder(out.Content).Decode(&doc); err != nil {
		return Credentials{}, fmt.Errorf("%w: decode credentials for role %s: %w", ErrCredential, role, err)
	}
	if doc.Code != "" && doc.Code != "Success" {
		return Credentials{}, fmt.Errorf("%w: metadata service returned code %s for role %s", ErrCredential, doc.Code, role)
	}
	if doc.AccessKeyID == "" || doc.SecretAccessKey == "" {
		return Credentials{}, fmt.Errorf("%w: incomplete credentials for role %s", ErrCredential, role)
	}

	creds := Credentials{
		AccessKeyID:     doc.AccessKeyID,
		SecretAccessKey: doc.SecretAccessKey,
		SessionToken:    doc.Token,
		Source:          "imds:" + role,
	}
	if expires, err := time.Parse(time.RFC3339, doc.Expiration); err == nil {
		creds.Expires = expires
	} else {
		logx.Log.Warn().Str("expiration", doc.Expiration).Msg("could not parse credential expiration")
	}
	return creds, nil
}

// NextRefreshDelay schedules a refresh five minutes ahead of expiry, bounded
// to [1m, 1h]. An unknown expiry waits the full hour.
func NextRefreshDelay(expires, now time.Time) time.Duration {
	if expires.IsZero() {
		return maxRefreshDelay
	}
	return min(max(expires.Sub(now)-refreshLeadTime, minRefreshDelay), maxRefreshDelay)
}

func readAll(rc io.ReadCloser) (string, error) {
	defer rc.Close()
	b, err := io.ReadAll(rc)
	return string(b), err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
