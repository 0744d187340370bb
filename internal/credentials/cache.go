// Package credentials keeps the process-wide AWS credential set fresh.
//
// A Cache holds an immutable snapshot that is swapped as a whole, so readers
// never observe a half-written key pair. A Refresher is the single writer when
// credentials come from the instance metadata service.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
)

const SourceStatic = "static"

var ErrCredential = errors.New("credential error")

type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Expires         time.Time
	Source          string
}

func (c Credentials) valid() bool {
	return c.AccessKeyID != "" && c.SecretAccessKey != ""
}

type Cache struct {
	current atomic.Pointer[Credentials]
}

func NewCache() *Cache {
	return &Cache{}
}

// Get returns the last stored credentials without blocking.
func (c *Cache) Get() (Credentials, bool) {
	p := c.current.Load()
	if p == nil {
		return Credentials{}, false
	}
	return *p, true
}

func (c *Cache) Store(creds Credentials) {
	c.current.Store(&creds)
}

// Retrieve lets AWS SDK clients and signers read straight from the cache.
func (c *Cache) Retrieve(_ context.Context) (aws.Credentials, error) {
	creds, ok := c.Get()
	if !ok || !creds.valid() {
		return aws.Credentials{}, fmt.Errorf("%w: no credentials loaded", ErrCredential)
	}
	return aws.Credentials{
		AccessKeyID:     creds.AccessKeyID,
		SecretAccessKey: creds.SecretAccessKey,
		SessionToken:    creds.SessionToken,
		Source:          creds.Source,
		CanExpire:       !creds.Expires.IsZero(),
		Expires:         creds.Expires,
	}, nil
}

var _ aws.CredentialsProvider = (*Cache)(nil)
