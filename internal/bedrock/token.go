// Copyright Amazon.com, Inc. or its affiliates. All Rights Reserved.
// SPDX-License-Identifier: MIT-0

package bedrock

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"golang.org/x/sync/singleflight"
)

const (
	tokenTTL = time.Hour
	// Regenerate a little early so callers never hold an expired token.
	tokenRefreshMargin = 2 * time.Minute
)

// TokenProvider mints short-lived Bedrock API bearer tokens from the ambient
// AWS credentials. Tokens are cached for their lifetime and refreshed on
// demand; concurrent refreshes collapse into one signing call.
type TokenProvider struct {
	creds  aws.CredentialsProvider
	signer *v4.Signer
	region string
	now    func() time.Time

	group singleflight.Group

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewTokenProvider loads the default AWS credential chain for the region.
func NewTokenProvider(ctx context.Context, region string) (*TokenProvider, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("cannot load AWS config: %w", err)
	}
	return &TokenProvider{
		creds:  cfg.Credentials,
		signer: v4.NewSigner(),
		region: region,
		now:    time.Now,
	}, nil
}

// Token returns a currently-valid bearer token, minting a new one when the
// cached token is absent or close to expiry.
func (p *TokenProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.token != "" && p.now().Before(p.expiresAt.Add(-tokenRefreshMargin)) {
		token := p.token
		p.mu.Unlock()
		return token, nil
	}
	p.mu.Unlock()

	v, err, _ := p.group.Do("token", func() (any, error) {
		token, err := p.generate(ctx)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.token = token
		p.expiresAt = p.now().Add(tokenTTL)
		p.mu.Unlock()
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// generate builds the token by presigning a CallWithBearerToken request and
// wrapping the URL in the bedrock-api-key envelope.
func (p *TokenProvider) generate(ctx context.Context) (string, error) {
	credentials, err := p.creds.Retrieve(ctx)
	if err != nil {
		return "", fmt.Errorf("cannot retrieve AWS credentials: %w", err)
	}

	endpoint := fmt.Sprintf(
		"https://bedrock.%s.amazonaws.com/?Action=CallWithBearerToken&X-Amz-Expires=%d",
		p.region, int(tokenTTL.Seconds()))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("cannot create presign request: %w", err)
	}

	emptyHash := sha256.Sum256(nil)
	signedURL, _, err := p.signer.PresignHTTP(ctx, credentials, req,
		hex.EncodeToString(emptyHash[:]), "bedrock", p.region, p.now())
	if err != nil {
		return "", fmt.Errorf("cannot presign token request: %w", err)
	}

	raw := strings.TrimPrefix(signedURL, "https://") + "&Version=1"
	return "bedrock-api-key-" + base64.StdEncoding.EncodeToString([]byte(raw)), nil
}
