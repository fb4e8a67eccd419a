/*
 * Copyright 2019 Dgraph Labs, Inc. and Contributors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package creds implements the Credential Provider (spec §4.1): it turns
// four static secrets into a capability for signing and performing GET/POST
// requests against the Twitter v1.1-style API, using OAuth 1.0a user-context
// signing for most endpoints and a cached app-only bearer token for the
// endpoints that declare token auth (spec §4.6, FullArchivePostQuery).
package creds

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/garyburd/go-oauth/oauth"
	"github.com/pkg/errors"

	"github.com/dgraph-io/twicorder/internal/config"
)

const bearerTokenURL = "https://api.twitter.com/oauth2/token"

// Provider is an explicit, injectable collaborator — not a package-level
// singleton, per the spec's design note on singletons.
type Provider struct {
	oauthClient oauth.Client
	userCreds   oauth.Credentials
	consumerKey string
	consumerSec string

	httpClient *http.Client
	tokenURL   string

	mu     sync.Mutex
	bearer string
}

// New builds a Provider from the four secrets in config.Credentials.
func New(creds config.Credentials) *Provider {
	return &Provider{
		oauthClient: oauth.Client{
			Credentials: oauth.Credentials{
				Token:  creds.Application.ConsumerKey,
				Secret: creds.Application.ConsumerSecret,
			},
			TemporaryCredentialRequestURI: "https://api.twitter.com/oauth/request_token",
			ResourceOwnerAuthorizationURI: "https://api.twitter.com/oauth/authenticate",
			TokenRequestURI:               "https://api.twitter.com/oauth/access_token",
		},
		userCreds: oauth.Credentials{
			Token:  creds.User.Key,
			Secret: creds.User.Secret,
		},
		consumerKey: creds.Application.ConsumerKey,
		consumerSec: creds.Application.ConsumerSecret,
		httpClient:  http.DefaultClient,
		tokenURL:    bearerTokenURL,
	}
}

// Do performs a signed GET or POST against rawURL. If tokenAuth is true the
// request carries a bearer token (app-only auth); otherwise it is signed
// OAuth 1.0a in the user's context. method is "get" or "post", matching the
// lowercase request_type declared by concrete queries. jsonBody is only
// consulted for POST+tokenAuth requests (FullArchivePostQuery), which send
// their kwargs as a JSON body rather than a signed form.
func (p *Provider) Do(ctx context.Context, method, rawURL string, form url.Values, jsonBody []byte, tokenAuth bool) (*http.Response, error) {
	if tokenAuth {
		return p.doBearer(ctx, method, rawURL, form, jsonBody)
	}
	return p.doOAuth1(method, rawURL, form)
}

func (p *Provider) doOAuth1(method, rawURL string, form url.Values) (*http.Response, error) {
	switch method {
	case "get":
		resp, err := p.oauthClient.Get(p.httpClient, &p.userCreds, rawURL, form)
		return resp, errors.Wrap(err, "oauth1 GET")
	case "post":
		resp, err := p.oauthClient.Post(p.httpClient, &p.userCreds, rawURL, form)
		return resp, errors.Wrap(err, "oauth1 POST")
	default:
		return nil, errors.Errorf("creds: unsupported request type %q", method)
	}
}

func (p *Provider) doBearer(ctx context.Context, method, rawURL string, form url.Values, jsonBody []byte) (*http.Response, error) {
	token, err := p.bearerToken(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "obtaining bearer token")
	}

	var req *http.Request
	switch method {
	case "get":
		u := rawURL
		if len(form) > 0 {
			u += "?" + form.Encode()
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	case "post":
		var body io.Reader
		if len(jsonBody) > 0 {
			body = bytes.NewReader(jsonBody)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, rawURL, body)
		if err == nil && len(jsonBody) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
	default:
		return nil, errors.Errorf("creds: unsupported request type %q", method)
	}
	if err != nil {
		return nil, errors.Wrap(err, "building bearer request")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "bearer request")
	}
	if resp.StatusCode == http.StatusUnauthorized {
		// Token may have been revoked; drop the cache and let the caller
		// retry on its own backoff schedule rather than looping here.
		p.mu.Lock()
		p.bearer = ""
		p.mu.Unlock()
	}
	return resp, nil
}

func (p *Provider) bearerToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bearer != "" {
		return p.bearer, nil
	}

	basic := base64.StdEncoding.EncodeToString([]byte(url.QueryEscape(p.consumerKey) + ":" + url.QueryEscape(p.consumerSec)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Basic "+basic)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=UTF-8")
	req.Body = nil
	req.URL.RawQuery = "grant_type=client_credentials"

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("bearer token request returned %d", resp.StatusCode)
	}
	var body struct {
		TokenType   string `json:"token_type"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", errors.Wrap(err, "decoding bearer token response")
	}
	p.bearer = body.AccessToken
	return p.bearer, nil
}
