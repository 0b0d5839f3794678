package oneroster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bookmarked/rostercache/internal/cache"
	"github.com/bookmarked/rostercache/internal/domain"
	"github.com/bookmarked/rostercache/internal/source"
	"github.com/go-resty/resty/v2"
)

// endpoint maps an entity type onto a OneRoster collection.
type endpoint struct {
	path       string
	collection string
	filter     string
}

var endpoints = map[domain.EntityType]endpoint{
	domain.EntityStudents: {path: "students", collection: "users"},
	domain.EntityParents:  {path: "users", collection: "users", filter: "role='parent' OR role='guardian'"},
	domain.EntityClasses:  {path: "classes", collection: "classes"},
	domain.EntitySchools:  {path: "schools", collection: "orgs"},
}

// tokenSkew is subtracted from the server's expires_in.
const tokenSkew = time.Minute

// Config configures a Client.
type Config struct {
	Credentials    domain.SourceCredentials
	UserAgent      string
	RequestTimeout time.Duration
	TokenTTL       time.Duration
}

// Client is a OneRoster REST client using OAuth2 client credentials.
type Client struct {
	http     *resty.Client
	creds    domain.SourceCredentials
	tokens   cache.Cache[string, string]
	tokenTTL time.Duration
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

type errorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
	Message     string `json:"message"`
}

// NewClient creates a Client. tokens is owned by the caller, typically
// one refresh run; pass cache.NoopCache to fetch a token per request.
func NewClient(cfg Config, tokens cache.Cache[string, string]) (*Client, error) {
	if err := cfg.Credentials.Validate(); err != nil {
		return nil, err
	}
	if tokens == nil {
		tokens = cache.NoopCache[string, string]{}
	}
	client := resty.New()
	client.SetBaseURL(strings.TrimSuffix(cfg.Credentials.BaseURL, "/"))
	client.SetHeader("Accept", "application/json")
	if cfg.UserAgent != "" {
		client.SetHeader("User-Agent", cfg.UserAgent)
	}
	if cfg.RequestTimeout > 0 {
		client.SetTimeout(cfg.RequestTimeout)
	}

	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 50 * time.Minute
	}
	return &Client{http: client, creds: cfg.Credentials, tokens: tokens, tokenTTL: ttl}, nil
}

// FetchPage implements source.Pager.
func (c *Client) FetchPage(ctx context.Context, entity domain.EntityType, offset, limit int) (*source.Page, error) {
	ep, ok := endpoints[entity]
	if !ok {
		return nil, &domain.FetchError{Entity: entity, Offset: offset, Err: domain.ErrUnknownEntity}
	}
	fail := func(transient bool, status int, err error) error {
		return &domain.FetchError{Entity: entity, Offset: offset, StatusCode: status, Transient: transient, Err: err}
	}

	req := c.http.R().
		SetContext(ctx).
		SetQueryParam("limit", strconv.Itoa(limit)).
		SetQueryParam("offset", strconv.Itoa(offset))
	if ep.filter != "" {
		req.SetQueryParam("filter", ep.filter)
	}
	if c.creds.TokenURL != "" {
		token, err := c.token(ctx)
		if err != nil {
			var fe *domain.FetchError
			if errors.As(err, &fe) {
				fe.Entity, fe.Offset = entity, offset
				return nil, fe
			}
			return nil, fail(true, 0, err)
		}
		req.SetAuthToken(token)
	}

	resp, err := req.Get("/" + ep.path)
	if err != nil {
		return nil, fail(true, 0, err)
	}

	status := resp.StatusCode()
	switch {
	case status == http.StatusUnauthorized:
		// Expired or revoked token: drop it so the retry fetches a new one.
		c.tokens.Delete(c.tokenKey())
		return nil, fail(true, status, errors.New(describe(resp)))
	case isTransientStatus(status):
		return nil, fail(true, status, errors.New(describe(resp)))
	case status < 200 || status >= 300:
		return nil, fail(false, status, errors.New(describe(resp)))
	}

	var body map[string]json.RawMessage
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fail(false, status, fmt.Errorf("decode response: %w", err))
	}
	var records []json.RawMessage
	if raw, ok := body[ep.collection]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &records); err != nil {
			return nil, fail(false, status, fmt.Errorf("decode %s: %w", ep.collection, err))
		}
	}

	total := -1
	if h := resp.Header().Get("X-Total-Count"); h != "" {
		if n, err := strconv.Atoi(h); err == nil {
			total = n
		}
	}
	hasMore := len(records) >= limit
	if total >= 0 && offset+len(records) >= total {
		hasMore = false
	}
	return &source.Page{Records: records, HasMore: hasMore, Total: total}, nil
}

func (c *Client) tokenKey() string {
	return c.creds.TokenURL + "|" + c.creds.ClientID
}

func (c *Client) token(ctx context.Context) (string, error) {
	key := c.tokenKey()
	if tok, ok := c.tokens.Get(key); ok {
		return tok, nil
	}

	form := map[string]string{"grant_type": "client_credentials"}
	if c.creds.Scope != "" {
		form["scope"] = c.creds.Scope
	}
	var result tokenResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBasicAuth(c.creds.ClientID, c.creds.ClientSecret).
		SetFormData(form).
		SetResult(&result).
		Post(c.creds.TokenURL)
	if err != nil {
		return "", &domain.FetchError{Transient: true, Err: fmt.Errorf("token request: %w", err)}
	}
	if status := resp.StatusCode(); status != http.StatusOK {
		return "", &domain.FetchError{
			StatusCode: status,
			Transient:  isTransientStatus(status),
			Err:        fmt.Errorf("token request: %s", describe(resp)),
		}
	}
	if result.AccessToken == "" {
		return "", &domain.FetchError{Err: errors.New("token response missing access_token")}
	}

	ttl := c.tokenTTL
	if result.ExpiresIn > 0 {
		if server := time.Duration(result.ExpiresIn)*time.Second - tokenSkew; server > 0 && server < ttl {
			ttl = server
		}
	}
	c.tokens.Set(key, result.AccessToken, ttl)
	return result.AccessToken, nil
}

func isTransientStatus(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500
}

func describe(resp *resty.Response) string {
	var e errorResponse
	if json.Unmarshal(resp.Body(), &e) == nil {
		switch {
		case e.Description != "":
			return fmt.Sprintf("status %d: %s", resp.StatusCode(), e.Description)
		case e.Message != "":
			return fmt.Sprintf("status %d: %s", resp.StatusCode(), e.Message)
		case e.Error != "":
			return fmt.Sprintf("status %d: %s", resp.StatusCode(), e.Error)
		}
	}
	return fmt.Sprintf("status %d", resp.StatusCode())
}
