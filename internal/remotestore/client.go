// Package remotestore wraps the cloud collections REST API for owner-scoped
// record operations. It provides a [Client] with methods aligned to the sync
// engine's needs, a 3-attempt exponential-backoff [Retry] helper, and a
// classified [Error] taxonomy so the engine can tell a flaky network from an
// expired session or an exhausted quota.
//
// Every call is authenticated as the account whose data is being accessed;
// the account id is read from the bearer token's subject claim, and any
// record whose embedded ownerId disagrees with it is rejected before a byte
// goes on the wire.
package remotestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/akilhane/studysync/internal/model"
)

// defaultCallTimeout bounds each individual HTTP call so one hung request
// cannot stall a whole pass.
const defaultCallTimeout = 15 * time.Second

// Client talks to the remote collections API. Create one with [NewClient].
type Client struct {
	baseURL   string
	token     string
	accountID string
	hc        *http.Client
	log       *slog.Logger
}

// NewClient creates a Client for the given API base URL and bearer token.
// The account id is extracted from the token's subject claim without
// signature verification — verification is the server's job; the claim is
// used only to catch owner mismatches client-side.
func NewClient(baseURL, token string, logger *slog.Logger) (*Client, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parsing bearer token: %w", err)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("bearer token has no subject claim")
	}

	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		accountID: sub,
		hc:        &http.Client{Timeout: defaultCallTimeout},
		log:       logger,
	}, nil
}

// NewClientForAccount creates a Client with an explicit account id, skipping
// token parsing. Intended for tests.
func NewClientForAccount(baseURL, token, accountID string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		accountID: accountID,
		hc:        &http.Client{Timeout: defaultCallTimeout},
		log:       logger,
	}
}

// AccountID returns the account the client is authenticated as.
func (c *Client) AccountID() string { return c.accountID }

// Ping validates connectivity and the bearer token with retry.
func (c *Client) Ping(ctx context.Context) error {
	err := Retry(ctx, defaultMaxAttempts, func() error {
		return c.do(ctx, http.MethodGet, "/v1/health", nil, nil)
	})
	if err != nil {
		return fmt.Errorf("ping remote store: %w", err)
	}
	return nil
}

// listResponse is the wire envelope of a List call.
type listResponse struct {
	Records []json.RawMessage `json:"records"`
}

// List fetches every record of the given type owned by ownerID. Records
// whose payload fails to decode are skipped with a warning: a malformed row
// on the server must not block the rest of the pass.
func (c *Client) List(ctx context.Context, t model.EntityType, ownerID string) ([]model.Record, error) {
	path := fmt.Sprintf("/v1/collections/%s/records?owner_id=%s", t, url.QueryEscape(ownerID))
	var resp listResponse
	err := Retry(ctx, defaultMaxAttempts, func() error {
		return c.do(ctx, http.MethodGet, path, nil, &resp)
	})
	if err != nil {
		return nil, fmt.Errorf("list %s for owner %q: %w", t, ownerID, err)
	}

	recs := make([]model.Record, 0, len(resp.Records))
	for _, raw := range resp.Records {
		rec, err := model.Decode(t, raw)
		if err != nil {
			c.log.Warn("skipping undecodable remote record", "type", t, "error", err)
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Create writes a new record. The record's ownerId must match the
// authenticated account. Missing timestamps are stamped before the write.
// Returns the stored record as the server echoed it back.
func (c *Client) Create(ctx context.Context, t model.EntityType, rec model.Record) (model.Record, error) {
	if rec.RecordOwner() != c.accountID {
		return nil, fmt.Errorf("create %s record %q: %w", t, rec.RecordID(), ErrOwnerMismatch)
	}
	body, err := model.Encode(c.stamped(rec))
	if err != nil {
		return nil, fmt.Errorf("encoding %s record %q: %w", t, rec.RecordID(), err)
	}

	path := fmt.Sprintf("/v1/collections/%s/records", t)
	var raw json.RawMessage
	err = Retry(ctx, defaultMaxAttempts, func() error {
		return c.do(ctx, http.MethodPost, path, bytes.NewReader(body), &raw)
	})
	if err != nil {
		return nil, fmt.Errorf("create %s record %q: %w", t, rec.RecordID(), err)
	}

	created, err := model.Decode(t, raw)
	if err != nil {
		return nil, fmt.Errorf("decoding created %s record: %w", t, err)
	}
	return created, nil
}

// Update replaces the stored record with the given id. Owner validation and
// timestamping mirror [Client.Create].
func (c *Client) Update(ctx context.Context, t model.EntityType, id string, rec model.Record) error {
	if rec.RecordOwner() != c.accountID {
		return fmt.Errorf("update %s record %q: %w", t, id, ErrOwnerMismatch)
	}
	body, err := model.Encode(c.stamped(rec))
	if err != nil {
		return fmt.Errorf("encoding %s record %q: %w", t, id, err)
	}

	path := fmt.Sprintf("/v1/collections/%s/records/%s", t, url.PathEscape(id))
	err = Retry(ctx, defaultMaxAttempts, func() error {
		return c.do(ctx, http.MethodPut, path, bytes.NewReader(body), nil)
	})
	if err != nil {
		return fmt.Errorf("update %s record %q: %w", t, id, err)
	}
	return nil
}

// Delete removes the record with the given id. Deleting a record the server
// no longer has is treated as success so deletes stay idempotent across
// retried passes.
func (c *Client) Delete(ctx context.Context, t model.EntityType, id string) error {
	path := fmt.Sprintf("/v1/collections/%s/records/%s", t, url.PathEscape(id))
	err := Retry(ctx, defaultMaxAttempts, func() error {
		err := c.do(ctx, http.MethodDelete, path, nil, nil)
		var re *Error
		if errors.As(err, &re) && re.Status == http.StatusNotFound {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("delete %s record %q: %w", t, id, err)
	}
	return nil
}

// stamped returns a copy of rec with zero timestamps filled in. The remote
// adapter owns timestamping of remote records.
func (c *Client) stamped(rec model.Record) model.Record {
	now := time.Now().UTC()
	cp := rec.Clone()
	switch r := cp.(type) {
	case *model.Subject:
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		r.UpdatedAt = now
	case *model.Question:
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		r.UpdatedAt = now
	case *model.ChatSession:
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		r.UpdatedAt = now
	case *model.QuizResult:
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
	case *model.ChatMessage:
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
	}
	return cp
}

// do executes one HTTP call and decodes a JSON response into out (when out
// is non-nil). Failures come back as classified [*Error] values.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	op := fmt.Sprintf("%s %s", method, path)

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &Error{Kind: KindTransientNetwork, Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		msg := apiErr.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &Error{
			Kind:   classifyStatus(resp.StatusCode),
			Status: resp.StatusCode,
			Op:     op,
			Err:    fmt.Errorf("%s", msg),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: KindTransientNetwork, Status: resp.StatusCode, Op: op,
			Err: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}
