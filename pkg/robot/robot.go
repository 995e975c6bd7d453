// Package robot implements the robot wire contract (spec §6): pushing a
// best-effort "batch ready" notification to a robot's base URL once its
// claimed batch has a reference export ready, and the shared HMAC
// signing/verification pkg/api uses to authenticate a robot's own
// inbound polls. Response classification (202 accept, >=500 transient,
// other 4xx a permanent rejection) is grounded on
// original_source/app/domain/robots/robot_request_dispatcher.py's
// send_enhancement_request_to_robot. The signature scheme itself
// follows spec §6 directly: HMAC-SHA256 over "<timestamp>.<body>",
// carried as three headers (Authorization, X-Client-Id,
// X-Request-Timestamp), with a ±5 minute clock-skew tolerance on
// verification — original_source/app/core/auth.py's HMACAuth signs a
// simpler single-header scheme with a hardcoded placeholder secret and
// no timestamp, noted there as "to be replaced with the secret key for
// each robot"; the spec supersedes that unfinished draft.
package robot

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/openbiblio/corpus/pkg/errstax"
	"github.com/openbiblio/corpus/pkg/store"
	"github.com/openbiblio/corpus/pkg/version"
)

// minServerErrorStatus is the floor above which a robot's response is
// treated as transient-unreachable rather than a rejected request.
const minServerErrorStatus = 500

// batchNotifyPath is the endpoint a robot exposes to receive a "batch
// ready" push (spec §6's "POST /batch/").
const batchNotifyPath = "/batch/"

// ClockSkew is the tolerance window spec §6 allows between a request's
// X-Request-Timestamp and the verifier's clock.
const ClockSkew = 5 * time.Minute

// Sign computes the HMAC-SHA256 hex digest of "<unixTimestamp>.<body>"
// under secret, the construction spec §6 names for every robot wire
// request.
func Sign(secret []byte, unixTimestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(unixTimestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a request's three signing headers against secret and
// now, enforcing spec §6's ±5-minute clock-skew window. It only checks
// that clientID is non-empty, not that it names a known robot; the
// caller resolves clientID against store.RobotStore.
func Verify(secret []byte, body []byte, authorizationHeader, clientID, timestampHeader string, now time.Time) error {
	if clientID == "" {
		return errstax.NewValidationError("x-client-id", "missing")
	}
	ts, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return errstax.NewValidationError("x-request-timestamp", "not a unix timestamp")
	}
	requestTime := time.Unix(ts, 0)
	if skew := now.Sub(requestTime); skew > ClockSkew || skew < -ClockSkew {
		return errstax.NewValidationError("x-request-timestamp", "outside allowed clock skew")
	}

	expected := "Signature " + Sign(secret, ts, body)
	if !hmac.Equal([]byte(authorizationHeader), []byte(expected)) {
		return errstax.NewValidationError("authorization", "signature mismatch")
	}
	return nil
}

// BatchReadyNotification is the payload pushed to a robot's /batch/
// endpoint once a claimed batch's reference export lands in blob
// storage (spec §4.4, body shape per spec §6: id/reference_storage_url/
// result_storage_url/extra_fields).
type BatchReadyNotification struct {
	ID                  string         `json:"id"`
	ReferenceStorageURL string         `json:"reference_storage_url"`
	ResultStorageURL    string         `json:"result_storage_url,omitempty"`
	ExtraFields         map[string]any `json:"extra_fields,omitempty"`
}

// Dispatcher pushes BatchReadyNotifications to robots over HTTP,
// signing each request with the robot's stored secret. Grounded on
// robot_request_dispatcher.py's send_enhancement_request_to_robot: POST,
// expect 202, classify failures by status code.
type Dispatcher struct {
	robots *store.RobotStore
	client *http.Client
	now    func() time.Time

	// MaxRetries bounds the exponential backoff applied to transient
	// (network or 5xx) failures before NotifyBatchReady gives up and
	// returns errstax.ErrRobotUnreachable; zero falls back to 3.
	MaxRetries uint64
}

// NewDispatcher constructs a Dispatcher using client, or a default
// http.Client with a 30s timeout if client is nil.
func NewDispatcher(robots *store.RobotStore, client *http.Client) *Dispatcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Dispatcher{robots: robots, client: client, now: time.Now}
}

func (d *Dispatcher) maxRetries() uint64 {
	if d.MaxRetries == 0 {
		return 3
	}
	return d.MaxRetries
}

// NotifyBatchReady pushes a BatchReadyNotification for batchID to
// robotID's base URL. Failure is non-fatal to the caller's own
// workflow (spec §4.4's push is "best effort") but is still reported so
// the enqueuing job can retry per its own backoff.
func (d *Dispatcher) NotifyBatchReady(ctx context.Context, robotID, batchID, referenceStorageURL string) error {
	r, err := d.robots.Get(ctx, robotID)
	if err != nil {
		return err
	}

	body, err := json.Marshal(BatchReadyNotification{ID: batchID, ReferenceStorageURL: referenceStorageURL})
	if err != nil {
		return errstax.WrapSDK("robot.NotifyBatchReady.marshal", err)
	}
	secret := []byte(r.ClientSecretHash)
	endpoint := strings.TrimRight(r.BaseURL, "/") + batchNotifyPath

	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), d.maxRetries())
	return backoff.Retry(func() error {
		err := d.postOnce(ctx, endpoint, r.ID, secret, body)
		if err == nil {
			return nil
		}
		if errors.Is(err, errstax.ErrRobotUnreachable) {
			return err // transient, retry
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx))
}

func (d *Dispatcher) postOnce(ctx context.Context, endpoint, clientID string, secret, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return errstax.WrapSDK("robot.postOnce.newRequest", err)
	}
	ts := d.now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.Full())
	req.Header.Set("Authorization", "Signature "+Sign(secret, ts, body))
	req.Header.Set("X-Client-Id", clientID)
	req.Header.Set("X-Request-Timestamp", strconv.FormatInt(ts, 10))

	resp, err := d.client.Do(req)
	if err != nil {
		return errstax.ErrRobotUnreachable
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted {
		return nil
	}
	if resp.StatusCode >= minServerErrorStatus {
		return errstax.ErrRobotUnreachable
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &RejectedError{StatusCode: resp.StatusCode, Detail: string(detail)}
}

// RejectedError wraps a robot's non-202, non-5xx response, preserving
// the response body as detail for the caller to log.
type RejectedError struct {
	StatusCode int
	Detail     string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("robot rejected enhancement push (status %d): %s", e.StatusCode, e.Detail)
}

func (e *RejectedError) Unwrap() error {
	return errstax.ErrRobotEnhancement
}
