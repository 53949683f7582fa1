package x402

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"CronoGuard/internal/chain"
	xerrors "CronoGuard/internal/errors"
	"CronoGuard/internal/httpx"
	"CronoGuard/internal/intent"
	"CronoGuard/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// authorizationWindow is how long a signed authorization stays valid.
	authorizationWindow = 60 * time.Second
	// settleTimeoutSeconds goes into the requirements we hand the payer.
	settleTimeoutSeconds = 300

	verifyTimeout = 10 * time.Second
	settleTimeout = 30 * time.Second
)

// SettledPayment is what the client needs back from the payment store to
// resolve an authorization-already-used conflict.
type SettledPayment struct {
	IntentID string
	Nonce    string
	TxRef    string
}

// PaymentLookup answers whether an intent already has a settled payment.
// Implemented by the lifecycle store; declared here to keep the dependency
// pointing inward.
type PaymentLookup interface {
	LookupPayment(ctx context.Context, intentID string) (SettledPayment, bool, error)
}

// Config wires the client to the facilitator and the active network.
type Config struct {
	FacilitatorBaseURL string
	Network            string
	ChainID            int64
	PayTo              string
	Asset              string
}

// Client builds payment requirements and drives verify/settle against the
// facilitator. Settlements are cached by nonce: a second settle attempt with
// the same nonce never re-contacts the facilitator.
type Client struct {
	http    *httpx.Client
	reader  chain.Reader
	lookup  PaymentLookup
	cfg     Config
	baseURL string
	log     *slog.Logger

	mu      sync.Mutex
	settled map[string]*SettleResult
	locks   map[string]*sync.Mutex
}

// NewClient builds a Client. reader supplies the token name for the EIP-712
// domain; lookup resolves already-used authorizations.
func NewClient(httpClient *httpx.Client, reader chain.Reader, lookup PaymentLookup, cfg Config) (*Client, error) {
	if cfg.PayTo == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "payTo address is not configured")
	}
	return &Client{
		http:    httpClient,
		reader:  reader,
		lookup:  lookup,
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.FacilitatorBaseURL, "/"),
		log:     logger.Named("x402"),
		settled: make(map[string]*SettleResult),
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

// BuildRequirements generates the payment requirements for an intent's fee,
// a signable authorization template and a fresh single-use nonce.
func (c *Client) BuildRequirements(ctx context.Context, in *intent.Intent) (PaymentRequirements, SignableTemplate, string, error) {
	nonce, err := newNonce()
	if err != nil {
		return PaymentRequirements{}, SignableTemplate{}, "", err
	}

	reqs := PaymentRequirements{
		Scheme:            "exact",
		Network:           c.cfg.Network,
		PayTo:             c.cfg.PayTo,
		Asset:             c.cfg.Asset,
		MaxAmountRequired: in.Fee,
		MaxTimeoutSeconds: settleTimeoutSeconds,
		Description:       "Agent verification fee",
	}

	// The EIP-712 domain names the token; reading it from the contract is
	// safer than hardcoding.
	tokenName, err := c.reader.TokenName(ctx, common.HexToAddress(c.cfg.Asset))
	if err != nil {
		return PaymentRequirements{}, SignableTemplate{}, "", xerrors.Wrap(xerrors.CodeInvalidToken, err, "read token name for signing domain")
	}

	now := time.Now().Unix()
	template := SignableTemplate{
		Domain: SignableDomain{
			Name:              tokenName,
			Version:           "1",
			ChainID:           c.cfg.ChainID,
			VerifyingContract: c.cfg.Asset,
		},
		PrimaryType: "TransferWithAuthorization",
		Message: AuthorizationMessage{
			From:        intent.ZeroAddress, // filled by the payer
			To:          reqs.PayTo,
			Value:       reqs.MaxAmountRequired,
			ValidAfter:  0,
			ValidBefore: now + int64(authorizationWindow.Seconds()),
			Nonce:       nonce,
		},
	}

	return reqs, template, nonce, nil
}

// VerifyAndSettle decodes the opaque payment header, verifies it with the
// facilitator and, when valid, settles it. An invalid verification returns
// without settling. The settle call itself is never internally retried; a
// caller-level retry is safe only because of the nonce cache.
func (c *Client) VerifyAndSettle(ctx context.Context, intentID, paymentHeader string, reqs PaymentRequirements) (*VerifyResult, *SettleResult, error) {
	header, err := DecodeHeader(paymentHeader)
	if err != nil {
		return nil, nil, err
	}
	nonce := header.Payload.Nonce

	// Serialise per nonce so a concurrent settle for the same authorization
	// waits and then observes the cached result.
	unlock := c.lockNonce(nonce)
	defer unlock()

	if cached := c.cachedSettle(nonce); cached != nil {
		c.log.Info("settlement served from nonce cache", "intent_id", intentID, "nonce", nonce)
		return &VerifyResult{IsValid: true}, cached, nil
	}

	verify := &VerifyResult{}
	body := map[string]any{
		"x402Version":         1,
		"paymentHeader":       paymentHeader,
		"paymentRequirements": reqs,
	}
	if _, err := c.http.PostJSON(ctx, c.baseURL+"/verify", body, verify,
		httpx.Options{Retries: 1, Timeout: verifyTimeout}); err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeFacilitator, err, "verify call failed")
	}

	if !verify.IsValid {
		if isAlreadyUsed(verify.InvalidReason) {
			settle, err := c.resolveAlreadyUsed(ctx, intentID, nonce)
			return verify, settle, err
		}
		return verify, nil, nil
	}

	settle := &SettleResult{}
	if _, err := c.http.PostJSON(ctx, c.baseURL+"/settle", body, settle,
		httpx.Options{Retries: 0, Timeout: settleTimeout}); err != nil {
		return verify, nil, xerrors.Wrap(xerrors.CodeFacilitator, err, "settle call failed")
	}

	if settle.Event == EventFailed && isAlreadyUsed(settle.Error) {
		resolved, err := c.resolveAlreadyUsed(ctx, intentID, nonce)
		return verify, resolved, err
	}

	if settle.Settled() {
		c.storeSettle(nonce, settle)
	}
	return verify, settle, nil
}

// resolveAlreadyUsed maps an "authorization already used" facilitator error
// onto a prior settlement when one is on record; otherwise it surfaces a
// conflict instead of guessing.
func (c *Client) resolveAlreadyUsed(ctx context.Context, intentID, nonce string) (*SettleResult, error) {
	if c.lookup != nil {
		prior, ok, err := c.lookup.LookupPayment(ctx, intentID)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "look up prior payment")
		}
		if ok && (prior.Nonce == "" || prior.Nonce == nonce) {
			c.log.Info("authorization already used, returning recorded settlement",
				"intent_id", intentID, "nonce", nonce)
			settle := &SettleResult{Event: EventSettled, TxHash: prior.TxRef}
			c.storeSettle(nonce, settle)
			return settle, nil
		}
	}
	return nil, xerrors.New(xerrors.CodeConflict,
		fmt.Sprintf("authorization for nonce %s already used but no payment record exists", nonce),
		xerrors.WithMetadata("intent_id", intentID))
}

func (c *Client) lockNonce(nonce string) func() {
	c.mu.Lock()
	lock, ok := c.locks[nonce]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[nonce] = lock
	}
	c.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func (c *Client) cachedSettle(nonce string) *SettleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settled[nonce]
}

func (c *Client) storeSettle(nonce string, settle *SettleResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settled[nonce] = settle
}

func isAlreadyUsed(reason string) bool {
	lowered := strings.ToLower(reason)
	return strings.Contains(lowered, "already used") ||
		strings.Contains(lowered, "authorization_already_used")
}

func newNonce() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", xerrors.Wrap(xerrors.CodeUnknown, err, "generate nonce")
	}
	return "0x" + hex.EncodeToString(buf), nil
}
