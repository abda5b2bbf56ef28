package exec

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"math/rand"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyd/feeds"
	"github.com/web3guy0/polyd/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POLYMARKET EXECUTION CLIENT
// ═══════════════════════════════════════════════════════════════════════════════
//
// Implements feeds.Submitter against the Polymarket CLOB API with EIP-712
// order signing and HMAC L2 auth headers. The wallet private key lives only
// in this package; nothing above it ever sees signing material.
//
// Error classification:
//   network / timeout / HTTP 5xx  → *feeds.TransientVenueError (retryable)
//   HTTP 4xx / venue errorMsg     → *feeds.PermanentVenueError (terminal)
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	// Polygon Mainnet CTF Exchange
	ctfExchange = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	chainID     = 137

	// Signature types
	sigTypeEOA       = 0
	sigTypePolyProxy = 1
)

// OrderType for the Polymarket CLOB.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // limit, rests in book
	OrderTypeFOK OrderType = "FOK" // market, full fill or cancel
	OrderTypeFAK OrderType = "FAK" // market, partial ok (IOC)
)

type Client struct {
	baseURL       string
	privateKey    *ecdsa.PrivateKey
	address       string
	funderAddress string
	apiKey        string
	apiSecret     string
	passphrase    string
	sigType       int
	dryRun        bool
	httpClient    *http.Client
}

// NewClient creates a venue execution client. Credentials come from the
// environment so they never transit config structs shared with other
// components.
func NewClient(baseURL string, dryRun bool) (*Client, error) {
	sigType := sigTypePolyProxy
	if os.Getenv("SIG_TYPE") == "0" {
		sigType = sigTypeEOA
	}

	client := &Client{
		baseURL:       baseURL,
		apiKey:        os.Getenv("CLOB_API_KEY"),
		apiSecret:     os.Getenv("CLOB_API_SECRET"),
		passphrase:    os.Getenv("CLOB_PASSPHRASE"),
		funderAddress: os.Getenv("FUNDER_ADDRESS"),
		sigType:       sigType,
		dryRun:        dryRun,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
	}

	pkHex := os.Getenv("WALLET_PRIVATE_KEY")
	if pkHex != "" {
		pkHex = strings.TrimPrefix(pkHex, "0x")
		pk, err := crypto.HexToECDSA(pkHex)
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		client.privateKey = pk
		client.address = crypto.PubkeyToAddress(pk.PublicKey).Hex()
	}

	mode := "DRY RUN"
	if !dryRun {
		mode = "LIVE"
	}
	log.Info().
		Str("mode", mode).
		Str("address", client.address).
		Msg("execution client initialized")

	return client, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// SUBMITTER IMPLEMENTATION
// ═══════════════════════════════════════════════════════════════════════════════

// Submit places an order on the CLOB. Every order goes out as GTC,
// whatever its urgency.
func (c *Client) Submit(ctx context.Context, o *types.Order) (feeds.SubmitAck, error) {
	// The execution manager sets crossing limit prices for taker flow, so
	// GTC is safe for both maker and taker submissions.
	orderType := OrderTypeGTC

	if c.dryRun {
		ack := feeds.SubmitAck{VenueOrderID: fmt.Sprintf("DRY_%s", o.ClientOrderID)}
		log.Info().
			Str("client_order_id", o.ClientOrderID).
			Str("token", truncateToken(o.TokenID)).
			Str("action", string(o.Action)).
			Str("price", o.Price.StringFixed(2)).
			Str("size", o.Size.StringFixed(2)).
			Msg("DRY RUN: order would be placed")
		return ack, nil
	}

	signedOrder, err := c.buildSignedOrder(o.TokenID, o.Price, o.Size, string(o.Action), orderType)
	if err != nil {
		return feeds.SubmitAck{}, &feeds.PermanentVenueError{Op: "submit", Reason: err.Error()}
	}

	payload := struct {
		Order     signedOrderWire `json:"order"`
		Owner     string          `json:"owner"`
		OrderType OrderType       `json:"orderType"`
		ClientID  string          `json:"client_order_id,omitempty"`
	}{
		Order:     *signedOrder,
		Owner:     c.apiKey,
		OrderType: orderType,
		ClientID:  o.ClientOrderID,
	}

	resp, err := c.post(ctx, "/order", payload)
	if err != nil {
		return feeds.SubmitAck{}, classify("submit", err)
	}

	var result struct {
		OrderID  string `json:"orderID"`
		Status   string `json:"status"`
		ErrorMsg string `json:"errorMsg"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return feeds.SubmitAck{}, &feeds.TransientVenueError{Op: "submit", Err: err}
	}
	if result.ErrorMsg != "" {
		return feeds.SubmitAck{}, &feeds.PermanentVenueError{Op: "submit", Reason: result.ErrorMsg}
	}

	log.Info().
		Str("venue_order_id", result.OrderID).
		Str("client_order_id", o.ClientOrderID).
		Str("status", result.Status).
		Msg("order placed")

	return feeds.SubmitAck{VenueOrderID: result.OrderID}, nil
}

// Cancel cancels one order.
func (c *Client) Cancel(ctx context.Context, venueOrderID, clientOrderID string) error {
	if c.dryRun {
		log.Info().Str("venue_order_id", venueOrderID).Msg("DRY RUN: order would be cancelled")
		return nil
	}

	body := map[string]string{}
	if venueOrderID != "" {
		body["orderID"] = venueOrderID
	} else {
		body["clientOrderID"] = clientOrderID
	}

	if _, err := c.deleteWithBody(ctx, "/order", body); err != nil {
		return classify("cancel", err)
	}
	log.Info().Str("venue_order_id", venueOrderID).Msg("order cancelled")
	return nil
}

// CancelAll cancels every open order.
func (c *Client) CancelAll(ctx context.Context) error {
	if c.dryRun {
		log.Info().Msg("DRY RUN: all orders would be cancelled")
		return nil
	}
	if _, err := c.deleteWithBody(ctx, "/cancel-all", nil); err != nil {
		return classify("cancel_all", err)
	}
	log.Info().Msg("all orders cancelled")
	return nil
}

// GetBalance returns the collateral (USDC) balance.
func (c *Client) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	if c.dryRun {
		return decimal.NewFromFloat(1000), nil
	}

	resp, err := c.get(ctx, "/balance-allowance?asset_type=COLLATERAL&signature_type=1")
	if err != nil {
		return decimal.Zero, classify("balance", err)
	}

	var result struct {
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return decimal.Zero, err
	}
	if result.Balance == "" {
		return decimal.Zero, nil
	}

	balance, err := decimal.NewFromString(result.Balance)
	if err != nil {
		return decimal.Zero, err
	}

	// Balance arrives in micro USDC.
	return balance.Div(decimal.NewFromInt(1000000)), nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// EIP-712 ORDER SIGNING
// ═══════════════════════════════════════════════════════════════════════════════

type signedOrderWire struct {
	Salt          string `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

func (c *Client) buildSignedOrder(tokenID string, price, size decimal.Decimal, side string, orderType OrderType) (*signedOrderWire, error) {
	maker := c.funderAddress
	if maker == "" {
		maker = c.address
	}

	// USDC and shares both use 6 decimals on Polymarket.
	usdcDecimals := decimal.NewFromInt(1000000)

	var makerAmount, takerAmount decimal.Decimal
	if strings.ToUpper(side) == string(types.ActionBuy) {
		makerAmount = size.Mul(price).Mul(usdcDecimals).Floor()
		takerAmount = size.Mul(usdcDecimals).Floor()
	} else {
		makerAmount = size.Mul(usdcDecimals).Floor()
		takerAmount = size.Mul(price).Mul(usdcDecimals).Floor()
	}

	order := &signedOrderWire{
		Salt:          generateSalt(),
		Maker:         maker,
		Signer:        c.address,
		Taker:         "0x0000000000000000000000000000000000000000",
		TokenID:       tokenID,
		MakerAmount:   makerAmount.String(),
		TakerAmount:   takerAmount.String(),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          strings.ToUpper(side),
		SignatureType: c.sigType,
	}

	signature, err := c.signOrderEIP712(order)
	if err != nil {
		return nil, fmt.Errorf("signing failed: %w", err)
	}
	order.Signature = signature
	return order, nil
}

func (c *Client) signOrderEIP712(order *signedOrderWire) (string, error) {
	if c.privateKey == nil {
		return "", fmt.Errorf("private key not loaded")
	}

	domainSeparator := buildDomainSeparator(ctfExchange, chainID)
	orderHash := buildOrderStructHash(order)

	var data []byte
	data = append(data, []byte("\x19\x01")...)
	data = append(data, domainSeparator[:]...)
	data = append(data, orderHash[:]...)

	finalHash := crypto.Keccak256(data)

	sig, err := crypto.Sign(finalHash, c.privateKey)
	if err != nil {
		return "", err
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return hexutil.Encode(sig), nil
}

func buildDomainSeparator(contractAddr string, chain int) [32]byte {
	domainTypeHash := crypto.Keccak256([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	nameHash := crypto.Keccak256([]byte("Polymarket CTF Exchange"))
	versionHash := crypto.Keccak256([]byte("1"))

	chainIDBytes := common.LeftPadBytes(big.NewInt(int64(chain)).Bytes(), 32)
	contractPadded := common.LeftPadBytes(common.HexToAddress(contractAddr).Bytes(), 32)

	var data []byte
	data = append(data, domainTypeHash...)
	data = append(data, nameHash...)
	data = append(data, versionHash...)
	data = append(data, chainIDBytes...)
	data = append(data, contractPadded...)

	var result [32]byte
	copy(result[:], crypto.Keccak256(data))
	return result
}

func buildOrderStructHash(order *signedOrderWire) [32]byte {
	orderTypeHash := crypto.Keccak256([]byte("Order(uint256 salt,address maker,address signer,address taker,uint256 tokenId,uint256 makerAmount,uint256 takerAmount,uint256 expiration,uint256 nonce,uint256 feeRateBps,uint8 side,uint8 signatureType)"))

	sideVal := 0
	if order.Side == "SELL" {
		sideVal = 1
	}

	var data []byte
	data = append(data, orderTypeHash...)
	data = append(data, padUint256(order.Salt)...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(order.Maker).Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(order.Signer).Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(order.Taker).Bytes(), 32)...)
	data = append(data, padUint256(order.TokenID)...)
	data = append(data, padUint256(order.MakerAmount)...)
	data = append(data, padUint256(order.TakerAmount)...)
	data = append(data, padUint256(order.Expiration)...)
	data = append(data, padUint256(order.Nonce)...)
	data = append(data, padUint256(order.FeeRateBps)...)
	data = append(data, common.LeftPadBytes([]byte{byte(sideVal)}, 32)...)
	data = append(data, common.LeftPadBytes([]byte{byte(order.SignatureType)}, 32)...)

	var result [32]byte
	copy(result[:], crypto.Keccak256(data))
	return result
}

func padUint256(s string) []byte {
	n := new(big.Int)
	n.SetString(s, 10)
	return common.LeftPadBytes(n.Bytes(), 32)
}

func generateSalt() string {
	b := make([]byte, 32)
	rand.Read(b)
	return new(big.Int).SetBytes(b).String()
}

func truncateToken(tokenID string) string {
	if len(tokenID) > 16 {
		return tokenID[:16] + "..."
	}
	return tokenID
}

// ═══════════════════════════════════════════════════════════════════════════════
// HTTP HELPERS & ERROR CLASSIFICATION
// ═══════════════════════════════════════════════════════════════════════════════

// httpStatusError carries the status code for classification.
type httpStatusError struct {
	Code int
	Body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

// classify maps transport errors onto the venue error taxonomy.
func classify(op string, err error) error {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		if statusErr.Code >= 500 {
			return &feeds.TransientVenueError{Op: op, Err: err}
		}
		return &feeds.PermanentVenueError{Op: op, Reason: statusErr.Error()}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &feeds.TransientVenueError{Op: op, Err: err}
	}

	// Unknown transport failures are retried.
	return &feeds.TransientVenueError{Op: op, Err: err}
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	c.addHeaders(req)
	return c.doRequest(req)
}

func (c *Client) post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	jsonBody, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.addHeaders(req)
	return c.doRequest(req)
}

func (c *Client) deleteWithBody(ctx context.Context, path string, body interface{}) ([]byte, error) {
	var jsonBody []byte
	if body != nil {
		jsonBody, _ = json.Marshal(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.addHeaders(req)
	return c.doRequest(req)
}

func (c *Client) addHeaders(req *http.Request) {
	timestamp := fmt.Sprintf("%d", time.Now().Unix())

	req.Header.Set("POLY_ADDRESS", c.address)
	req.Header.Set("POLY_API_KEY", c.apiKey)
	req.Header.Set("POLY_TIMESTAMP", timestamp)
	req.Header.Set("POLY_PASSPHRASE", c.passphrase)

	if c.apiSecret != "" {
		// Message format: timestamp + method + requestPath (no query params).
		message := timestamp + req.Method + req.URL.Path
		if req.Body != nil {
			bodyBytes, _ := io.ReadAll(req.Body)
			req.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			if len(bodyBytes) > 0 {
				message += string(bodyBytes)
			}
		}
		req.Header.Set("POLY_SIGNATURE", c.hmacSign(message))
	}
}

func (c *Client) doRequest(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, &httpStatusError{Code: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

func (c *Client) hmacSign(message string) string {
	key, err := base64.URLEncoding.DecodeString(c.apiSecret)
	if err != nil {
		key, err = base64.StdEncoding.DecodeString(c.apiSecret)
		if err != nil {
			key = []byte(c.apiSecret)
		}
	}

	h := hmac.New(sha256.New, key)
	h.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(h.Sum(nil))
}

// IsDryRun reports dry-run mode.
func (c *Client) IsDryRun() bool {
	return c.dryRun
}
