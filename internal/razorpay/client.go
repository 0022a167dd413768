// Package razorpay предоставляет клиент платёжного шлюза Razorpay.
package razorpay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrUnavailable возвращается, если шлюз недоступен или ответил ошибкой.
var ErrUnavailable = errors.New("payment gateway unavailable")

// PaymentIntent описывает платёжное намерение, созданное шлюзом. Сумма в пайсах.
type PaymentIntent struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

// Client инкапсулирует HTTP-взаимодействие с Razorpay API.
type Client struct {
	baseURL    string
	keyID      string
	keySecret  string
	httpClient *retryablehttp.Client
}

// NewClient создаёт клиент Razorpay с указанным адресом и ключами доступа.
func NewClient(baseURL, keyID, keySecret string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = time.Second
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		keyID:      keyID,
		keySecret:  keySecret,
		httpClient: rc,
	}
}

type createOrderRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
}

// CreateOrder создаёт в шлюзе платёжное намерение на указанную сумму в пайсах.
func (c *Client) CreateOrder(ctx context.Context, amount int64, receipt string) (*PaymentIntent, error) {
	body, err := json.Marshal(createOrderRequest{
		Amount:   amount,
		Currency: "INR",
		Receipt:  receipt,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/orders", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.keyID, c.keySecret)

	return c.do(req)
}

// GetOrder запрашивает платёжное намерение по идентификатору.
func (c *Client) GetOrder(ctx context.Context, id string) (*PaymentIntent, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/orders/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(c.keyID, c.keySecret)

	return c.do(req)
}

func (c *Client) do(req *retryablehttp.Request) (*PaymentIntent, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrUnavailable, resp.StatusCode)
	}

	var intent PaymentIntent
	if err := json.NewDecoder(resp.Body).Decode(&intent); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &intent, nil
}

// KeyID возвращает публичный идентификатор ключа, используемый клиентским виджетом оплаты.
func (c *Client) KeyID() string {
	return c.keyID
}

// VerifySignature проверяет подпись подтверждения платежа.
// Шлюз подписывает строку "<order_id>|<payment_id>" алгоритмом HMAC-SHA256
// с секретным ключом аккаунта.
func (c *Client) VerifySignature(orderID, paymentID, signature string) bool {
	mac := hmac.New(sha256.New, []byte(c.keySecret))
	mac.Write([]byte(orderID + "|" + paymentID))
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signature))
}
