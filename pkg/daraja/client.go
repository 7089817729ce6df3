/**
 * @description
 * This package provides a client for the Safaricom Daraja (M-Pesa) API. It
 * encapsulates authenticated request construction for every supported
 * operation, delegating token management to the TokenSource and transport
 * resilience to the Dispatcher. Field names and casing in the payload structs
 * are provider-fixed and reproduced verbatim, including the documented
 * RecieverIdentifierType typo on reversals.
 *
 * @dependencies
 * - bytes, context, encoding/json, net/http, time: Standard Go libraries.
 */

package daraja

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// API endpoint paths, relative to the environment base URL.
const (
	stkPushPath           = "/mpesa/stkpush/v1/processrequest"
	stkPushQueryPath      = "/mpesa/stkpushquery/v1/query"
	b2cPath               = "/mpesa/b2c/v1/paymentrequest"
	transactionStatusPath = "/mpesa/transactionstatus/v1/query"
	accountBalancePath    = "/mpesa/accountbalance/v1/query"
	reversalPath          = "/mpesa/reversal/v1/request"
	c2bRegisterPath       = "/mpesa/c2b/v1/registerurl"
	c2bSimulatePath       = "/mpesa/c2b/v1/simulate"
)

// Environment base URLs.
const (
	SandboxBaseURL    = "https://sandbox.safaricom.co.ke"
	ProductionBaseURL = "https://api.safaricom.co.ke"
)

// Config carries the merchant-side identity and callback endpoints the client
// needs to build payloads. SecurityCredential, InitiatorPassword and
// CertificatePEM feed the B2C-family credential (see SecurityCredential in
// codec.go).
type Config struct {
	BaseURL            string
	ConsumerKey        string
	ConsumerSecret     string
	Shortcode          string
	Passkey            string
	InitiatorName      string
	SecurityCredential string
	InitiatorPassword  string
	CertificatePEM     []byte

	STKCallbackURL string
	B2CCallbackURL string
	B2CTimeoutURL  string

	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// Client is the Daraja API client.
type Client struct {
	cfg        Config
	tokens     *TokenSource
	dispatcher *Dispatcher

	// now is swappable for tests.
	now func() time.Time
}

// NewClient wires a client from config, creating its token source and
// dispatcher with a shared per-call timeout.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}
	return &Client{
		cfg:        cfg,
		tokens:     NewTokenSource(cfg.BaseURL, cfg.ConsumerKey, cfg.ConsumerSecret, httpClient),
		dispatcher: NewDispatcher(httpClient, cfg.MaxRetries, cfg.RetryDelay),
		now:        time.Now,
	}
}

// STKPushRequest is the Lipa na M-Pesa Online initiation payload.
type STKPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// STKPushResponse is the synchronous acknowledgement of an STK push. The
// CheckoutRequestID is the correlation id matched against the asynchronous
// callback.
type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// STKPushQueryRequest queries the state of a prior STK push.
type STKPushQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

// STKPushQueryResponse is the synchronous answer to an STK push query.
type STKPushQueryResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
}

// B2CRequest is the business-to-customer payout payload.
type B2CRequest struct {
	InitiatorName      string `json:"InitiatorName"`
	SecurityCredential string `json:"SecurityCredential"`
	CommandID          string `json:"CommandID"`
	Amount             int64  `json:"Amount"`
	PartyA             string `json:"PartyA"`
	PartyB             string `json:"PartyB"`
	Remarks            string `json:"Remarks"`
	QueueTimeOutURL    string `json:"QueueTimeOutURL"`
	ResultURL          string `json:"ResultURL"`
	Occasion           string `json:"Occasion"`
}

// B2CResponse acknowledges acceptance of a payout request. Completion arrives
// later on the result URL, correlated by ConversationID.
type B2CResponse struct {
	ConversationID           string `json:"ConversationID"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ResponseCode             string `json:"ResponseCode"`
	ResponseDescription      string `json:"ResponseDescription"`
}

// TransactionStatusRequest looks up a settled transaction by its M-Pesa receipt.
type TransactionStatusRequest struct {
	Initiator          string `json:"Initiator"`
	SecurityCredential string `json:"SecurityCredential"`
	CommandID          string `json:"CommandID"`
	TransactionID      string `json:"TransactionID"`
	PartyA             string `json:"PartyA"`
	IdentifierType     string `json:"IdentifierType"`
	ResultURL          string `json:"ResultURL"`
	QueueTimeOutURL    string `json:"QueueTimeOutURL"`
	Remarks            string `json:"Remarks"`
	Occasion           string `json:"Occasion"`
}

// AccountBalanceRequest queries the shortcode working balance.
type AccountBalanceRequest struct {
	Initiator          string `json:"Initiator"`
	SecurityCredential string `json:"SecurityCredential"`
	CommandID          string `json:"CommandID"`
	PartyA             string `json:"PartyA"`
	IdentifierType     string `json:"IdentifierType"`
	ResultURL          string `json:"ResultURL"`
	QueueTimeOutURL    string `json:"QueueTimeOutURL"`
	Remarks            string `json:"Remarks"`
}

// ReversalRequest reverses a prior transaction. The RecieverIdentifierType
// misspelling is part of the provider contract.
type ReversalRequest struct {
	Initiator              string `json:"Initiator"`
	SecurityCredential     string `json:"SecurityCredential"`
	CommandID              string `json:"CommandID"`
	TransactionID          string `json:"TransactionID"`
	Amount                 int64  `json:"Amount"`
	ReceiverParty          string `json:"ReceiverParty"`
	RecieverIdentifierType string `json:"RecieverIdentifierType"`
	ResultURL              string `json:"ResultURL"`
	QueueTimeOutURL        string `json:"QueueTimeOutURL"`
	Remarks                string `json:"Remarks"`
	Occasion               string `json:"Occasion"`
}

// GenericResponse covers the B2C-family acknowledgements that only confirm
// acceptance (status query, balance, reversal).
type GenericResponse struct {
	ConversationID           string `json:"ConversationID"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ResponseCode             string `json:"ResponseCode"`
	ResponseDescription      string `json:"ResponseDescription"`
}

// C2BRegisterRequest registers the confirmation and validation URLs for
// customer-initiated paybill payments.
type C2BRegisterRequest struct {
	ShortCode       string `json:"ShortCode"`
	ResponseType    string `json:"ResponseType"`
	ConfirmationURL string `json:"ConfirmationURL"`
	ValidationURL   string `json:"ValidationURL"`
}

// C2BSimulateRequest simulates a customer paybill payment (sandbox only).
type C2BSimulateRequest struct {
	ShortCode           string `json:"ShortCode"`
	CommandID           string `json:"CommandID"`
	Amount              int64  `json:"Amount"`
	Msisdn              string `json:"Msisdn"`
	BillReferenceNumber string `json:"BillReferenceNumber"`
}

// STKPush initiates a push payment prompt on the customer's device. phone must
// already be normalized and amount validated by the codec.
func (c *Client) STKPush(ctx context.Context, phone string, amount int64, accountReference, transactionDesc string) (*STKPushResponse, error) {
	timestamp := GenerateTimestamp(c.now())
	payload := STKPushRequest{
		BusinessShortCode: c.cfg.Shortcode,
		Password:          GeneratePassword(c.cfg.Shortcode, c.cfg.Passkey, timestamp),
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            amount,
		PartyA:            phone,
		PartyB:            c.cfg.Shortcode,
		PhoneNumber:       phone,
		CallBackURL:       c.cfg.STKCallbackURL,
		AccountReference:  accountReference,
		TransactionDesc:   transactionDesc,
	}
	var resp STKPushResponse
	if err := c.post(ctx, stkPushPath, payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// STKPushQuery queries the outcome of a prior STK push. The password is
// re-derived with the supplied timestamp, which must be freshly generated
// rather than reused from the original push.
func (c *Client) STKPushQuery(ctx context.Context, checkoutRequestID, timestamp string) (*STKPushQueryResponse, error) {
	payload := STKPushQueryRequest{
		BusinessShortCode: c.cfg.Shortcode,
		Password:          GeneratePassword(c.cfg.Shortcode, c.cfg.Passkey, timestamp),
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	}
	var resp STKPushQueryResponse
	if err := c.post(ctx, stkPushQueryPath, payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// timeoutURL is the queue-timeout destination for B2C-family requests,
// falling back to the result URL when no dedicated one is configured.
func (c *Client) timeoutURL() string {
	if c.cfg.B2CTimeoutURL != "" {
		return c.cfg.B2CTimeoutURL
	}
	return c.cfg.B2CCallbackURL
}

// B2C initiates a business-to-customer payout.
func (c *Client) B2C(ctx context.Context, phone string, amount int64, remarks, occasion string) (*B2CResponse, error) {
	credential, err := c.securityCredential()
	if err != nil {
		return nil, err
	}
	payload := B2CRequest{
		InitiatorName:      c.cfg.InitiatorName,
		SecurityCredential: credential,
		CommandID:          "BusinessPayment",
		Amount:             amount,
		PartyA:             c.cfg.Shortcode,
		PartyB:             phone,
		Remarks:            remarks,
		QueueTimeOutURL:    c.timeoutURL(),
		ResultURL:          c.cfg.B2CCallbackURL,
		Occasion:           occasion,
	}
	var resp B2CResponse
	if err := c.post(ctx, b2cPath, payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TransactionStatus queries the state of a settled transaction by its M-Pesa
// receipt number. IdentifierType 4 denotes a shortcode lookup.
func (c *Client) TransactionStatus(ctx context.Context, transactionID, remarks, occasion string) (*GenericResponse, error) {
	credential, err := c.securityCredential()
	if err != nil {
		return nil, err
	}
	payload := TransactionStatusRequest{
		Initiator:          c.cfg.InitiatorName,
		SecurityCredential: credential,
		CommandID:          "TransactionStatusQuery",
		TransactionID:      transactionID,
		PartyA:             c.cfg.Shortcode,
		IdentifierType:     "4",
		ResultURL:          c.cfg.B2CCallbackURL,
		QueueTimeOutURL:    c.timeoutURL(),
		Remarks:            remarks,
		Occasion:           occasion,
	}
	var resp GenericResponse
	if err := c.post(ctx, transactionStatusPath, payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AccountBalance queries the shortcode balance.
func (c *Client) AccountBalance(ctx context.Context, remarks string) (*GenericResponse, error) {
	credential, err := c.securityCredential()
	if err != nil {
		return nil, err
	}
	payload := AccountBalanceRequest{
		Initiator:          c.cfg.InitiatorName,
		SecurityCredential: credential,
		CommandID:          "AccountBalance",
		PartyA:             c.cfg.Shortcode,
		IdentifierType:     "4",
		ResultURL:          c.cfg.B2CCallbackURL,
		QueueTimeOutURL:    c.timeoutURL(),
		Remarks:            remarks,
	}
	var resp GenericResponse
	if err := c.post(ctx, accountBalancePath, payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Reverse initiates a reversal of a prior transaction. Identifier type 11
// denotes the receiving organization shortcode.
func (c *Client) Reverse(ctx context.Context, transactionID string, amount int64, remarks, occasion string) (*GenericResponse, error) {
	credential, err := c.securityCredential()
	if err != nil {
		return nil, err
	}
	payload := ReversalRequest{
		Initiator:              c.cfg.InitiatorName,
		SecurityCredential:     credential,
		CommandID:              "TransactionReversal",
		TransactionID:          transactionID,
		Amount:                 amount,
		ReceiverParty:          c.cfg.Shortcode,
		RecieverIdentifierType: "11",
		ResultURL:              c.cfg.B2CCallbackURL,
		QueueTimeOutURL:        c.timeoutURL(),
		Remarks:                remarks,
		Occasion:               occasion,
	}
	var resp GenericResponse
	if err := c.post(ctx, reversalPath, payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// C2BRegister registers the confirmation and validation callback URLs for the
// shortcode.
func (c *Client) C2BRegister(ctx context.Context, confirmationURL, validationURL string) (*GenericResponse, error) {
	payload := C2BRegisterRequest{
		ShortCode:       c.cfg.Shortcode,
		ResponseType:    "Completed",
		ConfirmationURL: confirmationURL,
		ValidationURL:   validationURL,
	}
	var resp GenericResponse
	if err := c.post(ctx, c2bRegisterPath, payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// C2BSimulate simulates a customer paybill payment. Sandbox only.
func (c *Client) C2BSimulate(ctx context.Context, phone string, amount int64, billReference string) (*GenericResponse, error) {
	payload := C2BSimulateRequest{
		ShortCode:           c.cfg.Shortcode,
		CommandID:           "CustomerPayBillOnline",
		Amount:              amount,
		Msisdn:              phone,
		BillReferenceNumber: billReference,
	}
	var resp GenericResponse
	if err := c.post(ctx, c2bSimulatePath, payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// post dispatches a JSON POST through the resilient dispatcher. The request is
// rebuilt per attempt so each retry fetches a current bearer token.
func (c *Client) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", path, err)
	}

	respBody, err := c.dispatcher.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Cache-Control", "no-cache")
		return req, nil
	})
	if err != nil {
		return err
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) securityCredential() (string, error) {
	return SecurityCredential(c.cfg.SecurityCredential, c.cfg.InitiatorPassword, c.cfg.CertificatePEM)
}
