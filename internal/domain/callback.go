/**
 * @description
 * This file defines the asynchronous callback payloads Daraja posts back to
 * the service: the STK push result, the generic B2C-family result, and the
 * C2B confirmation. Field names and nesting are provider-fixed.
 */

package domain

import "encoding/json"

// STKCallbackEnvelope is the body posted to the STK callback URL.
type STKCallbackEnvelope struct {
	Body struct {
		STKCallback STKCallback `json:"stkCallback"`
	} `json:"Body"`
}

// STKCallback carries the outcome of a push payment. ResultCode 0 means the
// customer approved; 1032 means they cancelled; 1037 means the prompt timed
// out unanswered.
type STKCallback struct {
	MerchantRequestID string `json:"MerchantRequestID"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResultCode        int    `json:"ResultCode"`
	ResultDesc        string `json:"ResultDesc"`
	CallbackMetadata  struct {
		Item []CallbackItem `json:"Item"`
	} `json:"CallbackMetadata"`
}

// CallbackItem is one name/value pair in the STK callback metadata. Values
// are heterogeneous (numbers and strings), hence the raw message.
type CallbackItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value"`
}

// StringValue returns the item value as a string, unquoting JSON strings and
// passing numbers through verbatim.
func (i CallbackItem) StringValue() string {
	var s string
	if err := json.Unmarshal(i.Value, &s); err == nil {
		return s
	}
	return string(i.Value)
}

// MetadataValue extracts a named item from the STK callback metadata.
func (c STKCallback) MetadataValue(name string) (string, bool) {
	for _, item := range c.CallbackMetadata.Item {
		if item.Name == name {
			return item.StringValue(), true
		}
	}
	return "", false
}

// B2CResultEnvelope is the body posted to the B2C-family result URL
// (payouts, status queries, balance queries and reversals share it).
type B2CResultEnvelope struct {
	Result B2CResult `json:"Result"`
}

// B2CResult carries the outcome of a B2C-family request, correlated by
// ConversationID.
type B2CResult struct {
	ResultType               int    `json:"ResultType"`
	ResultCode               int    `json:"ResultCode"`
	ResultDesc               string `json:"ResultDesc"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ConversationID           string `json:"ConversationID"`
	TransactionID            string `json:"TransactionID"`
	ResultParameters         struct {
		ResultParameter []CallbackItem `json:"ResultParameter"`
	} `json:"ResultParameters"`
}

// ParameterValue extracts a named result parameter.
func (r B2CResult) ParameterValue(name string) (string, bool) {
	for _, item := range r.ResultParameters.ResultParameter {
		if item.Name == name {
			return item.StringValue(), true
		}
	}
	return "", false
}

// C2BConfirmation is the body posted to the C2B confirmation URL when a
// customer pays the shortcode directly.
type C2BConfirmation struct {
	TransactionType   string `json:"TransactionType"`
	TransID           string `json:"TransID"`
	TransTime         string `json:"TransTime"`
	TransAmount       string `json:"TransAmount"`
	BusinessShortCode string `json:"BusinessShortCode"`
	BillRefNumber     string `json:"BillRefNumber"`
	MSISDN            string `json:"MSISDN"`
	FirstName         string `json:"FirstName"`
	MiddleName        string `json:"MiddleName"`
	LastName          string `json:"LastName"`
}

// CallbackAck is the 200-class acknowledgement body every callback endpoint
// returns regardless of reconciliation outcome. The provider disables a
// destination after repeated non-2xx responses.
type CallbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// AcceptedAck is the standard acknowledgement.
func AcceptedAck() CallbackAck {
	return CallbackAck{ResultCode: 0, ResultDesc: "Accepted"}
}
