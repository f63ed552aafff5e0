// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package msgjson

import (
	"bytes"
	"encoding/json"
	"fmt"

	"decred.org/coinjoin/cj"
	"decred.org/coinjoin/cj/encode"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/wire"
)

// Error codes
const (
	RPCErrorUnspecified    = iota // 0
	RPCParseError                 // 1
	RPCUnknownRoute               // 2
	RPCInternal                   // 3
	UnknownMessageType            // 4
	TooManyRequestsError          // 5
	SignatureError                // 6
	SerializationError            // 7
	AlreadyHaveError              // 8
	DenominationError             // 9
	EntriesFullError              // 10
	InvalidCollateralError        // 11
	InvalidInputError             // 12
	InvalidScriptError            // 13
	InvalidTxError                // 14
	MaximumInputsError            // 15
	SessionError                  // 16
	MissingTxError                // 17
	SizeMismatchError             // 18
	PoolStateError                // 19
	QueueFullError                // 20
	RecentError                   // 21
	NotMasternodeError            // 22
	PoolTimeoutError              // 23
)

// Routes are destinations for a "payload" of data. The type of data being
// delivered, and what kind of action is expected from the receiving party, is
// completely dependent on the route.
const (
	// AcceptRoute is the route of a client-originating request-type message
	// asking a masternode to open or join a pool for a denomination.
	AcceptRoute = "dsa"
	// QueueRoute is the route of a masternode-originating notification-type
	// message advertising a pool.
	QueueRoute = "dsq"
	// EntryRoute is the route of a client-originating request-type message
	// submitting inputs, outputs and collateral to the pool.
	EntryRoute = "dsi"
	// StatusUpdateRoute is the route of a masternode-originating
	// notification-type message reporting pool progress or rejection.
	StatusUpdateRoute = "dssu"
	// FinalTxRoute is the route of a masternode-originating notification-type
	// message carrying the unsigned transaction skeleton.
	FinalTxRoute = "dsf"
	// SignedInputsRoute is the route of a client-originating request-type
	// message returning signatures for the client's own inputs.
	SignedInputsRoute = "dss"
	// CompleteRoute is the route of a masternode-originating
	// notification-type message reporting the outcome of the round.
	CompleteRoute = "dsc"
)

const errNullRespPayload = cj.ErrorKind("null response payload")

type Bytes = cj.Bytes

// Signable allows for serialization and signing.
type Signable interface {
	Serialize() []byte
	SetSig([]byte)
	SigBytes() []byte
}

// Signature partially implements Signable, and can be embedded by types intended
// to satisfy Signable, which must themselves implement the Serialize method.
type Signature struct {
	Sig Bytes `json:"sig"`
}

// SetSig sets the Sig field.
func (s *Signature) SetSig(b []byte) {
	s.Sig = b
}

// SigBytes returns the signature as a []byte.
func (s *Signature) SigBytes() []byte {
	return s.Sig
}

// Error is returned as part of the Response to indicate that an error
// occurred during method execution.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error returns the error message. Satisfies the error interface.
func (e *Error) Error() string {
	return e.String()
}

// String satisfies the Stringer interface for pretty printing.
func (e Error) String() string {
	return fmt.Sprintf("error code %d: %s", e.Code, e.Message)
}

// NewError is a constructor for an Error.
func NewError(code int, format string, a ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, a...),
	}
}

// ResponsePayload is the payload for a Response-type Message.
type ResponsePayload struct {
	// Result is the payload, if successful, else nil.
	Result json.RawMessage `json:"result,omitempty"`
	// Error is the error, or nil if none was encountered.
	Error *Error `json:"error,omitempty"`
}

// MessageType indicates the type of message. MessageType is typically the first
// switch checked when examining a message, and how the rest of the message is
// decoded depends on its MessageType.
type MessageType uint8

// There are presently three recognized message types: request, response, and
// notification.
const (
	InvalidMessageType MessageType = iota // 0
	Request                               // 1
	Response                              // 2
	Notification                          // 3
)

// String satisfies the Stringer interface for translating the MessageType code
// into a description, primarily for logging.
func (mt MessageType) String() string {
	switch mt {
	case Request:
		return "request"
	case Response:
		return "response"
	case Notification:
		return "notification"
	default:
		return "unknown MessageType"
	}
}

// Message is the primary messaging type for websocket communications.
type Message struct {
	// Type is the message type.
	Type MessageType `json:"type"`
	// Route is used for requests and notifications, and specifies a handler for
	// the message.
	Route string `json:"route,omitempty"`
	// ID is a unique number that is used to link a response to a request.
	ID uint64 `json:"id,omitempty"`
	// Payload is any data attached to the message. How Payload is decoded
	// depends on the Route.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodeMessage decodes a *Message from JSON-formatted bytes. Note that
// *Message may be nil even if error is nil, when the message is JSON null,
// []byte("null").
func DecodeMessage(b []byte) (*Message, error) {
	msg := new(Message)
	err := json.Unmarshal(b, &msg)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// NewRequest is the constructor for a Request-type *Message.
func NewRequest(id uint64, route string, payload any) (*Message, error) {
	if id == 0 {
		return nil, fmt.Errorf("id = 0 not allowed for a request-type message")
	}
	if route == "" {
		return nil, fmt.Errorf("empty string not allowed for route of request-type message")
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:    Request,
		Payload: encoded,
		Route:   route,
		ID:      id,
	}, nil
}

// NewResponse encodes the result and creates a Response-type *Message.
func NewResponse(id uint64, result any, rpcErr *Error) (*Message, error) {
	if id == 0 {
		return nil, fmt.Errorf("id = 0 not allowed for response-type message")
	}
	encResult, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	resp := &ResponsePayload{
		Result: encResult,
		Error:  rpcErr,
	}
	encResp, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:    Response,
		Payload: encResp,
		ID:      id,
	}, nil
}

// Response attempts to decode the payload to a *ResponsePayload. Response will
// return an error if the Type is not Response. It is an error if the Message's
// Payload is []byte("null").
func (msg *Message) Response() (*ResponsePayload, error) {
	if msg.Type != Response {
		return nil, fmt.Errorf("invalid type %d for ResponsePayload", msg.Type)
	}
	resp := new(ResponsePayload)
	err := json.Unmarshal(msg.Payload, &resp)
	if err != nil {
		return nil, err
	}
	if resp == nil /* null JSON */ {
		return nil, errNullRespPayload
	}
	return resp, nil
}

// NewNotification encodes the payload and creates a Notification-type *Message.
func NewNotification(route string, payload any) (*Message, error) {
	if route == "" {
		return nil, fmt.Errorf("empty string not allowed for route of notification-type message")
	}
	encPayload, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:    Notification,
		Route:   route,
		Payload: encPayload,
	}, nil
}

// Unmarshal unmarshals the Payload field into the provided interface. Note that
// the payload interface must contain a pointer. If it is a pointer to a
// pointer, it may become nil for a Message.Payload of []byte("null").
func (msg *Message) Unmarshal(payload any) error {
	return json.Unmarshal(msg.Payload, payload)
}

// UnmarshalResult is a convenience method for decoding the Result field of a
// ResponsePayload.
func (msg *Message) UnmarshalResult(result any) error {
	resp, err := msg.Response()
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("rpc error: %w", resp.Error)
	}
	return json.Unmarshal(resp.Result, result)
}

// String prints the message as a JSON-encoded string.
func (msg *Message) String() string {
	b, err := json.Marshal(msg)
	if err != nil {
		return "[Message decode error]"
	}
	return string(b)
}

// OutPoint is a transaction output reference.
type OutPoint struct {
	Hash  Bytes  `json:"hash"`
	Index uint32 `json:"index"`
	Tree  int8   `json:"tree"`
}

// NewOutPoint converts the wire.OutPoint.
func NewOutPoint(op *wire.OutPoint) OutPoint {
	return OutPoint{
		Hash:  op.Hash[:],
		Index: op.Index,
		Tree:  op.Tree,
	}
}

// Wire converts the OutPoint to a wire.OutPoint.
func (op *OutPoint) Wire() (*wire.OutPoint, error) {
	h, err := chainhash.NewHash(op.Hash)
	if err != nil {
		return nil, err
	}
	return wire.NewOutPoint(h, op.Index, op.Tree), nil
}

// TxOut is an output paying a denominated amount to a fresh address script.
type TxOut struct {
	Value    uint64 `json:"value"`
	Version  uint16 `json:"version"`
	PkScript Bytes  `json:"script"`
}

// Accept is the payload of a client-originating AcceptRoute request.
type Accept struct {
	Denom      cj.Denomination `json:"denom"`
	Collateral OutPoint        `json:"collateral"`
}

// AcceptResult is the result of an AcceptRoute request.
type AcceptResult struct {
	// SessionID identifies the pool at the masternode.
	SessionID uint64 `json:"sessionid"`
	// Queued is true if the client's request opened a new pool, which the
	// masternode will advertise.
	Queued bool `json:"queued"`
}

// Queue is the payload of a QueueRoute notification.
type Queue struct {
	Signature
	ProTxHash Bytes           `json:"protxhash"`
	OutPoint  OutPoint        `json:"outpoint"`
	Denom     cj.Denomination `json:"denom"`
	Time      int64           `json:"time"`
	Ready     bool            `json:"ready"`
}

// Serialize serializes the Queue data for signing.
func (q *Queue) Serialize() []byte {
	// ProTxHash 32 + outpoint hash 32 + index 4 + tree 1 + denom 4 + time 8 +
	// ready 1
	b := make([]byte, 0, 82)
	b = append(b, q.ProTxHash...)
	b = append(b, q.OutPoint.Hash...)
	b = append(b, encode.Uint32Bytes(q.OutPoint.Index)...)
	b = append(b, byte(q.OutPoint.Tree))
	b = append(b, encode.Uint32Bytes(uint32(q.Denom))...)
	b = append(b, encode.Uint64Bytes(uint64(q.Time))...)
	if q.Ready {
		return append(b, encode.ByteTrue...)
	}
	return append(b, encode.ByteFalse...)
}

// Entry is the payload of a client-originating EntryRoute request.
type Entry struct {
	SessionID  uint64     `json:"sessionid"`
	Inputs     []OutPoint `json:"inputs"`
	Outputs    []*TxOut   `json:"outputs"`
	Collateral OutPoint   `json:"collateral"`
}

// StatusUpdate is the payload of a StatusUpdateRoute notification.
type StatusUpdate struct {
	SessionID    uint64 `json:"sessionid"`
	State        uint8  `json:"state"`
	EntriesCount int    `json:"entries"`
	Accepted     bool   `json:"accepted"`
	// Code is an error code when Accepted is false.
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// FinalTx is the payload of a FinalTxRoute notification.
type FinalTx struct {
	SessionID uint64 `json:"sessionid"`
	Tx        Bytes  `json:"tx"`
}

// MsgTx decodes the transaction.
func (f *FinalTx) MsgTx() (*wire.MsgTx, error) {
	tx := wire.NewMsgTx()
	if err := tx.Deserialize(bytes.NewReader(f.Tx)); err != nil {
		return nil, err
	}
	return tx, nil
}

// SignedInput is a signature script for one input of the final transaction.
type SignedInput struct {
	OutPoint  OutPoint `json:"outpoint"`
	SigScript Bytes    `json:"sigscript"`
}

// SignedInputs is the payload of a client-originating SignedInputsRoute
// request.
type SignedInputs struct {
	SessionID uint64         `json:"sessionid"`
	Inputs    []*SignedInput `json:"inputs"`
}

// Complete is the payload of a CompleteRoute notification.
type Complete struct {
	SessionID uint64 `json:"sessionid"`
	Success   bool   `json:"success"`
	TxID      Bytes  `json:"txid,omitempty"`
	Code      int    `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Acknowledgement is the result of requests that only need confirmation.
type Acknowledgement struct {
	SessionID uint64 `json:"sessionid"`
	Accepted  bool   `json:"accepted"`
}
