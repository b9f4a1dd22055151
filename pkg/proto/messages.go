// Package proto defines the control protocol spoken between a relay and a
// streamer.
//
// One Message is carried per WebSocket text frame. Exactly one of the
// top-level variants is set; absent variants are omitted from the JSON.
package proto

// APIVersion is sent in every Hello.
const APIVersion = "1.0"

// Empty marks a present-but-payloadless value such as a result or a
// status request.
type Empty struct{}

// Present returns a new Empty marker.
func Present() *Empty {
	return &Empty{}
}

// Message is the control protocol envelope.
type Message struct {
	Hello      *Hello      `json:"hello,omitempty"`
	Identify   *Identify   `json:"identify,omitempty"`
	Identified *Identified `json:"identified,omitempty"`
	Request    *Request    `json:"request,omitempty"`
	Response   *Response   `json:"response,omitempty"`
}

// Kind returns the name of the populated variant, or "" if none is set.
func (m *Message) Kind() string {
	switch {
	case m == nil:
		return ""
	case m.Hello != nil:
		return KeyHello
	case m.Identify != nil:
		return KeyIdentify
	case m.Identified != nil:
		return KeyIdentified
	case m.Request != nil:
		return KeyRequest
	case m.Response != nil:
		return KeyResponse
	default:
		return ""
	}
}

// Top-level variant keys.
const (
	KeyHello      = "hello"
	KeyIdentify   = "identify"
	KeyIdentified = "identified"
	KeyRequest    = "request"
	KeyResponse   = "response"
)

// Result is the outcome of an identification or a request.
// Exactly one field is set.
type Result struct {
	Ok            *Empty `json:"ok,omitempty"`
	WrongPassword *Empty `json:"wrongPassword,omitempty"`
}

// IsOk reports whether the result is a success.
func (r Result) IsOk() bool {
	return r.Ok != nil
}

// ResultOk returns a successful result.
func ResultOk() Result {
	return Result{Ok: Present()}
}

// ResultWrongPassword returns a failed identification result.
func ResultWrongPassword() Result {
	return Result{WrongPassword: Present()}
}

// Authentication carries the single-use challenge and salt of a handshake.
type Authentication struct {
	Challenge string `json:"challenge"`
	Salt      string `json:"salt"`
}

// Hello opens a handshake.
type Hello struct {
	APIVersion     string         `json:"apiVersion"`
	Authentication Authentication `json:"authentication"`
}

// Identify answers a Hello with the sender's identity and proof.
type Identify struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Authentication string `json:"authentication"`
}

// Identified concludes a handshake.
type Identified struct {
	Result Result `json:"result"`
}

// StartTunnelRequest asks the relay to forward datagrams to Address:Port.
type StartTunnelRequest struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// RequestData holds exactly one request operation.
type RequestData struct {
	StartTunnel *StartTunnelRequest `json:"startTunnel,omitempty"`
	Status      *Empty              `json:"status,omitempty"`
}

// Request is sent by the streamer once the channel is authenticated.
type Request struct {
	ID   int         `json:"id"`
	Data RequestData `json:"data"`
}

// StartTunnelResponse reports the relay's local tunnel port.
type StartTunnelResponse struct {
	Port int `json:"port"`
}

// StatusResponse reports relay telemetry.
type StatusResponse struct {
	BatteryPercentage *int `json:"batteryPercentage,omitempty"`
}

// ResponseData holds exactly one response payload.
type ResponseData struct {
	StartTunnel *StartTunnelResponse `json:"startTunnel,omitempty"`
	Status      *StatusResponse      `json:"status,omitempty"`
}

// Response answers the Request with the same ID.
type Response struct {
	ID     int          `json:"id"`
	Result Result       `json:"result"`
	Data   ResponseData `json:"data"`
}

// NewHello builds a Hello message.
func NewHello(challenge, salt string) *Message {
	return &Message{Hello: &Hello{
		APIVersion:     APIVersion,
		Authentication: Authentication{Challenge: challenge, Salt: salt},
	}}
}

// NewStartTunnelResponse builds a successful StartTunnel response.
func NewStartTunnelResponse(id, port int) *Message {
	return &Message{Response: &Response{
		ID:     id,
		Result: ResultOk(),
		Data:   ResponseData{StartTunnel: &StartTunnelResponse{Port: port}},
	}}
}

// NewStatusResponse builds a successful Status response. A negative
// percentage means the battery level is unknown and is omitted.
func NewStatusResponse(id, batteryPercentage int) *Message {
	status := &StatusResponse{}
	if batteryPercentage >= 0 {
		pct := batteryPercentage
		status.BatteryPercentage = &pct
	}
	return &Message{Response: &Response{
		ID:     id,
		Result: ResultOk(),
		Data:   ResponseData{Status: status},
	}}
}
