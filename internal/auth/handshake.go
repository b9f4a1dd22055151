// Package auth implements the salted challenge-response handshake used to
// authenticate a control channel.
//
// The side that sends Hello (the Challenger) picks a fresh challenge and
// salt for every attempt. The other side (the Responder) proves it knows
// the shared password by answering with
//
//	base64(sha256(base64(sha256(password + salt)) + challenge))
//
// The password itself never crosses the wire.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/moblink/moblink-relay/pkg/proto"
)

const (
	// RandomLength is the length of generated challenges and salts.
	RandomLength = 64

	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// ErrNoChallenge is returned when an Identify arrives without an
// outstanding Hello on the channel.
var ErrNoChallenge = errors.New("no outstanding challenge")

// Challenge is the single-use pair sent in a Hello.
type Challenge struct {
	Challenge string
	Salt      string
}

// NewChallenge generates a fresh challenge and salt.
func NewChallenge() (Challenge, error) {
	challenge, err := randomString(RandomLength)
	if err != nil {
		return Challenge{}, fmt.Errorf("generate challenge: %w", err)
	}
	salt, err := randomString(RandomLength)
	if err != nil {
		return Challenge{}, fmt.Errorf("generate salt: %w", err)
	}
	return Challenge{Challenge: challenge, Salt: salt}, nil
}

// Proof computes the authentication string for a password, challenge and salt.
func Proof(password, challenge, salt string) string {
	inner := sha256.Sum256([]byte(password + salt))
	outer := sha256.Sum256([]byte(base64.StdEncoding.EncodeToString(inner[:]) + challenge))
	return base64.StdEncoding.EncodeToString(outer[:])
}

// Verify reports whether authentication is the proof for password under c.
func Verify(password string, c Challenge, authentication string) bool {
	expected := Proof(password, c.Challenge, c.Salt)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(authentication)) == 1
}

func randomString(n int) (string, error) {
	limit := big.NewInt(int64(len(alphabet)))
	buf := make([]byte, n)
	for i := range buf {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		buf[i] = alphabet[idx.Int64()]
	}
	return string(buf), nil
}

// Challenger is the verifying side of one channel. It remembers the
// challenge of the last Hello until an Identify resolves it.
type Challenger struct {
	mu       sync.Mutex
	password string
	pending  *Challenge
}

// NewChallenger creates a challenger for the given password.
func NewChallenger(password string) *Challenger {
	return &Challenger{password: password}
}

// Hello generates a new challenge, replacing any outstanding one.
func (c *Challenger) Hello() (*proto.Message, Challenge, error) {
	ch, err := NewChallenge()
	if err != nil {
		return nil, Challenge{}, err
	}
	c.mu.Lock()
	c.pending = &ch
	c.mu.Unlock()
	return proto.NewHello(ch.Challenge, ch.Salt), ch, nil
}

// Check verifies an Identify against the outstanding challenge and
// returns the Identified message to send. The challenge is discarded
// either way. A wrong password is reported in the result, not as an error.
func (c *Challenger) Check(identify *proto.Identify) (*proto.Message, bool, error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	if pending == nil {
		return nil, false, ErrNoChallenge
	}
	if Verify(c.password, *pending, identify.Authentication) {
		return &proto.Message{Identified: &proto.Identified{Result: proto.ResultOk()}}, true, nil
	}
	return &proto.Message{Identified: &proto.Identified{Result: proto.ResultWrongPassword()}}, false, nil
}

// Responder answers Hellos on behalf of a relay identity.
type Responder struct {
	ID       string
	Name     string
	Password string
}

// Identify answers one Hello.
func (r Responder) Identify(hello *proto.Hello) *proto.Message {
	return &proto.Message{Identify: &proto.Identify{
		ID:             r.ID,
		Name:           r.Name,
		Authentication: Proof(r.Password, hello.Authentication.Challenge, hello.Authentication.Salt),
	}}
}
