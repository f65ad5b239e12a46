package wire

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/pgmoneta-go/pgmoneta/internal/perrors"
)

// ScramClient drives one SCRAM-SHA-256 handshake (§4.1). Its exported
// methods correspond to the three client messages of the exchange; callers
// are expected to round-trip each against the server's SASL response via
// the replication session (pkg/replication).
type ScramClient struct {
	password     string
	clientNonce  string
	serverNonce  string
	salt         []byte
	iterations   int
	authMessage  string
	saltedPass   []byte
}

// NewScramClient creates a handshake state with an 18-byte random client
// nonce, base64 encoded, per §4.1.
func NewScramClient(password string) (*ScramClient, error) {
	raw := make([]byte, 18)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate client nonce: %w", err)
	}
	return &ScramClient{
		password:    password,
		clientNonce: base64.StdEncoding.EncodeToString(raw),
	}, nil
}

// newScramClientWithNonce is a test seam so the S1 scenario's literal "cn"
// client nonce can be driven without going through crypto/rand.
func newScramClientWithNonce(password, nonce string) *ScramClient {
	return &ScramClient{password: password, clientNonce: nonce}
}

// ClientFirstMessage returns the SASLInitialResponse payload: mechanism
// name, then the GS2 header and bare client-first-message.
func (c *ScramClient) ClientFirstMessage() (mechanism string, response string) {
	return "SCRAM-SHA-256", fmt.Sprintf("n,,n=,r=%s", c.clientNonce)
}

func (c *ScramClient) clientFirstBare() string {
	return fmt.Sprintf("n=,r=%s", c.clientNonce)
}

// HandleServerFirst parses the server-first-message ("r=<nonce>,s=<salt>,i=<count>")
// and returns the client-final-message ("c=biws,r=<nonce>,p=<proof>").
func (c *ScramClient) HandleServerFirst(serverFirst string) (string, error) {
	fields := parseScramFields(serverFirst)

	nonce, ok := fields["r"]
	if !ok || !strings.HasPrefix(nonce, c.clientNonce) {
		return "", perrors.New(perrors.KindAuth, "wire", fmt.Errorf("server nonce does not extend client nonce"))
	}
	c.serverNonce = nonce

	saltB64, ok := fields["s"]
	if !ok {
		return "", perrors.New(perrors.KindAuth, "wire", fmt.Errorf("server-first missing salt"))
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return "", perrors.New(perrors.KindAuth, "wire", fmt.Errorf("decode salt: %w", err))
	}
	c.salt = salt

	iterStr, ok := fields["i"]
	if !ok {
		return "", perrors.New(perrors.KindAuth, "wire", fmt.Errorf("server-first missing iteration count"))
	}
	var iterations int
	if _, err := fmt.Sscanf(iterStr, "%d", &iterations); err != nil {
		return "", perrors.New(perrors.KindAuth, "wire", fmt.Errorf("invalid iteration count: %w", err))
	}
	c.iterations = iterations

	clientFinalWithoutProof := fmt.Sprintf("c=biws,r=%s", c.serverNonce)
	c.authMessage = c.clientFirstBare() + "," + serverFirst + "," + clientFinalWithoutProof

	c.saltedPass = Hi(c.password, c.salt, c.iterations)
	clientKey := hmacSHA256(c.saltedPass, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)
	clientSignature := hmacSHA256(storedKey[:], []byte(c.authMessage))

	proof := xorBytes(clientKey, clientSignature)
	return clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof), nil
}

// VerifyServerFinal checks the server's final "v=<signature>" message
// against the ServerSignature we independently derive, using a
// constant-time compare (§4.1: "the server's signature is verified with a
// constant-time compare"). A mismatch is a BAD_PASSWORD failure.
func (c *ScramClient) VerifyServerFinal(serverFinal string) error {
	fields := parseScramFields(serverFinal)
	gotB64, ok := fields["v"]
	if !ok {
		return perrors.New(perrors.KindAuth, "wire", fmt.Errorf("server-final missing signature"))
	}
	got, err := base64.StdEncoding.DecodeString(gotB64)
	if err != nil {
		return perrors.New(perrors.KindAuth, "wire", fmt.Errorf("decode server signature: %w", err))
	}

	serverKey := hmacSHA256(c.saltedPass, []byte("Server Key"))
	want := hmacSHA256(serverKey, []byte(c.authMessage))

	if subtle.ConstantTimeCompare(got, want) != 1 {
		return perrors.New(perrors.KindAuth, "wire", fmt.Errorf("bad password: server signature mismatch"))
	}
	return nil
}

// Hi is PBKDF2-HMAC-SHA256 with a 32-byte (SHA-256 digest size) output,
// exactly "SaltedPassword = Hi(Normalize(password), salt, iterations)" from
// §4.1. Password normalization (SASLprep) is not applied: the origin
// server's own passwords are ASCII in practice and the spec does not
// exercise non-ASCII normalization.
func Hi(password string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(password), salt, iterations, sha256.Size, sha256.New)
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func parseScramFields(msg string) map[string]string {
	fields := make(map[string]string)
	for _, part := range strings.Split(msg, ",") {
		if idx := strings.IndexByte(part, '='); idx >= 0 {
			fields[part[:idx]] = part[idx+1:]
		}
	}
	return fields
}
