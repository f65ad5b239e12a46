package wire

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/pgmoneta-go/pgmoneta/internal/perrors"
)

// AdminCredential is one admin user's stored SCRAM-SHA-256 verifier, the
// server-side counterpart of what a client derives from a plaintext
// password via Hi (§4.9: the TCP admin channel is "authenticated with
// SCRAM-SHA-256 against a separate admin file").
type AdminCredential struct {
	User       string
	Salt       []byte
	Iterations int
	StoredKey  []byte
	ServerKey  []byte
}

// DeriveAdminCredential computes the verifier an admin file stores for a
// plaintext password, using the same Hi/ClientKey/ServerKey derivation a
// connecting client performs.
func DeriveAdminCredential(user, password string, iterations int) (AdminCredential, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return AdminCredential{}, fmt.Errorf("generate salt: %w", err)
	}
	salted := Hi(password, salt, iterations)
	clientKey := hmacSHA256(salted, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)
	serverKey := hmacSHA256(salted, []byte("Server Key"))
	return AdminCredential{
		User:       user,
		Salt:       salt,
		Iterations: iterations,
		StoredKey:  storedKey[:],
		ServerKey:  serverKey,
	}, nil
}

// AuthenticateAdmin runs the server side of the SASL/SCRAM-SHA-256 exchange
// over conn against the named user's entry in creds. The user comes from
// the admin client's StartupMessage, not from the SCRAM message itself
// (our own client leaves the SCRAM "n=" field empty and relies on the
// startup packet for identity, same as the origin server's own clients). It
// is the mirror image of authenticateSCRAM, the client side used against
// the origin server.
func AuthenticateAdmin(conn Conn, user string, creds map[string]AdminCredential) error {
	cred, ok := creds[user]
	if !ok {
		return perrors.New(perrors.KindAuth, "wire", fmt.Errorf("unknown admin user %q", user))
	}

	mechanismList := []byte("SCRAM-SHA-256\x00\x00")
	if err := WriteFrame(conn, KindAuthentication, authSubtypePayload(authSASL, mechanismList)); err != nil {
		return err
	}

	first, err := ReadFrame(conn)
	if err != nil {
		return err
	}
	if first.Kind != KindPasswordMessage {
		return authProtocolError(first.Kind)
	}
	clientFirstBare, err := parseSASLInitialResponse(first.Payload)
	if err != nil {
		return err
	}

	fields := parseScramFields(clientFirstBare)
	clientNonce := fields["r"]
	if clientNonce == "" {
		return perrors.New(perrors.KindAuth, "wire", fmt.Errorf("client-first missing nonce"))
	}

	serverNonceSuffix := make([]byte, 18)
	if _, err := rand.Read(serverNonceSuffix); err != nil {
		return err
	}
	serverNonce := clientNonce + base64.StdEncoding.EncodeToString(serverNonceSuffix)
	serverFirst := fmt.Sprintf("r=%s,s=%s,i=%d", serverNonce, base64.StdEncoding.EncodeToString(cred.Salt), cred.Iterations)

	if err := WriteFrame(conn, KindAuthentication, authSubtypePayload(authSASLCont, []byte(serverFirst))); err != nil {
		return err
	}

	second, err := ReadFrame(conn)
	if err != nil {
		return err
	}
	if second.Kind != KindPasswordMessage {
		return authProtocolError(second.Kind)
	}
	clientFinal := string(second.Payload)
	cFields := parseScramFields(clientFinal)
	if cFields["r"] != serverNonce {
		return perrors.New(perrors.KindAuth, "wire", fmt.Errorf("client-final nonce mismatch"))
	}
	proof, err := base64.StdEncoding.DecodeString(cFields["p"])
	if err != nil {
		return perrors.New(perrors.KindAuth, "wire", fmt.Errorf("invalid client proof encoding: %w", err))
	}

	idx := strings.LastIndex(clientFinal, ",p=")
	if idx < 0 {
		return perrors.New(perrors.KindAuth, "wire", fmt.Errorf("client-final missing proof"))
	}
	clientFinalWithoutProof := clientFinal[:idx]

	authMessage := clientFirstBare + "," + serverFirst + "," + clientFinalWithoutProof
	expectedSignature := hmacSHA256(cred.StoredKey, []byte(authMessage))
	clientKey := xorBytes(proof, expectedSignature)
	gotStoredKey := sha256.Sum256(clientKey)
	if subtle.ConstantTimeCompare(gotStoredKey[:], cred.StoredKey) != 1 {
		return perrors.New(perrors.KindAuth, "wire", fmt.Errorf("client proof verification failed"))
	}

	serverSignature := hmacSHA256(cred.ServerKey, []byte(authMessage))
	finalMsg := "v=" + base64.StdEncoding.EncodeToString(serverSignature)
	if err := WriteFrame(conn, KindAuthentication, authSubtypePayload(authSASLFin, []byte(finalMsg))); err != nil {
		return err
	}

	// AuthenticationOk shares subtype 0 with authTrust; we are the server
	// here, so we send it rather than wait for it (contrast expectAuthOk,
	// the client-side helper used in auth.go).
	return WriteFrame(conn, KindAuthentication, authSubtypePayload(authTrust, nil))
}

func authSubtypePayload(subtype uint32, msg []byte) []byte {
	out := make([]byte, 4+len(msg))
	binary.BigEndian.PutUint32(out[0:4], subtype)
	copy(out[4:], msg)
	return out
}

// parseSASLInitialResponse extracts the bare client-first-message from a
// SASLInitialResponse payload: mechanism name, NUL, 4-byte response length,
// then the GS2 header + client-first-message-bare.
func parseSASLInitialResponse(payload []byte) (clientFirstBare string, err error) {
	nul := -1
	for i, b := range payload {
		if b == 0 {
			nul = i
			break
		}
	}
	if nul < 0 {
		return "", perrors.New(perrors.KindAuth, "wire", fmt.Errorf("malformed SASLInitialResponse"))
	}
	mechanism := string(payload[:nul])
	if mechanism != "SCRAM-SHA-256" {
		return "", perrors.Newf(perrors.KindAuth, "wire", "unsupported SASL mechanism %q", mechanism)
	}
	rest := payload[nul+1:]
	if len(rest) < 4 {
		return "", perrors.New(perrors.KindAuth, "wire", fmt.Errorf("malformed SASLInitialResponse length"))
	}
	response := string(rest[4:])
	gs2Idx := strings.Index(response, "n=")
	if gs2Idx < 0 {
		return "", perrors.New(perrors.KindAuth, "wire", fmt.Errorf("malformed client-first-message"))
	}
	return response[gs2Idx:], nil
}
