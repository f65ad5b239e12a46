package wire

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestScramS1Scenario directly encodes the S1 scenario: password "abc",
// salt base64("salt16bytes___!!"), 4096 iterations, client nonce "cn",
// server nonce suffix "sn" (so the combined nonce is "cnsn").
func TestScramS1Scenario(t *testing.T) {
	const password = "abc"
	const iterations = 4096
	salt := []byte("salt16bytes___!!")
	saltB64 := base64.StdEncoding.EncodeToString(salt)

	client := newScramClientWithNonce(password, "cn")

	mechanism, initial := client.ClientFirstMessage()
	assert.Equal(t, "SCRAM-SHA-256", mechanism)
	assert.Equal(t, "n,,n=,r=cn", initial)

	serverFirst := fmt.Sprintf("r=cnsn,s=%s,i=%d", saltB64, iterations)
	clientFinal, err := client.HandleServerFirst(serverFirst)
	require.NoError(t, err)

	assert.Contains(t, clientFinal, "c=biws,r=cnsn,p=")

	saltedPassword := Hi(password, salt, iterations)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)
	authMessage := "n=,r=cn" + "," + serverFirst + "," + "c=biws,r=cnsn"
	clientSignature := hmacSHA256(storedKey[:], []byte(authMessage))
	wantProof := xorBytes(clientKey, clientSignature)
	wantClientFinal := "c=biws,r=cnsn,p=" + base64.StdEncoding.EncodeToString(wantProof)

	assert.Equal(t, wantClientFinal, clientFinal)

	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	serverSignature := hmacSHA256(serverKey, []byte(authMessage))
	serverFinal := "v=" + base64.StdEncoding.EncodeToString(serverSignature)

	require.NoError(t, client.VerifyServerFinal(serverFinal))
}

func TestScramS1BadServerSignature(t *testing.T) {
	const password = "abc"
	const iterations = 4096
	salt := []byte("salt16bytes___!!")
	saltB64 := base64.StdEncoding.EncodeToString(salt)

	client := newScramClientWithNonce(password, "cn")
	_, _ = client.ClientFirstMessage()

	serverFirst := fmt.Sprintf("r=cnsn,s=%s,i=%d", saltB64, iterations)
	_, err := client.HandleServerFirst(serverFirst)
	require.NoError(t, err)

	bogus := hmac.New(sha256.New, []byte("wrong")).Sum(nil)
	serverFinal := "v=" + base64.StdEncoding.EncodeToString(bogus)

	err = client.VerifyServerFinal(serverFinal)
	assert.Error(t, err)
}

func TestScramRejectsNonExtendingServerNonce(t *testing.T) {
	client := newScramClientWithNonce("abc", "cn")
	_, err := client.HandleServerFirst("r=xx,s=" + base64.StdEncoding.EncodeToString([]byte("salt16bytes___!!")) + ",i=4096")
	assert.Error(t, err)
}
