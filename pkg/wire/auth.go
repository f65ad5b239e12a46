package wire

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/pgmoneta-go/pgmoneta/internal/perrors"
)

// Authentication request sub-types carried in the first 4 bytes of an 'R'
// message payload (§4.1).
const (
	authTrust    = 0
	authCleartext = 3
	authMD5      = 5
	authSASL     = 10
	authSASLCont = 11
	authSASLFin  = 12
)

// Conn is the minimal read/write surface Authenticate needs; the
// replication session (pkg/replication) satisfies it directly over its
// underlying net.Conn or TLS-wrapped conn.
type Conn interface {
	io.Reader
	io.Writer
}

// Authenticate drives the server's chosen sub-protocol to completion,
// dispatching on the 'R' message's first 4 bytes (§4.1: "trust (no
// exchange), cleartext password, MD5, and SASL/SCRAM-SHA-256"). It returns
// once the server sends AuthenticationOk (subtype 0 on a later 'R' frame)
// or an error occurs.
func Authenticate(conn Conn, user, password string) error {
	frame, err := ReadFrame(conn)
	if err != nil {
		return err
	}
	if frame.Kind != KindAuthentication {
		return authProtocolError(frame.Kind)
	}
	if len(frame.Payload) < 4 {
		return perrors.New(perrors.KindProtocol, "wire", fmt.Errorf("authentication message too short"))
	}
	subtype := binary.BigEndian.Uint32(frame.Payload[0:4])

	switch subtype {
	case authTrust:
		return nil // subtype 0 is AuthenticationOk itself
	case authCleartext:
		if err := WriteFrame(conn, KindPasswordMessage, nulTerminated(password)); err != nil {
			return err
		}
		return expectAuthOk(conn)
	case authMD5:
		if len(frame.Payload) < 8 {
			return perrors.New(perrors.KindProtocol, "wire", fmt.Errorf("MD5 auth message missing salt"))
		}
		salt := frame.Payload[4:8]
		hashed := md5Hash(password, user, salt)
		if err := WriteFrame(conn, KindPasswordMessage, nulTerminated(hashed)); err != nil {
			return err
		}
		return expectAuthOk(conn)
	case authSASL:
		return authenticateSCRAM(conn, frame.Payload[4:], password)
	default:
		return perrors.Newf(perrors.KindAuth, "wire", "unsupported authentication subtype %d", subtype)
	}
}

func authenticateSCRAM(conn Conn, mechanismList []byte, password string) error {
	client, err := NewScramClient(password)
	if err != nil {
		return err
	}
	if !containsMechanism(mechanismList, "SCRAM-SHA-256") {
		return perrors.New(perrors.KindAuth, "wire", fmt.Errorf("server does not offer SCRAM-SHA-256"))
	}

	mechanism, initial := client.ClientFirstMessage()
	payload := saslInitialResponsePayload(mechanism, initial)
	if err := WriteFrame(conn, KindPasswordMessage, payload); err != nil {
		return err
	}

	frame, err := ReadFrame(conn)
	if err != nil {
		return err
	}
	if frame.Kind != KindAuthentication {
		return authProtocolError(frame.Kind)
	}
	if len(frame.Payload) < 4 || binary.BigEndian.Uint32(frame.Payload[0:4]) != authSASLCont {
		return perrors.New(perrors.KindAuth, "wire", fmt.Errorf("expected AuthenticationSASLContinue"))
	}
	serverFirst := string(frame.Payload[4:])

	clientFinal, err := client.HandleServerFirst(serverFirst)
	if err != nil {
		return err
	}
	if err := WriteFrame(conn, KindPasswordMessage, []byte(clientFinal)); err != nil {
		return err
	}

	frame, err = ReadFrame(conn)
	if err != nil {
		return err
	}
	if frame.Kind != KindAuthentication {
		return authProtocolError(frame.Kind)
	}
	if len(frame.Payload) < 4 || binary.BigEndian.Uint32(frame.Payload[0:4]) != authSASLFin {
		return perrors.New(perrors.KindAuth, "wire", fmt.Errorf("expected AuthenticationSASLFinal"))
	}
	serverFinal := string(frame.Payload[4:])
	if err := client.VerifyServerFinal(serverFinal); err != nil {
		return err
	}

	return expectAuthOk(conn)
}

func expectAuthOk(conn Conn) error {
	frame, err := ReadFrame(conn)
	if err != nil {
		return err
	}
	if frame.Kind != KindAuthentication {
		return authProtocolError(frame.Kind)
	}
	if len(frame.Payload) < 4 || binary.BigEndian.Uint32(frame.Payload[0:4]) != authTrust {
		return perrors.New(perrors.KindAuth, "wire", fmt.Errorf("authentication failed"))
	}
	return nil
}

func authProtocolError(kind byte) error {
	if kind == KindErrorResponse {
		return perrors.New(perrors.KindAuth, "wire", fmt.Errorf("authentication rejected"))
	}
	return perrors.Newf(perrors.KindProtocol, "wire", "unexpected message kind %q during authentication", kind)
}

func nulTerminated(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b
}

func md5Hash(password, user string, salt []byte) string {
	inner := md5.Sum([]byte(password + user))
	innerHex := hex.EncodeToString(inner[:])
	outer := md5.Sum(append([]byte(innerHex), salt...))
	return "md5" + hex.EncodeToString(outer[:])
}

func saslInitialResponsePayload(mechanism, initialResponse string) []byte {
	buf := make([]byte, 0, len(mechanism)+1+4+len(initialResponse))
	buf = append(buf, mechanism...)
	buf = append(buf, 0)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(initialResponse)))
	buf = append(buf, lenBuf...)
	buf = append(buf, initialResponse...)
	return buf
}

func containsMechanism(list []byte, name string) bool {
	start := 0
	for i := 0; i < len(list); i++ {
		if list[i] == 0 {
			if string(list[start:i]) == name {
				return true
			}
			start = i + 1
		}
	}
	return false
}
