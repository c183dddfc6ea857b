// Package main provides a CI-friendly smoke test for a loom event feed.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack session establishment with a derived credential proof
//   - that the first N envelopes off the feed pass contract validation
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "loom/shared/contracts/chat/v1"

	"github.com/coder/websocket"
	"golang.org/x/crypto/argon2"
)

const (
	subprotocol  = "loom.chat.v1"
	maxReadBytes = 1 << 20 // 1MiB
)

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		userID  = flag.String("user", "smoke", "User ID for the hello handshake")
		secret  = flag.String("secret", "smoke-secret-1234", "Shared secret for proof derivation")
		count   = flag.Int("n", 5, "Envelopes to read and validate before declaring success")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}

	root := context.Background()

	dialCtx, cancel := context.WithTimeout(root, *timeout)
	conn, _, err := websocket.Dial(dialCtx, *wsURL, &websocket.DialOptions{
		Subprotocols: []string{subprotocol},
	})
	cancel()
	if err != nil {
		fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "smoke done") }()

	if sp := conn.Subprotocol(); sp != subprotocol {
		fatalf("subprotocol: got=%q want=%q", sp, subprotocol)
	}
	conn.SetReadLimit(maxReadBytes)
	step("subprotocol negotiated")

	sessionID, err := handshake(root, conn, *userID, deriveProof(*userID, *secret), *timeout)
	if err != nil {
		fatalf("handshake: %v", err)
	}
	step("session established: %s", sessionID)

	for i := 0; i < *count; i++ {
		env, err := readEnvelope(root, conn, *timeout)
		if err != nil {
			fatalf("read envelope %d: %v", i+1, err)
		}
		if err := env.Validate(); err != nil {
			fatalf("envelope %d invalid: %v", i+1, err)
		}
		if *verbose {
			fmt.Printf("  [%d] type=%s id=%s ts=%s\n", i+1, env.Type, env.ID, env.TS.Format(time.RFC3339))
		}
	}
	step("validated %d envelopes", *count)

	fmt.Println("SMOKE OK")
}

func handshake(root context.Context, conn *websocket.Conn, userID, proof string, timeout time.Duration) (string, error) {
	payload, _ := json.Marshal(v1.HelloPayload{UserID: userID, Proof: proof})
	hello := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      "smoke-hello",
		TS:      time.Now().UTC(),
		Payload: payload,
	}

	ctx, cancel := context.WithTimeout(root, timeout)
	defer cancel()

	b, err := json.Marshal(hello)
	if err != nil {
		return "", err
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		return "", err
	}

	env, err := readEnvelope(root, conn, timeout)
	if err != nil {
		return "", err
	}
	switch env.Type {
	case v1.TypeHelloAck:
		var ack v1.HelloAckPayload
		if err := json.Unmarshal(env.Payload, &ack); err != nil {
			return "", fmt.Errorf("invalid hello_ack: %w", err)
		}
		return ack.SessionID, nil
	case v1.TypeError:
		var p v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		return "", fmt.Errorf("server rejected hello: %s: %s", p.Code, p.Message)
	default:
		return "", fmt.Errorf("unexpected handshake reply: %s", env.Type)
	}
}

func readEnvelope(root context.Context, conn *websocket.Conn, timeout time.Duration) (v1.Envelope, error) {
	ctx, cancel := context.WithTimeout(root, timeout)
	defer cancel()

	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}

	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("bad json: %w", err)
	}
	return env, nil
}

// deriveProof mirrors the runtime's argon2id credential proof derivation
// (cmd/internal/identity) with its default parameters.
func deriveProof(userID, secret string) string {
	const (
		memoryKiB   = 32 * 1024
		iterations  = 2
		parallelism = 1
		keyLength   = 32
	)
	salt := []byte("loom.v1:" + userID)
	key := argon2.IDKey([]byte(secret), salt, iterations, memoryKiB, parallelism, keyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s",
		argon2.Version, memoryKiB, iterations, parallelism,
		base64.RawStdEncoding.EncodeToString(key))
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func step(format string, args ...any) {
	fmt.Printf("* "+format+"\n", args...)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "SMOKE FAIL: "+format+"\n", args...)
	os.Exit(1)
}
