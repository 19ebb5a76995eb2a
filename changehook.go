package bizadmin

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Bizadmin-Signature"

const maxNoticeBytes = 1 << 20

// ============================================================================
// Change notices
// ============================================================================

// ChangeNotice is a change event pushed by the backend over HTTP.
type ChangeNotice struct {
	Source    string          `json:"source,omitempty"`
	Event     string          `json:"event"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// VerifySignature checks an HMAC-SHA256 signature, with or without the
// "sha256=" prefix, in constant time.
func VerifySignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// Sign returns the signature header value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ParseChangeNotice decodes and validates a notice body.
func ParseChangeNotice(body []byte) (*ChangeNotice, error) {
	var n ChangeNotice
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("invalid JSON in change notice: %w", err)
	}
	if n.Source != "" && n.Source != "bizadmin" {
		return nil, fmt.Errorf("unknown change notice source: %s", n.Source)
	}
	if n.Event == "" {
		return nil, fmt.Errorf("missing event field in change notice")
	}
	return &n, nil
}

// ============================================================================
// ChangeHook
// ============================================================================

// ChangeHook is an http.Handler that receives signed change notices and
// invalidates the client's cache the same way the realtime channel does.
type ChangeHook struct {
	c      *Client
	secret string
	events EventTable
}

// NewChangeHook creates a hook for c. A nil table uses DefaultEventTable.
func NewChangeHook(c *Client, secret string, table EventTable) (*ChangeHook, error) {
	if secret == "" {
		return nil, fmt.Errorf("change hook secret is required")
	}
	if table == nil {
		table = DefaultEventTable()
	}
	return &ChangeHook{c: c, secret: secret, events: table}, nil
}

// Handle verifies, parses and applies a notice. It returns the status code
// and response body for the caller to write.
func (h *ChangeHook) Handle(body []byte, signature string) (int, any) {
	if !VerifySignature(body, signature, h.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	notice, err := ParseChangeNotice(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	n, ok := h.c.applyChange(h.events, RealtimeEnvelope{Type: notice.Event, Payload: notice.Payload})
	if !ok {
		h.c.logger.Debug("ignored change notice", zap.String("event", notice.Event))
		return http.StatusAccepted, map[string]any{"ok": true, "ignored": true}
	}
	return http.StatusOK, map[string]any{"ok": true, "invalidated": n}
}

func (h *ChangeHook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(rw).Encode(map[string]string{"error": "Method not allowed"})
		return
	}

	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, maxNoticeBytes))
	if err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(rw).Encode(map[string]string{"error": "Failed to read body"})
		return
	}

	status, data := h.Handle(body, r.Header.Get(SignatureHeader))
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(data)
}
