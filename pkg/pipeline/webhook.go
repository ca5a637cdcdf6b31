package pipeline

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cuemby/cutover/pkg/types"
)

// SignatureHeader carries the HMAC-SHA256 of a webhook body
const SignatureHeader = "X-Hub-Signature-256"

const signaturePrefix = "sha256="

// Sign returns the SignatureHeader value for body
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against the HMAC-SHA256 of body
func VerifySignature(secret, body []byte, header string) error {
	if header == "" {
		return fmt.Errorf("%w: missing %s", ErrInvalidSignature, SignatureHeader)
	}
	if !strings.HasPrefix(header, signaturePrefix) {
		return fmt.Errorf("%w: unsupported signature format", ErrInvalidSignature)
	}
	if !hmac.Equal([]byte(header), []byte(Sign(secret, body))) {
		return ErrInvalidSignature
	}
	return nil
}

// pushPayload accepts both a git hosting push event and the plain
// SourceEvent encoding
type pushPayload struct {
	// Push event
	Ref        string          `json:"ref"`
	After      string          `json:"after"`
	Repository json.RawMessage `json:"repository"`
	Pusher     struct {
		Name string `json:"name"`
	} `json:"pusher"`

	// Plain encoding
	Branch string `json:"branch"`
	Commit string `json:"commit"`
}

type pushRepository struct {
	FullName string `json:"full_name"`
	CloneURL string `json:"clone_url"`
}

// ParseSourceEvent decodes a webhook body into a source event
func ParseSourceEvent(body []byte) (types.SourceEvent, error) {
	var p pushPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return types.SourceEvent{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	ev := types.SourceEvent{
		Branch: p.Branch,
		Commit: p.Commit,
		Pusher: p.Pusher.Name,
	}
	if ev.Branch == "" {
		ev.Branch = strings.TrimPrefix(p.Ref, "refs/heads/")
	}
	if ev.Commit == "" {
		ev.Commit = p.After
	}

	if len(p.Repository) > 0 {
		var name string
		if err := json.Unmarshal(p.Repository, &name); err == nil {
			ev.Repository = name
		} else {
			var repo pushRepository
			if err := json.Unmarshal(p.Repository, &repo); err != nil {
				return types.SourceEvent{}, fmt.Errorf("%w: repository: %v", ErrInvalidPayload, err)
			}
			ev.Repository = repo.FullName
			if ev.Repository == "" {
				ev.Repository = repo.CloneURL
			}
		}
	}

	if ev.Repository == "" || ev.Branch == "" || ev.Commit == "" {
		return types.SourceEvent{}, fmt.Errorf("%w: repository, branch and commit are required", ErrInvalidPayload)
	}
	return ev, nil
}
