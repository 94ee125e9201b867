// Package session derives stable session identifiers for upstream prompt
// caching.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/izzoa/ccproxy/internal/types"
)

const maxEntries = 10000

// Store maps request fingerprints to synthesized session IDs so repeated
// turns of the same conversation reuse one ID.
type Store struct {
	mu             sync.Mutex
	fingerprintMap map[string]string
	order          []string
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{fingerprintMap: make(map[string]string)}
}

// Resolve returns the session ID for a request. Precedence: an ID embedded in
// the request path, then the session header, then a synthesized ID.
//
// The synthesized ID is deterministic in the instructions and first user
// message: the same conversation prefix always produces the same key, so the
// upstream can reuse cached computation across turns.
func (s *Store) Resolve(pathID, headerID, instructions string, inputItems []types.ResponsesInputItem) string {
	if pathID != "" {
		return pathID
	}
	if headerID != "" {
		return headerID
	}

	fp := fingerprint(canonicalizePrefix(instructions, inputItems))

	s.mu.Lock()
	defer s.mu.Unlock()

	if sid, ok := s.fingerprintMap[fp]; ok {
		return sid
	}

	sid := uuid.New().String()
	s.fingerprintMap[fp] = sid
	s.order = append(s.order, fp)
	if len(s.order) > maxEntries {
		// FIFO eviction keeps the table bounded; eviction is rare enough that
		// the O(n) copy does not matter.
		oldest := s.order[0]
		copy(s.order, s.order[1:])
		s.order = s.order[:len(s.order)-1]
		delete(s.fingerprintMap, oldest)
	}
	return sid
}

// canonicalizePrefix builds a stable string from the session-invariant parts
// of the request: instructions and the first user message. Including later
// messages would mint a new ID every turn and defeat caching.
func canonicalizePrefix(instructions string, inputItems []types.ResponsesInputItem) string {
	prefix := make(map[string]any)
	if instructions != "" {
		prefix["instructions"] = instructions
	}
	if firstUser := firstUserMessage(inputItems); firstUser != nil {
		prefix["first_user_message"] = firstUser
	}
	data, _ := json.Marshal(prefix)
	return string(data)
}

func firstUserMessage(inputItems []types.ResponsesInputItem) map[string]any {
	for _, item := range inputItems {
		if item.Type != "message" || item.Role != "user" || len(item.Content) == 0 {
			continue
		}
		var content []map[string]any
		for _, part := range item.Content {
			switch part.Type {
			case "input_text":
				if part.Text != "" {
					content = append(content, map[string]any{"type": "input_text", "text": part.Text})
				}
			case "input_image":
				if part.ImageURL != "" {
					content = append(content, map[string]any{"type": "input_image", "image_url": part.ImageURL})
				}
			}
		}
		if len(content) > 0 {
			return map[string]any{"type": "message", "role": "user", "content": content}
		}
	}
	return nil
}

func fingerprint(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}
