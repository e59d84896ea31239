// Package preview materializes stored image attachments as transient files
// so a UI can render them without decoding base64 itself. Handles live only
// for the session; swapping in a new page of messages creates the new
// handles first and revokes the old ones after, so an already-rendered image
// never flashes out before its replacement exists.
package preview

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/CJackHwang/HeyMean-sub000/internal/model"
)

// Lifecycle tracks every preview handle created during the session.
type Lifecycle struct {
	dir    string
	logger zerolog.Logger

	mu      sync.Mutex
	active  map[string]struct{} // all live handles
	current []string            // handles of the most recent swap generation
	seq     int
}

// NewLifecycle creates a lifecycle writing previews under dir.
func NewLifecycle(dir string, logger zerolog.Logger) (*Lifecycle, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create preview directory: %w", err)
	}
	return &Lifecycle{
		dir:    dir,
		logger: logger.With().Str("component", "preview").Logger(),
		active: make(map[string]struct{}),
	}, nil
}

// Augment assigns a fresh preview handle to every image attachment of msgs,
// in place, and then revokes the handles of the previous generation. Returns
// the messages for convenience.
func (l *Lifecycle) Augment(msgs []model.Message) []model.Message {
	var created []string
	for i := range msgs {
		for j := range msgs[i].Attachments {
			att := &msgs[i].Attachments[j]
			if !att.IsImage() {
				continue
			}
			handle, err := l.materialize(*att)
			if err != nil {
				l.logger.Warn().Err(err).Str("attachment", att.Name).Msg("preview skipped")
				continue
			}
			att.Preview = handle
			created = append(created, handle)
		}
	}

	// New handles are assigned above before any old handle is revoked.
	l.mu.Lock()
	previous := l.current
	l.current = created
	l.mu.Unlock()
	for _, h := range previous {
		l.Revoke(h)
	}
	return msgs
}

// Revoke releases one handle. Revoking an unknown or already-revoked handle
// is a no-op.
func (l *Lifecycle) Revoke(handle string) {
	l.mu.Lock()
	_, ok := l.active[handle]
	delete(l.active, handle)
	l.mu.Unlock()
	if !ok {
		return
	}
	if err := os.Remove(handle); err != nil && !os.IsNotExist(err) {
		l.logger.Debug().Err(err).Str("handle", handle).Msg("revoke failed")
	}
}

// RevokeAll releases every live handle; called at session teardown.
func (l *Lifecycle) RevokeAll() {
	l.mu.Lock()
	handles := make([]string, 0, len(l.active))
	for h := range l.active {
		handles = append(handles, h)
	}
	l.mu.Unlock()
	for _, h := range handles {
		l.Revoke(h)
	}
}

// Active reports how many handles are currently live.
func (l *Lifecycle) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active)
}

func (l *Lifecycle) materialize(att model.Attachment) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(att.Data)
	if err != nil {
		return "", fmt.Errorf("undecodable payload: %w", err)
	}

	l.mu.Lock()
	l.seq++
	name := fmt.Sprintf("preview-%d%s", l.seq, filepath.Ext(att.Name))
	l.mu.Unlock()

	path := filepath.Join(l.dir, name)
	if err := os.WriteFile(path, raw, 0600); err != nil {
		return "", fmt.Errorf("failed to write preview: %w", err)
	}

	l.mu.Lock()
	l.active[path] = struct{}{}
	l.mu.Unlock()
	return path, nil
}
