package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Persisted keys.
const (
	CredentialKey   = "jwtToken"
	RememberKey     = "remember"
	LastActivityKey = "lastActivity"
)

// activityLayout is the format of the LastActivityKey value.
const activityLayout = "2006-01-02T15:04:05.000Z07:00"

// KeyValueStore is a durable string key/value store (the equivalent of a browser's local storage).
type KeyValueStore interface {
	Get(key string) (string, bool)
	Set(key string, value string) error
	Delete(key string) error
}

// CredentialStore persists the Credential and a few auxiliary flags.
//
// It holds no coordination logic: no operation touches the network or the Bus.
type CredentialStore struct {
	kv KeyValueStore

	// mu makes read-merge-write atomic.
	mu sync.Mutex

	// epoch is bumped by every Clear.
	epoch uint64

	clock  clockwork.Clock
	logger *zap.Logger
}

// NewCredentialStore returns a new CredentialStore.
func NewCredentialStore(kv KeyValueStore, opts ...CredentialStoreOption) *CredentialStore {
	s := &CredentialStore{
		kv: kv,
	}

	for _, opt := range opts {
		opt.applyCredentialStore(s)
	}

	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}

	if s.logger == nil {
		s.logger = zap.NewNop()
	}

	return s
}

// Get returns the stored Credential or nil if there is none.
// An undecodable value is reported as absent.
func (s *CredentialStore) Get() *Credential {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.get()
}

func (s *CredentialStore) get() *Credential {
	raw, ok := s.kv.Get(CredentialKey)
	if !ok || raw == "" {
		return nil
	}

	var credential Credential

	if err := json.Unmarshal([]byte(raw), &credential); err != nil {
		s.logger.Warn("discarding undecodable credential", zap.Error(err))

		return nil
	}

	if credential.IsZero() {
		return nil
	}

	return &credential
}

// Set merges partial into the stored Credential.
func (s *CredentialStore) Set(partial Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.set(partial)
}

// Epoch identifies the current session: it changes every time the store is cleared.
func (s *CredentialStore) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.epoch
}

// SetInEpoch merges partial into the stored Credential unless the store was cleared since epoch was read.
// It returns the merged Credential, or nil when the write was rejected.
func (s *CredentialStore) SetInEpoch(partial Credential, epoch uint64) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.epoch != epoch {
		return nil, nil
	}

	if err := s.set(partial); err != nil {
		return nil, err
	}

	return s.get(), nil
}

func (s *CredentialStore) set(partial Credential) error {
	var current Credential
	if stored := s.get(); stored != nil {
		current = *stored
	}

	raw, err := json.Marshal(current.Merge(partial))
	if err != nil {
		return err
	}

	return s.kv.Set(CredentialKey, string(raw))
}

// Clear removes the Credential and the activity timestamp.
func (s *CredentialStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.epoch++

	if err := s.kv.Delete(CredentialKey); err != nil {
		return err
	}

	return s.kv.Delete(LastActivityKey)
}

// IsPresent reports whether a Credential is stored. It does not check validity.
func (s *CredentialStore) IsPresent() bool {
	return s.Get() != nil
}

// IsLikelyValid decodes the expiry claim of the access token and compares it to the current time.
//
// The result is an optimization hint only: a 401 from the server is the authoritative signal.
// A token that cannot be decoded is reported as not valid.
func (s *CredentialStore) IsLikelyValid() bool {
	credential := s.Get()
	if credential == nil || credential.Token == "" {
		return false
	}

	var claims jwt.RegisteredClaims

	_, _, err := jwt.NewParser().ParseUnverified(credential.Token, &claims)
	if err != nil {
		return false
	}

	if claims.ExpiresAt == nil {
		return true
	}

	return s.clock.Now().Before(claims.ExpiresAt.Time)
}

// SetRememberFlag controls whether activity tracking is active.
// When the flag is set the session is meant to survive idle periods, so no activity is recorded.
func (s *CredentialStore) SetRememberFlag(remember bool) error {
	value := "0"
	if remember {
		value = "1"
	}

	return s.kv.Set(RememberKey, value)
}

// HasRememberFlag reports whether the remember flag is set.
func (s *CredentialStore) HasRememberFlag() bool {
	value, ok := s.kv.Get(RememberKey)

	return ok && value == "1"
}

// TouchActivity records the current time as the last activity.
// It is a no-op unless a Credential is present and the remember flag is unset.
func (s *CredentialStore) TouchActivity() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.get() == nil || s.HasRememberFlag() {
		return nil
	}

	return s.kv.Set(LastActivityKey, s.clock.Now().UTC().Format(activityLayout))
}

// LastActivity returns the last recorded activity.
func (s *CredentialStore) LastActivity() (time.Time, bool) {
	value, ok := s.kv.Get(LastActivityKey)
	if !ok {
		return time.Time{}, false
	}

	t, err := time.Parse(activityLayout, value)
	if err != nil {
		return time.Time{}, false
	}

	return t, true
}
