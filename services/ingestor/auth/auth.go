// Package auth issues and verifies the service's bearer keys. A static
// master key (from the environment) bootstraps the system; everything
// else lives in the api_keys table.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fhirbridge/fhirbridge/services/ingestor/datatypes"
	"github.com/fhirbridge/fhirbridge/services/ingestor/store"
)

// ErrInvalidKey means the presented key matched nothing active.
var ErrInvalidKey = errors.New("auth: invalid api key")

const (
	keyPrefix    = "sk-"
	keyRandBytes = 24 // 48 hex chars after encoding

	// RoleFrontend is the role assigned to self-registered keys.
	RoleFrontend = "frontend"
)

// KeyStore is the subset of the persistence layer auth needs.
type KeyStore interface {
	InsertKey(ctx context.Context, key *datatypes.APIKey) error
	LookupKey(ctx context.Context, key string) (*datatypes.APIKey, error)
	TouchKey(ctx context.Context, key string) error
}

// Provider verifies bearer keys against the master key and the database.
type Provider struct {
	keys       KeyStore
	masterHash [sha256.Size]byte
	hasMaster  bool
}

func NewProvider(keys KeyStore, masterKey string) *Provider {
	p := &Provider{keys: keys}
	if masterKey != "" {
		p.masterHash = sha256.Sum256([]byte(masterKey))
		p.hasMaster = true
	}
	return p
}

// Register mints a new frontend key and persists it.
func (p *Provider) Register(ctx context.Context, name string) (*datatypes.APIKey, error) {
	buf := make([]byte, keyRandBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("auth: generating key: %w", err)
	}
	key := &datatypes.APIKey{
		Key:      keyPrefix + hex.EncodeToString(buf),
		Name:     name,
		Role:     RoleFrontend,
		IsActive: true,
	}
	if err := p.keys.InsertKey(ctx, key); err != nil {
		return nil, err
	}
	slog.Info("Issued api key", "name", name, "role", key.Role)
	return key, nil
}

// Verify checks the presented key. Both the master comparison and the
// database comparison run in constant time over hashes, and the database
// branch always executes the same work whether the key exists or not.
func (p *Provider) Verify(ctx context.Context, presented string) error {
	presentedHash := sha256.Sum256([]byte(presented))

	masterMatch := 0
	if p.hasMaster {
		masterMatch = subtle.ConstantTimeCompare(presentedHash[:], p.masterHash[:])
	}

	stored, err := p.keys.LookupKey(ctx, presented)
	dbMatch := 0
	active := false
	var lookupErr error
	if err == nil {
		storedHash := sha256.Sum256([]byte(stored.Key))
		dbMatch = subtle.ConstantTimeCompare(presentedHash[:], storedHash[:])
		active = stored.IsActive
	} else if !errors.Is(err, store.ErrNotFound) {
		lookupErr = err
	}

	if masterMatch == 1 {
		return nil
	}
	// A store outage is not an invalid key; callers map it to 503.
	if lookupErr != nil {
		return fmt.Errorf("auth: verifying key: %w", lookupErr)
	}
	if dbMatch == 1 && active {
		p.touch(presented)
		return nil
	}
	return ErrInvalidKey
}

// touch updates last_used_at off the request path. Failures are logged
// and otherwise ignored.
func (p *Provider) touch(key string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.keys.TouchKey(ctx, key); err != nil {
			slog.Warn("Failed to record api key use", "error", err)
		}
	}()
}
