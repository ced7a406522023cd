// Package fairness implements the provably-fair commit/draw/reveal scheme.
//
// Before a bet the player sees SHA-256(serverSeed) along with the client
// seed and nonce. The outcome is drawn from an HMAC stream keyed by the
// server seed. Once the round resolves the seed is revealed and anyone can
// recompute both the hash and the draw.
package fairness

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wager/internal/errs"
	"wager/internal/keylock"
	"wager/internal/logger"
	"wager/internal/metrics"
	"wager/internal/store"
)

const (
	seedBytes       = 32
	clientSeedBytes = 16
)

// ErrNotRevealed refuses to disclose a seed before its round resolved.
var ErrNotRevealed = errs.New(errs.CodeNotFound, "fairness proof not available until the round resolves")

// Engine issues commitments and reveals their seeds.
type Engine struct {
	store   store.FairnessStore
	entropy io.Reader
	locks   *keylock.Mutex
}

// NewEngine builds an engine. A nil entropy reader means crypto/rand.
func NewEngine(s store.FairnessStore, entropy io.Reader) *Engine {
	if entropy == nil {
		entropy = rand.Reader
	}
	return &Engine{store: s, entropy: entropy, locks: keylock.New()}
}

func (e *Engine) randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(e.entropy, b); err != nil {
		return "", errs.Wrap(errs.CodeFairnessGeneration, "server seed generation failed", err)
	}
	return hex.EncodeToString(b), nil
}

// HashSeed returns the hex SHA-256 commitment of a server seed.
func HashSeed(serverSeed string) string {
	sum := sha256.Sum256([]byte(serverSeed))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether serverSeed hashes to the committed hash.
func Verify(serverSeed, serverSeedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(HashSeed(serverSeed)), []byte(serverSeedHash)) == 1
}

// Commit draws a fresh server seed and binds it to the next nonce for
// accountID and game. An empty clientSeed is replaced with a random one.
// The returned commitment carries the secret seed; callers must only
// expose its public fields.
func (e *Engine) Commit(ctx context.Context, accountID, game, clientSeed string) (store.Commitment, error) {
	seed, err := e.randomHex(seedBytes)
	if err != nil {
		logger.ErrorCtx(ctx, "entropy source failed", zap.Error(err))
		return store.Commitment{}, err
	}
	if clientSeed == "" {
		if clientSeed, err = e.randomHex(clientSeedBytes); err != nil {
			return store.Commitment{}, err
		}
	}

	unlock := e.locks.Lock(accountID + "/" + game)
	defer unlock()

	nonce, err := e.store.NextNonce(ctx, accountID, game)
	if err != nil {
		return store.Commitment{}, errs.Wrap(errs.CodePersistenceFailure, "allocate nonce", err)
	}

	c := store.Commitment{
		ID:             uuid.NewString(),
		AccountID:      accountID,
		Game:           game,
		ServerSeed:     seed,
		ServerSeedHash: HashSeed(seed),
		ClientSeed:     clientSeed,
		Nonce:          nonce,
	}
	if err := e.store.SaveCommitment(ctx, c); err != nil {
		if errors.Is(err, errs.ErrNonceReuse) {
			metrics.RecordNonceReuse()
			logger.ErrorCtx(ctx, "nonce reuse detected",
				zap.String("account_id", accountID),
				zap.String("game", game))
			return store.Commitment{}, errs.Wrap(errs.CodeNonceReuse, "nonce reuse", err)
		}
		return store.Commitment{}, errs.Wrap(errs.CodePersistenceFailure, "save commitment", err)
	}
	return c, nil
}

// Lookup loads a commitment with its secret seed so its stream can be
// drawn again, as interactive and shared rounds do.
func (e *Engine) Lookup(ctx context.Context, id string) (store.Commitment, error) {
	c, err := e.store.Commitment(ctx, id)
	if err != nil {
		return store.Commitment{}, fmt.Errorf("load commitment: %w", err)
	}
	return c, nil
}

// Draw returns the outcome stream for c.
func (e *Engine) Draw(c store.Commitment) *Stream {
	return NewStream(c.ServerSeed, c.ClientSeed, c.Nonce)
}

// Reveal marks the commitment revealed and returns it with its seed.
// Callers reveal only after the round has resolved.
func (e *Engine) Reveal(ctx context.Context, id string) (store.Commitment, error) {
	c, err := e.store.Commitment(ctx, id)
	if err != nil {
		return store.Commitment{}, fmt.Errorf("load commitment: %w", err)
	}
	if !c.Revealed {
		if err := e.store.MarkRevealed(ctx, id); err != nil {
			return store.Commitment{}, fmt.Errorf("mark revealed: %w", err)
		}
		c.Revealed = true
	}
	if !Verify(c.ServerSeed, c.ServerSeedHash) {
		// Stored seed no longer matches what the player was shown.
		logger.ErrorCtx(ctx, "revealed seed does not match commitment", zap.String("commitment_id", id))
		return store.Commitment{}, errs.New(errs.CodePersistenceFailure, "commitment integrity check failed")
	}
	return c, nil
}

// Revealed returns the commitment with its seed if it was revealed, and
// ErrNotRevealed otherwise.
func (e *Engine) Revealed(ctx context.Context, id string) (store.Commitment, error) {
	c, err := e.store.Commitment(ctx, id)
	if err != nil {
		return store.Commitment{}, fmt.Errorf("load commitment: %w", err)
	}
	if !c.Revealed {
		return store.Commitment{}, ErrNotRevealed
	}
	return c, nil
}

// Public returns c without its server seed unless it has been revealed.
func Public(c store.Commitment) store.Commitment {
	if !c.Revealed {
		c.ServerSeed = ""
	}
	return c
}
