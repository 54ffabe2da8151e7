// Package nametranslate derives back-end-legal index names from
// user-supplied category names, maintaining a persistent directory
// entry when truncation is required (spec.md §4.2).
package nametranslate

import (
	"context"
	"encoding/base32"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/edirooss/storedmap/internal/lease"
)

// base32Enc is std Base32 with '*' as the padding character, per
// spec.md §4.2 step 1 ("Base32-encode s ..., padding character '*',
// padding stripped").
var base32Enc = base32.StdEncoding.WithPadding('*')

var sanitisableRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// directoryLockKey is the well-known key used to serialise the
// "look up then mint" critical section across processes, per spec.md
// §4.2 step 4 and §6.
const directoryLockKey = "100"

const directoryLeaseTTL = 30 * time.Second

// DirectoryStore is the minimal slice of Driver the translator needs
// for its directory index: primary get/put plus the lease.
type DirectoryStore interface {
	Get(ctx context.Context, key, index string) ([]byte, error)
	PutSync(ctx context.Context, key, index string, data []byte) error
	TryLock(ctx context.Context, key, index string, ttl time.Duration) (int64, error)
	Unlock(ctx context.Context, key, index string) error
	List(ctx context.Context, index string) ([]string, error)
}

// Sanitise implements spec.md §4.2 step 1: a name already matching
// `^[a-z][a-z0-9_]*$` and not ending in "w32" is lower-cased and
// returned as-is; anything else is Base32-encoded (UTF-8 bytes,
// padding stripped) with a "w32" suffix appended, lower-cased.
func Sanitise(s string) string {
	lower := strings.ToLower(s)
	if sanitisableRe.MatchString(s) && !strings.HasSuffix(s, "w32") {
		return lower
	}
	enc := strings.ToLower(strings.TrimRight(base32Enc.EncodeToString([]byte(s)), "*"))
	return enc + "w32"
}

// unsanitise reverses Sanitise for the Base32+w32 branch. A name that
// took the identity branch was already lower-case and is returned by
// CategoryName unchanged, so it needs no decoding.
func unsanitise(s string) (string, bool) {
	if !strings.HasSuffix(s, "w32") {
		return "", false
	}
	body := strings.ToUpper(strings.TrimSuffix(s, "w32"))
	padded := body + strings.Repeat("*", (8-len(body)%8)%8)
	raw, err := base32Enc.DecodeString(padded)
	if err != nil {
		return "", false
	}
	return string(raw), true
}

// Translator computes internal index names scoped to a single
// application code and persists the UUID directory required when a
// category name must be truncated.
type Translator struct {
	store       DirectoryStore
	appCode     string
	sanitised   string // Sanitise(appCode)
	maxNameLen  int
	directoryL  *lease.Lease
}

// New builds a Translator for appCode against store, whose index
// names may not exceed maxIndexNameLen.
func New(store DirectoryStore, appCode string, maxIndexNameLen int) *Translator {
	s := Sanitise(appCode)
	return &Translator{
		store:      store,
		appCode:    appCode,
		sanitised:  s,
		maxNameLen: maxIndexNameLen,
		directoryL: lease.New(store, directoryLockKey, s+"__indices", directoryLeaseTTL),
	}
}

// DirectoryIndex is the persisted category directory's internal index
// name for this application code.
func (t *Translator) DirectoryIndex() string { return t.sanitised + "__indices" }

// InternalIndex computes internalIndex(appCode, categoryName) per
// spec.md §4.2.
func (t *Translator) InternalIndex(ctx context.Context, categoryName string) (string, error) {
	candidate := t.sanitised + "_" + Sanitise(categoryName)
	if len(candidate) <= t.maxNameLen {
		return candidate, nil
	}

	dirIndex := t.DirectoryIndex()
	if err := t.directoryL.Acquire(ctx); err != nil {
		return "", fmt.Errorf("nametranslate: acquire directory lease: %w", err)
	}
	defer t.directoryL.Release(ctx)

	existing, err := t.store.List(ctx, dirIndex)
	if err != nil {
		return "", fmt.Errorf("nametranslate: list directory: %w", err)
	}
	for _, k := range existing {
		raw, err := t.store.Get(ctx, k, dirIndex)
		if err != nil {
			continue
		}
		if string(raw) == categoryName {
			return t.sanitised + "_" + k, nil
		}
	}

	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := t.store.PutSync(ctx, id, dirIndex, []byte(categoryName)); err != nil {
		return "", fmt.Errorf("nametranslate: mint directory entry: %w", err)
	}
	return t.sanitised + "_" + id, nil
}

// CategoryName inverts InternalIndex: given the internal index name,
// recovers the original user-supplied category name. It looks up the
// directory when the suffix is a UUID minted by InternalIndex;
// otherwise it inverts Sanitise directly.
func (t *Translator) CategoryName(ctx context.Context, internalIndex string) (string, error) {
	prefix := t.sanitised + "_"
	if !strings.HasPrefix(internalIndex, prefix) {
		return "", fmt.Errorf("nametranslate: %q is not owned by application %q", internalIndex, t.appCode)
	}
	remainder := strings.TrimPrefix(internalIndex, prefix)

	if isHexUUID(remainder) {
		raw, err := t.store.Get(ctx, remainder, t.DirectoryIndex())
		if err != nil {
			return "", fmt.Errorf("nametranslate: directory lookup for %q: %w", remainder, err)
		}
		if raw == nil {
			return "", fmt.Errorf("nametranslate: no directory entry for %q", remainder)
		}
		return string(raw), nil
	}

	if original, ok := unsanitise(remainder); ok {
		return original, nil
	}
	return remainder, nil
}

func isHexUUID(s string) bool {
	if len(s) != 32 {
		return false
	}
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return false
		}
	}
	return true
}
