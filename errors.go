package memori

import (
	"errors"

	"github.com/vishalbelsare/memori-sub000/internal/store"
	"github.com/vishalbelsare/memori-sub000/pkg/providers"
)

// The error taxonomy. Callers branch with errors.Is; string matching is
// never required.
var (
	// ErrConfig marks an invalid configuration. Raised at construction,
	// never at runtime.
	ErrConfig = errors.New("invalid configuration")

	// ErrNotEnabled is returned by operations that require an enabled
	// coordinator.
	ErrNotEnabled = errors.New("memory layer not enabled")

	// ErrClosed is returned after the coordinator has been disabled and
	// closed.
	ErrClosed = errors.New("memory layer closed")

	// Storage taxonomy, re-exported so callers need not import internal
	// packages to branch on storage failures.
	ErrStorageConflict  = store.ErrConflict
	ErrStorageTransient = store.ErrTransient
	ErrStorageFatal     = store.ErrFatal

	// Provider taxonomy, likewise re-exported.
	ErrProviderRefused     = providers.ErrRefused
	ErrProviderUnavailable = providers.ErrUnavailable
	ErrProviderMalformed   = providers.ErrMalformed
)
