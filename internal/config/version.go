package config

import (
	"errors"
	"fmt"
)

// CurrentVersion is the config file format this build reads. Files must
// declare it explicitly with a top-level `version:` key.
const CurrentVersion = 1

// Version mismatch kinds, matched with errors.Is on a *VersionError.
var (
	ErrVersionMissing = errors.New("config version missing")
	ErrVersionOld     = errors.New("config version too old")
	ErrVersionNew     = errors.New("config version too new")
)

// VersionError is returned by ValidateVersion when a file's declared version
// cannot be read by this build.
type VersionError struct {
	Declared int
	kind     error
}

// ValidateVersion accepts only CurrentVersion. Zero means the key was absent.
func ValidateVersion(declared int) error {
	switch {
	case declared == CurrentVersion:
		return nil
	case declared == 0:
		return &VersionError{Declared: declared, kind: ErrVersionMissing}
	case declared < CurrentVersion:
		return &VersionError{Declared: declared, kind: ErrVersionOld}
	default:
		return &VersionError{Declared: declared, kind: ErrVersionNew}
	}
}

func (e *VersionError) Unwrap() error { return e.kind }

func (e *VersionError) Error() string {
	switch e.kind {
	case ErrVersionMissing:
		return fmt.Sprintf("config has no version; add `version: %d` at the top level", CurrentVersion)
	case ErrVersionNew:
		return fmt.Sprintf("config version %d needs a newer sanbao (this build reads version %d)", e.Declared, CurrentVersion)
	default:
		return fmt.Sprintf("config version %d is no longer supported; migrate the file to version %d", e.Declared, CurrentVersion)
	}
}
