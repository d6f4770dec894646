package badge

import "fmt"

// AssetMissingError is returned when the font, a theme logo or the avatar
// cannot be read. It is a configuration defect.
type AssetMissingError struct {
	Kind string
	Path string
	Err  error
}

func (e *AssetMissingError) Error() string {
	return fmt.Sprintf("%s asset missing: %s: %v", e.Kind, e.Path, e.Err)
}

func (e *AssetMissingError) Unwrap() error {
	return e.Err
}

// StorageError is returned when a badge cannot be written, including when
// its directory does not exist.
type StorageError struct {
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storing badge %s: %v", e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
