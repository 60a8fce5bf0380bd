// Package clipboard places dictated text on the system clipboard so
// the user can paste it at the cursor.
package clipboard

import "errors"

// ErrUnsupported means no clipboard integration exists for this platform.
var ErrUnsupported = errors.New("clipboard not supported on this platform")

// Copy replaces the clipboard contents with text.
func Copy(text string) error {
	return copyText(text)
}
