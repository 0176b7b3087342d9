package model

import (
	"fmt"
	"regexp"
)

// kindPattern matches Keras class names, including module-qualified
// ("keras_nlp.layers.X") and registered ("Package>Layer") forms. Layer weights
// are carried opaquely, so the class itself is never interpreted.
var kindPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*([.>][A-Za-z_][A-Za-z0-9_]*)*$`)

// checkKind accepts any well-formed class name. The empty kind is used for
// layers derived from tensor names only.
func checkKind(kind string) error {
	if kind != "" && !kindPattern.MatchString(kind) {
		return fmt.Errorf("%w: malformed class name %q", ErrUnsupportedLayer, kind)
	}
	return nil
}
