//go:build !darwin

package clipboard

func copyText(string) error {
	return ErrUnsupported
}
