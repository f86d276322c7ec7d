//go:build no_serial

package main

import (
	"errors"
	"io"
)

func openButtons(string, int) (io.ReadCloser, error) {
	return nil, errors.New("built without serial support; use --sim")
}
