//go:build !no_serial

package main

import (
	"fmt"
	"io"

	"github.com/tarm/serial"
)

func openButtons(port string, baud int) (io.ReadCloser, error) {
	s, err := serial.OpenPort(&serial.Config{Name: port, Baud: baud})
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", port, err)
	}
	return s, nil
}
