//go:build !linux

package flash

import (
	"errors"
	"os"
)

var errNoMTD = errors.New("flash: MTD devices are only supported on Linux")

func checkMTD(*os.File, int64, int64) error { return errNoMTD }

func eraseMTD(*os.File, int64, int64) error { return errNoMTD }
