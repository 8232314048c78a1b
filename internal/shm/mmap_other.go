//go:build !unix

package shm

import "errors"

var errUnsupported = errors.New("shm: shared memory not supported on this platform")

func Create(path string, size int) (*Region, error) { return nil, errUnsupported }

func Attach(path string) (*Region, error) { return nil, errUnsupported }
