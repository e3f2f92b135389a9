//go:build !linux

package gpiomirror

import "errors"

func openCdevLine(req LineRequest, onEdge func(level int)) (Line, error) {
	return nil, errors.New("gpio character devices require Linux")
}
