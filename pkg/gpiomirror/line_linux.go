//go:build linux

package gpiomirror

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/warthog618/go-gpiocdev"
	"golang.org/x/sys/unix"
)

func chipPath(chip string) string {
	if strings.HasPrefix(chip, "/") {
		return chip
	}
	return filepath.Join("/dev", chip)
}

// checkCharDevice rejects paths that are not character devices, so a typo
// in chip: reports the path instead of an ioctl failure.
func checkCharDevice(path string) error {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFCHR {
		return fmt.Errorf("%s is not a character device", path)
	}
	return nil
}

func openCdevLine(req LineRequest, onEdge func(level int)) (Line, error) {
	path := chipPath(req.Chip)
	if err := checkCharDevice(path); err != nil {
		return nil, err
	}
	opts := []gpiocdev.LineReqOption{
		gpiocdev.AsInput,
		gpiocdev.WithConsumer("vpin-host"),
		gpiocdev.WithBothEdges,
		gpiocdev.WithEventHandler(func(evt gpiocdev.LineEvent) {
			if evt.Type == gpiocdev.LineEventRisingEdge {
				onEdge(1)
			} else {
				onEdge(0)
			}
		}),
	}
	switch req.Pull {
	case "up":
		opts = append(opts, gpiocdev.WithPullUp)
	case "down":
		opts = append(opts, gpiocdev.WithPullDown)
	default:
		opts = append(opts, gpiocdev.WithBiasDisabled)
	}
	if req.Debounce > 0 {
		opts = append(opts, gpiocdev.WithDebounce(req.Debounce))
	}
	line, err := gpiocdev.RequestLine(path, req.Offset, opts...)
	if err != nil {
		return nil, fmt.Errorf("request %s line %d: %w", req.Chip, req.Offset, err)
	}
	return line, nil
}
