//go:build unix

package process

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// helperEnvKey marks a process started as the sandbox helper.
	helperEnvKey = "_VULNPROOF_SANDBOX"

	// File descriptors of the pipes handed to the helper through ExtraFiles.
	helperConfigFD = 3
	helperStatusFD = 4

	// helperReady is the helper's status line once the interpreter runs.
	helperReady = "ready"

	helperStartTimeout = 10 * time.Second

	// egressListenAddr is the proxy address scripts see inside the namespace.
	egressListenAddr = "127.0.0.1:3128"
	egressSocketName = "egress.sock"
)

// helperConfig is sent to the helper as JSON on helperConfigFD.
type helperConfig struct {
	EgressSocket  string `json:"egress_socket"`
	Listen        string `json:"listen"`
	MemoryLimit   uint64 `json:"memory_limit,omitempty"`
	FileSizeLimit uint64 `json:"file_size_limit,omitempty"`
}

// helperLaunch is the parent's side of one helper start: the egress socket
// being served and the two pipes.
type helperLaunch struct {
	stopEgress func()

	configR *os.File // child end
	statusW *os.File // child end
	statusR *os.File
}

// prepareHelper serves the egress proxy on a socket inside dir and writes the
// helper's configuration into a pipe.
func (e *Executor) prepareHelper(dir string) (_ *helperLaunch, err error) {
	sock := filepath.Join(dir, egressSocketName)
	l, err := net.Listen("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("listen on egress socket: %w", err)
	}
	if err := os.Chmod(sock, 0o600); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("chmod egress socket: %w", err)
	}

	h := &helperLaunch{stopEgress: e.egress.Serve(l)}
	defer func() {
		if err != nil {
			h.close()
		}
	}()

	var configW *os.File
	if h.configR, configW, err = os.Pipe(); err != nil {
		return nil, err
	}
	err = json.NewEncoder(configW).Encode(helperConfig{
		EgressSocket:  sock,
		Listen:        egressListenAddr,
		MemoryLimit:   e.config.MemoryLimit,
		FileSizeLimit: e.config.FileSizeLimit,
	})
	if cerr := configW.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("write helper config: %w", err)
	}

	if h.statusR, h.statusW, err = os.Pipe(); err != nil {
		return nil, err
	}
	return h, nil
}

// files returns the child ends, in helperConfigFD, helperStatusFD order.
func (h *helperLaunch) files() []*os.File {
	return []*os.File{h.configR, h.statusW}
}

// started drops the parent's copies of the child ends, so a helper that dies
// early shows up as EOF on the status pipe.
func (h *helperLaunch) started() {
	closeFile(&h.configR)
	closeFile(&h.statusW)
}

// await blocks until the helper reports that the interpreter is running.
func (h *helperLaunch) await(timeout time.Duration) error {
	if err := h.statusR.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	line, err := bufio.NewReader(h.statusR).ReadString('\n')
	line = strings.TrimSpace(line)
	switch {
	case line == helperReady:
		return nil
	case line != "":
		return errors.New(line)
	case errors.Is(err, io.EOF):
		return errors.New("sandbox helper exited before the interpreter started")
	default:
		return fmt.Errorf("waiting for sandbox helper: %w", err)
	}
}

func (h *helperLaunch) close() {
	closeFile(&h.configR)
	closeFile(&h.statusW)
	closeFile(&h.statusR)
	if h.stopEgress != nil {
		h.stopEgress()
	}
}

func closeFile(f **os.File) {
	if *f != nil {
		_ = (*f).Close()
		*f = nil
	}
}
