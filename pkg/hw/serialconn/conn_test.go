package serialconn

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"

	"github.com/tarm/serial"

	"github.com/montanafw/trimcal/pkg/hw"
)

// monitor answers the line protocol from an in-memory register file.
func monitor(t *testing.T, conn net.Conn, regs map[string]uint32) {
	t.Helper()
	go func() {
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			f := strings.Fields(line)
			var reply string
			switch {
			case len(f) == 2 && f[0] == "R":
				v, ok := regs[f[1]]
				if !ok {
					reply = "ERR unknown register"
				} else {
					reply = fmt.Sprintf("%X", v)
				}
			case len(f) == 3 && f[0] == "W":
				v, err := strconv.ParseUint(f[2], 16, 32)
				if err != nil {
					reply = "ERR bad value"
					break
				}
				regs[f[1]] = uint32(v)
				reply = "OK"
			default:
				reply = "ERR bad command"
			}
			if _, err := io.WriteString(conn, reply+"\n"); err != nil {
				return
			}
		}
	}()
}

func withPipe(t *testing.T, regs map[string]uint32) *Conn {
	t.Helper()
	client, server := net.Pipe()
	monitor(t, server, regs)

	orig := openPort
	openPort = func(c *serial.Config) (io.ReadWriteCloser, error) {
		if c.Baud != DefaultBaud {
			t.Errorf("unexpected baud %d", c.Baud)
		}
		return client, nil
	}
	t.Cleanup(func() { openPort = orig })

	c := New("/dev/ttyUSB0", 0)
	if err := c.Open(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestReadWrite(t *testing.T) {
	regs := map[string]uint32{string(hw.RegVDDRFCtrl): 0x128}
	c := withPipe(t, regs)

	v, err := c.Read(hw.RegVDDRFCtrl)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0x128 {
		t.Fatalf("Read = %#x, want 0x128", v)
	}
	if err := c.Write(hw.RegVDDRFCtrl, 0x12A); err != nil {
		t.Fatal(err)
	}
	if regs[string(hw.RegVDDRFCtrl)] != 0x12A {
		t.Fatalf("monitor register = %#x", regs[string(hw.RegVDDRFCtrl)])
	}
}

func TestMonitorError(t *testing.T) {
	c := withPipe(t, map[string]uint32{})
	if _, err := c.Read(hw.RegVDDMCtrl); err == nil || !strings.Contains(err.Error(), "unknown register") {
		t.Fatalf("expected monitor error, got %v", err)
	}
}

func TestNotOpen(t *testing.T) {
	c := New("/dev/null", 9600)
	if _, err := c.Read(hw.RegVDDMCtrl); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
}
