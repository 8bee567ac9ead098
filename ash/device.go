package ash

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tarm/serial"
)

// Device is the serial line to the NCP, either a local serial port or a TCP serial bridge.
// Writes are buffered until Flush, so a frame goes out in a single write.
type Device struct {
	mu        sync.Mutex
	wlock     sync.Mutex
	conn      io.ReadWriteCloser
	w         *bufio.Writer
	connected bool
	link      string
}

// NewDevice returns an unconnected Device
func NewDevice() *Device {
	return &Device{}
}

// Connect opens link. Accepted forms are a device path or file:// URL for serial ports,
// optionally with a baud query parameter (file:///dev/ttyUSB0?baud=57600, default 115200),
// and socket://host:port or tcp://host:port for serial bridges.
func (o *Device) Connect(link string) error {
	u, err := url.Parse(link)
	if err != nil {
		return err
	}

	var conn io.ReadWriteCloser
	switch u.Scheme {
	case "socket", "tcp":
		c, err := net.Dial("tcp", u.Host)
		if err != nil {
			return err
		}
		c.(*net.TCPConn).SetKeepAlive(true)
		c.(*net.TCPConn).SetKeepAlivePeriod(30 * time.Second)
		conn = c
	case "file", "":
		baud := BaudRTSCTS
		if b := u.Query().Get("baud"); b != "" {
			if baud, err = strconv.Atoi(b); err != nil {
				return fmt.Errorf("invalid baud rate %q: %w", b, err)
			}
		}
		conn, err = serial.OpenPort(&serial.Config{Name: u.Path, Baud: baud, Size: 8, Parity: serial.ParityNone, StopBits: serial.Stop1})
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("Can not find a valid connection string in \"%v\"", link)
	}

	o.wlock.Lock()
	o.mu.Lock()
	defer o.wlock.Unlock()
	defer o.mu.Unlock()
	o.conn = conn
	o.w = bufio.NewWriterSize(conn, MaxStuffedFrameSize+1)
	o.connected = true
	o.link = link
	log.Infof("Connected to %v", link)
	return nil
}

// Reconnect closes and reopens the last link
func (o *Device) Reconnect() error {
	o.mu.Lock()
	link := o.link
	o.mu.Unlock()
	if link == "" {
		return fmt.Errorf("Device was never connected")
	}
	o.Close()
	return o.Connect(link)
}

// Close closes the underlying connection, which also unblocks a pending Read
func (o *Device) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.connected {
		return io.ErrClosedPipe
	}
	o.connected = false
	return o.conn.Close()
}

func (o *Device) current() (io.ReadWriteCloser, *bufio.Writer, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conn, o.w, o.connected
}

func (o *Device) Read(b []byte) (int, error) {
	conn, _, connected := o.current()
	if !connected {
		return 0, io.EOF
	}
	n, err := conn.Read(b)
	log.Debugf("Read b='%# x', n=%v, err=%v", b[0:n], n, err)
	return n, err
}

func (o *Device) Write(b []byte) (int, error) {
	o.wlock.Lock()
	defer o.wlock.Unlock()
	_, w, connected := o.current()
	if !connected {
		return 0, io.EOF
	}
	return w.Write(b)
}

// Flush writes buffered bytes to the line
func (o *Device) Flush() error {
	o.wlock.Lock()
	defer o.wlock.Unlock()
	_, w, connected := o.current()
	if !connected {
		return io.EOF
	}
	n := w.Buffered()
	err := w.Flush()
	log.Debugf("Flushed n=%v, err=%v", n, err)
	return err
}
