package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/speters/goash/ash"
	"github.com/stretchr/testify/require"
)

// ncp answers on the far end of a pipe, frame by frame
type ncp struct {
	t    *testing.T
	conn net.Conn
	buf  []byte
}

func (n *ncp) next() ash.Frame {
	n.t.Helper()
	require.NoError(n.t, n.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var raw []byte
	for {
		if len(n.buf) == 0 {
			b := make([]byte, 256)
			c, err := n.conn.Read(b)
			require.NoError(n.t, err)
			n.buf = b[:c]
		}
		c := n.buf[0]
		n.buf = n.buf[1:]
		switch c {
		case ash.Cancel:
			raw = nil
		case ash.Flag:
			f, err := ash.Decode(raw)
			require.NoError(n.t, err)
			return f
		default:
			raw = append(raw, c)
		}
	}
}

func (n *ncp) send(f ash.Frame) {
	n.t.Helper()
	b, err := ash.Encode(f)
	require.NoError(n.t, err)
	_, err = n.conn.Write(b)
	require.NoError(n.t, err)
}

func connectedDaemon(t *testing.T) (*daemon, *ncp) {
	d := newDaemon()
	host, peer := net.Pipe()
	cfg := ash.DefaultConfig()
	cfg.Metrics = d.metrics
	tr, err := ash.New(host, cfg)
	require.NoError(t, err)
	d.setCurrent(tr, "pipe")

	ctx, cancel := context.WithCancel(context.Background())
	go tr.Run(ctx)
	t.Cleanup(func() {
		cancel()
		host.Close()
		peer.Close()
		<-tr.Done()
	})

	n := &ncp{t: t, conn: peer}
	require.Equal(t, ash.FrameRst, n.next().Type)
	n.send(ash.NewRstAck(ash.ResetPowerOn))
	wctx, wcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer wcancel()
	require.NoError(t, tr.WaitConnected(wctx))
	return d, n
}

func TestVersionRoute(t *testing.T) {
	rec := httptest.NewRecorder()
	newDaemon().router().ServeHTTP(rec, httptest.NewRequest("GET", "/version", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var v map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	require.Equal(t, buildVersion, v["version"])
	require.Equal(t, buildDate, v["build_date"])
}

func TestRoutesWithoutLink(t *testing.T) {
	r := newDaemon().router()

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var s status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	require.Equal(t, "disconnected", s.Phase)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("POST", "/send", strings.NewReader(`{"payload":"00000002"}`)))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("POST", "/send", strings.NewReader(`{"payload":"zz"}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("POST", "/reset", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/send", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSendRoute(t *testing.T) {
	d, n := connectedDaemon(t)
	r := d.router()

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest("POST", "/send", strings.NewReader(`{"payload":"00000002"}`)))
		done <- rec
	}()

	f := n.next()
	require.Equal(t, ash.NewData(0, 0, []byte{0x00, 0x00, 0x00, 0x02}), f)
	n.send(ash.NewData(0, 1, []byte{0x00, 0x80, 0x00, 0x08, 0x02, 0x30, 0x6a}))

	var rec *httptest.ResponseRecorder
	select {
	case rec = <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("no response")
	}
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp sendResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "0080000802306a", resp.Response)
	require.NotEmpty(t, resp.ID)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("POST", "/send", strings.NewReader(`{"payload":"0102"}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/status", nil))
	var s status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	require.Equal(t, "connected", s.Phase)
	require.Equal(t, "pipe", s.Link)
	require.GreaterOrEqual(t, s.Stats.FramesSent, uint64(2))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ash_link_frames_sent_total")
}

func TestResetRoute(t *testing.T) {
	d, n := connectedDaemon(t)
	r := d.router()

	done := make(chan int, 1)
	go func() {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest("POST", "/reset", nil))
		done <- rec.Code
	}()
	require.Equal(t, ash.FrameRst, n.next().Type)
	n.send(ash.NewRstAck(ash.ResetSoftware))

	select {
	case code := <-done:
		require.Equal(t, http.StatusOK, code)
	case <-time.After(3 * time.Second):
		t.Fatal("no response")
	}
}
