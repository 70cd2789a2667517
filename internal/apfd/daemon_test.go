package apfd

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/go-kit/kit/log"
	"golang.org/x/sys/unix"

	"apfd/internal/metrics"
	"apfd/internal/session"
)

// fakeSession implements meSession for testing the multiplexer's pump and
// teardown logic without a real MEI device or Session state machine.
type fakeSession struct {
	sentData    map[uint32][]byte
	peekData    map[uint32][]byte
	poppedBytes map[uint32]uint32
	closedChans []uint32
	sendDataErr error
	popDataErr  error
	closeErr    error
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		sentData:    make(map[uint32][]byte),
		peekData:    make(map[uint32][]byte),
		poppedBytes: make(map[uint32]uint32),
	}
}

func (f *fakeSession) ProcessOneMessage() (*session.MeEvent, error) { return nil, nil }
func (f *fakeSession) OpenChannel(origPort, destPort uint32) (uint32, error) { return 0, nil }

func (f *fakeSession) SendData(ch uint32, data []byte) (bool, error) {
	if f.sendDataErr != nil {
		return false, f.sendDataErr
	}
	f.sentData[ch] = append(f.sentData[ch], data...)
	return false, nil
}

func (f *fakeSession) PeekData(ch uint32) ([]byte, error) { return f.peekData[ch], nil }

func (f *fakeSession) PopData(ch uint32, n uint32) error {
	if f.popDataErr != nil {
		return f.popDataErr
	}
	f.poppedBytes[ch] += n
	f.peekData[ch] = f.peekData[ch][n:]
	return nil
}

func (f *fakeSession) CloseChannel(ch uint32) error {
	if f.closeErr != nil {
		return f.closeErr
	}
	f.closedChans = append(f.closedChans, ch)
	return nil
}

func (f *fakeSession) RespondForward(token session.ForwardToken, decision session.ForwardDecision) error {
	return nil
}

type fakeDevice struct{ fd int }

func (d *fakeDevice) Fd() int { return d.fd }

func newTestDaemon(sess meSession) *Daemon {
	cfg := Config{
		ListenAddr:   "127.0.0.1",
		AllowedPorts: map[uint32]bool{16992: true},
		AcceptRate:   50,
		AcceptBurst:  100,
	}
	return New(cfg, sess, &fakeDevice{fd: -1}, log.NewNopLogger(), metrics.New(false))
}

// socketpair returns two connected, non-blocking fds (the client side and
// the test's own peer side) and registers their closing with t.Cleanup.
func socketpair(t *testing.T) (clientFd, peerFd int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		t.Fatalf("set nonblock: %v", err)
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		t.Fatalf("set nonblock: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestPumpFdToApfForwardsReadBytes(t *testing.T) {
	clientFd, peerFd := socketpair(t)
	sess := newFakeSession()
	d := newTestDaemon(sess)

	payload := []byte("hello from client")
	if _, err := unix.Write(peerFd, payload); err != nil {
		t.Fatalf("write to peer: %v", err)
	}

	ch := &channelInfo{fd: clientFd, channelID: 7}
	if err := d.pumpFdToApf(true, ch); err != nil {
		t.Fatalf("pumpFdToApf: %v", err)
	}

	if !bytes.Equal(sess.sentData[7], payload) {
		t.Fatalf("SendData got %q, want %q", sess.sentData[7], payload)
	}
	if !ch.apfBlocked {
		t.Fatalf("expected apfBlocked to be set after a successful send")
	}
}

func TestPumpFdToApfRespectsApfBlockedOnFdTrigger(t *testing.T) {
	clientFd, peerFd := socketpair(t)
	_ = peerFd
	sess := newFakeSession()
	d := newTestDaemon(sess)

	ch := &channelInfo{fd: clientFd, channelID: 3, apfBlocked: true}
	if err := d.pumpFdToApf(true, ch); err != nil {
		t.Fatalf("pumpFdToApf: %v", err)
	}
	if len(sess.sentData) != 0 {
		t.Fatalf("expected no SendData call while apfBlocked, got %v", sess.sentData)
	}
}

func TestPumpFdToApfClearsBlockedOnEAGAINWhenNotFdTriggered(t *testing.T) {
	clientFd, _ := socketpair(t)
	sess := newFakeSession()
	d := newTestDaemon(sess)

	ch := &channelInfo{fd: clientFd, channelID: 9, apfBlocked: true}
	if err := d.pumpFdToApf(false, ch); err != nil {
		t.Fatalf("pumpFdToApf: %v", err)
	}
	if ch.apfBlocked {
		t.Fatalf("expected apfBlocked cleared after EAGAIN on SendDataCompletion trigger")
	}
}

func TestPumpApfToFdWritesAndPopsExactlyWrittenBytes(t *testing.T) {
	clientFd, peerFd := socketpair(t)
	sess := newFakeSession()
	d := newTestDaemon(sess)

	payload := bytes.Repeat([]byte{0x42}, 512)
	sess.peekData[5] = append([]byte(nil), payload...)

	ch := &channelInfo{fd: clientFd, channelID: 5, apfIncoming: true}
	if err := d.pumpApfToFd(true, ch); err != nil {
		t.Fatalf("pumpApfToFd: %v", err)
	}

	got := make([]byte, len(payload))
	n, err := unix.Read(peerFd, got)
	if err != nil {
		t.Fatalf("read from peer: %v", err)
	}
	if !bytes.Equal(got[:n], payload[:n]) {
		t.Fatalf("peer got %d bytes not matching payload", n)
	}
	if sess.poppedBytes[5] != uint32(n) {
		t.Fatalf("PopData called with %d, want %d", sess.poppedBytes[5], n)
	}
	if ch.apfIncoming {
		t.Fatalf("expected apfIncoming cleared once the full buffer drained")
	}
}

func TestPumpApfToFdSkipsWhenNotIncomingOnFdTrigger(t *testing.T) {
	clientFd, _ := socketpair(t)
	sess := newFakeSession()
	d := newTestDaemon(sess)
	sess.peekData[2] = []byte("should not be touched")

	ch := &channelInfo{fd: clientFd, channelID: 2, apfIncoming: false}
	if err := d.pumpApfToFd(true, ch); err != nil {
		t.Fatalf("pumpApfToFd: %v", err)
	}
	if _, popped := sess.poppedBytes[2]; popped {
		t.Fatalf("expected PopData not called when apfIncoming is false on fd trigger")
	}
}

func TestCloseChannelTearsDownBookkeeping(t *testing.T) {
	clientFd, _ := socketpair(t)
	sess := newFakeSession()
	d := newTestDaemon(sess)

	ch := &channelInfo{fd: clientFd, channelID: 11}
	d.channels[11] = ch
	d.channelByFd[clientFd] = 11

	if err := d.closeChannel(ch); err != nil {
		t.Fatalf("closeChannel: %v", err)
	}
	if len(sess.closedChans) != 1 || sess.closedChans[0] != 11 {
		t.Fatalf("expected CloseChannel(11) to be called, got %v", sess.closedChans)
	}
	if _, ok := d.channels[11]; ok {
		t.Fatalf("expected channel 11 removed from channels map")
	}
	if _, ok := d.channelByFd[clientFd]; ok {
		t.Fatalf("expected fd removed from channelByFd map")
	}
	if _, _, errno := unix.Syscall(unix.SYS_FCNTL, uintptr(clientFd), unix.F_GETFD, 0); errno == 0 {
		t.Fatalf("expected fd %d to be closed", clientFd)
	}
}

func TestCloseListenersTearsDownBookkeepingAndClosesFds(t *testing.T) {
	listenFd, _ := socketpair(t)
	sess := newFakeSession()
	d := newTestDaemon(sess)

	li := &listenInfo{fd: listenFd, port: 16992, limiter: NewAcceptLimiter(16992, 50, 100, d.metrics)}
	d.listenByFd[listenFd] = li
	d.listenByPort[16992] = li

	d.closeListeners()

	if len(d.listenByFd) != 0 || len(d.listenByPort) != 0 {
		t.Fatalf("expected listen bookkeeping cleared, got byFd=%v byPort=%v", d.listenByFd, d.listenByPort)
	}
	if _, _, errno := unix.Syscall(unix.SYS_FCNTL, uintptr(listenFd), unix.F_GETFD, 0); errno == 0 {
		t.Fatalf("expected listen fd %d to be closed", listenFd)
	}
}

func TestDispatchWrapsMeDisconnectSentinel(t *testing.T) {
	sess := newFakeSession()
	d := newTestDaemon(sess)

	err := d.dispatch(&session.MeEvent{Kind: session.EventMeDisconnect})
	if !errors.Is(err, session.ErrMeDisconnected) {
		t.Fatalf("expected dispatch to wrap session.ErrMeDisconnected, got %v", err)
	}
}

func TestCloseChannelPropagatesSessionError(t *testing.T) {
	clientFd, _ := socketpair(t)
	sess := newFakeSession()
	sess.closeErr = fmt.Errorf("boom")
	d := newTestDaemon(sess)

	ch := &channelInfo{fd: clientFd, channelID: 1}
	d.channels[1] = ch
	d.channelByFd[clientFd] = 1

	if err := d.closeChannel(ch); err == nil {
		t.Fatalf("expected closeChannel to propagate CloseChannel error")
	}
}
