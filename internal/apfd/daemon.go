// Package apfd implements the single-threaded multiplexer: an epoll_wait
// event loop that couples the MEI transport with TCP accept/read/write
// across many client sockets, translating between byte-stream sockets and
// credit-windowed APF channels. Grounded directly on original_source/apfd.cpp's
// Apfd class (same epoll_ctl_add/epoll_ctl_del helpers, the same
// listen_fd_port_/channels_/channel_fd_id_ bookkeeping, the same
// apf_blocked/apf_incoming pump guards), reimplemented against
// golang.org/x/sys/unix instead of raw C epoll syscalls.
package apfd

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"golang.org/x/sys/unix"

	"apfd/internal/metrics"
	"apfd/internal/session"
)

// errStopRequested unwinds the epoll loop from handleEvent without being
// treated as a fatal daemon error by Run.
var errStopRequested = errors.New("apfd: stop requested")

// meSession is the subset of *session.Session the daemon drives. Declaring
// it as an interface (rather than depending on the concrete type) keeps
// the event loop's bookkeeping testable against a fake.
type meSession interface {
	ProcessOneMessage() (*session.MeEvent, error)
	OpenChannel(origPort, destPort uint32) (uint32, error)
	SendData(ch uint32, data []byte) (bool, error)
	PeekData(ch uint32) ([]byte, error)
	PopData(ch uint32, n uint32) error
	CloseChannel(ch uint32) error
	RespondForward(token session.ForwardToken, decision session.ForwardDecision) error
}

// meDevice is the subset of *mei.Device the daemon needs to register with
// epoll; the Session already owns reading/writing frames on it.
type meDevice interface {
	Fd() int
}

// channelInfo mirrors original_source/apfd.cpp's ChannelInfo: the client
// fd for one APF channel plus the two pump guard flags.
type channelInfo struct {
	fd        int
	channelID uint32

	// apfBlocked is set once SendData has an outstanding completion; the
	// fd-readable pump does nothing while it is set.
	apfBlocked bool
	// apfIncoming is set when recv_buf still has bytes after a partial
	// write; the fd-writable pump does nothing unless it is set.
	apfIncoming bool
}

// listenInfo is one granted tcpip-forward: the bound listen fd, the port
// it was granted for, and its own accept-rate limiter.
type listenInfo struct {
	fd      int
	port    uint32
	limiter *AcceptLimiter
}

// Config configures a Daemon. AllowedPorts and ListenAddr correspond
// directly to --allowed_ports and --listen_addr; AcceptRate/AcceptBurst to
// --accept_rate/--accept_burst.
type Config struct {
	ListenAddr   string
	AllowedPorts map[uint32]bool
	AcceptRate   int
	AcceptBurst  int
}

// Daemon is the multiplexer. It owns every listen and client socket;
// Session owns every byte of APF channel state. All methods below run on
// the single goroutine that calls Run.
type Daemon struct {
	cfg     Config
	sess    meSession
	dev     meDevice
	logger  log.Logger
	metrics *metrics.Collectors

	epfd   int
	stopfd int

	listenByFd   map[int]*listenInfo
	listenByPort map[uint32]*listenInfo

	channels    map[uint32]*channelInfo
	channelByFd map[int]uint32
}

// New builds a Daemon. logger may be log.NewNopLogger(); m may be
// metrics.New(false).
func New(cfg Config, sess meSession, dev meDevice, logger log.Logger, m *metrics.Collectors) *Daemon {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Daemon{
		cfg:          cfg,
		sess:         sess,
		dev:          dev,
		logger:       logger,
		metrics:      m,
		listenByFd:   make(map[int]*listenInfo),
		listenByPort: make(map[uint32]*listenInfo),
		channels:     make(map[uint32]*channelInfo),
		channelByFd:  make(map[int]uint32),
	}
}

// Run drives the epoll loop until ctx is cancelled or a fatal condition
// (device error, protocol violation, or ME disconnect) ends it. ctx
// cancellation (e.g. from signal.NotifyContext in cmd/apfd on SIGINT/SIGTERM)
// unwinds the loop cleanly and Run returns nil. An ME disconnect returns an
// error wrapping session.ErrMeDisconnected, which cmd/apfd maps to exit
// code 0; any other error is session- or device-fatal per §7 of the spec
// this daemon implements, and the caller maps it to a nonzero exit code.
func (d *Daemon) Run(ctx context.Context) error {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return fmt.Errorf("apfd: epoll_create1: %w", err)
	}
	d.epfd = epfd
	defer unix.Close(epfd)
	defer d.closeListeners()

	stopfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return fmt.Errorf("apfd: eventfd: %w", err)
	}
	d.stopfd = stopfd
	defer unix.Close(stopfd)

	stopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-stopCtx.Done()
		d.wakeStop()
	}()

	if err := d.epollAdd(d.dev.Fd(), unix.EPOLLIN); err != nil {
		return fmt.Errorf("apfd: register MEI fd: %w", err)
	}
	if err := d.epollAdd(stopfd, unix.EPOLLIN); err != nil {
		return fmt.Errorf("apfd: register stop fd: %w", err)
	}

	events := make([]unix.EpollEvent, 1024)
	for {
		n, err := unix.EpollWait(epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("apfd: epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			if err := d.handleEvent(events[i]); err != nil {
				if errors.Is(err, errStopRequested) {
					level.Info(d.logger).Log("msg", "shutting down")
					return nil
				}
				return err
			}
		}
	}
}

// wakeStop writes one event to the stop eventfd, waking up a blocked
// EpollWait so Run can unwind on the next iteration.
func (d *Daemon) wakeStop() {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, 1)
	_, _ = unix.Write(d.stopfd, buf)
}

func (d *Daemon) handleEvent(ev unix.EpollEvent) error {
	fd := int(ev.Fd)

	switch {
	case fd == d.stopfd:
		return errStopRequested

	case fd == d.dev.Fd():
		return d.handleMeReadable()

	case d.listenByFd[fd] != nil:
		d.handleIncomingConnection(d.listenByFd[fd])
		return nil

	case d.fdIsChannel(fd):
		ch := d.channels[d.channelByFd[fd]]
		if ch == nil {
			return nil
		}
		if ev.Events&unix.EPOLLIN != 0 {
			if err := d.pumpFdToApf(true, ch); err != nil {
				return err
			}
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			if err := d.pumpApfToFd(true, ch); err != nil {
				return err
			}
		}
		if ev.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
			if err := d.closeChannel(ch); err != nil {
				return err
			}
		}
		return nil

	default:
		level.Warn(d.logger).Log("msg", "epoll event for unknown fd", "fd", fd)
		return nil
	}
}

// fdIsChannel disambiguates channel id 0 (a valid channel id, but also the
// map's zero value) from "not a channel fd".
func (d *Daemon) fdIsChannel(fd int) bool {
	_, ok := d.channelByFd[fd]
	return ok
}

func (d *Daemon) handleMeReadable() error {
	ev, err := d.sess.ProcessOneMessage()
	if err != nil {
		return fmt.Errorf("apfd: %w", err)
	}
	if ev == nil {
		return nil
	}
	return d.dispatch(ev)
}

func (d *Daemon) dispatch(ev *session.MeEvent) error {
	switch ev.Kind {
	case session.EventRequestTcpForward:
		d.handleForwardRequest(ev)
	case session.EventOpenChannelResult:
		return d.handleOpenChannelResult(ev)
	case session.EventIncomingData:
		if ch := d.channels[ev.Channel]; ch != nil {
			return d.pumpApfToFd(false, ch)
		}
	case session.EventSendDataCompletion:
		if ch := d.channels[ev.Channel]; ch != nil {
			return d.pumpFdToApf(false, ch)
		}
	case session.EventChannelClosed:
		if ch := d.channels[ev.Channel]; ch != nil {
			return d.closeChannel(ch)
		}
	case session.EventMeDisconnect:
		return fmt.Errorf("apfd: %w", session.ErrMeDisconnected)
	case session.EventNone:
	}
	return nil
}

func (d *Daemon) handleForwardRequest(ev *session.MeEvent) {
	port := ev.ForwardPort

	if !d.cfg.AllowedPorts[port] {
		level.Warn(d.logger).Log("msg", "rejecting forward: not allowed", "addr", ev.ForwardAddr, "port", port)
		d.metrics.ForwardRejected("not_allowed")
		_ = d.sess.RespondForward(ev.ForwardToken, session.ForwardReject)
		return
	}
	if _, already := d.listenByPort[port]; already {
		level.Warn(d.logger).Log("msg", "rejecting forward: already listening", "port", port)
		d.metrics.ForwardRejected("already_listening")
		_ = d.sess.RespondForward(ev.ForwardToken, session.ForwardReject)
		return
	}

	li, err := d.beginListen(port)
	if err != nil {
		level.Error(d.logger).Log("msg", "failed to bind listen socket", "port", port, "err", err)
		d.metrics.ForwardRejected("bind_failed")
		_ = d.sess.RespondForward(ev.ForwardToken, session.ForwardReject)
		return
	}

	if err := d.sess.RespondForward(ev.ForwardToken, session.ForwardAccept); err != nil {
		level.Error(d.logger).Log("msg", "failed to accept forward", "port", port, "err", err)
		_ = d.epollDel(li.fd)
		unix.Close(li.fd)
		return
	}
	d.listenByFd[li.fd] = li
	d.listenByPort[port] = li
	d.metrics.ForwardGranted()
	level.Info(d.logger).Log("msg", "accepted forward", "addr", ev.ForwardAddr, "port", port)
}

// closeListeners tears down every still-granted tcpip-forward listen socket
// on daemon shutdown, decrementing forward_ports_granted for each so a
// final metrics scrape after a graceful stop reflects zero active forwards.
func (d *Daemon) closeListeners() {
	for port, li := range d.listenByPort {
		_ = d.epollDel(li.fd)
		unix.Close(li.fd)
		delete(d.listenByFd, li.fd)
		delete(d.listenByPort, port)
		d.metrics.ForwardRevoked()
	}
}

// beginListen binds and listens on cfg.ListenAddr:port, backlog 4096, and
// registers it for level-triggered readability, matching
// original_source/apfd.cpp's BeginListen exactly (including the backlog
// size).
func (d *Daemon) beginListen(port uint32) (*listenInfo, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	ip := net.ParseIP(d.cfg.ListenAddr)
	if ip == nil || ip.To4() == nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen_addr %q is not a valid IPv4 address", d.cfg.ListenAddr)
	}
	sa := &unix.SockaddrInet4{Port: int(port)}
	copy(sa.Addr[:], ip.To4())

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, 4096); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen: %w", err)
	}
	if err := d.epollAdd(fd, unix.EPOLLIN); err != nil {
		unix.Close(fd)
		return nil, err
	}

	return &listenInfo{fd: fd, port: port, limiter: NewAcceptLimiter(port, d.cfg.AcceptRate, d.cfg.AcceptBurst, d.metrics)}, nil
}

// handleIncomingConnection accepts one client connection, opens the
// matching APF channel, and defers registering the client fd with epoll
// until the matching OpenChannelResult arrives — exactly the "don't start
// polling the fd yet" rule in original_source/apfd.cpp.
func (d *Daemon) handleIncomingConnection(li *listenInfo) {
	fd, sa, err := unix.Accept4(li.fd, unix.SOCK_NONBLOCK)
	if err != nil {
		if err == unix.EAGAIN {
			return
		}
		level.Warn(d.logger).Log("msg", "accept4 failed", "port", li.port, "err", err)
		return
	}

	sin4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		// IPv6 client on an IPv4 listen socket: the original aborts the
		// whole daemon (die_if(ss.ss_family != AF_INET, ...)); this drops
		// only the one offending connection instead (REDESIGN, see
		// DESIGN.md open question 3).
		level.Warn(d.logger).Log("msg", "dropping non-IPv4 client connection", "port", li.port)
		unix.Close(fd)
		return
	}

	if !li.limiter.Allow() {
		level.Warn(d.logger).Log("msg", "accept throttled", "port", li.port)
		unix.Close(fd)
		return
	}

	peerPort := uint32(sin4.Port)
	peerIP := net.IP(sin4.Addr[:]).String()

	ch, err := d.sess.OpenChannel(peerPort, li.port)
	if err != nil {
		level.Error(d.logger).Log("msg", "OpenChannel failed", "err", err)
		unix.Close(fd)
		return
	}

	d.channels[ch] = &channelInfo{fd: fd, channelID: ch}
	d.channelByFd[fd] = ch
	level.Info(d.logger).Log("msg", "incoming connection", "peer", fmt.Sprintf("%s:%d", peerIP, peerPort), "fd", fd, "channel", ch)
}

func (d *Daemon) handleOpenChannelResult(ev *session.MeEvent) error {
	ch := d.channels[ev.Channel]
	if ch == nil {
		level.Warn(d.logger).Log("msg", "OpenChannelResult for unknown channel", "channel", ev.Channel)
		return nil
	}

	if !ev.Success {
		level.Warn(d.logger).Log("msg", "OpenChannel rejected by ME", "channel", ev.Channel)
		delete(d.channelByFd, ch.fd)
		delete(d.channels, ev.Channel)
		unix.Close(ch.fd)
		return nil
	}

	if err := d.epollAdd(ch.fd, unix.EPOLLIN|unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLRDHUP|unix.EPOLLET); err != nil {
		return err
	}
	d.metrics.ChannelOpened()
	level.Debug(d.logger).Log("msg", "accepting data on channel", "channel", ev.Channel)
	return nil
}

// pumpFdToApf is §4.4.1's fd -> APF pump. isFd distinguishes "triggered by
// fd readiness" (honors apfBlocked) from "triggered by SendDataCompletion"
// (always attempts a read, per original_source/apfd.cpp's is_fd parameter).
func (d *Daemon) pumpFdToApf(isFd bool, ch *channelInfo) error {
	if isFd && ch.apfBlocked {
		return nil
	}

	buf := make([]byte, 4096)
	n, err := unix.Read(ch.fd, buf)
	switch {
	case err == unix.EAGAIN:
		if !isFd {
			ch.apfBlocked = false
		}
		return nil
	case err != nil:
		level.Warn(d.logger).Log("msg", "client read error", "channel", ch.channelID, "err", err)
		if !isFd {
			ch.apfBlocked = false
		}
		return nil
	case n == 0:
		level.Debug(d.logger).Log("msg", "client EOF", "fd", ch.fd, "channel", ch.channelID)
		if !isFd {
			ch.apfBlocked = false
		}
		return nil
	}

	if _, err := d.sess.SendData(ch.channelID, buf[:n]); err != nil {
		return fmt.Errorf("apfd: SendData: %w", err)
	}
	ch.apfBlocked = true
	d.metrics.BytesTransferred(metrics.DirTCPToME, n)
	return nil
}

// pumpApfToFd is §4.4.2's APF -> fd pump.
func (d *Daemon) pumpApfToFd(isFd bool, ch *channelInfo) error {
	if isFd && !ch.apfIncoming {
		return nil
	}

	data, err := d.sess.PeekData(ch.channelID)
	if err != nil {
		return fmt.Errorf("apfd: PeekData: %w", err)
	}

	off := 0
	rem := len(data)
	for rem > 0 {
		n, err := unix.Write(ch.fd, data[off:])
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			level.Warn(d.logger).Log("msg", "client write error", "channel", ch.channelID, "err", err)
			break
		}
		off += n
		rem -= n
	}
	ch.apfIncoming = rem > 0

	if off > 0 {
		d.metrics.BytesTransferred(metrics.DirMEToTCP, off)
	}
	if err := d.sess.PopData(ch.channelID, uint32(off)); err != nil {
		return fmt.Errorf("apfd: PopData: %w", err)
	}
	return nil
}

// closeChannel tears down one channel from either trigger (fd hangup or a
// ChannelClosed event): deregister from epoll, close the fd, tell the
// Session to emit the reciprocal close, and drop bookkeeping.
func (d *Daemon) closeChannel(ch *channelInfo) error {
	_ = d.epollDel(ch.fd)
	unix.Close(ch.fd)
	if err := d.sess.CloseChannel(ch.channelID); err != nil {
		return fmt.Errorf("apfd: CloseChannel: %w", err)
	}
	delete(d.channelByFd, ch.fd)
	delete(d.channels, ch.channelID)
	d.metrics.ChannelClosed()
	level.Debug(d.logger).Log("msg", "channel closed", "channel", ch.channelID)
	return nil
}

func (d *Daemon) epollAdd(fd int, events uint32) error {
	return unix.EpollCtl(d.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}

func (d *Daemon) epollDel(fd int) error {
	return unix.EpollCtl(d.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}
