// Command bamixd is a demo/integration harness for the PCM multi-client
// mixer: it wires a synthetic transport PCM to a playback Multi and a
// capture Multi, joins one demo client to each over real pipes and control
// sockets, and logs the traffic until interrupted. There is no BlueALSA
// transport here — that lives outside this module (§1) — so SignalOpen and
// friends just log.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/agalue/bamix/internal/bamixlog"
	"github.com/agalue/bamix/internal/client"
	"github.com/agalue/bamix/internal/config"
	"github.com/agalue/bamix/internal/ctlproto"
	"github.com/agalue/bamix/internal/multi"
	"github.com/agalue/bamix/internal/pcmfmt"
	"github.com/agalue/bamix/internal/transport"
)

func main() {
	cfg := config.Default()
	fs := pflag.NewFlagSet("bamixd", pflag.ExitOnError)
	config.RegisterFlags(fs, &cfg)
	configFile := fs.String("config", "", "optional YAML file overlaying the defaults")
	rate := fs.Int("rate", 16000, "demo PCM sample rate (Hz)")
	channels := fs.Int("channels", 2, "demo PCM channel count")
	fs.Parse(os.Args[1:])

	if *configFile != "" {
		loaded, err := config.LoadFile(*configFile, cfg)
		if err != nil {
			log.Fatalf("bamixd: %v", err)
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("bamixd: %v", err)
	}
	if !cfg.MultiEnabled {
		log.Println("bamixd: multi disabled by configuration, exiting")
		return
	}

	logger := bamixlog.New("bamixd")
	logger.Infof("starting: rate=%d channels=%d %+v", *rate, *channels, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Infof("signal received, shutting down")
		cancel()
	}()

	periodFrames := *rate / 50 // 20ms periods
	format := pcmfmt.S16LE

	playbackPCM := newFakePCM(logger.With("playback-transport"))
	playbackMulti, err := multi.Create(playbackPCM, client.Playback, format, *channels, cfg)
	if err != nil {
		log.Fatalf("bamixd: playback multi: %v", err)
	}
	if err := playbackMulti.Init(periodFrames * *channels); err != nil {
		log.Fatalf("bamixd: playback init: %v", err)
	}
	defer playbackMulti.Close()
	defer playbackMulti.Shutdown()

	capturePCM := newFakePCM(logger.With("capture-transport"))
	captureMulti, err := multi.Create(capturePCM, client.Capture, format, *channels, cfg)
	if err != nil {
		log.Fatalf("bamixd: capture multi: %v", err)
	}
	if err := captureMulti.Init(periodFrames * *channels); err != nil {
		log.Fatalf("bamixd: capture init: %v", err)
	}
	defer captureMulti.Close()
	defer captureMulti.Shutdown()

	periodBytes := periodFrames * *channels * format.BytesPerSample()

	var wg sync.WaitGroup

	playPeer, err := joinDemoClient(playbackMulti, logger.With("playback-peer"))
	if err != nil {
		log.Fatalf("bamixd: join playback client: %v", err)
	}
	defer playPeer.close()
	wg.Add(1)
	go func() {
		defer wg.Done()
		playPeer.feedSilence(ctx, periodBytes)
	}()

	capPeer, err := joinDemoClient(captureMulti, logger.With("capture-peer"))
	if err != nil {
		log.Fatalf("bamixd: join capture client: %v", err)
	}
	defer capPeer.close()
	wg.Add(1)
	go func() {
		defer wg.Done()
		capPeer.drain(ctx, periodBytes)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runTransportLoop(ctx, playbackMulti, periodBytes, logger.With("playback-io"))
	}()

	<-ctx.Done()
	wg.Wait()
	logger.Infof("stopped")
}

// runTransportLoop stands in for the real BlueALSA I/O thread: it pulls
// mixed PCM out of the playback Multi at roughly period cadence (§4.3
// Multi.read()) and discards it, logging read errors. Try-again results
// are skipped silently; a zero-byte read (Multi finished) ends the loop.
func runTransportLoop(ctx context.Context, m *multi.Multi, periodBytes int, logger *bamixlog.Logger) {
	buf := make([]byte, periodBytes)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.Read(buf)
			switch {
			case err == multi.ErrTryAgain:
				continue
			case err != nil:
				logger.Warnf("read: %v", err)
			case n == 0:
				return
			}
		}
	}
}

// fakePCM is a stand-in transport.PCM that just logs signals (§4.4).
type fakePCM struct {
	log *bamixlog.Logger
}

func newFakePCM(l *bamixlog.Logger) *fakePCM { return &fakePCM{log: l} }

func (f *fakePCM) Release()                 { f.log.Infof("release") }
func (f *fakePCM) Signal(k transport.SignalKind) { f.log.Infof("signal: %s", k) }
func (f *fakePCM) Resume()                  { f.log.Infof("resume") }
func (f *fakePCM) StopIfNoClients()         { f.log.Infof("stop_if_no_clients") }

// demoPeer holds the far end of the pipe/control pair a demo client joins
// Multi with, so the harness can act as the peer process would.
type demoPeer struct {
	c          *client.Client
	pipePeerFD int
	ctlPeerFD  int
	log        *bamixlog.Logger
}

func joinDemoClient(m *multi.Multi, logger *bamixlog.Logger) (*demoPeer, error) {
	pipeFDs, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("pipe socketpair: %w", err)
	}
	ctlFDs, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("control socketpair: %w", err)
	}

	c, err := m.AddClient(pipeFDs[0], ctlFDs[0])
	if err != nil {
		return nil, fmt.Errorf("add_client: %w", err)
	}
	return &demoPeer{c: c, pipePeerFD: pipeFDs[1], ctlPeerFD: ctlFDs[1], log: logger}, nil
}

func (p *demoPeer) close() {
	unix.Close(p.pipePeerFD)
	unix.Close(p.ctlPeerFD)
}

// feedSilence writes one period of silence every 20ms, the shape a real
// playback peer's write side takes (§4.2.1's data pipe).
func (p *demoPeer) feedSilence(ctx context.Context, periodBytes int) {
	silence := make([]byte, periodBytes)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := unix.Write(p.pipePeerFD, silence); err != nil {
				p.log.Warnf("write: %v", err)
				return
			}
		}
	}
}

// drain reads whatever the capture Multi fans out to this peer, the shape
// a real capture peer's read side takes (§4.2.2).
func (p *demoPeer) drain(ctx context.Context, periodBytes int) {
	buf := make([]byte, periodBytes)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := unix.Read(p.pipePeerFD, buf)
		if err == unix.EAGAIN {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		if err != nil || n == 0 {
			return
		}
	}
}

// sendControl is unused by the steady-state demo loop but documents how a
// peer issues §6.1 commands and reads the reply.
func (p *demoPeer) sendControl(cmd ctlproto.Command) (ctlproto.Command, []byte, error) {
	if _, err := unix.Write(p.ctlPeerFD, ctlproto.Encode(cmd)); err != nil {
		return cmd, nil, err
	}
	reply := make([]byte, 16)
	n, err := unix.Read(p.ctlPeerFD, reply)
	if err != nil {
		return cmd, nil, err
	}
	return cmd, reply[:n], nil
}
