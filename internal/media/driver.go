// Package media is the client-side Media Session Driver: it captures local
// audio, runs one WebRTC peer connection per call over pion, negotiates it
// through the signaling relay and reports connection state and the remote
// audio level.
package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
)

// State is the lifecycle of the driver.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateStarted  State = "started"
	StateStopping State = "stopping"
)

// ConnState is the connection state reported to the UI.
type ConnState string

const (
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnFailed       ConnState = "failed"
)

var (
	// ErrBusy is returned by Start while another session is running.
	ErrBusy = errors.New("media: driver is busy")
	// ErrStopped is returned by a Start that was stopped before it finished.
	ErrStopped = errors.New("media: stopped while starting")
	// ErrConnectionLost is reported when the peer connection fails or
	// disconnects. The driver never retries on its own.
	ErrConnectionLost = errors.New("media: peer connection lost")
)

const (
	opusPayloadType = 111
	opusClockRate   = 48000
	rtpMTU          = 1200

	// DefaultCandidateBuffer bounds early remote ICE candidates.
	DefaultCandidateBuffer = 32
)

var opusCodec = webrtc.RTPCodecCapability{
	MimeType:    webrtc.MimeTypeOpus,
	ClockRate:   opusClockRate,
	Channels:    2,
	SDPFmtpLine: "minptime=10;useinbandfec=1",
}

// Config tunes the driver.
type Config struct {
	ICEServers      []string
	CandidateBuffer int
	// OnConnState is called on every connection state change.
	OnConnState func(ConnState)
}

// Call identifies the session the driver connects.
type Call struct {
	SessionID string
	RoomID    string
	Initiator bool // the initiator sends the offer
}

// Driver runs at most one call at a time. Start and Stop may be called from
// any goroutine.
type Driver struct {
	cfg Config
	mic Microphone
	sig Signaler
	api *webrtc.API

	mu          sync.Mutex
	state       State
	call        Call
	pc          *webrtc.PeerConnection
	capture     Capture
	unsubscribe func()
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	pending     *candidateRing
	err         error
	stopPending bool // Stop arrived while starting

	conn  atomic.Value // ConnState
	muted atomic.Bool
	meter Meter
}

// NewDriver creates a stopped driver.
func NewDriver(cfg Config, mic Microphone, sig Signaler) (*Driver, error) {
	if cfg.CandidateBuffer <= 0 {
		cfg.CandidateBuffer = DefaultCandidateBuffer
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: opusCodec,
		PayloadType:        opusPayloadType,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("media: register opus: %w", err)
	}
	if err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: sdp.AudioLevelURI},
		webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("media: register audio level: %w", err)
	}

	d := &Driver{
		cfg:   cfg,
		mic:   mic,
		sig:   sig,
		api:   webrtc.NewAPI(webrtc.WithMediaEngine(m)),
		state: StateStopped,
	}
	d.conn.Store(ConnConnecting)
	return d, nil
}

// State returns the lifecycle state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// ConnState returns the last reported connection state.
func (d *Driver) ConnState() ConnState {
	return d.conn.Load().(ConnState)
}

// Err returns the error that ended the connection, if any.
func (d *Driver) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// SetMuted stops or resumes sending captured audio.
func (d *Driver) SetMuted(muted bool) {
	d.muted.Store(muted)
}

// Muted reports whether local audio is muted.
func (d *Driver) Muted() bool {
	return d.muted.Load()
}

// Level returns the remote audio level in [0, 1].
func (d *Driver) Level() float64 {
	return d.meter.Level()
}

// SignalingState returns the peer connection's signaling state, or closed
// when no call is running.
func (d *Driver) SignalingState() webrtc.SignalingState {
	d.mu.Lock()
	pc := d.pc
	d.mu.Unlock()
	if pc == nil {
		return webrtc.SignalingStateClosed
	}
	return pc.SignalingState()
}

// Start connects the call. Starting the call that is already starting or
// running is a no-op; starting a different call returns ErrBusy. On error
// nothing is left open.
func (d *Driver) Start(ctx context.Context, c Call) error {
	d.mu.Lock()
	if d.state != StateStopped {
		same := d.call.SessionID == c.SessionID
		d.mu.Unlock()
		if same {
			return nil
		}
		return ErrBusy
	}
	d.state = StateStarting
	d.call = c
	d.err = nil
	d.stopPending = false
	d.mu.Unlock()

	if err := d.start(ctx, c); err != nil {
		d.mu.Lock()
		d.state = StateStopped
		d.call = Call{}
		d.stopPending = false
		d.mu.Unlock()
		return err
	}

	d.mu.Lock()
	stop := d.stopPending
	d.stopPending = false
	d.mu.Unlock()
	if stop {
		if err := d.Stop(); err != nil {
			return errors.Join(ErrStopped, err)
		}
		return ErrStopped
	}
	return nil
}

func (d *Driver) start(ctx context.Context, c Call) error {
	capture, err := d.mic.Open(ctx)
	if err != nil {
		return fmt.Errorf("media: open microphone: %w", err)
	}

	pc, track, err := d.newPeerConnection()
	if err != nil {
		_ = capture.Close()
		return err
	}

	signals, unsubscribe := d.sig.Subscribe(c.SessionID)
	runCtx, cancel := context.WithCancel(context.Background())

	d.mu.Lock()
	d.pc = pc
	d.capture = capture
	d.unsubscribe = unsubscribe
	d.cancel = cancel
	d.pending = newCandidateRing(d.cfg.CandidateBuffer)
	d.state = StateStarted
	d.mu.Unlock()

	d.setConn(ConnConnecting)
	d.meter.Reset()

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		if err := d.sig.SendSignal(runCtx, c.SessionID, SignalICECandidate, cand.ToJSON()); err != nil {
			log.Printf("[media] send candidate session=%s: %v", c.SessionID, err)
		}
	})
	pc.OnConnectionStateChange(d.onConnectionState)
	pc.OnTrack(func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		d.wg.Add(1)
		go d.readRemote(remote, receiver)
	})

	d.wg.Add(2)
	go d.sendLoop(runCtx, capture, track, pc)
	go d.signalLoop(runCtx, c, signals)

	if c.Initiator {
		if err := d.offer(runCtx, c, pc); err != nil {
			_ = d.Stop()
			return err
		}
	}
	log.Printf("[media] started session=%s room=%s initiator=%t", c.SessionID, c.RoomID, c.Initiator)
	return nil
}

func (d *Driver) newPeerConnection() (*webrtc.PeerConnection, *webrtc.TrackLocalStaticRTP, error) {
	var servers []webrtc.ICEServer
	if len(d.cfg.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: d.cfg.ICEServers}}
	}
	pc, err := d.api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, nil, fmt.Errorf("media: new peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticRTP(opusCodec, "audio", "callengine")
	if err != nil {
		_ = pc.Close()
		return nil, nil, fmt.Errorf("media: new track: %w", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		_ = pc.Close()
		return nil, nil, fmt.Errorf("media: add track: %w", err)
	}
	return pc, track, nil
}

// Stop tears the call down. Capture, peer connection and signaling
// subscription are all released even when one of them fails; the failures
// are joined into the returned error. Stopping a stopped driver is a no-op.
// Stopping a driver that is still starting is deferred: the pending Start
// tears everything down before it returns ErrStopped.
func (d *Driver) Stop() error {
	d.mu.Lock()
	switch d.state {
	case StateStopped, StateStopping:
		d.mu.Unlock()
		return nil
	case StateStarting:
		d.stopPending = true
		d.mu.Unlock()
		return nil
	}
	d.state = StateStopping
	pc, capture, unsubscribe, cancel := d.pc, d.capture, d.unsubscribe, d.cancel
	sessionID := d.call.SessionID
	d.mu.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("media: close peer connection: %w", err))
		}
	}
	if capture != nil {
		if err := capture.Close(); err != nil {
			errs = append(errs, fmt.Errorf("media: close capture: %w", err))
		}
	}
	d.wg.Wait()

	d.mu.Lock()
	d.state = StateStopped
	d.pc, d.capture, d.unsubscribe, d.cancel = nil, nil, nil, nil
	d.pending = nil
	d.call = Call{}
	d.mu.Unlock()

	log.Printf("[media] stopped session=%s", sessionID)
	return errors.Join(errs...)
}

func (d *Driver) setConn(s ConnState) {
	d.conn.Store(s)
	if d.cfg.OnConnState != nil {
		d.cfg.OnConnState(s)
	}
}

func (d *Driver) onConnectionState(s webrtc.PeerConnectionState) {
	switch s {
	case webrtc.PeerConnectionStateNew, webrtc.PeerConnectionStateConnecting:
		d.setConn(ConnConnecting)
	case webrtc.PeerConnectionStateConnected:
		d.setConn(ConnConnected)
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		cs := ConnDisconnected
		if s == webrtc.PeerConnectionStateFailed {
			cs = ConnFailed
		}
		d.mu.Lock()
		if d.state == StateStarted {
			d.err = fmt.Errorf("%w: %s", ErrConnectionLost, s)
		}
		d.mu.Unlock()
		d.setConn(cs)
	}
}

// sendLoop packetizes captured frames onto the local track, tagging each
// packet with its audio level once the extension id is negotiated.
func (d *Driver) sendLoop(ctx context.Context, capture Capture, track *webrtc.TrackLocalStaticRTP, pc *webrtc.PeerConnection) {
	defer d.wg.Done()

	packetizer := rtp.NewPacketizer(rtpMTU, opusPayloadType, 0, &codecs.OpusPayloader{},
		rtp.NewRandomSequencer(), opusClockRate)
	var extID uint8

	for {
		frame, err := capture.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("[media] capture: %v", err)
			}
			return
		}
		samples := uint32(frame.Duration.Seconds() * opusClockRate)
		if d.muted.Load() {
			packetizer.SkipSamples(samples)
			continue
		}
		if extID == 0 {
			extID = senderAudioLevelID(pc)
		}

		level := rtp.AudioLevelExtension{Level: frame.Level, Voice: frame.Level < SilentLevel}
		for _, pkt := range packetizer.Packetize(frame.Data, samples) {
			if extID != 0 {
				if raw, err := level.Marshal(); err == nil {
					_ = pkt.Header.SetExtension(extID, raw)
				}
			}
			if err := track.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				log.Printf("[media] write rtp: %v", err)
			}
		}
	}
}

func senderAudioLevelID(pc *webrtc.PeerConnection) uint8 {
	for _, sender := range pc.GetSenders() {
		for _, ext := range sender.GetParameters().HeaderExtensions {
			if ext.URI == sdp.AudioLevelURI {
				return uint8(ext.ID)
			}
		}
	}
	return 0
}

// readRemote feeds the remote track's audio levels into the meter.
func (d *Driver) readRemote(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	defer d.wg.Done()

	var extID uint8
	for _, ext := range receiver.GetParameters().HeaderExtensions {
		if ext.URI == sdp.AudioLevelURI {
			extID = uint8(ext.ID)
		}
	}
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			return
		}
		d.meter.ObservePacket(pkt, extID)
	}
}

// signalLoop applies remote signals in arrival order. The responder first
// looks up an offer sent before it subscribed.
func (d *Driver) signalLoop(ctx context.Context, c Call, signals <-chan Signal) {
	defer d.wg.Done()

	if !c.Initiator {
		offer, err := d.sig.LatestOffer(ctx, c.SessionID)
		if err != nil && ctx.Err() == nil {
			log.Printf("[media] offer lookup session=%s: %v", c.SessionID, err)
		}
		if offer != nil {
			d.handleSignal(ctx, c, *offer)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-signals:
			if !ok {
				return
			}
			d.handleSignal(ctx, c, s)
		}
	}
}

// handleSignal applies one remote signal. Protocol violations are logged
// and discarded.
func (d *Driver) handleSignal(ctx context.Context, c Call, s Signal) {
	d.mu.Lock()
	pc := d.pc
	d.mu.Unlock()
	if pc == nil {
		return
	}

	switch s.Type {
	case SignalOffer:
		if c.Initiator {
			log.Printf("[media] discarding offer: session=%s we are the initiator", c.SessionID)
			return
		}
		if pc.RemoteDescription() != nil {
			return
		}
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(s.Payload, &desc); err != nil || desc.Type != webrtc.SDPTypeOffer {
			log.Printf("[media] discarding malformed offer session=%s", c.SessionID)
			return
		}
		if err := audioOnly(desc.SDP); err != nil {
			log.Printf("[media] discarding offer session=%s: %v", c.SessionID, err)
			return
		}
		if err := pc.SetRemoteDescription(desc); err != nil {
			log.Printf("[media] apply offer session=%s: %v", c.SessionID, err)
			return
		}
		d.flushCandidates(pc)
		if err := d.answer(ctx, c, pc); err != nil {
			log.Printf("[media] answer session=%s: %v", c.SessionID, err)
		}

	case SignalAnswer:
		if pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
			log.Printf("[media] discarding answer in state %s session=%s", pc.SignalingState(), c.SessionID)
			return
		}
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(s.Payload, &desc); err != nil || desc.Type != webrtc.SDPTypeAnswer {
			log.Printf("[media] discarding malformed answer session=%s", c.SessionID)
			return
		}
		if err := pc.SetRemoteDescription(desc); err != nil {
			log.Printf("[media] apply answer session=%s: %v", c.SessionID, err)
			return
		}
		d.flushCandidates(pc)

	case SignalICECandidate:
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(s.Payload, &cand); err != nil {
			log.Printf("[media] discarding malformed candidate session=%s", c.SessionID)
			return
		}
		if pc.RemoteDescription() == nil {
			d.mu.Lock()
			dropped := d.pending != nil && d.pending.push(cand)
			d.mu.Unlock()
			if dropped {
				log.Printf("[media] candidate buffer full, dropped oldest session=%s", c.SessionID)
			}
			return
		}
		if err := pc.AddICECandidate(cand); err != nil {
			log.Printf("[media] add candidate session=%s: %v", c.SessionID, err)
		}

	default:
		log.Printf("[media] discarding unknown signal %q session=%s", s.Type, c.SessionID)
	}
}

// pendingCandidates returns how many remote candidates wait for a remote
// description.
func (d *Driver) pendingCandidates() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == nil {
		return 0
	}
	return d.pending.len()
}

func (d *Driver) flushCandidates(pc *webrtc.PeerConnection) {
	d.mu.Lock()
	var early []webrtc.ICECandidateInit
	if d.pending != nil {
		early = d.pending.drain()
	}
	d.mu.Unlock()

	for _, cand := range early {
		if err := pc.AddICECandidate(cand); err != nil {
			log.Printf("[media] add buffered candidate: %v", err)
		}
	}
}

func (d *Driver) offer(ctx context.Context, c Call, pc *webrtc.PeerConnection) error {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("media: create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("media: set local offer: %w", err)
	}
	if err := d.sig.SendSignal(ctx, c.SessionID, SignalOffer, offer); err != nil {
		return fmt.Errorf("media: send offer: %w", err)
	}
	return nil
}

func (d *Driver) answer(ctx context.Context, c Call, pc *webrtc.PeerConnection) error {
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("media: create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("media: set local answer: %w", err)
	}
	if err := d.sig.SendSignal(ctx, c.SessionID, SignalAnswer, answer); err != nil {
		return fmt.Errorf("media: send answer: %w", err)
	}
	return nil
}

// audioOnly rejects descriptions carrying anything but audio sections.
func audioOnly(raw string) error {
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(raw)); err != nil {
		return fmt.Errorf("media: parse sdp: %w", err)
	}
	if len(parsed.MediaDescriptions) == 0 {
		return errors.New("media: sdp has no media sections")
	}
	for _, md := range parsed.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			return fmt.Errorf("media: unexpected %s section", md.MediaName.Media)
		}
	}
	return nil
}
