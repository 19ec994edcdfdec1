package session

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"lancast.app/lancast/internal/captions"
	"lancast.app/lancast/internal/control"
	"lancast.app/lancast/internal/domain"
	"lancast.app/lancast/internal/mediaserver"
	"lancast.app/lancast/internal/transcode"
)

const (
	defaultPollEvery      = 4 * time.Second
	defaultConfirmTimeout = 10 * time.Second
	defaultSeekWait       = 30 * time.Second
	monitorStopWait       = 500 * time.Millisecond
	shutdownCallTimeout   = 5 * time.Second
	eventQueueSize        = 16
	snapshotQueueSize     = 16

	defaultRetryAttempts    = 3
	defaultRetryBaseBackoff = 120 * time.Millisecond
	defaultRetryMaxBackoff  = 2 * time.Second
)

// Prober turns a local path into a probed media asset.
type Prober interface {
	Probe(ctx context.Context, path string) (*domain.MediaAsset, error)
}

// ReceiverControl is the command surface the controller needs on a renderer.
type ReceiverControl interface {
	SetAVTransportURI(ctx context.Context, endpoint, mediaURL, metadata string) error
	Play(ctx context.Context, endpoint string) error
	Pause(ctx context.Context, endpoint string) error
	Stop(ctx context.Context, endpoint string) error
	Seek(ctx context.Context, endpoint string, to time.Duration) error
	SetVolume(ctx context.Context, endpoint string, volume int) error
	GetTransportInfo(ctx context.Context, endpoint string) (control.TransportInfo, error)
	GetPositionInfo(ctx context.Context, endpoint string) (control.PositionInfo, error)
	GetVolume(ctx context.Context, endpoint string) (int, error)
}

// StreamServer is the slice of the media server the controller drives.
type StreamServer interface {
	AddStableMedia(path, contentType string, size int64) (token, route string)
	AddGrowingMedia(job mediaserver.GrowingJob, outputPath, contentType string) (token, route string)
	AddCaptions(payload []byte) (token, route string)
	Remove(tokens ...string)
	SetEventHandler(h http.Handler)
}

// TranscodeJob is the running-encode handle the controller tracks.
type TranscodeJob interface {
	BytesWritten() int64
	PlayableDuration() time.Duration
	WaitForBytes(ctx context.Context, offset int64) error
	Completed() bool
	Cancel()
}

// CaptionFetcher converts and caches caption tracks for one asset.
type CaptionFetcher interface {
	Get(ctx context.Context, track domain.SubtitleTrackRef) ([]byte, error)
}

// EventSubscription is a live GENA subscription on the renderer.
type EventSubscription interface {
	RunRenewals(ctx context.Context)
	Unsubscribe(ctx context.Context) error
}

// Deps are the controller's collaborators. The function fields exist so the
// concrete factories can be swapped out in tests.
type Deps struct {
	Prober         Prober
	Receiver       ReceiverControl
	Server         StreamServer
	StartTranscode func(ctx context.Context, asset *domain.MediaAsset, profile transcode.Profile) (TranscodeJob, string, error)
	CaptionStore   func(asset *domain.MediaAsset) CaptionFetcher
	Subscribe      func(ctx context.Context, eventURL, callbackURL string) (EventSubscription, error)
}

// SupervisorStarter adapts a transcode supervisor to Deps.StartTranscode.
func SupervisorStarter(s *transcode.Supervisor) func(context.Context, *domain.MediaAsset, transcode.Profile) (TranscodeJob, string, error) {
	return func(ctx context.Context, asset *domain.MediaAsset, profile transcode.Profile) (TranscodeJob, string, error) {
		job, err := s.Start(ctx, asset, profile)
		if err != nil {
			return nil, "", err
		}
		return job, job.OutputPath, nil
	}
}

// ConverterStores adapts a caption converter to Deps.CaptionStore.
func ConverterStores(conv *captions.Converter) func(*domain.MediaAsset) CaptionFetcher {
	return func(asset *domain.MediaAsset) CaptionFetcher {
		return captions.NewStore(conv, asset)
	}
}

// ClientSubscriber adapts a control client to Deps.Subscribe.
func ClientSubscriber(c *control.Client) func(context.Context, string, string) (EventSubscription, error) {
	return func(ctx context.Context, eventURL, callbackURL string) (EventSubscription, error) {
		return c.Subscribe(ctx, eventURL, callbackURL)
	}
}

// Config tunes the controller's timing.
type Config struct {
	BaseURL          string
	PollEvery        time.Duration
	ConfirmTimeout   time.Duration
	SeekWait         time.Duration
	RetryAttempts    int
	RetryBaseBackoff time.Duration
	RetryMaxBackoff  time.Duration
}

func (c *Config) fillDefaults() {
	if c.PollEvery <= 0 {
		c.PollEvery = defaultPollEvery
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = defaultConfirmTimeout
	}
	if c.SeekWait <= 0 {
		c.SeekWait = defaultSeekWait
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = defaultRetryAttempts
	}
	if c.RetryBaseBackoff <= 0 {
		c.RetryBaseBackoff = defaultRetryBaseBackoff
	}
	if c.RetryMaxBackoff < c.RetryBaseBackoff {
		c.RetryMaxBackoff = defaultRetryMaxBackoff
	}
}

// Controller owns the single playback session: the user's selections, the
// desired versus receiver-reported state, and the resources a load creates.
// Intents write desired state only; the status monitor is the sole writer
// of reported state once a session is live.
type Controller struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger
	now  func() time.Time

	// loadMu serializes Load so two callers cannot both install a session.
	loadMu sync.Mutex

	mu             sync.Mutex
	asset          *domain.MediaAsset
	device         *domain.ReceiverDevice
	captionTrackID string
	active         *playbackSession
	snap           domain.Snapshot
	subscribers    map[int]chan domain.Snapshot
	nextSubID      int
}

// playbackSession is everything one load creates and one stop releases.
type playbackSession struct {
	asset       *domain.MediaAsset
	device      domain.ReceiverDevice
	mediaURL    string
	captionURL  string
	transcoding bool
	job         TranscodeJob
	tokens      []string

	events        chan control.StatusEvent
	subscription  EventSubscription
	monitorCancel context.CancelFunc
	monitorDone   chan struct{}

	// pendingDesired is the optimistic intent awaiting receiver
	// confirmation; cleared by the monitor, failed after the window.
	pendingDesired domain.PlayerState
	pendingSince   time.Time

	closeOnce sync.Once
}

func New(cfg Config, deps Deps, log zerolog.Logger) *Controller {
	cfg.fillDefaults()
	return &Controller{
		cfg:         cfg,
		deps:        deps,
		log:         log.With().Str("component", "session").Logger(),
		now:         time.Now,
		snap:        domain.Snapshot{State: domain.StateIdle, Desired: domain.StateIdle, Volume: -1},
		subscribers: map[int]chan domain.Snapshot{},
	}
}

// SelectFile probes path and makes it the pending media selection. An
// active playback on the previous selection is stopped first.
func (c *Controller) SelectFile(ctx context.Context, path string) (*domain.MediaAsset, error) {
	if c.deps.Prober == nil {
		return nil, domain.E(domain.KindSession, "prober is not configured")
	}
	asset, err := c.deps.Prober.Probe(ctx, path)
	if err != nil {
		return nil, err
	}

	c.Stop(ctx)

	c.mu.Lock()
	c.asset = asset
	c.captionTrackID = ""
	c.snap = domain.Snapshot{
		State:     domain.StateIdle,
		Desired:   domain.StateIdle,
		Volume:    c.snap.Volume,
		MediaPath: asset.Path,
		Duration:  asset.Duration,
	}
	if c.device != nil {
		c.snap.DeviceID = c.device.ID
		c.snap.DeviceName = c.device.Name
	}
	c.publishLocked()
	c.mu.Unlock()
	return asset, nil
}

// SelectDevice makes dev the playback target, stopping any active session.
func (c *Controller) SelectDevice(ctx context.Context, dev domain.ReceiverDevice) {
	c.Stop(ctx)

	c.mu.Lock()
	copied := dev
	c.device = &copied
	c.snap.DeviceID = dev.ID
	c.snap.DeviceName = dev.Name
	c.publishLocked()
	c.mu.Unlock()
}

// SelectCaptionTrack picks a caption track for the next load. The track is
// either the ID of an embedded or sidecar track found by the probe, or a
// path to a .srt/.vtt file, or empty to clear the selection.
func (c *Controller) SelectCaptionTrack(track string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if track == "" {
		c.captionTrackID = ""
		c.snap.CaptionTrackID = ""
		c.publishLocked()
		return nil
	}
	if c.asset == nil {
		return domain.E(domain.KindSession, "select a media file before captions")
	}

	if _, ok := c.asset.SubtitleTrack(track); !ok {
		ext := strings.ToLower(filepath.Ext(track))
		if ext != ".srt" && ext != ".vtt" {
			return domain.E(domain.KindSession, "unknown caption track "+track)
		}
		ref := domain.SubtitleTrackRef{
			ID:       track,
			External: true,
			Path:     track,
			Title:    filepath.Base(track),
		}
		c.asset.Subtitles = append(c.asset.Subtitles, ref)
	}

	c.captionTrackID = track
	c.snap.CaptionTrackID = track
	c.publishLocked()
	return nil
}

// Load builds the serving side for the current selection and starts
// playback on the receiver. It replaces any previous session.
func (c *Controller) Load(ctx context.Context) error {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	c.mu.Lock()
	asset := c.asset
	device := c.device
	trackID := c.captionTrackID
	c.mu.Unlock()

	if asset == nil {
		return domain.E(domain.KindSession, "no media file selected")
	}
	if device == nil {
		return domain.E(domain.KindSession, "no receiver device selected")
	}

	c.Stop(ctx)
	c.setState(domain.StateLoading, domain.StatePlaying)

	sess, err := c.prepare(ctx, asset, *device, trackID)
	if err != nil {
		c.setError(err)
		return err
	}

	if err := c.startPlayback(ctx, sess); err != nil {
		c.releaseSession(sess, false)
		c.setError(err)
		return err
	}

	monitorCtx, monitorCancel := context.WithCancel(context.Background())
	sess.monitorCancel = monitorCancel
	sess.monitorDone = make(chan struct{})
	sess.pendingDesired = domain.StatePlaying
	sess.pendingSince = c.now()

	c.mu.Lock()
	c.active = sess
	c.snap.Desired = domain.StatePlaying
	c.snap.Transcoding = sess.transcoding
	c.publishLocked()
	c.mu.Unlock()

	if sess.subscription != nil {
		go sess.subscription.RunRenewals(monitorCtx)
	}
	go c.runStateMonitor(monitorCtx, sess)
	return nil
}

// prepare wires the media routes, caption sidecar, transcode job, and event
// subscription for one load.
func (c *Controller) prepare(ctx context.Context, asset *domain.MediaAsset, device domain.ReceiverDevice, trackID string) (*playbackSession, error) {
	sess := &playbackSession{
		asset:  asset,
		device: device,
		events: make(chan control.StatusEvent, eventQueueSize),
	}

	if transcode.Required(asset, device.Capabilities) {
		if c.deps.StartTranscode == nil {
			return nil, domain.E(domain.KindSession, "media needs transcoding but no transcoder is configured")
		}
		profile := transcode.SelectProfile(asset, device.Capabilities)
		job, outputPath, err := c.deps.StartTranscode(ctx, asset, profile)
		if err != nil {
			return nil, err
		}
		token, route := c.deps.Server.AddGrowingMedia(job, outputPath, profile.ContentType)
		sess.job = job
		sess.transcoding = true
		sess.tokens = append(sess.tokens, token)
		sess.mediaURL = c.cfg.BaseURL + route
	} else {
		token, route := c.deps.Server.AddStableMedia(asset.Path, asset.ContentType, asset.Size)
		sess.tokens = append(sess.tokens, token)
		sess.mediaURL = c.cfg.BaseURL + route
	}

	if trackID != "" {
		track, ok := asset.SubtitleTrack(trackID)
		if !ok {
			c.releaseSession(sess, false)
			return nil, domain.E(domain.KindCaption, "caption track vanished: "+trackID)
		}
		payload, err := c.deps.CaptionStore(asset).Get(ctx, track)
		if err != nil {
			c.releaseSession(sess, false)
			return nil, err
		}
		token, route := c.deps.Server.AddCaptions(payload)
		sess.tokens = append(sess.tokens, token)
		sess.captionURL = c.cfg.BaseURL + route
	}

	c.deps.Server.SetEventHandler(control.NotifyHandler(sess.events, c.log))
	if c.deps.Subscribe != nil && device.AVTransportEventURL != "" {
		callback := c.cfg.BaseURL + "/events/" + uuid.NewString()
		sub, err := c.deps.Subscribe(ctx, device.AVTransportEventURL, callback)
		if err != nil {
			c.log.Warn().Err(err).Msg("event subscription failed, falling back to polling only")
		} else {
			sess.subscription = sub
		}
	}
	return sess, nil
}

// startPlayback hands the media URL to the receiver and starts it.
func (c *Controller) startPlayback(ctx context.Context, sess *playbackSession) error {
	metadata, err := control.Metadata(control.MediaItem{
		Title:       strings.TrimSuffix(filepath.Base(sess.asset.Path), filepath.Ext(sess.asset.Path)),
		MediaURL:    sess.mediaURL,
		ContentType: contentTypeOf(sess),
		CaptionURL:  sess.captionURL,
	})
	if err != nil {
		return domain.Wrap(domain.KindControl, "build media metadata", err)
	}

	endpoint := sess.device.AVTransportControlURL
	if err := c.withRetry(ctx, "set_transport_uri", func() error {
		return c.deps.Receiver.SetAVTransportURI(ctx, endpoint, sess.mediaURL, metadata)
	}); err != nil {
		return err
	}
	return c.withRetry(ctx, "play", func() error {
		return c.deps.Receiver.Play(ctx, endpoint)
	})
}

func contentTypeOf(sess *playbackSession) string {
	if sess.transcoding {
		return "video/mp4"
	}
	return sess.asset.ContentType
}

// Play resumes a paused or freshly loaded session.
func (c *Controller) Play(ctx context.Context) error {
	sess, state, err := c.activeFor("play")
	if err != nil {
		return err
	}
	if state != domain.StatePaused && state != domain.StateBuffering && state != domain.StatePlaying {
		return domain.E(domain.KindSession, "cannot play from state "+string(state))
	}

	if err := c.withRetry(ctx, "play", func() error {
		return c.deps.Receiver.Play(ctx, sess.device.AVTransportControlURL)
	}); err != nil {
		c.failSession(sess, err)
		return err
	}
	c.setDesired(sess, domain.StatePlaying)
	return nil
}

// Pause suspends playback, optimistically.
func (c *Controller) Pause(ctx context.Context) error {
	sess, state, err := c.activeFor("pause")
	if err != nil {
		return err
	}
	if state != domain.StatePlaying && state != domain.StateBuffering {
		return domain.E(domain.KindSession, "cannot pause from state "+string(state))
	}

	if err := c.withRetry(ctx, "pause", func() error {
		return c.deps.Receiver.Pause(ctx, sess.device.AVTransportControlURL)
	}); err != nil {
		c.failSession(sess, err)
		return err
	}
	c.setDesired(sess, domain.StatePaused)
	return nil
}

// Seek moves the playhead. Seeking into a region the encoder has not
// written yet blocks, bounded, until the bytes exist.
func (c *Controller) Seek(ctx context.Context, to time.Duration) error {
	sess, state, err := c.activeFor("seek")
	if err != nil {
		return err
	}
	if state != domain.StatePlaying && state != domain.StatePaused && state != domain.StateBuffering {
		return domain.E(domain.KindSession, "cannot seek from state "+string(state))
	}
	if to < 0 {
		to = 0
	}
	if d := sess.asset.Duration; d > 0 && to > d {
		to = d
	}

	if sess.transcoding && sess.job != nil && !sess.job.Completed() {
		if err := c.waitForSeekTarget(ctx, sess.job, to); err != nil {
			return err
		}
	}

	if err := c.withRetry(ctx, "seek", func() error {
		return c.deps.Receiver.Seek(ctx, sess.device.AVTransportControlURL, to)
	}); err != nil {
		c.failSession(sess, err)
		return err
	}

	c.mu.Lock()
	c.snap.Position = to
	c.publishLocked()
	c.mu.Unlock()
	return nil
}

// waitForSeekTarget estimates the byte offset for the target position from
// the encoder's observed rate and waits for it.
func (c *Controller) waitForSeekTarget(ctx context.Context, job TranscodeJob, target time.Duration) error {
	playable := job.PlayableDuration()
	if playable >= target {
		return nil
	}
	bytes := job.BytesWritten()
	if playable <= 0 || bytes <= 0 {
		playable = time.Second
		bytes = 1
	}
	offset := int64(float64(bytes) * float64(target) / float64(playable))

	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.SeekWait)
	defer cancel()
	if err := job.WaitForBytes(waitCtx, offset); err != nil {
		return domain.Wrap(domain.KindSession, "seek target not yet transcoded", err)
	}
	return nil
}

// SetVolume sets the renderer master volume, 0 to 100.
func (c *Controller) SetVolume(ctx context.Context, volume int) error {
	sess, _, err := c.activeFor("set volume")
	if err != nil {
		return err
	}
	if sess.device.RenderingControlURL == "" {
		return domain.E(domain.KindSession, "receiver exposes no rendering control")
	}

	if err := c.withRetry(ctx, "set_volume", func() error {
		return c.deps.Receiver.SetVolume(ctx, sess.device.RenderingControlURL, volume)
	}); err != nil {
		return err
	}

	c.mu.Lock()
	c.snap.Volume = volume
	c.publishLocked()
	c.mu.Unlock()
	return nil
}

// Stop tears down the active session. Safe to call at any time, repeatedly.
func (c *Controller) Stop(ctx context.Context) {
	c.mu.Lock()
	sess := c.active
	c.active = nil
	c.mu.Unlock()
	if sess == nil {
		return
	}

	c.releaseSession(sess, true)

	c.mu.Lock()
	c.snap.State = domain.StateStopped
	c.snap.Desired = domain.StateStopped
	c.snap.Transcoding = false
	c.snap.Position = 0
	c.snap.Err = ""
	c.publishLocked()
	c.mu.Unlock()
}

// Close stops playback and releases everything. For process shutdown.
func (c *Controller) Close(ctx context.Context) {
	c.Stop(ctx)

	c.mu.Lock()
	for id, ch := range c.subscribers {
		close(ch)
		delete(c.subscribers, id)
	}
	c.mu.Unlock()
}

// releaseSession is the one teardown path for a session's resources.
func (c *Controller) releaseSession(sess *playbackSession, stopReceiver bool) {
	if sess == nil {
		return
	}
	sess.closeOnce.Do(func() {
		if sess.monitorCancel != nil {
			sess.monitorCancel()
		}

		ctx, cancel := context.WithTimeout(context.Background(), shutdownCallTimeout)
		defer cancel()

		if stopReceiver {
			if err := c.deps.Receiver.Stop(ctx, sess.device.AVTransportControlURL); err != nil {
				c.log.Debug().Err(err).Msg("receiver stop failed during teardown")
			}
		}
		if sess.subscription != nil {
			if err := sess.subscription.Unsubscribe(ctx); err != nil {
				c.log.Debug().Err(err).Msg("unsubscribe failed during teardown")
			}
		}
		if sess.job != nil {
			sess.job.Cancel()
		}
		if len(sess.tokens) > 0 {
			c.deps.Server.Remove(sess.tokens...)
		}
		c.deps.Server.SetEventHandler(nil)

		// The monitor goroutine can be the caller, so this wait comes
		// after the resources are gone and stays bounded.
		if sess.monitorDone != nil {
			select {
			case <-sess.monitorDone:
			case <-time.After(monitorStopWait):
			}
		}
	})
}

// Snapshot returns the current coherent session view.
func (c *Controller) Snapshot() domain.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() domain.Snapshot {
	snap := c.snap
	if c.active != nil && c.active.job != nil {
		snap.TranscodedBytes = c.active.job.BytesWritten()
		snap.TranscodedSeconds = c.active.job.PlayableDuration()
	}
	return snap
}

// Subscribe returns a channel of snapshots and a cancel function. Slow
// consumers miss intermediate snapshots, never block the session.
func (c *Controller) Subscribe() (<-chan domain.Snapshot, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSubID
	c.nextSubID++
	ch := make(chan domain.Snapshot, snapshotQueueSize)
	c.subscribers[id] = ch
	ch <- c.snapshotLocked()

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subscribers[id]; ok {
			delete(c.subscribers, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (c *Controller) publishLocked() {
	snap := c.snapshotLocked()
	for _, ch := range c.subscribers {
		select {
		case ch <- snap:
		default:
		}
	}
}

func (c *Controller) activeFor(intent string) (*playbackSession, domain.PlayerState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return nil, "", domain.E(domain.KindSession, "no active playback to "+intent)
	}
	if c.snap.State.Terminal() {
		return nil, "", domain.E(domain.KindSession, "session already ended, cannot "+intent)
	}
	return c.active, c.snap.State, nil
}

func (c *Controller) setDesired(sess *playbackSession, desired domain.PlayerState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != sess {
		return
	}
	c.snap.Desired = desired
	sess.pendingDesired = desired
	sess.pendingSince = c.now()
	c.publishLocked()
}

func (c *Controller) setState(state, desired domain.PlayerState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap.State = state
	c.snap.Desired = desired
	c.snap.Err = ""
	c.publishLocked()
}

func (c *Controller) setError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap.State = domain.StateError
	c.snap.Transcoding = false
	if err != nil {
		c.snap.Err = err.Error()
	}
	c.publishLocked()
}

// failSession moves the session into Error and releases its resources.
func (c *Controller) failSession(sess *playbackSession, err error) {
	c.mu.Lock()
	if c.active != sess {
		c.mu.Unlock()
		return
	}
	c.active = nil
	c.mu.Unlock()

	c.log.Error().Err(err).Msg("playback session failed")
	c.releaseSession(sess, false)
	c.setError(err)
}
