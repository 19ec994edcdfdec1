package discovery

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alexballas/go-ssdp"
	"github.com/rs/zerolog"

	"lancast.app/lancast/internal/domain"
)

const (
	mediaRendererTarget = "urn:schemas-upnp-org:device:MediaRenderer:1"
	searchWaitSeconds   = 2
	describeTimeout     = 5 * time.Second
)

// sinkFetcher asks a renderer's ConnectionManager what it can play.
type sinkFetcher func(ctx context.Context, endpoint string) ([]string, error)

// Service finds MediaRenderer devices on the local network. A background
// sweep loop keeps a sightings map current; the newest sighting of a UDN
// is authoritative.
type Service struct {
	search    func(searchType string, waitSec int, localAddr string) ([]ssdp.Service, error)
	client    *http.Client
	fetchSink sinkFetcher
	interval  time.Duration
	log       zerolog.Logger

	mu          sync.Mutex
	known       map[string]domain.ReceiverDevice
	subscribers map[int]chan domain.ReceiverDevice
	nextSubID   int
}

func NewService(interval time.Duration, fetchSink sinkFetcher, log zerolog.Logger) *Service {
	return &Service{
		search:      ssdp.Search,
		client:      &http.Client{Timeout: describeTimeout},
		fetchSink:   fetchSink,
		interval:    interval,
		log:         log.With().Str("component", "discovery").Logger(),
		known:       make(map[string]domain.ReceiverDevice),
		subscribers: make(map[int]chan domain.ReceiverDevice),
	}
}

// Run sweeps immediately and then on every interval tick until ctx ends.
// Sweep failures are logged, never fatal.
func (s *Service) Run(ctx context.Context) {
	if _, err := s.Sweep(ctx); err != nil {
		s.log.Warn().Err(err).Msg("initial discovery sweep failed")
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.log.Warn().Err(err).Msg("discovery sweep failed")
			}
		}
	}
}

// Sweep performs one M-SEARCH pass and returns the full sorted device set
// as it stands afterwards. Finding nothing is an empty result, not an
// error.
func (s *Service) Sweep(ctx context.Context) ([]domain.ReceiverDevice, error) {
	responses, err := s.search(mediaRendererTarget, searchWaitSeconds, "")
	if err != nil {
		return nil, domain.Wrap(domain.KindSession, "ssdp search", err)
	}

	seen := map[string]bool{}
	for _, resp := range responses {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if resp.Location == "" || seen[resp.Location] {
			continue
		}
		seen[resp.Location] = true

		dev, err := s.describe(ctx, resp.Location)
		if err != nil {
			s.log.Debug().Err(err).Str("location", resp.Location).Msg("skipping renderer")
			continue
		}

		s.mu.Lock()
		s.known[dev.ID] = dev
		for _, ch := range s.subscribers {
			select {
			case ch <- dev:
			default:
			}
		}
		s.mu.Unlock()
		s.log.Debug().Str("name", dev.Name).Str("id", dev.ID).Msg("renderer sighted")
	}
	return s.Devices(), nil
}

// Devices returns the current sightings sorted by name.
func (s *Service) Devices() []domain.ReceiverDevice {
	s.mu.Lock()
	out := make([]domain.ReceiverDevice, 0, len(s.known))
	for _, dev := range s.known {
		out = append(out, dev)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		ni, nj := strings.ToLower(out[i].Name), strings.ToLower(out[j].Name)
		if ni != nj {
			return ni < nj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Subscribe returns a channel receiving every sighting as it is recorded.
// Sends to a full channel are dropped. The cancel func closes the channel.
func (s *Service) Subscribe() (<-chan domain.ReceiverDevice, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	ch := make(chan domain.ReceiverDevice, 8)
	s.subscribers[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Find matches a device by ID, UDN, or case-insensitive name, sweeping
// once if nothing is known yet.
func (s *Service) Find(ctx context.Context, query string) (domain.ReceiverDevice, error) {
	if dev, ok := s.lookup(query); ok {
		return dev, nil
	}
	if _, err := s.Sweep(ctx); err != nil {
		return domain.ReceiverDevice{}, err
	}
	if dev, ok := s.lookup(query); ok {
		return dev, nil
	}
	return domain.ReceiverDevice{}, domain.E(domain.KindSession, "no renderer matches "+query)
}

func (s *Service) lookup(query string) (domain.ReceiverDevice, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dev := range s.known {
		if dev.ID == query || dev.UDN == query || strings.EqualFold(dev.Name, query) {
			return dev, true
		}
	}
	return domain.ReceiverDevice{}, false
}

type deviceDescription struct {
	URLBase string      `xml:"URLBase"`
	Device  deviceEntry `xml:"device"`
}

type deviceEntry struct {
	DeviceType   string         `xml:"deviceType"`
	FriendlyName string         `xml:"friendlyName"`
	UDN          string         `xml:"UDN"`
	Services     []serviceEntry `xml:"serviceList>service"`
	Devices      []deviceEntry  `xml:"deviceList>device"`
}

type serviceEntry struct {
	ServiceType string `xml:"serviceType"`
	ControlURL  string `xml:"controlURL"`
	EventSubURL string `xml:"eventSubURL"`
}

// describe fetches and resolves the UPnP device description at location.
func (s *Service) describe(ctx context.Context, location string) (domain.ReceiverDevice, error) {
	ctx, cancel := context.WithTimeout(ctx, describeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return domain.ReceiverDevice{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return domain.ReceiverDevice{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return domain.ReceiverDevice{}, fmt.Errorf("description fetch returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.ReceiverDevice{}, err
	}

	var desc deviceDescription
	if err := xml.Unmarshal(body, &desc); err != nil {
		return domain.ReceiverDevice{}, fmt.Errorf("parse device description: %w", err)
	}

	base := strings.TrimSpace(desc.URLBase)
	if base == "" {
		base = location
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return domain.ReceiverDevice{}, fmt.Errorf("device description base url: %w", err)
	}

	dev := domain.ReceiverDevice{
		Name:     strings.TrimSpace(desc.Device.FriendlyName),
		UDN:      strings.TrimSpace(desc.Device.UDN),
		Location: location,
		LastSeen: time.Now(),
	}
	collectServices(&dev, baseURL, desc.Device)
	if dev.AVTransportControlURL == "" {
		return domain.ReceiverDevice{}, fmt.Errorf("no AVTransport service at %s", location)
	}
	dev.ID = stableID(dev.UDN)
	dev.Capabilities = s.capabilities(ctx, dev.ConnectionManagerControlURL)
	return dev, nil
}

// collectServices walks the device tree and records the first control and
// event URLs for each service family.
func collectServices(dev *domain.ReceiverDevice, base *url.URL, entry deviceEntry) {
	for _, svc := range entry.Services {
		switch {
		case strings.HasPrefix(svc.ServiceType, "urn:schemas-upnp-org:service:AVTransport"):
			if dev.AVTransportControlURL == "" {
				dev.AVTransportControlURL = resolve(base, svc.ControlURL)
				dev.AVTransportEventURL = resolve(base, svc.EventSubURL)
			}
		case strings.HasPrefix(svc.ServiceType, "urn:schemas-upnp-org:service:RenderingControl"):
			if dev.RenderingControlURL == "" {
				dev.RenderingControlURL = resolve(base, svc.ControlURL)
			}
		case strings.HasPrefix(svc.ServiceType, "urn:schemas-upnp-org:service:ConnectionManager"):
			if dev.ConnectionManagerControlURL == "" {
				dev.ConnectionManagerControlURL = resolve(base, svc.ControlURL)
			}
		}
	}
	for _, sub := range entry.Devices {
		collectServices(dev, base, sub)
	}
}

func resolve(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return base.ResolveReference(parsed).String()
}

func stableID(udn string) string {
	canonical := "dlna|" + strings.ToLower(strings.TrimSpace(udn))
	sum := sha1.Sum([]byte(canonical))
	return "dev_" + hex.EncodeToString(sum[:8])
}

// capabilities maps the renderer's protocol-info sink onto accepted
// container and codec sets; renderers that report nothing usable get the
// conservative default.
func (s *Service) capabilities(ctx context.Context, cmControlURL string) domain.Capabilities {
	if cmControlURL == "" || s.fetchSink == nil {
		return domain.DefaultCapabilities()
	}
	entries, err := s.fetchSink(ctx, cmControlURL)
	if err != nil {
		s.log.Debug().Err(err).Msg("protocol info unavailable, assuming defaults")
		return domain.DefaultCapabilities()
	}
	caps := capabilitiesFromSink(entries)
	if len(caps.Containers) == 0 {
		return domain.DefaultCapabilities()
	}
	return caps
}

// mimeSupport is the per-MIME contribution to a renderer's accepted sets.
var mimeSupport = map[string]struct {
	container   string
	videoCodecs []string
	audioCodecs []string
}{
	"video/mp4":        {"mp4", []string{"h264"}, []string{"aac"}},
	"video/x-matroska": {"mkv", []string{"h264", "h265"}, []string{"aac", "ac3"}},
	"video/x-mkv":      {"mkv", []string{"h264", "h265"}, []string{"aac", "ac3"}},
	"video/webm":       {"webm", []string{"vp8", "vp9"}, []string{"vorbis", "opus"}},
	"video/mpeg":       {"mpg", []string{"mpeg2video"}, []string{"mp2"}},
	"video/x-msvideo":  {"avi", []string{"mpeg4"}, []string{"mp3"}},
	"video/quicktime":  {"mov", []string{"h264"}, []string{"aac"}},
	"audio/mpeg":       {"", nil, []string{"mp3"}},
	"audio/mp4":        {"", nil, []string{"aac"}},
	"audio/x-ac3":      {"", nil, []string{"ac3"}},
	"audio/vnd.dlna.adts": {"", nil, []string{"aac"}},
}

func capabilitiesFromSink(entries []string) domain.Capabilities {
	var caps domain.Capabilities
	for _, entry := range entries {
		// protocolInfo: protocol:network:contentFormat:additionalInfo
		fields := strings.SplitN(entry, ":", 4)
		if len(fields) < 3 || !strings.EqualFold(fields[0], "http-get") {
			continue
		}
		support, ok := mimeSupport[strings.ToLower(strings.TrimSpace(fields[2]))]
		if !ok {
			continue
		}
		if support.container != "" {
			caps.Containers = appendUnique(caps.Containers, support.container)
		}
		for _, c := range support.videoCodecs {
			caps.VideoCodecs = appendUnique(caps.VideoCodecs, c)
		}
		for _, c := range support.audioCodecs {
			caps.AudioCodecs = appendUnique(caps.AudioCodecs, c)
		}
	}
	return caps
}

func appendUnique(set []string, v string) []string {
	for _, s := range set {
		if s == v {
			return set
		}
	}
	return append(set, v)
}
