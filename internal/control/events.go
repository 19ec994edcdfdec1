package control

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lancast.app/lancast/internal/domain"
)

const defaultSubscribeTimeout = 300 * time.Second

// StatusEvent is one state push from the renderer, already normalized.
type StatusEvent struct {
	RawState    string
	State       domain.PlayerState
	HasState    bool
	Position    time.Duration
	HasPosition bool
}

// Subscription is one GENA subscription on an AVTransport event URL.
type Subscription struct {
	client   *http.Client
	eventURL string
	callback string
	log      zerolog.Logger

	mu      sync.Mutex
	sid     string
	timeout time.Duration
}

// Subscribe registers callbackURL for AVTransport event notifications.
func (c *Client) Subscribe(ctx context.Context, eventURL, callbackURL string) (*Subscription, error) {
	sub := &Subscription{
		client:   c.httpClient,
		eventURL: eventURL,
		callback: callbackURL,
		log:      c.log.With().Str("event_url", eventURL).Logger(),
		timeout:  defaultSubscribeTimeout,
	}
	if err := sub.subscribe(ctx); err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *Subscription) subscribe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "SUBSCRIBE", s.eventURL, nil)
	if err != nil {
		return domain.Wrap(domain.KindControl, "build subscribe request", err)
	}
	req.Header.Set("CALLBACK", "<"+s.callback+">")
	req.Header.Set("NT", "upnp:event")
	req.Header.Set("TIMEOUT", timeoutHeader(s.timeout))

	resp, err := s.client.Do(req)
	if err != nil {
		return domain.Wrap(domain.KindControl, "subscribe to renderer events", err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return domain.E(domain.KindControl,
			fmt.Sprintf("subscribe returned HTTP %d", resp.StatusCode))
	}
	sid := resp.Header.Get("SID")
	if sid == "" {
		return domain.E(domain.KindControl, "subscribe response carries no SID")
	}

	s.mu.Lock()
	s.sid = sid
	s.timeout = parseTimeoutHeader(resp.Header.Get("TIMEOUT"), s.timeout)
	s.mu.Unlock()
	return nil
}

// Renew extends the subscription; on a rejected SID it falls back to a
// fresh subscribe.
func (s *Subscription) Renew(ctx context.Context) error {
	s.mu.Lock()
	sid := s.sid
	timeout := s.timeout
	s.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, "SUBSCRIBE", s.eventURL, nil)
	if err != nil {
		return domain.Wrap(domain.KindControl, "build renew request", err)
	}
	req.Header.Set("SID", sid)
	req.Header.Set("TIMEOUT", timeoutHeader(timeout))

	resp, err := s.client.Do(req)
	if err != nil {
		return domain.Wrap(domain.KindControl, "renew event subscription", err)
	}
	drain(resp)

	if resp.StatusCode == http.StatusPreconditionFailed {
		s.log.Debug().Msg("subscription expired on renderer, resubscribing")
		return s.subscribe(ctx)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.E(domain.KindControl,
			fmt.Sprintf("renew returned HTTP %d", resp.StatusCode))
	}
	s.mu.Lock()
	s.timeout = parseTimeoutHeader(resp.Header.Get("TIMEOUT"), s.timeout)
	s.mu.Unlock()
	return nil
}

// RunRenewals keeps the subscription alive until ctx ends.
func (s *Subscription) RunRenewals(ctx context.Context) {
	for {
		s.mu.Lock()
		interval := s.timeout / 2
		s.mu.Unlock()
		if interval < 30*time.Second {
			interval = 30 * time.Second
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		if err := s.Renew(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn().Err(err).Msg("event renewal failed")
		}
	}
}

// Unsubscribe tells the renderer to stop notifying. Safe to call with an
// already expired SID.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	s.mu.Lock()
	sid := s.sid
	s.mu.Unlock()
	if sid == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, "UNSUBSCRIBE", s.eventURL, nil)
	if err != nil {
		return domain.Wrap(domain.KindControl, "build unsubscribe request", err)
	}
	req.Header.Set("SID", sid)

	resp, err := s.client.Do(req)
	if err != nil {
		return domain.Wrap(domain.KindControl, "unsubscribe renderer events", err)
	}
	drain(resp)
	return nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

func timeoutHeader(d time.Duration) string {
	return "Second-" + strconv.Itoa(int(d/time.Second))
}

func parseTimeoutHeader(h string, fallback time.Duration) time.Duration {
	h = strings.TrimSpace(h)
	if strings.EqualFold(h, "infinite") {
		return time.Hour
	}
	rest, ok := strings.CutPrefix(strings.ToLower(h), "second-")
	if !ok {
		return fallback
	}
	secs, err := strconv.Atoi(rest)
	if err != nil || secs <= 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}

type propertySet struct {
	Properties []struct {
		LastChange string `xml:"LastChange"`
	} `xml:"property"`
}

type lastChange struct {
	Instances []struct {
		TransportState       *attrValue `xml:"TransportState"`
		RelativeTimePosition *attrValue `xml:"RelativeTimePosition"`
	} `xml:"InstanceID"`
}

type attrValue struct {
	Val string `xml:"val,attr"`
}

// ParseNotify extracts status events from a GENA NOTIFY body.
func ParseNotify(body []byte) ([]StatusEvent, error) {
	var set propertySet
	if err := xml.Unmarshal(body, &set); err != nil {
		return nil, domain.Wrap(domain.KindControl, "decode event propertyset", err)
	}

	var events []StatusEvent
	for _, prop := range set.Properties {
		if strings.TrimSpace(prop.LastChange) == "" {
			continue
		}
		var change lastChange
		if err := xml.Unmarshal([]byte(prop.LastChange), &change); err != nil {
			return nil, domain.Wrap(domain.KindControl, "decode LastChange document", err)
		}
		for _, inst := range change.Instances {
			var ev StatusEvent
			if inst.TransportState != nil {
				ev.RawState = inst.TransportState.Val
				ev.State = MapTransportState(ev.RawState)
				ev.HasState = true
			}
			if inst.RelativeTimePosition != nil {
				ev.Position, ev.HasPosition = parseClock(inst.RelativeTimePosition.Val)
			}
			if ev.HasState || ev.HasPosition {
				events = append(events, ev)
			}
		}
	}
	return events, nil
}

// NotifyHandler serves GENA NOTIFY callbacks, pushing parsed events onto
// out. A full channel drops the event; polling will catch the state up.
func NotifyHandler(out chan<- StatusEvent, log zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "NOTIFY" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		events, err := ParseNotify(body)
		if err != nil {
			log.Debug().Err(err).Msg("unparseable NOTIFY body")
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		for _, ev := range events {
			select {
			case out <- ev:
			default:
				log.Debug().Str("state", ev.RawState).Msg("event channel full, dropping")
			}
		}
		w.WriteHeader(http.StatusOK)
	})
}
