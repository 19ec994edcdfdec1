package control

import (
	"context"
	"encoding/xml"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"lancast.app/lancast/internal/domain"
)

// Client speaks AVTransport and RenderingControl SOAP to one renderer.
// It is stateless; endpoints come from the discovered device description.
type Client struct {
	httpClient *http.Client
	log        zerolog.Logger
}

func NewClient(log zerolog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log.With().Str("component", "control").Logger(),
	}
}

// TransportInfo is the renderer's raw transport state plus its normalized
// player state.
type TransportInfo struct {
	RawState string
	State    domain.PlayerState
}

// PositionInfo carries the renderer's playhead and the URI it is playing.
// TrackURI is compared against the session's own media route to detect a
// renderer that moved on to someone else's content.
type PositionInfo struct {
	TrackURI    string
	Position    time.Duration
	Duration    time.Duration
	HasPosition bool
}

type argDocument struct {
	XMLName    xml.Name
	XMLNS      string `xml:"xmlns:u,attr"`
	InstanceID string `xml:"InstanceID,omitempty"`

	CurrentURI         string `xml:"CurrentURI,omitempty"`
	CurrentURIMetaData string `xml:"CurrentURIMetaData,omitempty"`
	Speed              string `xml:"Speed,omitempty"`
	Unit               string `xml:"Unit,omitempty"`
	Target             string `xml:"Target,omitempty"`
	Channel            string `xml:"Channel,omitempty"`
	DesiredVolume      string `xml:"DesiredVolume,omitempty"`
}

func avAction(name string) argDocument {
	return argDocument{
		XMLName:    xml.Name{Local: "u:" + name},
		XMLNS:      avTransportService,
		InstanceID: "0",
	}
}

func (c *Client) SetAVTransportURI(ctx context.Context, endpoint, mediaURL, metadata string) error {
	req := avAction("SetAVTransportURI")
	req.CurrentURI = mediaURL
	req.CurrentURIMetaData = metadata
	_, err := c.call(ctx, endpoint, avTransportService, "SetAVTransportURI", req)
	return err
}

func (c *Client) Play(ctx context.Context, endpoint string) error {
	req := avAction("Play")
	req.Speed = "1"
	_, err := c.call(ctx, endpoint, avTransportService, "Play", req)
	return err
}

func (c *Client) Pause(ctx context.Context, endpoint string) error {
	_, err := c.call(ctx, endpoint, avTransportService, "Pause", avAction("Pause"))
	return err
}

func (c *Client) Stop(ctx context.Context, endpoint string) error {
	_, err := c.call(ctx, endpoint, avTransportService, "Stop", avAction("Stop"))
	return err
}

func (c *Client) Seek(ctx context.Context, endpoint string, to time.Duration) error {
	req := avAction("Seek")
	req.Unit = "REL_TIME"
	req.Target = formatDuration(to)
	_, err := c.call(ctx, endpoint, avTransportService, "Seek", req)
	return err
}

func (c *Client) SetVolume(ctx context.Context, endpoint string, volume int) error {
	if volume < 0 {
		volume = 0
	}
	if volume > 100 {
		volume = 100
	}
	req := argDocument{
		XMLName:       xml.Name{Local: "u:SetVolume"},
		XMLNS:         renderingControlService,
		InstanceID:    "0",
		Channel:       "Master",
		DesiredVolume: strconv.Itoa(volume),
	}
	_, err := c.call(ctx, endpoint, renderingControlService, "SetVolume", req)
	return err
}

func (c *Client) GetTransportInfo(ctx context.Context, endpoint string) (TransportInfo, error) {
	inner, err := c.call(ctx, endpoint, avTransportService, "GetTransportInfo", avAction("GetTransportInfo"))
	if err != nil {
		return TransportInfo{}, err
	}
	var resp struct {
		CurrentTransportState string `xml:"CurrentTransportState"`
	}
	if err := unmarshalInner(inner, &resp); err != nil {
		return TransportInfo{}, domain.Wrap(domain.KindControl, "decode transport info", err)
	}
	return TransportInfo{
		RawState: resp.CurrentTransportState,
		State:    MapTransportState(resp.CurrentTransportState),
	}, nil
}

func (c *Client) GetPositionInfo(ctx context.Context, endpoint string) (PositionInfo, error) {
	inner, err := c.call(ctx, endpoint, avTransportService, "GetPositionInfo", avAction("GetPositionInfo"))
	if err != nil {
		return PositionInfo{}, err
	}
	var resp struct {
		TrackURI      string `xml:"TrackURI"`
		TrackDuration string `xml:"TrackDuration"`
		RelTime       string `xml:"RelTime"`
	}
	if err := unmarshalInner(inner, &resp); err != nil {
		return PositionInfo{}, domain.Wrap(domain.KindControl, "decode position info", err)
	}
	info := PositionInfo{TrackURI: strings.TrimSpace(resp.TrackURI)}
	info.Position, info.HasPosition = parseClock(resp.RelTime)
	if d, ok := parseClock(resp.TrackDuration); ok {
		info.Duration = d
	}
	return info, nil
}

func (c *Client) GetVolume(ctx context.Context, endpoint string) (int, error) {
	req := argDocument{
		XMLName:    xml.Name{Local: "u:GetVolume"},
		XMLNS:      renderingControlService,
		InstanceID: "0",
		Channel:    "Master",
	}
	inner, err := c.call(ctx, endpoint, renderingControlService, "GetVolume", req)
	if err != nil {
		return 0, err
	}
	var resp struct {
		CurrentVolume int `xml:"CurrentVolume"`
	}
	if err := unmarshalInner(inner, &resp); err != nil {
		return 0, domain.Wrap(domain.KindControl, "decode volume", err)
	}
	return resp.CurrentVolume, nil
}

// SinkProtocolInfo asks the ConnectionManager what the renderer can play.
// The result is the renderer's comma separated Sink list, one protocolInfo
// entry per element.
func (c *Client) SinkProtocolInfo(ctx context.Context, endpoint string) ([]string, error) {
	req := argDocument{
		XMLName: xml.Name{Local: "u:GetProtocolInfo"},
		XMLNS:   connectionManagerService,
	}
	inner, err := c.call(ctx, endpoint, connectionManagerService, "GetProtocolInfo", req)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Sink string `xml:"Sink"`
	}
	if err := unmarshalInner(inner, &resp); err != nil {
		return nil, domain.Wrap(domain.KindControl, "decode protocol info", err)
	}
	var entries []string
	for _, e := range strings.Split(resp.Sink, ",") {
		if e = strings.TrimSpace(e); e != "" {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// MapTransportState normalizes a raw AVTransport state string.
func MapTransportState(raw string) domain.PlayerState {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "PLAYING", "RECORDING":
		return domain.StatePlaying
	case "PAUSED_PLAYBACK", "PAUSED_RECORDING":
		return domain.StatePaused
	case "TRANSITIONING", "CUSTOM":
		return domain.StateBuffering
	case "STOPPED":
		return domain.StateStopped
	case "NO_MEDIA_PRESENT", "":
		return domain.StateIdle
	default:
		return domain.StateIdle
	}
}

// unmarshalInner decodes the single action-response element inside a SOAP
// body. The response struct carries no XMLName, so the element's namespace
// prefix does not matter.
func unmarshalInner(inner []byte, out any) error {
	return xml.Unmarshal(inner, out)
}
