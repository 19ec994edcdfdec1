package control

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"lancast.app/lancast/internal/domain"
)

type recordedCall struct {
	action string
	body   string
}

// soapServer answers every action with the canned response body registered
// for it and records what it received.
type soapServer struct {
	mu        sync.Mutex
	calls     []recordedCall
	responses map[string]string
	status    int
}

func newSOAPServer() *soapServer {
	return &soapServer{responses: map[string]string{}, status: http.StatusOK}
}

func (s *soapServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	soapAction := strings.Trim(r.Header.Get("SOAPACTION"), `"`)
	action := soapAction[strings.LastIndex(soapAction, "#")+1:]

	s.mu.Lock()
	s.calls = append(s.calls, recordedCall{action: action, body: string(body)})
	inner := s.responses[action]
	status := s.status
	s.mu.Unlock()

	w.WriteHeader(status)
	_, _ = w.Write([]byte(`<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body>` +
		`<u:` + action + `Response xmlns:u="urn:x">` + inner + `</u:` + action + `Response>` +
		`</s:Body></s:Envelope>`))
}

func (s *soapServer) lastCall(t *testing.T) recordedCall {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.calls)
	return s.calls[len(s.calls)-1]
}

func testClient() *Client {
	return NewClient(zerolog.Nop())
}

func TestSetAVTransportURISendsEscapedMetadata(t *testing.T) {
	srv := newSOAPServer()
	ts := httptest.NewServer(srv)
	defer ts.Close()

	meta, err := Metadata(MediaItem{
		Title:       "movie",
		MediaURL:    "http://10.0.0.5:8000/media/abc",
		ContentType: "video/mp4",
		CaptionURL:  "http://10.0.0.5:8000/captions/def.vtt",
	})
	require.NoError(t, err)

	err = testClient().SetAVTransportURI(context.Background(), ts.URL, "http://10.0.0.5:8000/media/abc", meta)
	require.NoError(t, err)

	call := srv.lastCall(t)
	require.Equal(t, "SetAVTransportURI", call.action)
	require.Contains(t, call.body, "<CurrentURI>http://10.0.0.5:8000/media/abc</CurrentURI>")
	require.Contains(t, call.body, "&lt;DIDL-Lite")
	require.Contains(t, call.body, "CaptionInfoEx")
}

func TestSeekFormatsRelTime(t *testing.T) {
	srv := newSOAPServer()
	ts := httptest.NewServer(srv)
	defer ts.Close()

	err := testClient().Seek(context.Background(), ts.URL, 2*time.Hour+3*time.Minute+4*time.Second)
	require.NoError(t, err)

	call := srv.lastCall(t)
	require.Equal(t, "Seek", call.action)
	require.Contains(t, call.body, "<Unit>REL_TIME</Unit>")
	require.Contains(t, call.body, "<Target>2:03:04</Target>")
}

func TestGetTransportInfoMapsState(t *testing.T) {
	srv := newSOAPServer()
	srv.responses["GetTransportInfo"] = "<CurrentTransportState>PAUSED_PLAYBACK</CurrentTransportState><CurrentTransportStatus>OK</CurrentTransportStatus>"
	ts := httptest.NewServer(srv)
	defer ts.Close()

	info, err := testClient().GetTransportInfo(context.Background(), ts.URL)
	require.NoError(t, err)
	require.Equal(t, "PAUSED_PLAYBACK", info.RawState)
	require.Equal(t, domain.StatePaused, info.State)
}

func TestGetPositionInfoParsesClockAndTrackURI(t *testing.T) {
	srv := newSOAPServer()
	srv.responses["GetPositionInfo"] = "<Track>1</Track>" +
		"<TrackDuration>1:30:00</TrackDuration>" +
		"<TrackURI>http://10.0.0.5:8000/media/abc</TrackURI>" +
		"<RelTime>0:05:30</RelTime>"
	ts := httptest.NewServer(srv)
	defer ts.Close()

	info, err := testClient().GetPositionInfo(context.Background(), ts.URL)
	require.NoError(t, err)
	require.True(t, info.HasPosition)
	require.Equal(t, 5*time.Minute+30*time.Second, info.Position)
	require.Equal(t, 90*time.Minute, info.Duration)
	require.Equal(t, "http://10.0.0.5:8000/media/abc", info.TrackURI)
}

func TestGetPositionInfoWithoutPosition(t *testing.T) {
	srv := newSOAPServer()
	srv.responses["GetPositionInfo"] = "<TrackURI></TrackURI><RelTime>NOT_IMPLEMENTED</RelTime>"
	ts := httptest.NewServer(srv)
	defer ts.Close()

	info, err := testClient().GetPositionInfo(context.Background(), ts.URL)
	require.NoError(t, err)
	require.False(t, info.HasPosition)
}

func TestUPnPFaultSurfacesErrorCode(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body><s:Fault>
<faultcode>s:Client</faultcode><faultstring>UPnPError</faultstring>
<detail><UPnPError xmlns="urn:schemas-upnp-org:control-1-0">
<errorCode>716</errorCode><errorDescription>Resource not found</errorDescription>
</UPnPError></detail></s:Fault></s:Body></s:Envelope>`))
	}))
	defer ts.Close()

	err := testClient().Play(context.Background(), ts.URL)
	require.Error(t, err)
	require.True(t, domain.IsKind(err, domain.KindControl))
	require.Contains(t, err.Error(), "716")
}

func TestSinkProtocolInfoSplitsEntries(t *testing.T) {
	srv := newSOAPServer()
	srv.responses["GetProtocolInfo"] = "<Source></Source><Sink>http-get:*:video/mp4:*, http-get:*:audio/mpeg:*,</Sink>"
	ts := httptest.NewServer(srv)
	defer ts.Close()

	entries, err := testClient().SinkProtocolInfo(context.Background(), ts.URL)
	require.NoError(t, err)
	require.Equal(t, []string{"http-get:*:video/mp4:*", "http-get:*:audio/mpeg:*"}, entries)
}

func TestParseClock(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"0:00:00", 0, true},
		{"1:02:03", time.Hour + 2*time.Minute + 3*time.Second, true},
		{"0:00:01.500", 1500 * time.Millisecond, true},
		{"NOT_IMPLEMENTED", 0, false},
		{"", 0, false},
		{"garbage", 0, false},
	}
	for _, tc := range cases {
		got, ok := parseClock(tc.in)
		require.Equal(t, tc.ok, ok, tc.in)
		if ok {
			require.Equal(t, tc.want, got, tc.in)
		}
	}
}

func TestSubscribeRenewUnsubscribe(t *testing.T) {
	var mu sync.Mutex
	var methods []string
	var sids []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		methods = append(methods, r.Method)
		sids = append(sids, r.Header.Get("SID"))
		mu.Unlock()
		w.Header().Set("SID", "uuid:sub-1")
		w.Header().Set("TIMEOUT", "Second-120")
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	c := testClient()
	sub, err := c.Subscribe(context.Background(), ts.URL, "http://10.0.0.5:8000/events/tok")
	require.NoError(t, err)
	require.NoError(t, sub.Renew(context.Background()))
	require.NoError(t, sub.Unsubscribe(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"SUBSCRIBE", "SUBSCRIBE", "UNSUBSCRIBE"}, methods)
	require.Empty(t, sids[0])
	require.Equal(t, "uuid:sub-1", sids[1])
	require.Equal(t, "uuid:sub-1", sids[2])
}

const notifyBody = `<?xml version="1.0"?>
<e:propertyset xmlns:e="urn:schemas-upnp-org:event-1-0">
<e:property><LastChange>&lt;Event xmlns="urn:schemas-upnp-org:metadata-1-0/AVT/"&gt;&lt;InstanceID val="0"&gt;&lt;TransportState val="PLAYING"/&gt;&lt;RelativeTimePosition val="0:00:42"/&gt;&lt;/InstanceID&gt;&lt;/Event&gt;</LastChange></e:property>
</e:propertyset>`

func TestParseNotify(t *testing.T) {
	events, err := ParseNotify([]byte(notifyBody))
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.True(t, events[0].HasState)
	require.Equal(t, domain.StatePlaying, events[0].State)
	require.True(t, events[0].HasPosition)
	require.Equal(t, 42*time.Second, events[0].Position)
}

func TestNotifyHandlerPushesEvents(t *testing.T) {
	out := make(chan StatusEvent, 1)
	h := NotifyHandler(out, zerolog.Nop())

	req := httptest.NewRequest("NOTIFY", "/events/tok", strings.NewReader(notifyBody))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case ev := <-out:
		require.Equal(t, domain.StatePlaying, ev.State)
	default:
		t.Fatal("no event delivered")
	}

	// Wrong method is rejected.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events/tok", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMapTransportState(t *testing.T) {
	require.Equal(t, domain.StatePlaying, MapTransportState("PLAYING"))
	require.Equal(t, domain.StateBuffering, MapTransportState("TRANSITIONING"))
	require.Equal(t, domain.StateStopped, MapTransportState("stopped"))
	require.Equal(t, domain.StateIdle, MapTransportState("NO_MEDIA_PRESENT"))
	require.Equal(t, domain.StateIdle, MapTransportState("SOMETHING_NEW"))
}
