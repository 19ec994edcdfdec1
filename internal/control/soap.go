package control

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"lancast.app/lancast/internal/domain"
)

const (
	avTransportService       = "urn:schemas-upnp-org:service:AVTransport:1"
	renderingControlService  = "urn:schemas-upnp-org:service:RenderingControl:1"
	connectionManagerService = "urn:schemas-upnp-org:service:ConnectionManager:1"
)

type envelope struct {
	XMLName       xml.Name `xml:"s:Envelope"`
	XMLNS         string   `xml:"xmlns:s,attr"`
	EncodingStyle string   `xml:"s:encodingStyle,attr"`
	Body          soapBody `xml:"s:Body"`
}

type soapBody struct {
	Action any
}

type responseEnvelope struct {
	XMLName xml.Name
	Body    struct {
		Inner []byte `xml:",innerxml"`
	} `xml:"Body"`
}

type upnpFault struct {
	XMLName xml.Name
	Detail  struct {
		UPnPError struct {
			Code        string `xml:"errorCode"`
			Description string `xml:"errorDescription"`
		} `xml:"UPnPError"`
	} `xml:"detail"`
}

// call posts one SOAP action to the service control endpoint and returns the
// raw inner body of the response envelope.
func (c *Client) call(ctx context.Context, endpoint, service, action string, req any) ([]byte, error) {
	payload, err := xml.Marshal(envelope{
		XMLNS:         "http://schemas.xmlsoap.org/soap/envelope/",
		EncodingStyle: "http://schemas.xmlsoap.org/soap/encoding/",
		Body:          soapBody{Action: req},
	})
	if err != nil {
		return nil, domain.Wrap(domain.KindControl, "encode "+action, err)
	}
	payload = append([]byte(xml.Header), payload...)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, domain.Wrap(domain.KindControl, "build "+action+" request", err)
	}
	httpReq.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	httpReq.Header.Set("SOAPACTION", fmt.Sprintf("%q", service+"#"+action))
	httpReq.Header.Set("Connection", "close")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, domain.Wrap(domain.KindControl, action+" against "+endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, domain.Wrap(domain.KindControl, "read "+action+" response", err)
	}

	if resp.StatusCode != http.StatusOK {
		if code, desc := parseFault(body); code != "" {
			return nil, domain.E(domain.KindControl,
				fmt.Sprintf("%s rejected: UPnP error %s (%s)", action, code, desc))
		}
		return nil, domain.E(domain.KindControl,
			fmt.Sprintf("%s returned HTTP %d", action, resp.StatusCode))
	}

	var parsed responseEnvelope
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return nil, domain.Wrap(domain.KindControl, "decode "+action+" response", err)
	}
	return parsed.Body.Inner, nil
}

func parseFault(body []byte) (code, description string) {
	var env struct {
		Body struct {
			Fault upnpFault `xml:"Fault"`
		} `xml:"Body"`
	}
	if err := xml.Unmarshal(body, &env); err != nil {
		return "", ""
	}
	f := env.Body.Fault.Detail.UPnPError
	return f.Code, f.Description
}

// formatDuration renders a position as the H:MM:SS wire form.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	return fmt.Sprintf("%d:%02d:%02d", total/3600, (total/60)%60, total%60)
}

// parseClock accepts H:MM:SS with optional fractional seconds. Renderers
// report NOT_IMPLEMENTED or an empty string when they have no position.
func parseClock(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "NOT_IMPLEMENTED") {
		return 0, false
	}
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, false
	}
	var h, m int
	var sec float64
	if _, err := fmt.Sscanf(parts[0], "%d", &h); err != nil {
		return 0, false
	}
	if _, err := fmt.Sscanf(parts[1], "%d", &m); err != nil {
		return 0, false
	}
	if _, err := fmt.Sscanf(parts[2], "%g", &sec); err != nil {
		return 0, false
	}
	return time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(sec*float64(time.Second)), true
}
