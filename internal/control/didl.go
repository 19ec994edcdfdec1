package control

import (
	"bytes"
	"encoding/xml"
)

// MediaItem describes what a load hands the renderer. CaptionURL is optional;
// when set the metadata advertises the sidecar both as a subtitle resource
// and via the Samsung CaptionInfoEx extension, which covers the common
// renderer families.
type MediaItem struct {
	Title       string
	MediaURL    string
	ContentType string
	CaptionURL  string
}

type didlLite struct {
	XMLName xml.Name `xml:"DIDL-Lite"`
	XMLNS   string   `xml:"xmlns,attr"`
	DC      string   `xml:"xmlns:dc,attr"`
	UPnP    string   `xml:"xmlns:upnp,attr"`
	Sec     string   `xml:"xmlns:sec,attr"`
	Item    didlItem `xml:"item"`
}

type didlItem struct {
	ID         string     `xml:"id,attr"`
	ParentID   string     `xml:"parentID,attr"`
	Restricted string     `xml:"restricted,attr"`
	Title      string     `xml:"dc:title"`
	Class      string     `xml:"upnp:class"`
	Captions   []captionX `xml:"sec:CaptionInfoEx,omitempty"`
	Resources  []didlRes  `xml:"res"`
}

type captionX struct {
	Type  string `xml:"sec:type,attr"`
	Value string `xml:",chardata"`
}

type didlRes struct {
	ProtocolInfo string `xml:"protocolInfo,attr"`
	Value        string `xml:",chardata"`
}

// Metadata renders the DIDL-Lite document for SetAVTransportURI.
func Metadata(item MediaItem) (string, error) {
	contentType := item.ContentType
	if contentType == "" {
		contentType = "video/mp4"
	}
	doc := didlLite{
		XMLNS: "urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/",
		DC:    "http://purl.org/dc/elements/1.1/",
		UPnP:  "urn:schemas-upnp-org:metadata-1-0/upnp/",
		Sec:   "http://www.sec.co.kr/",
		Item: didlItem{
			ID:         "0",
			ParentID:   "-1",
			Restricted: "1",
			Title:      item.Title,
			Class:      "object.item.videoItem.movie",
			Resources: []didlRes{{
				ProtocolInfo: "http-get:*:" + contentType + ":DLNA.ORG_OP=01;DLNA.ORG_FLAGS=01700000000000000000000000000000",
				Value:        item.MediaURL,
			}},
		},
	}
	if item.CaptionURL != "" {
		doc.Item.Captions = []captionX{{Type: "srt", Value: item.CaptionURL}}
		doc.Item.Resources = append(doc.Item.Resources, didlRes{
			ProtocolInfo: "http-get:*:text/vtt:*",
			Value:        item.CaptionURL,
		})
	}

	var buf bytes.Buffer
	if err := xml.NewEncoder(&buf).Encode(doc); err != nil {
		return "", err
	}
	return buf.String(), nil
}
