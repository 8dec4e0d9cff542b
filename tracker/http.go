package tracker

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/arjunsahu/gorent/bencode"
	"github.com/arjunsahu/gorent/peer"
)

// DefaultHTTPTimeout bounds the GET request against the tracker.
const DefaultHTTPTimeout = 15 * time.Second

// HTTPClient announces to a single HTTP(S) tracker (spec §4.8).
type HTTPClient struct {
	AnnounceURL string
	HTTPClient  *http.Client
}

// NewHTTPClient builds an HTTPClient for announceURL, defaulting the
// transport timeout to DefaultHTTPTimeout.
func NewHTTPClient(announceURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &HTTPClient{
		AnnounceURL: announceURL,
		HTTPClient:  &http.Client{Timeout: timeout},
	}
}

// Announce GETs the tracker's compact-peer announce endpoint and parses
// the bencoded response (spec §4.8).
func (c *HTTPClient) Announce(p AnnounceParams) (AnnounceResult, error) {
	reqURL, err := c.buildURL(p)
	if err != nil {
		return AnnounceResult{}, errTracker("building announce URL: %v", err)
	}

	resp, err := c.HTTPClient.Get(reqURL)
	if err != nil {
		return AnnounceResult{}, errTracker("GET %s: %v", c.AnnounceURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return AnnounceResult{}, errTracker("%s returned HTTP %d", c.AnnounceURL, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return AnnounceResult{}, errTracker("reading response body: %v", err)
	}

	decoded, err := bencode.Decode(body)
	if err != nil {
		return AnnounceResult{}, errTracker("decoding response: %v", err)
	}
	dict, ok := decoded.(map[string]interface{})
	if !ok {
		return AnnounceResult{}, errTracker("response is not a dictionary")
	}

	if failure, ok := dict["failure reason"].(string); ok && failure != "" {
		return AnnounceResult{}, errTracker("tracker reported failure: %s", failure)
	}

	peersRaw, err := peersBytes(dict["peers"])
	if err != nil {
		return AnnounceResult{}, errTracker("%v", err)
	}
	peers, err := peer.Unmarshal(peersRaw)
	if err != nil {
		return AnnounceResult{}, errTracker("parsing compact peers: %v", err)
	}

	interval := 1800
	if iv, ok := dict["interval"].(int64); ok && iv > 0 {
		interval = int(iv)
	}

	result := AnnounceResult{Peers: peers, Interval: interval}
	if v, ok := dict["complete"].(int64); ok {
		result.Seeders = int(v)
	}
	if v, ok := dict["incomplete"].(int64); ok {
		result.Leechers = int(v)
	}
	return result, nil
}

func peersBytes(v interface{}) ([]byte, error) {
	switch s := v.(type) {
	case string:
		return []byte(s), nil
	case bencode.Bytes:
		return []byte(s), nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("\"peers\" is not a byte string (compact form only is supported)")
	}
}

func (c *HTTPClient) buildURL(p AnnounceParams) (string, error) {
	base, err := url.Parse(c.AnnounceURL)
	if err != nil {
		return "", err
	}
	values := url.Values{
		"port":       {strconv.Itoa(int(p.Port))},
		"uploaded":   {strconv.FormatInt(p.Uploaded, 10)},
		"downloaded": {strconv.FormatInt(p.Downloaded, 10)},
		"left":       {strconv.FormatInt(p.Left, 10)},
		"compact":    {"1"},
	}
	if p.Event != EventNone {
		values.Set("event", string(p.Event))
	}
	base.RawQuery = values.Encode()
	base.RawQuery += "&info_hash=" + percentEncode(p.InfoHash[:])
	base.RawQuery += "&peer_id=" + percentEncode(p.PeerID[:])
	return base.String(), nil
}
