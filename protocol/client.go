package protocol

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/syncpad/syncpad/delta"
	"github.com/syncpad/syncpad/utils"
)

// Client implements the API contract over the pull HTTP transport.
type Client struct {
	base *url.URL
	doc  string
	hc   *http.Client
	log  utils.Logger
}

var _ API = (*Client)(nil)

func NewClient(baseURL, doc string, log utils.Logger) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("protocol: bad base url: %w", err)
	}
	return &Client{
		base: u,
		doc:  doc,
		// no overall client timeout: the changes call long-polls
		hc:  &http.Client{},
		log: log,
	}, nil
}

func (c *Client) endpoint(tail string, query url.Values) string {
	u := *c.base
	u.Path, _ = url.JoinPath(u.Path, "v1", "docs", c.doc, tail)
	u.RawQuery = query.Encode()
	return u.String()
}

func connErr(method string, err error) *APIError {
	return &APIError{Method: method, Kind: ErrKindConn, Err: err}
}

func protoErr(method string, err error) *APIError {
	return &APIError{Method: method, Kind: ErrKindProto, Err: err}
}

// roundTrip runs one request and returns the body of a 2xx response.
// A 204 comes back as (nil, nil); transport-level failures are
// connection errors, HTTP-level rejections protocol errors.
func (c *Client) roundTrip(ctx context.Context, method, rawURL string, body []byte, apiMethod string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, protoErr(apiMethod, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", ContentType)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, connErr(apiMethod, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, connErr(apiMethod, err)
	}
	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil, nil
	case resp.StatusCode/100 == 2:
		return data, nil
	case resp.StatusCode == http.StatusConflict:
		return nil, protoErr(apiMethod, fmt.Errorf("%w: %s", ErrRevisionSkew, bytes.TrimSpace(data)))
	case resp.StatusCode == http.StatusNotFound:
		return nil, protoErr(apiMethod, fmt.Errorf("%w: %s", ErrUnknownDoc, c.doc))
	default:
		return nil, protoErr(apiMethod, fmt.Errorf("http %d: %s", resp.StatusCode, bytes.TrimSpace(data)))
	}
}

func (c *Client) Snapshot(ctx context.Context) (delta.Change, error) {
	data, err := c.roundTrip(ctx, http.MethodGet, c.endpoint("snapshot", nil), nil, "snapshot")
	if err != nil {
		return delta.Change{}, err
	}
	rev, d, derr := decodeTagged('P', data)
	if derr != nil {
		return delta.Change{}, protoErr("snapshot", derr)
	}
	return delta.Change{Rev: rev, Delta: d}, nil
}

// DeltaAfter long-polls until a change past rev exists. The server's poll
// timeout answers 204; that is pacing, not failure, so the client simply
// polls again until the context says otherwise.
func (c *Client) DeltaAfter(ctx context.Context, rev int64) (delta.Change, error) {
	query := url.Values{"after": {strconv.FormatInt(rev, 10)}}
	ep := c.endpoint("changes", query)
	for {
		data, err := c.roundTrip(ctx, http.MethodGet, ep, nil, "deltaAfter")
		if err != nil {
			return delta.Change{}, err
		}
		if data == nil {
			select {
			case <-ctx.Done():
				return delta.Change{}, connErr("deltaAfter", ctx.Err())
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}
		ch, derr := DecodeChange(data)
		if derr != nil {
			return delta.Change{}, protoErr("deltaAfter", derr)
		}
		return ch, nil
	}
}

func (c *Client) ApplyDelta(ctx context.Context, rev int64, d *delta.Delta) (int64, *delta.Delta, error) {
	body, err := EncodeDelta(d)
	if err != nil {
		return 0, nil, protoErr("applyDelta", err)
	}
	query := url.Values{"base": {strconv.FormatInt(rev, 10)}}
	data, rerr := c.roundTrip(ctx, http.MethodPost, c.endpoint("apply", query), body, "applyDelta")
	if rerr != nil {
		return 0, nil, rerr
	}
	ch, derr := DecodeChange(data)
	if derr != nil {
		return 0, nil, protoErr("applyDelta", derr)
	}
	return ch.Rev, ch.Delta, nil
}
