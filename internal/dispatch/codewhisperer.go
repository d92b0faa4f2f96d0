package dispatch

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"time"

	"github.com/nulpointcorp/claude-router/internal/routing"
	"github.com/nulpointcorp/claude-router/internal/transform"
)

// CodeWhispererClient connects CodeWhisperer bindings. Auth uses the AWS SSO
// bearer token held in the credential pool; the profile ARN travels in the
// request envelope. The response is a binary event stream — each frame
// carries typed headers plus a JSON body — decoded here and handed to the
// transformer as normalized chunks.
type CodeWhispererClient struct {
	httpClient *http.Client
}

// NewCodeWhispererClient creates the CodeWhisperer dialect connector.
func NewCodeWhispererClient(timeout time.Duration) *CodeWhispererClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CodeWhispererClient{httpClient: &http.Client{Timeout: timeout}}
}

func (c *CodeWhispererClient) Dialect() routing.Dialect { return routing.DialectCodeWhisperer }

func (c *CodeWhispererClient) endpoint(b *routing.Binding) string {
	if b.Stages.Dispatch.Endpoint != "" {
		return b.Stages.Dispatch.Endpoint
	}
	return fmt.Sprintf("https://codewhisperer.%s.amazonaws.com/generateAssistantResponse",
		b.Stages.Dispatch.Region)
}

func (c *CodeWhispererClient) Do(ctx context.Context, p *transform.Payload, apiKey string, stream bool, b *routing.Binding) (*Result, error) {
	if p.CodeWhisperer == nil {
		return nil, fmt.Errorf("codewhisperer: payload variant missing")
	}

	env := *p.CodeWhisperer
	env.ProfileARN = b.Stages.Dispatch.ProfileARN

	payload, err := json.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("codewhisperer: marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(b), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("codewhisperer: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/vnd.amazon.eventstream")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.parseError(b.Provider, resp)
	}

	if stream {
		return c.doStream(resp, b), nil
	}

	defer resp.Body.Close()
	chunks, err := drainEventStream(resp.Body)
	if err != nil {
		return nil, &partialStreamError{Provider: b.Provider, Err: err}
	}
	return &Result{Upstream: &transform.Upstream{
		CodeWhisperer: transform.AssembleCodeWhispererResponse(chunks),
	}}, nil
}

func (c *CodeWhispererClient) doStream(resp *http.Response, b *routing.Binding) *Result {
	ch := make(chan transform.StreamChunk, 64)

	go func() {
		defer resp.Body.Close()
		defer close(ch)

		dec := newEventStreamDecoder(resp.Body)
		delivered := false
		for {
			eventType, payload, err := dec.next()
			if err == io.EOF {
				return
			}
			if err != nil {
				wrapped := err
				if delivered {
					wrapped = &partialStreamError{Provider: b.Provider, Err: err}
				}
				ch <- transform.StreamChunk{Err: wrapped}
				return
			}
			if chunk, ok := transform.ParseCodeWhispererEvent(eventType, payload); ok {
				delivered = true
				ch <- chunk
			}
		}
	}()

	return &Result{Stream: ch}
}

type cwErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"__type"`
}

func (c *CodeWhispererClient) parseError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var eb cwErrorBody
	if json.Unmarshal(body, &eb) == nil && eb.Message != "" {
		return &upstreamError{Provider: provider, Status: resp.StatusCode, Message: eb.Message}
	}
	return &upstreamError{
		Provider: provider,
		Status:   resp.StatusCode,
		Message:  fmt.Sprintf("unexpected status %d", resp.StatusCode),
	}
}

// drainEventStream decodes every frame of a completed response.
func drainEventStream(r io.Reader) ([]transform.StreamChunk, error) {
	dec := newEventStreamDecoder(r)
	var out []transform.StreamChunk
	for {
		eventType, payload, err := dec.next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		if chunk, ok := transform.ParseCodeWhispererEvent(eventType, payload); ok {
			out = append(out, chunk)
		}
	}
}

// ── Event-stream binary framing ──────────────────────────────────────────────
//
// Each frame:
//
//	4B total length | 4B headers length | 4B prelude CRC
//	headers: { 1B name len, name, 1B value type, 2B value len, value }*
//	payload
//	4B message CRC
//
// CRCs are CRC-32/IEEE. The ":event-type" header selects the event variant;
// ":message-type" distinguishes events from wire-level errors.

const (
	esPreludeLen   = 12
	esMaxFrameSize = 1 << 24
	esHeaderString = 7
)

type eventStreamDecoder struct {
	r io.Reader
}

func newEventStreamDecoder(r io.Reader) *eventStreamDecoder {
	return &eventStreamDecoder{r: r}
}

// next decodes one frame and returns its event type and JSON payload.
// Returns io.EOF cleanly at end of stream.
func (d *eventStreamDecoder) next() (string, []byte, error) {
	var prelude [esPreludeLen]byte
	if _, err := io.ReadFull(d.r, prelude[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return "", nil, io.ErrUnexpectedEOF
		}
		return "", nil, err
	}

	totalLen := binary.BigEndian.Uint32(prelude[0:4])
	headersLen := binary.BigEndian.Uint32(prelude[4:8])
	preludeCRC := binary.BigEndian.Uint32(prelude[8:12])

	if crc32.ChecksumIEEE(prelude[:8]) != preludeCRC {
		return "", nil, fmt.Errorf("eventstream: prelude checksum mismatch")
	}
	if totalLen > esMaxFrameSize || totalLen < esPreludeLen+4 || headersLen > totalLen-esPreludeLen-4 {
		return "", nil, fmt.Errorf("eventstream: implausible frame size %d/%d", totalLen, headersLen)
	}

	rest := make([]byte, totalLen-esPreludeLen)
	if _, err := io.ReadFull(d.r, rest); err != nil {
		return "", nil, io.ErrUnexpectedEOF
	}

	msgCRC := binary.BigEndian.Uint32(rest[len(rest)-4:])
	crc := crc32.ChecksumIEEE(prelude[:])
	crc = crc32.Update(crc, crc32.IEEETable, rest[:len(rest)-4])
	if crc != msgCRC {
		return "", nil, fmt.Errorf("eventstream: message checksum mismatch")
	}

	headers, err := parseEventHeaders(rest[:headersLen])
	if err != nil {
		return "", nil, err
	}
	payload := rest[headersLen : len(rest)-4]

	if mt := headers[":message-type"]; mt != "" && mt != "event" {
		return "", nil, fmt.Errorf("eventstream: %s: %s (%s)",
			mt, headers[":error-message"], headers[":error-code"])
	}

	return headers[":event-type"], payload, nil
}

func parseEventHeaders(buf []byte) (map[string]string, error) {
	headers := make(map[string]string)
	for len(buf) > 0 {
		nameLen := int(buf[0])
		if len(buf) < 1+nameLen+1 {
			return nil, fmt.Errorf("eventstream: truncated header name")
		}
		name := string(buf[1 : 1+nameLen])
		valueType := buf[1+nameLen]
		buf = buf[1+nameLen+1:]

		// Only string-typed headers appear on this stream.
		if valueType != esHeaderString {
			return nil, fmt.Errorf("eventstream: unsupported header type %d", valueType)
		}
		if len(buf) < 2 {
			return nil, fmt.Errorf("eventstream: truncated header value length")
		}
		valueLen := int(binary.BigEndian.Uint16(buf[:2]))
		if len(buf) < 2+valueLen {
			return nil, fmt.Errorf("eventstream: truncated header value")
		}
		headers[name] = string(buf[2 : 2+valueLen])
		buf = buf[2+valueLen:]
	}
	return headers, nil
}
