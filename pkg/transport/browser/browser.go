// Package browser streams completions through a page the user is logged into.
// A script injected into the page fetches the completion stream and buffers
// its payloads on window.__chatline; the transport drains that buffer by
// polling over the DevTools protocol.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/go-go-golems/chatline/pkg/stream"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const DefaultPollInterval = 100 * time.Millisecond

type Settings struct {
	// DevtoolsURL is the websocket URL of a running browser. When empty a
	// headless browser is started.
	DevtoolsURL string
	// PageURL is navigated to once so the injected fetch runs with the page's
	// cookies.
	PageURL string
	// Endpoint is the completion URL fetched from inside the page.
	Endpoint     string
	PollInterval time.Duration
}

// evalFunc runs a script in the page and decodes its result into res.
type evalFunc func(ctx context.Context, script string, res interface{}) error

type Transport struct {
	settings Settings
	eval     evalFunc

	mu     sync.Mutex
	cancel []context.CancelFunc
}

var _ stream.Transport = &Transport{}

func New(ctx context.Context, s Settings) (*Transport, error) {
	if s.Endpoint == "" {
		return nil, errors.New("browser transport: endpoint is required")
	}
	if s.PollInterval <= 0 {
		s.PollInterval = DefaultPollInterval
	}

	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if s.DevtoolsURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(ctx, s.DevtoolsURL)
	} else {
		allocCtx, allocCancel = chromedp.NewExecAllocator(ctx, chromedp.DefaultExecAllocatorOptions[:]...)
	}
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	actions := []chromedp.Action{}
	if s.PageURL != "" {
		actions = append(actions, chromedp.Navigate(s.PageURL), chromedp.WaitReady("body"))
	} else {
		actions = append(actions, chromedp.Navigate("about:blank"))
	}
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		tabCancel()
		allocCancel()
		return nil, errors.Wrap(err, "browser transport: open page")
	}

	t := &Transport{
		settings: s,
		cancel:   []context.CancelFunc{tabCancel, allocCancel},
	}
	t.eval = func(ctx context.Context, script string, res interface{}) error {
		runCtx, cancel := context.WithCancel(tabCtx)
		defer cancel()
		stop := context.AfterFunc(ctx, cancel)
		defer stop()
		return chromedp.Run(runCtx, chromedp.Evaluate(script, res))
	}
	return t, nil
}

func (t *Transport) Name() string { return "browser" }

// Shutdown closes the tab and the browser connection.
func (t *Transport) Shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.cancel {
		c()
	}
	t.cancel = nil
}

func (t *Transport) Open(ctx context.Context, req stream.Request) (stream.Handle, error) {
	script, err := StartScript(req, t.settings.Endpoint)
	if err != nil {
		return nil, err
	}
	if err := t.eval(ctx, script, nil); err != nil {
		return nil, errors.Wrap(err, "browser transport: inject request")
	}
	log.Debug().Str("component", "browser").Str("request_id", req.ID).Msg("request injected")
	return &handle{id: req.ID, eval: t.eval, poll: t.settings.PollInterval}, nil
}

type requestBody struct {
	Model    string        `json:"model"`
	Messages []messageBody `json:"messages"`
	Stream   bool          `json:"stream"`
}

type messageBody struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// StartScript builds the script that starts the request inside the page.
func StartScript(req stream.Request, endpoint string) (string, error) {
	body := requestBody{Model: req.Model, Stream: true}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, messageBody{Role: string(m.Role), Content: m.Content, Name: m.Name})
	}
	b, err := json.Marshal(body)
	if err != nil {
		return "", errors.Wrap(err, "browser transport: encode request")
	}
	id, _ := json.Marshal(req.ID)
	ep, _ := json.Marshal(endpoint)
	return fmt.Sprintf(`(() => {
	const id = %s;
	window.__chatline = window.__chatline || {};
	const slot = { queue: [], done: false, error: "", abort: new AbortController() };
	window.__chatline[id] = slot;
	(async () => {
		try {
			const resp = await fetch(%s, {
				method: "POST",
				credentials: "include",
				headers: { "Content-Type": "application/json" },
				body: JSON.stringify(%s),
				signal: slot.abort.signal,
			});
			if (!resp.ok) { slot.error = "status " + resp.status; slot.done = true; return; }
			const reader = resp.body.getReader();
			const dec = new TextDecoder();
			let buf = "";
			for (;;) {
				const { value, done } = await reader.read();
				if (done) break;
				buf += dec.decode(value, { stream: true });
				let nl;
				while ((nl = buf.indexOf("\n")) >= 0) {
					const line = buf.slice(0, nl).trim();
					buf = buf.slice(nl + 1);
					if (line.startsWith("data:")) slot.queue.push(line);
				}
			}
			if (buf.trim().startsWith("data:")) slot.queue.push(buf.trim());
		} catch (e) {
			if (e.name !== "AbortError") slot.error = String(e);
		}
		slot.done = true;
	})();
	return true;
})()`, id, ep, b), nil
}

// DrainScript returns the buffered payloads of a request and empties the buffer.
func DrainScript(id string) string {
	b, _ := json.Marshal(id)
	return fmt.Sprintf(`(() => {
	const slot = (window.__chatline || {})[%s];
	if (!slot) return { payloads: [], done: true, error: "request not found" };
	const payloads = slot.queue.splice(0, slot.queue.length);
	return { payloads: payloads, done: slot.done, error: slot.error };
})()`, b)
}

// ReleaseScript aborts the request and removes its buffer from the page.
func ReleaseScript(id string) string {
	b, _ := json.Marshal(id)
	return fmt.Sprintf(`(() => {
	const all = window.__chatline || {};
	const slot = all[%s];
	if (slot) { slot.abort.abort(); delete all[%s]; }
	return true;
})()`, b, b)
}

type drained struct {
	Payloads []string `json:"payloads"`
	Done     bool     `json:"done"`
	Error    string   `json:"error"`
}

type handle struct {
	id      string
	eval    evalFunc
	poll    time.Duration
	pending []stream.Chunk
	done    bool
	failure string
	closed  bool
}

func (h *handle) Next(ctx context.Context) (stream.Chunk, error) {
	for {
		if len(h.pending) > 0 {
			c := h.pending[0]
			h.pending = h.pending[1:]
			return c, nil
		}
		if h.done {
			if h.failure != "" {
				return stream.Chunk{}, errors.Errorf("browser transport: request failed: %s", h.failure)
			}
			return stream.EndOfStream(), nil
		}
		var d drained
		if err := h.eval(ctx, DrainScript(h.id), &d); err != nil {
			if ctx.Err() != nil {
				return stream.Chunk{}, ctx.Err()
			}
			return stream.Chunk{}, errors.Wrap(err, "browser transport: poll")
		}
		for _, p := range d.Payloads {
			h.pending = append(h.pending, stream.DecodeCompletionPayload([]byte(p)))
		}
		if d.Done {
			// Payloads drained with the failure are delivered first.
			h.done = true
			h.failure = d.Error
		}
		if len(h.pending) > 0 || h.done {
			continue
		}
		select {
		case <-ctx.Done():
			return stream.Chunk{}, ctx.Err()
		case <-time.After(h.poll):
		}
	}
}

func (h *handle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.eval(ctx, ReleaseScript(h.id), nil); err != nil {
		return errors.Wrap(err, "browser transport: release request")
	}
	return nil
}
