package upstream

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/browsertap/relay/internal/event"
)

// Network domain buffer caps. Bounding these keeps the browser-side event
// buffer from growing without limit on busy pages.
const (
	maxTotalBufferSize    = 10_000_000
	maxResourceBufferSize = 5_000_000
)

// RodClient speaks the DevTools protocol through go-rod against a browser
// whose remote debugging endpoint listens on the discovery port.
//
// The session calls ListTargets then Attach sequentially for each attempt;
// the browser connection opened by ListTargets is reused by Attach and
// owned by the returned conn afterwards.
type RodClient struct {
	addr    string
	browser *rod.Browser
}

func NewRodClient(port int) *RodClient {
	return &RodClient{addr: fmt.Sprintf("127.0.0.1:%d", port)}
}

func (c *RodClient) ListTargets(ctx context.Context) ([]Target, error) {
	c.dropBrowser()

	wsURL, err := launcher.ResolveURL(c.addr)
	if err != nil {
		return nil, fmt.Errorf("resolve devtools endpoint %s: %w", c.addr, err)
	}

	browser := rod.New().Context(ctx).ControlURL(wsURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", wsURL, err)
	}

	res, err := proto.TargetGetTargets{}.Call(browser)
	if err != nil {
		browser.Close()
		return nil, fmt.Errorf("get targets: %w", err)
	}

	targets := make([]Target, 0, len(res.TargetInfos))
	for _, info := range res.TargetInfos {
		targets = append(targets, Target{
			ID:    string(info.TargetID),
			Title: info.Title,
			URL:   info.URL,
			Kind:  TargetKind(info.Type),
		})
	}

	c.browser = browser
	return targets, nil
}

func (c *RodClient) Attach(ctx context.Context, target Target) (Conn, error) {
	browser := c.browser
	c.browser = nil
	if browser == nil {
		return nil, fmt.Errorf("attach without target listing")
	}

	page, err := browser.PageFromTarget(proto.TargetTargetID(target.ID))
	if err != nil {
		browser.Close()
		return nil, fmt.Errorf("open session: %w", err)
	}

	if err := enableDomains(page); err != nil {
		browser.Close()
		return nil, err
	}

	conn := &rodConn{browser: browser, page: page, done: make(chan struct{})}
	return conn, nil
}

// enableDomains activates exactly the four domains the relay consumes.
// Any single failure fails the whole attach attempt; a partially activated
// session is never exposed.
func enableDomains(page *rod.Page) error {
	total := maxTotalBufferSize
	resource := maxResourceBufferSize
	if err := (proto.NetworkEnable{
		MaxTotalBufferSize:    &total,
		MaxResourceBufferSize: &resource,
	}).Call(page); err != nil {
		return fmt.Errorf("enable network domain: %w", err)
	}
	if err := (proto.PageEnable{}).Call(page); err != nil {
		return fmt.Errorf("enable page domain: %w", err)
	}
	if err := (proto.RuntimeEnable{}).Call(page); err != nil {
		return fmt.Errorf("enable runtime domain: %w", err)
	}
	if err := (proto.PerformanceEnable{}).Call(page); err != nil {
		return fmt.Errorf("enable performance domain: %w", err)
	}
	return nil
}

func (c *RodClient) dropBrowser() {
	if c.browser != nil {
		c.browser.Close()
		c.browser = nil
	}
}

type rodConn struct {
	browser *rod.Browser
	page    *rod.Page
	done    chan struct{}
}

func (c *rodConn) Listen(sink EventSink) {
	wait := c.page.EachEvent(
		func(e *proto.NetworkResponseReceived) {
			ev := event.NetworkRequestStarted{
				RequestID:    string(e.RequestID),
				ResourceType: string(e.Type),
				TS:           event.Millis(time.Now()),
			}
			if e.Response != nil {
				ev.URL = e.Response.URL
				ev.Status = e.Response.Status
				ev.Protocol = e.Response.Protocol
				ev.EncodedBytes = e.Response.EncodedDataLength
			}
			sink(ev)
		},
		func(e *proto.NetworkLoadingFinished) {
			sink(event.NetworkRequestFinished{
				RequestID:    string(e.RequestID),
				EncodedBytes: e.EncodedDataLength,
				TS:           event.Millis(time.Now()),
			})
		},
		func(e *proto.RuntimeExceptionThrown) {
			sink(exceptionEvent(e.ExceptionDetails))
		},
	)
	go func() {
		// wait returns when the event stream ends, which is how we learn
		// the transport dropped.
		wait()
		close(c.done)
	}()
}

func exceptionEvent(details *proto.RuntimeExceptionDetails) event.RuntimeException {
	ev := event.RuntimeException{TS: event.Millis(time.Now())}
	if details == nil {
		return ev
	}
	ev.Text = details.Text
	if details.Exception != nil && details.Exception.Description != "" {
		ev.Text = details.Exception.Description
	}
	ev.URL = details.URL
	ev.Line = details.LineNumber
	ev.Column = details.ColumnNumber
	return ev
}

func (c *rodConn) Metrics(ctx context.Context) ([]event.Metric, error) {
	res, err := proto.PerformanceGetMetrics{}.Call(c.page.Context(ctx))
	if err != nil {
		return nil, err
	}
	metrics := make([]event.Metric, 0, len(res.Metrics))
	for _, m := range res.Metrics {
		metrics = append(metrics, event.Metric{Name: m.Name, Value: m.Value})
	}
	return metrics, nil
}

func (c *rodConn) Done() <-chan struct{} { return c.done }

func (c *rodConn) Close() error {
	return c.browser.Close()
}
