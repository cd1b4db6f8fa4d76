package rodpage

import (
	"context"
	"encoding/base64"

	"github.com/go-rod/rod/lib/proto"

	"github.com/egsclaim/egsclaim/pkg/page"
)

type pendingResponse struct {
	url    string
	method string
	status int
}

// OnResponse streams completed responses, with bodies, to fn. Bodies are
// fetched after the loading-finished event so they are complete.
func (p *Page) OnResponse(fn func(page.Response)) func() {
	ctx, cancel := context.WithCancel(p.p.GetContext())
	rp := p.p.Context(ctx)

	pending := make(map[proto.NetworkRequestID]*pendingResponse)

	wait := rp.EachEvent(
		func(ev *proto.NetworkRequestWillBeSent) {
			if ev.Request == nil {
				return
			}
			pending[ev.RequestID] = &pendingResponse{url: ev.Request.URL, method: ev.Request.Method}
		},
		func(ev *proto.NetworkResponseReceived) {
			if r, ok := pending[ev.RequestID]; ok && ev.Response != nil {
				r.status = ev.Response.Status
			}
		},
		func(ev *proto.NetworkLoadingFailed) {
			delete(pending, ev.RequestID)
		},
		func(ev *proto.NetworkLoadingFinished) {
			r, ok := pending[ev.RequestID]
			if !ok {
				return
			}
			delete(pending, ev.RequestID)
			go p.deliver(ctx, ev.RequestID, r, fn)
		},
	)
	go wait()
	return cancel
}

func (p *Page) deliver(ctx context.Context, id proto.NetworkRequestID, r *pendingResponse, fn func(page.Response)) {
	res, err := proto.NetworkGetResponseBody{RequestID: id}.Call(p.p.Context(ctx))
	if err != nil {
		return
	}
	body := []byte(res.Body)
	if res.Base64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(res.Body)
		if err != nil {
			return
		}
		body = decoded
	}
	if ctx.Err() != nil {
		return
	}

	// Serialise deliveries so listeners never run concurrently.
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(page.Response{URL: r.url, Method: r.method, Status: r.status, Body: body})
}
