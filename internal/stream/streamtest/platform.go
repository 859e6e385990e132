package streamtest

import (
	"context"
	"sync"

	"github.com/meteoradja-ytmjk/ozanglive/internal/stream"
)

// Method names counted by Platform.Calls.
const (
	CallResolveCredential = "ResolveCredential"
	CallAccessToken       = "AccessToken"
	CallFindBroadcast     = "FindBroadcastByKey"
	CallBroadcastStatus   = "BroadcastStatus"
	CallSetVisibility     = "SetVisibility"
)

// Platform is a scripted platform client. Unknown users resolve to a
// credential with the user id; tokens are "token-<user>".
type Platform struct {
	mu         sync.Mutex
	calls      map[string]int
	tokenErr   map[string]error
	broadcasts map[string]string
	statuses   map[string]stream.BroadcastStatus
	statusErr  error
	findErr    error
	visibility func(attempt int) (stream.VisibilityResult, error)
	visCalls   []VisibilityCall
}

// VisibilityCall records one SetVisibility invocation.
type VisibilityCall struct {
	BroadcastID string
	Visibility  string
	Attempt     int
}

func NewPlatform() *Platform {
	return &Platform{
		calls:      make(map[string]int),
		tokenErr:   make(map[string]error),
		broadcasts: make(map[string]string),
		statuses:   make(map[string]stream.BroadcastStatus),
	}
}

func (p *Platform) count(name string) {
	p.calls[name]++
}

func (p *Platform) ResolveCredential(_ context.Context, userID string) (stream.Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count(CallResolveCredential)
	return stream.Credential{UserID: userID, RefreshToken: "refresh-" + userID}, nil
}

func (p *Platform) AccessToken(_ context.Context, c stream.Credential) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count(CallAccessToken)
	if err := p.tokenErr[c.UserID]; err != nil {
		return "", err
	}
	return "token-" + c.UserID, nil
}

func (p *Platform) FindBroadcastByKey(_ context.Context, _ string, streamKey string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count(CallFindBroadcast)
	if p.findErr != nil {
		return "", p.findErr
	}
	id, ok := p.broadcasts[streamKey]
	if !ok {
		return "", stream.ErrBroadcastNotFound
	}
	return id, nil
}

func (p *Platform) BroadcastStatus(_ context.Context, _ string, broadcastID string) (stream.BroadcastStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count(CallBroadcastStatus)
	if p.statusErr != nil {
		return stream.BroadcastStatus{}, p.statusErr
	}
	st, ok := p.statuses[broadcastID]
	if !ok {
		return stream.BroadcastStatus{Exists: false}, nil
	}
	return st, nil
}

func (p *Platform) SetVisibility(_ context.Context, _ string, broadcastID, visibility string, attempt int) (stream.VisibilityResult, error) {
	p.mu.Lock()
	p.count(CallSetVisibility)
	p.visCalls = append(p.visCalls, VisibilityCall{BroadcastID: broadcastID, Visibility: visibility, Attempt: attempt})
	fn := p.visibility
	p.mu.Unlock()
	if fn == nil {
		return stream.VisibilityResult{Success: true}, nil
	}
	return fn(attempt)
}

// AddBroadcast binds a stream key to a broadcast with a lifecycle status.
func (p *Platform) AddBroadcast(streamKey, broadcastID, lifeCycle string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.broadcasts[streamKey] = broadcastID
	p.statuses[broadcastID] = stream.BroadcastStatus{Exists: true, LifeCycleStatus: lifeCycle}
}

func (p *Platform) SetLifeCycle(broadcastID, lifeCycle string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses[broadcastID] = stream.BroadcastStatus{Exists: true, LifeCycleStatus: lifeCycle}
}

// RemoveBroadcast makes status queries report a missing broadcast.
func (p *Platform) RemoveBroadcast(broadcastID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.statuses, broadcastID)
}

// SetStatusError makes every BroadcastStatus call fail with err (nil clears).
func (p *Platform) SetStatusError(err error) {
	p.mu.Lock()
	p.statusErr = err
	p.mu.Unlock()
}

func (p *Platform) SetFindError(err error) {
	p.mu.Lock()
	p.findErr = err
	p.mu.Unlock()
}

func (p *Platform) SetTokenError(userID string, err error) {
	p.mu.Lock()
	p.tokenErr[userID] = err
	p.mu.Unlock()
}

func (p *Platform) SetVisibilityFunc(fn func(attempt int) (stream.VisibilityResult, error)) {
	p.mu.Lock()
	p.visibility = fn
	p.mu.Unlock()
}

func (p *Platform) Calls(method string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[method]
}

// TotalCalls counts every platform call.
func (p *Platform) TotalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, v := range p.calls {
		n += v
	}
	return n
}

func (p *Platform) VisibilityCalls() []VisibilityCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]VisibilityCall(nil), p.visCalls...)
}

var _ stream.Platform = (*Platform)(nil)
