package application

import (
	"errors"
	"testing"

	"socks4-proxy/internal/domain"
)

type recordingHandler struct {
	responses []domain.ConnectResponse
}

func (h *recordingHandler) OnConnectResponse(resp domain.ConnectResponse) {
	h.responses = append(h.responses, resp)
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	h1, h2 := &recordingHandler{}, &recordingHandler{}

	if err := r.Register(1, h1); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(2, h2); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(1, h2); !errors.Is(err, ErrRequestOutstanding) {
		t.Fatalf("duplicate register err=%v", err)
	}

	if !r.Deliver(domain.ConnectResponse{ID: 1, Status: true}) {
		t.Fatal("response for 1 not delivered")
	}
	if r.Deliver(domain.ConnectResponse{ID: 1, Status: true}) {
		t.Fatal("second response for 1 delivered")
	}
	if len(h1.responses) != 1 || len(h2.responses) != 0 {
		t.Fatalf("h1=%d h2=%d", len(h1.responses), len(h2.responses))
	}

	if !r.Remove(2) || r.Remove(2) {
		t.Fatal("remove did not report presence")
	}
	if r.Deliver(domain.ConnectResponse{ID: 2}) {
		t.Fatal("response delivered to removed handler")
	}

	// The slot is free again once the first request completed.
	if err := r.Register(1, h1); err != nil {
		t.Fatal(err)
	}
	if r.Len() != 1 {
		t.Fatalf("len %d", r.Len())
	}
}
