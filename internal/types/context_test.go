package types

import (
	"context"
	"testing"
)

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req_abc123")
	if got := GetRequestID(ctx); got != "req_abc123" {
		t.Errorf("GetRequestID = %q, want %q", got, "req_abc123")
	}
}

func TestGetRequestID_Missing(t *testing.T) {
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID on empty context = %q, want empty", got)
	}
}

func TestActorRoundTrip(t *testing.T) {
	actor := Actor{ID: "key_1", Type: ActorTypeAPIKey}
	ctx := WithActor(context.Background(), actor)

	got, ok := GetActor(ctx)
	if !ok {
		t.Fatal("GetActor returned ok=false after WithActor")
	}
	if got != actor {
		t.Errorf("GetActor = %+v, want %+v", got, actor)
	}
}

func TestGetActor_Missing(t *testing.T) {
	if _, ok := GetActor(context.Background()); ok {
		t.Error("GetActor on empty context should return ok=false")
	}
}

func TestLoggerFromContext_Missing(t *testing.T) {
	if l := LoggerFromContext(context.Background()); l != nil {
		t.Errorf("LoggerFromContext on empty context = %v, want nil", l)
	}
}
